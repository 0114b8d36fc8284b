package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-core/internal/model"
)

// LoadCursor 返回 (高度, 是否存在, error)
func (s *GormStore) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	var c model.ScanCursor
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c.BlockNumber, true, nil
}

// SaveCursor upsert
func (s *GormStore) SaveCursor(ctx context.Context, name string, height uint64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "updated_at"}),
	}).Create(&model.ScanCursor{Name: name, BlockNumber: height}).Error
}
