package ledger

import (
	"context"
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-core/internal/model"
)

// GormStore Store 的 gorm 实现 (生产 PostgreSQL，测试 SQLite)
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB 暴露底层连接，健康检查使用
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) IncrementBalance(ctx context.Context, userID uint64, delta decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return adjustBalance(tx, userID, delta, nil)
	})
}

func (s *GormStore) GetBalanceSnapshot(ctx context.Context, userID uint64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// adjustBalance 在调用方事务内原子调整余额
// extra: 额外累计字段 (total_deposited / total_withdrawn)
func adjustBalance(tx *gorm.DB, userID uint64, delta decimal.Decimal, extra map[string]interface{}) error {
	// 余额账户由外部服务创建，首次入账时补建
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.User{ID: userID}).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{"balance": gorm.Expr("balance + ?", delta)}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&model.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func userKey(userID uint64) string {
	return strconv.FormatUint(userID, 10)
}
