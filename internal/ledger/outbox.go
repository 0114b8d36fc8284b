package ledger

import (
	"context"

	"settlement-core/internal/model"
)

// PendingOutbox 按写入顺序取一批待投递消息
func (s *GormStore) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	var messages []model.OutboxMessage
	err := s.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkOutboxSent 投递成功后更新; 失败的话下一轮会重发 (at-least-once)
func (s *GormStore) MarkOutboxSent(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusSent).Error
}
