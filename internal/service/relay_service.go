package service

import (
	"context"

	"go.uber.org/zap"

	"settlement-core/internal/ledger"
	"settlement-core/internal/service/mq"
	"settlement-core/pkg/logger"
)

const relayBatch = 50

// RelayService 负责将本地消息表的消息搬运到 MQ
type RelayService struct {
	store    ledger.Store
	producer mq.Producer
}

func NewRelayService(store ledger.Store, producer mq.Producer) *RelayService {
	return &RelayService{store: store, producer: producer}
}

func (s *RelayService) Name() string { return "outbox_relay" }

// RunOnce 按写入顺序投递一批消息
// 先发送再标记 SENT: at-least-once，消费者需要按 deposit_id/withdrawal_id 幂等
func (s *RelayService) RunOnce(ctx context.Context) error {
	messages, err := s.store.PendingOutbox(ctx, relayBatch)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	for _, msg := range messages {
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			// 停在这一条，保证同一用户的事件不乱序
			logger.Warn("[Relay] 发送消息失败", zap.Uint64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))
			return err
		}
		if err := s.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			logger.Warn("[Relay] 更新状态失败，下轮会重发", zap.Uint64("id", msg.ID), zap.Error(err))
			return err
		}
	}
	logger.Debug("[Relay] 消息已投递", zap.Int("count", len(messages)))
	return nil
}
