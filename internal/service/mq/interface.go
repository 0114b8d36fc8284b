// Package mq 把 outbox 中的领域事件投递到消息中间件
package mq

import "context"

// Producer 生产者接口
type Producer interface {
	// Publish 发送消息
	// key: 分区键 (UserID)，保证同一用户的事件有序
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}
