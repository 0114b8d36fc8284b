package mq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisProducer 基于 Redis Stream，没有 Kafka 的部署使用
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer maxLen<=0 表示不裁剪 Stream
func NewRedisProducer(client *redis.Client, maxLen int64) *RedisProducer {
	return &RedisProducer{client: client, maxLen: maxLen}
}

func (p *RedisProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", topic, err)
	}
	return nil
}

// Close redis 连接由调用方统一关闭
func (p *RedisProducer) Close() error {
	return nil
}
