package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"settlement-core/pkg/logger"
)

// MultiLevelCache 实现多级缓存 (L1: Memory, L2: Redis)
type MultiLevelCache struct {
	local  Cache
	remote Cache
}

func NewMultiLevelCache(local, remote Cache) *MultiLevelCache {
	return &MultiLevelCache{
		local:  local,
		remote: remote,
	}
}

func (m *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// L1 TTL 取 L2 的一半，减少跨实例的脏读窗口
	if err := m.local.Set(ctx, key, value, ttl/2); err != nil {
		logger.Warn("L1 cache set failed", zap.String("key", key), zap.Error(err))
	}
	return m.remote.Set(ctx, key, value, ttl)
}

func (m *MultiLevelCache) Get(ctx context.Context, key string, target interface{}) error {
	// 1. 查 L1
	if err := m.local.Get(ctx, key, target); err == nil {
		return nil
	}

	// 2. 查 L2, 命中后回写 L1
	err := m.remote.Get(ctx, key, target)
	if err == nil {
		_ = m.local.Set(ctx, key, target, time.Minute)
		return nil
	}
	if !IsMiss(err) {
		logger.Warn("L2 cache unavailable", zap.String("key", key), zap.Error(err))
	}
	return ErrMiss
}

func (m *MultiLevelCache) Delete(ctx context.Context, key string) error {
	_ = m.local.Delete(ctx, key)
	return m.remote.Delete(ctx, key)
}
