package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss key 不存在或已过期
var ErrMiss = errors.New("cache miss")

// Cache 定义通用缓存接口
type Cache interface {
	// Set 设置缓存
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get 获取缓存，并将结果 Unmarshal 到 target 中; 未命中返回 ErrMiss
	Get(ctx context.Context, key string, target interface{}) error
	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
}

// IsMiss 区分 "没有值" 与 "缓存不可用"
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}
