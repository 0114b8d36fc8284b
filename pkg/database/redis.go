package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"settlement-core/pkg/logger"
)

// ConnectRedis 连接到 Redis
// Redis 只承载缓存/锁/MQ，不可用时调用方应降级而不是退出，所以这里 Ping 失败也返回 client
func ConnectRedis(addr string, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return rdb, fmt.Errorf("无法连接到 Redis: %w", err)
	}

	logger.Info("Redis 连接成功")
	return rdb, nil
}
