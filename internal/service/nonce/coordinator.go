// Package nonce 为共享工作钱包串行分配交易 nonce
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"settlement-core/internal/chain"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/lock"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
)

var (
	// ErrNoNonceSource 缓存为空且链上查询失败，无法安全地给出 nonce
	ErrNoNonceSource = errors.New("nonce: no source available")
	ErrLockTimeout   = errors.New("nonce: timed out waiting for distributed lock")
	ErrClosed        = errors.New("nonce: coordinator closed")
)

const (
	defaultCacheTTL  = time.Hour
	defaultLockTTL   = 30 * time.Second
	defaultLockWait  = 10 * time.Second
	defaultLockRetry = 50 * time.Millisecond
)

// Coordinator 按地址串行化 nonce 分配
// 三个来源: 共享缓存 (Redis)、本地缓存 (go-cache)、链上 pending 交易数
// 缓存中存的是 "最后一次分配出去的 nonce"
type Coordinator struct {
	chain  chain.Client
	local  cache.Cache
	shared cache.Cache           // 可选，不可用时降级
	locker lock.DistributedLock // 可选，跨进程互斥

	locks     *keyedMutex
	cacheTTL  time.Duration
	lockTTL   time.Duration
	lockWait  time.Duration
	lockRetry time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Coordinator)

func WithSharedCache(c cache.Cache) Option {
	return func(co *Coordinator) { co.shared = c }
}

func WithDistributedLock(l lock.DistributedLock) Option {
	return func(co *Coordinator) { co.locker = l }
}

func WithCacheTTL(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.cacheTTL = d
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.lockTTL = d
		}
	}
}

func WithLockWait(wait, retry time.Duration) Option {
	return func(co *Coordinator) {
		if wait > 0 {
			co.lockWait = wait
		}
		if retry > 0 {
			co.lockRetry = retry
		}
	}
}

func New(client chain.Client, local cache.Cache, opts ...Option) *Coordinator {
	c := &Coordinator{
		chain:     client,
		local:     local,
		locks:     newKeyedMutex(),
		cacheTTL:  defaultCacheTTL,
		lockTTL:   defaultLockTTL,
		lockWait:  defaultLockWait,
		lockRetry: defaultLockRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetNonce 分配下一个 nonce
func (c *Coordinator) GetNonce(ctx context.Context, address string) (uint64, error) {
	var n uint64
	err := c.withLock(ctx, address, func(ctx context.Context, addr string) error {
		next, sharedOK, err := c.next(ctx, addr)
		if err != nil {
			return err
		}
		c.store(ctx, addr, next, sharedOK)
		n = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	monitor.Business.NonceIssuedTotal.Inc()
	return n, nil
}

// ReserveNonces 一次分配 count 个连续 nonce
func (c *Coordinator) ReserveNonces(ctx context.Context, address string, count int) ([]uint64, error) {
	if count <= 0 {
		return nil, fmt.Errorf("nonce: invalid reserve count %d", count)
	}

	var out []uint64
	err := c.withLock(ctx, address, func(ctx context.Context, addr string) error {
		first, sharedOK, err := c.next(ctx, addr)
		if err != nil {
			return err
		}
		out = make([]uint64, count)
		for i := range out {
			out[i] = first + uint64(i)
		}
		c.store(ctx, addr, out[count-1], sharedOK)
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitor.Business.NonceIssuedTotal.Add(float64(count))
	return out, nil
}

// OnTransactionSuccess 交易被节点接受后，把仍在的缓存值前移到不小于该 nonce
// 缓存已被清空时不写入: 更早的 nonce 可能失败留下空洞，要由链上 pending 数重新推导
func (c *Coordinator) OnTransactionSuccess(ctx context.Context, address string, nonce uint64) {
	err := c.withLock(ctx, address, func(ctx context.Context, addr string) error {
		local := c.readCache(ctx, c.local, addr)
		shared, sharedOK := c.readShared(ctx, addr)
		if local == nil && shared == nil {
			return nil
		}

		if cur := Reconcile([]*uint64{local, shared}); cur > nonce {
			// 之后已经分配过更大的 nonce，不回退
			return nil
		}
		c.store(ctx, addr, nonce, sharedOK)
		return nil
	})
	if err != nil {
		logger.Warn("[Nonce] pin after success failed", zap.String("address", address), zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

// OnTransactionFailure 交易未被接受: 清空缓存，下次从链上重新推导，避免留下空洞
func (c *Coordinator) OnTransactionFailure(ctx context.Context, address string, nonce uint64, reason error) {
	err := c.withLock(ctx, address, func(ctx context.Context, addr string) error {
		c.evict(ctx, addr)
		return nil
	})
	logger.Info("[Nonce] evicted after failed send",
		zap.String("address", address),
		zap.Uint64("nonce", nonce),
		zap.Bool("nonce_error", chain.IsNonceError(reason)),
		zap.NamedError("reason", reason),
		zap.NamedError("evict_error", err),
	)
}

// ResetNonce 运维手动清空缓存
func (c *Coordinator) ResetNonce(ctx context.Context, address string) error {
	return c.withLock(ctx, address, func(ctx context.Context, addr string) error {
		c.evict(ctx, addr)
		return nil
	})
}

// Peek 不加锁查看各来源的值，CLI 诊断用
func (c *Coordinator) Peek(ctx context.Context, address string) (local, shared *uint64, pending uint64, err error) {
	addr := normalize(address)
	local = c.readCache(ctx, c.local, addr)
	shared, _ = c.readShared(ctx, addr)
	pending, err = c.chain.TransactionCount(ctx, addr, true)
	return local, shared, pending, err
}

// Close 拒绝新的请求，等待进行中的分配结束，并释放本实例仍持有的分布式锁
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if h, ok := c.locker.(interface{ Held() []string }); ok {
		for _, key := range h.Held() {
			if err := c.locker.Release(ctx, key); err != nil {
				logger.Warn("[Nonce] release lock on close failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	logger.Info("[Nonce] coordinator closed")
	return nil
}

func (c *Coordinator) withLock(ctx context.Context, address string, fn func(ctx context.Context, addr string) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	addr := normalize(address)

	// 1. 进程内互斥
	release, err := c.locks.Lock(ctx, addr)
	if err != nil {
		return fmt.Errorf("nonce: acquire local lock: %w", err)
	}
	defer release()

	// 2. 跨进程互斥 (Redis 不可用时降级为仅进程内互斥)
	if c.locker != nil {
		key := "nonce:" + addr
		held, err := c.acquireDistributed(ctx, key)
		if err != nil {
			return err
		}
		if held {
			defer func() {
				if err := c.locker.Release(context.WithoutCancel(ctx), key); err != nil {
					logger.Warn("[Nonce] release distributed lock failed", zap.String("key", key), zap.Error(err))
				}
			}()
		}
	}

	return fn(ctx, addr)
}

func (c *Coordinator) acquireDistributed(ctx context.Context, key string) (bool, error) {
	deadline := time.Now().Add(c.lockWait)
	for {
		ok, err := c.locker.Acquire(ctx, key, c.lockTTL)
		if err != nil {
			monitor.Business.NonceSourceDegraded.WithLabelValues("lock").Inc()
			logger.Warn("[Nonce] distributed lock unavailable, falling back to local lock", zap.Error(err))
			return false, nil
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.lockRetry):
		}
	}
}

// next 读取三个来源并计算下一个 nonce; 调用方必须持锁
func (c *Coordinator) next(ctx context.Context, addr string) (uint64, bool, error) {
	local := c.readCache(ctx, c.local, addr)
	shared, sharedOK := c.readShared(ctx, addr)

	var fromChain *uint64
	pending, err := c.chain.TransactionCount(ctx, addr, true)
	chainOK := err == nil
	if chainOK {
		fromChain = lastUsedFromPending(pending)
	} else {
		monitor.Business.NonceSourceDegraded.WithLabelValues("chain").Inc()
		logger.Warn("[Nonce] chain pending count unavailable", zap.String("address", addr), zap.Error(err))
	}

	if !chainOK && local == nil && shared == nil {
		return 0, false, fmt.Errorf("%w: %v", ErrNoNonceSource, err)
	}
	return Reconcile([]*uint64{local, shared, fromChain}), sharedOK, nil
}

func (c *Coordinator) readShared(ctx context.Context, addr string) (*uint64, bool) {
	if c.shared == nil {
		return nil, false
	}
	var v uint64
	err := c.shared.Get(ctx, cacheKey(addr), &v)
	switch {
	case err == nil:
		return &v, true
	case cache.IsMiss(err):
		return nil, true
	default:
		monitor.Business.NonceSourceDegraded.WithLabelValues("shared").Inc()
		logger.Warn("[Nonce] shared cache unavailable, reconciling without it", zap.String("address", addr), zap.Error(err))
		return nil, false
	}
}

func (c *Coordinator) readCache(ctx context.Context, cc cache.Cache, addr string) *uint64 {
	var v uint64
	if err := cc.Get(ctx, cacheKey(addr), &v); err != nil {
		return nil
	}
	return &v
}

// store 写回所有可写来源
func (c *Coordinator) store(ctx context.Context, addr string, last uint64, sharedOK bool) {
	if err := c.local.Set(ctx, cacheKey(addr), last, c.cacheTTL); err != nil {
		logger.Warn("[Nonce] local cache write failed", zap.Error(err))
	}
	if c.shared != nil && sharedOK {
		if err := c.shared.Set(ctx, cacheKey(addr), last, c.cacheTTL); err != nil {
			logger.Warn("[Nonce] shared cache write failed", zap.String("address", addr), zap.Error(err))
		}
	}
}

func (c *Coordinator) evict(ctx context.Context, addr string) {
	if err := c.local.Delete(ctx, cacheKey(addr)); err != nil {
		logger.Warn("[Nonce] local cache evict failed", zap.String("address", addr), zap.Error(err))
	}
	if c.shared != nil {
		if err := c.shared.Delete(ctx, cacheKey(addr)); err != nil {
			logger.Warn("[Nonce] shared cache evict failed", zap.String("address", addr), zap.Error(err))
		}
	}
}

func normalize(address string) string {
	return strings.ToLower(address)
}

func cacheKey(addr string) string {
	return "nonce:" + addr
}
