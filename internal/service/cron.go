package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"settlement-core/internal/ledger"
	"settlement-core/pkg/lock"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
)

const (
	expiryLockKey = "cron:lock:expire_deposits"
	expiryLockTTL = 30 * time.Second
	expiryTimeout = 20 * time.Second
)

// CronService 定时任务; 目前只有 DepositExpiryReaper
type CronService struct {
	cron     *cron.Cron
	store    ledger.Store
	locker   lock.DistributedLock // 可选，多实例时只有一个实例执行
	schedule string
	now      func() time.Time
}

type CronOption func(*CronService)

func WithCronClock(now func() time.Time) CronOption {
	return func(s *CronService) { s.now = now }
}

func NewCronService(store ledger.Store, locker lock.DistributedLock, schedule string, opts ...CronOption) *CronService {
	if schedule == "" {
		schedule = "@every 1m"
	}
	s := &CronService{
		cron:     cron.New(),
		store:    store,
		locker:   locker,
		schedule: schedule,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.expireDepositsJob); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info("Cron Service started", zap.String("expiry_cron", s.schedule))
	return nil
}

// Stop 等待正在执行的任务结束
func (s *CronService) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	logger.Info("Cron Service stopped")
}

func (s *CronService) expireDepositsJob() {
	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()

	if s.locker != nil {
		locked, err := s.locker.Acquire(ctx, expiryLockKey, expiryLockTTL)
		switch {
		case err != nil:
			// 条件更新本身是幂等的，锁不可用时照常执行
			logger.Warn("ExpireDeposits: lock unavailable, running anyway", zap.Error(err))
		case !locked:
			logger.Debug("ExpireDeposits: 获取锁失败或已有实例在运行")
			return
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), expiryLockKey); err != nil {
					logger.Warn("ExpireDeposits: release lock failed", zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	_, err := s.ExpireDeposits(ctx)
	monitor.Business.TaskDuration.WithLabelValues("deposit_expiry").Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.Business.TaskErrorsTotal.WithLabelValues("deposit_expiry").Inc()
		logger.Error("ExpireDeposits failed", zap.Error(err))
	}
}

// ExpireDeposits 把超过截止时间仍未匹配的充值单标记为 expired，释放其金额
func (s *CronService) ExpireDeposits(ctx context.Context) (int64, error) {
	ids, err := s.store.FindExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.store.MarkExpired(ctx, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		monitor.Business.DepositsExpiredTotal.Add(float64(n))
		logger.Info("过期充值单已回收", zap.Int64("expired", n), zap.Int("candidates", len(ids)))
	}
	return n, nil
}
