package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/pkg/amount"
	"settlement-core/pkg/errno"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
	"settlement-core/pkg/safe_random"
)

// 随机偏移的尝试次数，之后线性搜索剩余空位
const randomOffsetAttempts = 10

// DepositConfig 充值登记参数
type DepositConfig struct {
	WorkingAddress string
	Epsilon        decimal.Decimal
	TTL            time.Duration
	MaxOffsetUnits int64 // 偏移量上限 (单位 0.0001)
}

// DepositIntent 返回给用户的转账指引
type DepositIntent struct {
	DepositID      uint64          `json:"deposit_id"`
	UniqueAmount   decimal.Decimal `json:"unique_amount"`
	WorkingAddress string          `json:"working_address"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

type DepositService struct {
	store    ledger.Store
	cfg      DepositConfig
	epsUnits int64
	now      func() time.Time

	mu sync.Mutex // 同进程内串行分配金额，跨进程由 CreateDeposit 的冲突检查兜底
}

var _ DepositAPI = (*DepositService)(nil)

type DepositOption func(*DepositService)

func WithDepositClock(now func() time.Time) DepositOption {
	return func(s *DepositService) { s.now = now }
}

func NewDepositService(store ledger.Store, cfg DepositConfig, opts ...DepositOption) *DepositService {
	if cfg.MaxOffsetUnits <= 0 {
		cfg.MaxOffsetUnits = 99
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	s := &DepositService{
		store:    store,
		cfg:      cfg,
		epsUnits: amount.EpsilonUnits(cfg.Epsilon),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// minGap 两个未关闭充值单 MatchUnits 的最小距离: 大于 2*epsilon 且不相等
func (s *DepositService) minGap() int64 {
	return 2*s.epsUnits + 1
}

// RegisterDeposit 在 baseAmount 上叠加一个随机小数偏移，得到当前唯一的转账金额
func (s *DepositService) RegisterDeposit(ctx context.Context, userID uint64, baseAmount string) (*DepositIntent, error) {
	base, err := decimal.NewFromString(baseAmount)
	if err != nil || !base.IsPositive() || !amount.HasMatchPrecision(base) {
		return nil, errno.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	occupied, err := s.store.OpenMatchUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open amounts: %w", err)
	}
	baseUnits := amount.MatchUnits(base)

	tryOffset := func(offset int64) (*DepositIntent, bool, error) {
		units := baseUnits + offset
		if s.clashes(units, occupied) {
			return nil, false, nil
		}
		intent, err := s.create(ctx, userID, base, units)
		if errors.Is(err, ledger.ErrAmountTaken) {
			// 其他实例刚刚占用了附近的金额
			occupied = append(occupied, units)
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return intent, true, nil
	}

	// 1. 随机偏移
	for i := 0; i < randomOffsetAttempts; i++ {
		offset, err := safe_random.RandomInRange(1, s.cfg.MaxOffsetUnits)
		if err != nil {
			return nil, err
		}
		if intent, ok, err := tryOffset(offset); err != nil || ok {
			return intent, err
		}
	}

	// 2. 线性搜索剩余空位
	for offset := int64(1); offset <= s.cfg.MaxOffsetUnits; offset++ {
		if intent, ok, err := tryOffset(offset); err != nil || ok {
			return intent, err
		}
	}

	logger.Warn("[Deposit] unique amount space exhausted",
		zap.Uint64("user_id", userID), zap.String("base", base.String()), zap.Int("open", len(occupied)))
	return nil, errno.ErrNoUniqueAmount
}

func (s *DepositService) clashes(units int64, occupied []int64) bool {
	gap := s.minGap()
	for _, other := range occupied {
		if amount.AbsDiff(units, other) < gap {
			return true
		}
	}
	return false
}

func (s *DepositService) create(ctx context.Context, userID uint64, base decimal.Decimal, units int64) (*DepositIntent, error) {
	now := s.now()
	d := &model.Deposit{
		UserID:          userID,
		AmountRequested: base,
		UniqueAmount:    amount.FromMatchUnits(units),
		MatchUnits:      units,
		WorkingAddress:  s.cfg.WorkingAddress,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.TTL),
	}
	if err := s.store.CreateDeposit(ctx, d, s.minGap()); err != nil {
		return nil, err
	}

	monitor.Business.DepositsRegisteredTotal.Inc()
	logger.Info("[Deposit] 充值单已登记",
		zap.Uint64("deposit_id", d.ID),
		zap.Uint64("user_id", userID),
		zap.String("unique_amount", d.UniqueAmount.String()),
		zap.Time("expires_at", d.ExpiresAt),
	)
	return &DepositIntent{
		DepositID:      d.ID,
		UniqueAmount:   d.UniqueAmount,
		WorkingAddress: d.WorkingAddress,
		ExpiresAt:      d.ExpiresAt,
	}, nil
}

func (s *DepositService) GetDepositStatus(ctx context.Context, id uint64) (*model.Deposit, error) {
	d, err := s.store.GetDeposit(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, errno.ErrDepositNotFound
	}
	return d, err
}
