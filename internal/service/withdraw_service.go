package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/chain"
	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/pkg/amount"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/errno"
	"settlement-core/pkg/logger"
)

// WalletBalance 工作钱包链上余额
type WalletBalance struct {
	Address string          `json:"address"`
	Wei     string          `json:"wei"`
	Balance decimal.Decimal `json:"balance"`
}

// WithdrawService 提现申请与查询
type WithdrawService struct {
	store          ledger.Store
	chain          chain.Client
	cache          cache.Cache
	workingAddress string
	balanceTTL     time.Duration
	now            func() time.Time
}

var _ WithdrawAPI = (*WithdrawService)(nil)

type WithdrawOption func(*WithdrawService)

func WithWithdrawClock(now func() time.Time) WithdrawOption {
	return func(s *WithdrawService) { s.now = now }
}

func NewWithdrawService(store ledger.Store, client chain.Client, c cache.Cache, workingAddress string, balanceTTL time.Duration, opts ...WithdrawOption) *WithdrawService {
	s := &WithdrawService{
		store:          store,
		chain:          client,
		cache:          c,
		workingAddress: workingAddress,
		balanceTTL:     balanceTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueWithdrawal 校验后扣减游戏余额并创建 queued 提现单，由 WithdrawalWorker 异步上链
func (s *WithdrawService) EnqueueWithdrawal(ctx context.Context, userID uint64, toAddress, amountStr string) (uint64, error) {
	if !common.IsHexAddress(toAddress) {
		return 0, errno.ErrInvalidAddress
	}
	amt, err := decimal.NewFromString(amountStr)
	if err != nil || !amt.IsPositive() || !amt.Equal(amt.Truncate(amount.CoinDecimals)) {
		return 0, errno.ErrInvalidAmount
	}

	w := &model.Withdrawal{
		UserID:      userID,
		ToAddress:   common.HexToAddress(toAddress).Hex(),
		Amount:      amt,
		RequestedAt: s.now(),
	}
	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return 0, errno.ErrInsufficientBalance
		}
		return 0, fmt.Errorf("create withdrawal: %w", err)
	}

	logger.Info("[Withdraw] 提现已入队",
		zap.Uint64("withdrawal_id", w.ID),
		zap.Uint64("user_id", userID),
		zap.String("to", w.ToAddress),
		zap.String("amount", amt.String()),
	)
	return w.ID, nil
}

func (s *WithdrawService) GetWithdrawalStatus(ctx context.Context, id uint64) (*model.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, errno.ErrWithdrawalNotFound
	}
	return w, err
}

// GetWorkingWalletBalance 带短 TTL 缓存，避免前端轮询打满 RPC
func (s *WithdrawService) GetWorkingWalletBalance(ctx context.Context) (*WalletBalance, error) {
	key := "wallet:balance:" + strings.ToLower(s.workingAddress)

	var cached WalletBalance
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	wei, err := s.chain.Balance(ctx, s.workingAddress)
	if err != nil {
		logger.Warn("[Withdraw] query wallet balance failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", errno.ErrChainUnavailable, err)
	}

	b := &WalletBalance{
		Address: s.workingAddress,
		Wei:     wei.String(),
		Balance: amount.WeiToCoin(wei),
	}
	if err := s.cache.Set(ctx, key, b, s.balanceTTL); err != nil {
		logger.Warn("[Withdraw] cache wallet balance failed", zap.Error(err))
	}
	return b, nil
}
