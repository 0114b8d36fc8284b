// Package ledger 持久化充值单、提现单、游戏余额、扫块游标与 outbox 消息
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"settlement-core/internal/model"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrAmountTaken         = errors.New("unique amount collides with an open deposit")
	ErrAlreadyMatched      = errors.New("deposit already matched or no longer open")
	ErrTxAlreadyUsed       = errors.New("transaction already credited to a deposit")
	ErrInsufficientBalance = errors.New("insufficient game balance")
	ErrNothingToClaim      = errors.New("no queued withdrawal to claim")
	// ErrStateConflict 条件更新未命中: 记录已不在预期状态 (被其他 worker 或恢复流程处理)
	ErrStateConflict = errors.New("record is not in the expected state")
)

// MatchParams 一次金额匹配的结果
type MatchParams struct {
	DepositID             uint64
	TxHash                string
	BlockNumber           uint64
	RequiredConfirmations int
	MatchedAt             time.Time
}

// FailParams 提现进入 failed 的条件更新
type FailParams struct {
	WithdrawalID   uint64
	ExpectStatus   string // processing 或 sent
	Error          string
	IncrementRetry bool
	At             time.Time
}

// Store 结算引擎依赖的持久化接口
// 所有状态迁移都是条件更新 (compare-and-set)，多实例共享同一个库时依然安全
type Store interface {
	// deposits
	CreateDeposit(ctx context.Context, d *model.Deposit, minGapUnits int64) error
	GetDeposit(ctx context.Context, id uint64) (*model.Deposit, error)
	OpenMatchUnits(ctx context.Context) ([]int64, error)
	CountOpenDeposits(ctx context.Context, now time.Time) (int64, error)
	FindUnmatchedByAmount(ctx context.Context, units, epsUnits int64) ([]model.Deposit, error)
	MarkMatched(ctx context.Context, p MatchParams) (*model.Deposit, error)
	FindPendingConfirmation(ctx context.Context, required, limit int) ([]model.Deposit, error)
	SetConfirmations(ctx context.Context, id uint64, confirmations, required int) (bool, error)
	FindExpired(ctx context.Context, now time.Time) ([]uint64, error)
	MarkExpired(ctx context.Context, ids []uint64) (int64, error)

	// withdrawals
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error
	GetWithdrawal(ctx context.Context, id uint64) (*model.Withdrawal, error)
	CountActiveWithdrawals(ctx context.Context) (int64, error)
	ClaimNextQueued(ctx context.Context, now time.Time) (*model.Withdrawal, error)
	FindStuckProcessing(ctx context.Context, cutoff time.Time) ([]model.Withdrawal, error)
	SetProcessing(ctx context.Context, id uint64, now time.Time) error
	RecordAttempt(ctx context.Context, id uint64, txHash string, nonce uint64, gasPrice string) error
	ClearAttempt(ctx context.Context, id uint64) error
	SetTerminal(ctx context.Context, id uint64, expect, status string, fields map[string]interface{}) error
	MarkSent(ctx context.Context, id uint64, txHash string, now time.Time) error
	FailAndRefund(ctx context.Context, p FailParams) (refunded bool, err error)
	Requeue(ctx context.Context, id uint64, errMsg string, incrementRetry bool) error
	FindSent(ctx context.Context, limit int) ([]model.Withdrawal, error)
	MarkCompleted(ctx context.Context, id uint64, now time.Time) error

	// users
	IncrementBalance(ctx context.Context, userID uint64, delta decimal.Decimal) error
	GetBalanceSnapshot(ctx context.Context, userID uint64) (*model.User, error)

	// scan cursor
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
	SaveCursor(ctx context.Context, name string, height uint64) error

	// outbox
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id uint64) error
}
