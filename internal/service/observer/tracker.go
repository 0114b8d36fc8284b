package observer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"settlement-core/internal/chain"
	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
)

const trackerBatch = 100

// ConfirmationTracker 推进已匹配充值单的确认数，并把已上链的提现单推进到 completed
type ConfirmationTracker struct {
	store    ledger.Store
	chain    chain.Client
	required int
	now      func() time.Time
}

type TrackerOption func(*ConfirmationTracker)

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *ConfirmationTracker) { t.now = now }
}

func NewConfirmationTracker(store ledger.Store, client chain.Client, required int, opts ...TrackerOption) *ConfirmationTracker {
	if required <= 0 {
		required = 1
	}
	t := &ConfirmationTracker{
		store:    store,
		chain:    client,
		required: required,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ConfirmationTracker) Name() string { return "confirmation_tracker" }

func (t *ConfirmationTracker) RunOnce(ctx context.Context) error {
	height, err := t.chain.CurrentHeight(ctx)
	if err != nil {
		return err
	}
	if err := t.trackDeposits(ctx, height); err != nil {
		return err
	}
	return t.trackWithdrawals(ctx, height)
}

// Confirmations 当前高度下某个区块内交易的确认数，不小于 0
func Confirmations(height, block uint64) int {
	if height < block {
		return 0
	}
	return int(height - block + 1)
}

func (t *ConfirmationTracker) trackDeposits(ctx context.Context, height uint64) error {
	deposits, err := t.store.FindPendingConfirmation(ctx, t.required, trackerBatch)
	if err != nil {
		return err
	}

	for _, d := range deposits {
		if d.TxHash == nil {
			continue
		}
		receipt, err := t.chain.TransactionReceipt(ctx, *d.TxHash)
		if err != nil {
			// 回执缺失 (例如被重组) 只记录，不回退已有确认数
			logger.Warn("[Tracker] deposit receipt unavailable",
				zap.Uint64("deposit_id", d.ID), zap.String("tx", *d.TxHash), zap.Error(err))
			continue
		}

		n := Confirmations(height, receipt.BlockNumber)
		if n <= d.Confirmations {
			continue
		}
		updated, err := t.store.SetConfirmations(ctx, d.ID, n, t.required)
		if err != nil {
			logger.Error("[Tracker] update confirmations failed", zap.Uint64("deposit_id", d.ID), zap.Error(err))
			continue
		}
		if updated {
			monitor.Business.ConfirmationsUpdated.Inc()
			if n >= t.required {
				logger.Info("[Tracker] 充值已确认", zap.Uint64("deposit_id", d.ID), zap.Int("confirmations", n))
			}
		}
	}
	return nil
}

func (t *ConfirmationTracker) trackWithdrawals(ctx context.Context, height uint64) error {
	sent, err := t.store.FindSent(ctx, trackerBatch)
	if err != nil {
		return err
	}

	for _, w := range sent {
		receipt, err := t.chain.TransactionReceipt(ctx, *w.TxHash)
		if errors.Is(err, chain.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("[Tracker] withdrawal receipt unavailable", zap.Uint64("withdrawal_id", w.ID), zap.Error(err))
			continue
		}

		if !receipt.Success {
			t.failReverted(ctx, w)
			continue
		}
		if Confirmations(height, receipt.BlockNumber) < t.required {
			continue
		}

		err = t.store.MarkCompleted(ctx, w.ID, t.now())
		switch {
		case err == nil:
			monitor.Business.WithdrawalsTotal.WithLabelValues("completed").Inc()
			logger.Info("[Tracker] 提现已确认", zap.Uint64("withdrawal_id", w.ID), zap.String("tx", *w.TxHash))
		case errors.Is(err, ledger.ErrStateConflict):
		default:
			logger.Error("[Tracker] mark withdrawal completed failed", zap.Uint64("withdrawal_id", w.ID), zap.Error(err))
		}
	}
	return nil
}

// failReverted 交易执行失败，币没有转出，退还游戏余额
func (t *ConfirmationTracker) failReverted(ctx context.Context, w model.Withdrawal) {
	refunded, err := t.store.FailAndRefund(ctx, ledger.FailParams{
		WithdrawalID: w.ID,
		ExpectStatus: model.WithdrawalStatusSent,
		Error:        "transaction reverted on chain",
		At:           t.now(),
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrStateConflict) {
			logger.Error("[Tracker] fail reverted withdrawal failed", zap.Uint64("withdrawal_id", w.ID), zap.Error(err))
		}
		return
	}
	monitor.Business.WithdrawalsTotal.WithLabelValues("failed").Inc()
	if refunded {
		monitor.Business.RefundsTotal.WithLabelValues("reverted").Inc()
	}
	logger.Warn("[Tracker] 提现交易回滚，已退款", zap.Uint64("withdrawal_id", w.ID), zap.Bool("refunded", refunded))
}
