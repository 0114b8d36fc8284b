package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"settlement-core/internal/chain"
	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/pkg/amount"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
)

// ErrInsufficientWalletBalance 工作钱包余额不足以支付 金额+手续费，等待补充后重试
var ErrInsufficientWalletBalance = errors.New("working wallet balance too low for amount plus gas")

// ErrAttemptUnknown 上一次记录的交易查不到状态，不能确定是否已发出
var ErrAttemptUnknown = errors.New("previous attempt status unknown")

// WorkerConfig WithdrawalWorker 参数
type WorkerConfig struct {
	BatchSize      int
	MaxRetries     int
	StuckThreshold time.Duration
	GasLimit       uint64
}

// BatchResult 一轮处理的汇总
type BatchResult struct {
	Recovered int // 卡单恢复为 sent
	TimedOut  int // 卡单超时失败并退款
	Claimed   int
	Sent      int
	Requeued  int // 可重试错误，不消耗重试次数
	Retried   int // 永久错误，消耗一次重试次数
	Failed    int
	Lost      int // 处理过程中被其他实例接管
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRequeued
	outcomeRetried
	outcomeFailed
	outcomeLost
)

// WithdrawalWorker 认领 queued 提现单，签名并广播，处理重试、卡单与退款
type WithdrawalWorker struct {
	store     ledger.Store
	chain     chain.Client
	signer    chain.Signer
	nonces    NonceManager
	submitter chain.APISubmitter // 可选
	cfg       WorkerConfig
	now       func() time.Time

	chainIDMu sync.Mutex
	chainID   *big.Int
}

type WorkerOption func(*WithdrawalWorker)

// WithSubmitter 优先通过带外通道提交，失败时回退到 RPC 广播
func WithSubmitter(s chain.APISubmitter) WorkerOption {
	return func(w *WithdrawalWorker) { w.submitter = s }
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *WithdrawalWorker) { w.now = now }
}

func NewWithdrawalWorker(store ledger.Store, client chain.Client, signer chain.Signer, nonces NonceManager, cfg WorkerConfig, opts ...WorkerOption) *WithdrawalWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 21000
	}
	w := &WithdrawalWorker{
		store:  store,
		chain:  client,
		signer: signer,
		nonces: nonces,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WithdrawalWorker) Name() string { return "withdrawal_worker" }

func (w *WithdrawalWorker) RunOnce(ctx context.Context) error {
	res, err := w.ProcessBatch(ctx)
	if res.Claimed > 0 || res.TimedOut > 0 || res.Recovered > 0 {
		logger.Info("[Withdraw] 本轮处理完成",
			zap.Int("claimed", res.Claimed),
			zap.Int("sent", res.Sent),
			zap.Int("requeued", res.Requeued),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("timed_out", res.TimedOut),
			zap.Int("recovered", res.Recovered),
		)
	}
	return err
}

// ProcessBatch 卡单恢复 -> 认领 -> 并行处理
func (w *WithdrawalWorker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	// 1. 卡单恢复
	if err := w.recoverStuck(ctx, &res); err != nil {
		logger.Error("[Withdraw] stuck recovery failed", zap.Error(err))
	}

	// 2. 认领
	var claimed []*model.Withdrawal
	for len(claimed) < w.cfg.BatchSize {
		wd, err := w.store.ClaimNextQueued(ctx, w.now())
		if errors.Is(err, ledger.ErrNothingToClaim) {
			break
		}
		if err != nil {
			if len(claimed) == 0 {
				return res, fmt.Errorf("claim withdrawal: %w", err)
			}
			logger.Warn("[Withdraw] claim interrupted", zap.Error(err))
			break
		}
		claimed = append(claimed, wd)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	// 3. 并行处理，单条失败不影响其他
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, wd := range claimed {
		wd := wd
		g.Go(func() error {
			o := w.process(ctx, wd)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeSent:
				res.Sent++
			case outcomeRequeued:
				res.Requeued++
			case outcomeRetried:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			case outcomeLost:
				res.Lost++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// recoverStuck processing 超过阈值: 交易已在链上则补记 sent，否则失败并退款
func (w *WithdrawalWorker) recoverStuck(ctx context.Context, res *BatchResult) error {
	now := w.now()
	stuck, err := w.store.FindStuckProcessing(ctx, now.Add(-w.cfg.StuckThreshold))
	if err != nil {
		return err
	}

	for _, wd := range stuck {
		if wd.TxHash != nil {
			known, err := w.chain.TransactionKnown(ctx, *wd.TxHash)
			if err != nil {
				// 无法确认交易是否已发出，不能贸然退款
				logger.Warn("[Withdraw] stuck withdrawal tx lookup failed", zap.Uint64("withdrawal_id", wd.ID), zap.Error(err))
				continue
			}
			if known {
				if err := w.store.MarkSent(ctx, wd.ID, *wd.TxHash, now); err == nil {
					res.Recovered++
					monitor.Business.WithdrawalsTotal.WithLabelValues("sent").Inc()
					logger.Info("[Withdraw] 卡单交易已在链上，补记 sent", zap.Uint64("withdrawal_id", wd.ID), zap.String("tx", *wd.TxHash))
				}
				continue
			}
		}

		refunded, err := w.store.FailAndRefund(ctx, ledger.FailParams{
			WithdrawalID: wd.ID,
			ExpectStatus: model.WithdrawalStatusProcessing,
			Error:        fmt.Sprintf("processing timeout after %s", w.cfg.StuckThreshold),
			At:           now,
		})
		if errors.Is(err, ledger.ErrStateConflict) {
			continue
		}
		if err != nil {
			logger.Error("[Withdraw] fail stuck withdrawal failed", zap.Uint64("withdrawal_id", wd.ID), zap.Error(err))
			continue
		}

		res.TimedOut++
		monitor.Business.WithdrawalsTotal.WithLabelValues("failed").Inc()
		if refunded {
			monitor.Business.RefundsTotal.WithLabelValues("timeout").Inc()
		}
		logger.Warn("[Withdraw] 卡单超时，已失败退款", zap.Uint64("withdrawal_id", wd.ID), zap.Bool("refunded", refunded))
	}
	return nil
}

func (w *WithdrawalWorker) process(ctx context.Context, wd *model.Withdrawal) outcome {
	from := w.signer.Address().Hex()

	// 上一次尝试已记录交易: 链上可见则补记 sent; 查不到状态时不能重发
	if wd.TxHash != nil {
		known, err := w.chain.TransactionKnown(ctx, *wd.TxHash)
		if err != nil {
			return w.handleFailure(ctx, wd, nil, fmt.Errorf("%w: tx %s: %v", ErrAttemptUnknown, *wd.TxHash, err))
		}
		if known {
			return w.markSent(ctx, wd, *wd.TxHash, wd.Nonce)
		}
	}

	// 沿用上一次的 nonce 和 gas price，重签出的是同一笔交易，最多只有一笔能上链
	replay := wd.Nonce != nil
	var recordedGas *big.Int
	if replay && wd.GasPrice != nil {
		if p, ok := new(big.Int).SetString(*wd.GasPrice, 10); ok {
			recordedGas = p
		}
	}

	// 1. 预检: 余额 >= 金额 + gas
	value := amount.CoinToWei(wd.Amount)
	gasPrice, err := w.preflight(ctx, from, value, recordedGas)
	if err != nil {
		return w.handleFailure(ctx, wd, nil, err)
	}

	// 2. 刷新心跳; 被恢复流程抢走则放弃
	if err := w.store.SetProcessing(ctx, wd.ID, w.now()); err != nil {
		logger.Warn("[Withdraw] claim lost before send", zap.Uint64("withdrawal_id", wd.ID), zap.Error(err))
		return outcomeLost
	}

	// 3. 分配 nonce 并签名
	var nonce uint64
	if replay {
		nonce = *wd.Nonce
	} else {
		nonce, err = w.nonces.GetNonce(ctx, from)
		if err != nil {
			return w.handleFailure(ctx, wd, nil, err)
		}
	}
	signed, err := w.sign(ctx, wd, nonce, value, gasPrice)
	if err != nil {
		return w.handleFailure(ctx, wd, &nonce, err)
	}
	txHash := signed.Hash().Hex()

	// 4. 广播前落库，崩溃后可以据此判断交易是否已发出
	if err := w.store.RecordAttempt(ctx, wd.ID, txHash, nonce, gasPrice.String()); err != nil {
		if errors.Is(err, ledger.ErrStateConflict) {
			if !replay {
				w.nonces.OnTransactionFailure(ctx, from, nonce, err)
			}
			return outcomeLost
		}
		return w.handleFailure(ctx, wd, &nonce, err)
	}

	// 5. 提交
	err = w.send(ctx, signed)
	if err == nil || chain.Classify(err) == chain.ClassAlreadyKnown {
		return w.markSent(ctx, wd, txHash, &nonce)
	}
	if chain.IsRejection(err) {
		return w.rejected(ctx, wd, txHash, nonce, replay, err)
	}
	// 超时等: 交易可能已进入交易池，nonce 继续归这笔提现所有，下一轮按 txHash 确认或原样重放
	return w.handleFailure(ctx, wd, nil, err)
}

// rejected 节点明确拒绝了交易
func (w *WithdrawalWorker) rejected(ctx context.Context, wd *model.Withdrawal, txHash string, nonce uint64, replay bool, cause error) outcome {
	// 重放时 nonce 已被占用，可能正是之前那笔上了链
	if replay && chain.IsNonceError(cause) {
		known, err := w.chain.TransactionKnown(ctx, txHash)
		if err != nil {
			return w.handleFailure(ctx, wd, nil, fmt.Errorf("%w: tx %s: %v", ErrAttemptUnknown, txHash, err))
		}
		if known {
			return w.markSent(ctx, wd, txHash, &nonce)
		}
	}

	// 交易不在交易池里，清掉记录，下一轮重新分配 nonce
	if err := w.store.ClearAttempt(ctx, wd.ID); err != nil {
		logger.Warn("[Withdraw] clear rejected attempt failed",
			zap.Uint64("withdrawal_id", wd.ID), zap.String("tx", txHash), zap.Error(err))
	}
	return w.handleFailure(ctx, wd, &nonce, cause)
}

func (w *WithdrawalWorker) preflight(ctx context.Context, from string, value, gasPrice *big.Int) (*big.Int, error) {
	balance, err := w.chain.Balance(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("query wallet balance: %w", err)
	}
	if gasPrice == nil {
		gasPrice, err = w.chain.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
	}

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(w.cfg.GasLimit))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return nil, fmt.Errorf("%w: have %s wei, need %s wei", ErrInsufficientWalletBalance, balance, cost)
	}
	return gasPrice, nil
}

func (w *WithdrawalWorker) sign(ctx context.Context, wd *model.Withdrawal, nonce uint64, value, gasPrice *big.Int) (*types.Transaction, error) {
	chainID, err := w.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(wd.ToAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      w.cfg.GasLimit,
		GasPrice: gasPrice,
	})
	return w.signer.SignTx(tx, chainID)
}

func (w *WithdrawalWorker) resolveChainID(ctx context.Context) (*big.Int, error) {
	w.chainIDMu.Lock()
	defer w.chainIDMu.Unlock()
	if w.chainID != nil {
		return w.chainID, nil
	}
	id, err := w.chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	w.chainID = id
	return id, nil
}

// send 带外通道优先，失败回退到 RPC
func (w *WithdrawalWorker) send(ctx context.Context, tx *types.Transaction) error {
	if w.submitter != nil {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return err
		}
		_, err = w.submitter.SubmitRawTransaction(ctx, hexutil.Encode(raw))
		if err == nil {
			return nil
		}
		logger.Warn("[Withdraw] submit api failed, falling back to rpc broadcast",
			zap.String("tx", tx.Hash().Hex()), zap.Error(err))
	}
	return w.chain.Broadcast(ctx, tx)
}

func (w *WithdrawalWorker) markSent(ctx context.Context, wd *model.Withdrawal, txHash string, nonce *uint64) outcome {
	if err := w.store.MarkSent(ctx, wd.ID, txHash, w.now()); err != nil {
		// 交易已发出但状态没写成功: 保持 processing，交给卡单恢复按 txHash 补记
		logger.Error("[Withdraw] mark sent failed", zap.Uint64("withdrawal_id", wd.ID), zap.String("tx", txHash), zap.Error(err))
		return outcomeLost
	}
	if nonce != nil {
		w.nonces.OnTransactionSuccess(ctx, w.signer.Address().Hex(), *nonce)
	}

	monitor.Business.WithdrawalsTotal.WithLabelValues("sent").Inc()
	logger.Info("[Withdraw] ✅ 提现已广播",
		zap.Uint64("withdrawal_id", wd.ID),
		zap.String("to", wd.ToAddress),
		zap.String("amount", wd.Amount.String()),
		zap.String("tx", txHash),
	)
	return outcomeSent
}

// handleFailure 可重试错误直接回到 queued; 永久错误消耗重试次数，用尽后失败并退款
func (w *WithdrawalWorker) handleFailure(ctx context.Context, wd *model.Withdrawal, nonce *uint64, cause error) outcome {
	if nonce != nil {
		w.nonces.OnTransactionFailure(ctx, w.signer.Address().Hex(), *nonce, cause)
	}

	class := chain.Classify(cause)
	switch {
	case errors.Is(cause, ErrInsufficientWalletBalance):
		class = chain.ClassInsufficientFunds
	case errors.Is(cause, ErrAttemptUnknown):
		class = chain.ClassTransient
	}
	fields := []zap.Field{
		zap.Uint64("withdrawal_id", wd.ID),
		zap.Stringer("class", class),
		zap.Int("retry_count", wd.RetryCount),
		zap.Error(cause),
	}

	if class.Retryable() {
		if err := w.store.Requeue(ctx, wd.ID, cause.Error(), false); err != nil {
			logger.Error("[Withdraw] requeue failed", append(fields, zap.NamedError("requeue_error", err))...)
			return outcomeLost
		}
		monitor.Business.WithdrawalsTotal.WithLabelValues("requeued").Inc()
		logger.Warn("[Withdraw] retryable error, requeued", fields...)
		return outcomeRequeued
	}

	if wd.RetryCount+1 >= w.cfg.MaxRetries {
		refunded, err := w.store.FailAndRefund(ctx, ledger.FailParams{
			WithdrawalID:   wd.ID,
			ExpectStatus:   model.WithdrawalStatusProcessing,
			Error:          cause.Error(),
			IncrementRetry: true,
			At:             w.now(),
		})
		if err != nil {
			logger.Error("[Withdraw] fail withdrawal failed", append(fields, zap.NamedError("fail_error", err))...)
			return outcomeLost
		}
		monitor.Business.WithdrawalsTotal.WithLabelValues("failed").Inc()
		if refunded {
			monitor.Business.RefundsTotal.WithLabelValues("retries_exhausted").Inc()
		}
		logger.Error("[Withdraw] ❌ 重试次数用尽，已失败退款", append(fields, zap.Bool("refunded", refunded))...)
		return outcomeFailed
	}

	if err := w.store.Requeue(ctx, wd.ID, cause.Error(), true); err != nil {
		logger.Error("[Withdraw] requeue failed", append(fields, zap.NamedError("requeue_error", err))...)
		return outcomeLost
	}
	monitor.Business.WithdrawalsTotal.WithLabelValues("retry").Inc()
	logger.Warn("[Withdraw] permanent error, will retry", fields...)
	return outcomeRetried
}
