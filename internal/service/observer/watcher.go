// Package observer 扫描工作钱包的入账转账，并跟踪充值与提现交易的确认数
package observer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-core/internal/chain"
	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/pkg/amount"
	"settlement-core/pkg/lock"
	"settlement-core/pkg/logger"
	"settlement-core/pkg/monitor"
)

const (
	// CursorName 扫块游标在 scan_cursors 表中的名字
	CursorName = "deposit_watcher"

	scanLockKey = "scan:deposit_watcher"
	scanLockTTL = 2 * time.Minute
)

// WatcherConfig DepositWatcher 参数
type WatcherConfig struct {
	WorkingAddress        string
	RequiredConfirmations int
	Epsilon               decimal.Decimal
	StartBlock            uint64 // 0 表示从当前高度开始
	MaxBlocksPerTick      uint64
	ClockSkew             time.Duration
}

// DepositWatcher 按高度顺序扫描新区块，把转入工作钱包的金额匹配到未关闭的充值单
type DepositWatcher struct {
	store    ledger.Store
	chain    chain.Client
	locker   lock.DistributedLock
	cfg      WatcherConfig
	epsUnits int64
	now      func() time.Time

	running atomic.Bool

	mu          sync.Mutex
	localCursor *uint64 // 游标落库失败时的进程内兜底
}

type WatcherOption func(*DepositWatcher)

// WithScanLock 多实例部署时只允许一个实例扫块
func WithScanLock(l lock.DistributedLock) WatcherOption {
	return func(w *DepositWatcher) { w.locker = l }
}

func WithWatcherClock(now func() time.Time) WatcherOption {
	return func(w *DepositWatcher) { w.now = now }
}

func NewDepositWatcher(store ledger.Store, client chain.Client, cfg WatcherConfig, opts ...WatcherOption) *DepositWatcher {
	if cfg.MaxBlocksPerTick == 0 {
		cfg.MaxBlocksPerTick = 200
	}
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = 1
	}
	w := &DepositWatcher{
		store:    store,
		chain:    client,
		cfg:      cfg,
		epsUnits: amount.EpsilonUnits(cfg.Epsilon),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *DepositWatcher) Name() string { return "deposit_watcher" }

func (w *DepositWatcher) RunOnce(ctx context.Context) error {
	return w.ScanOnce(ctx)
}

// ScanOnce 一次扫描; 上一次还没结束时直接跳过
func (w *DepositWatcher) ScanOnce(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		logger.Debug("[Watcher] previous scan still running, skip")
		return nil
	}
	defer w.running.Store(false)

	// 1. 空闲短路: 没有待匹配的充值单，也没有进行中的提现，不访问链
	idle, err := w.idle(ctx)
	if err != nil {
		return err
	}
	if idle {
		return nil
	}

	// 2. 跨实例互斥
	if w.locker != nil {
		held, err := w.locker.Acquire(ctx, scanLockKey, scanLockTTL)
		switch {
		case err != nil:
			logger.Warn("[Watcher] scan lock unavailable, scanning without it", zap.Error(err))
		case !held:
			logger.Debug("[Watcher] another instance is scanning, skip")
			return nil
		default:
			defer func() {
				if err := w.locker.Release(context.WithoutCancel(ctx), scanLockKey); err != nil {
					logger.Warn("[Watcher] release scan lock failed", zap.Error(err))
				}
			}()
		}
	}

	height, err := w.chain.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	cursor, err := w.loadCursor(ctx, height)
	if err != nil {
		return err
	}
	if height <= cursor {
		return nil
	}

	end := height
	if end-cursor > w.cfg.MaxBlocksPerTick {
		end = cursor + w.cfg.MaxBlocksPerTick
	}

	// 3. 按高度递增处理，某个区块失败则停在该区块，下一轮重试
	for h := cursor + 1; h <= end; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, err := w.chain.BlockWithTransactions(ctx, h)
		if err != nil {
			logger.Warn("[Watcher] fetch block failed", zap.Uint64("height", h), zap.Error(err))
			return err
		}
		if err := w.processBlock(ctx, block); err != nil {
			logger.Error("[Watcher] process block failed", zap.Uint64("height", h), zap.Error(err))
			return err
		}

		w.saveCursor(ctx, h)
		monitor.Business.ScannedHeight.Set(float64(h))
	}
	return nil
}

func (w *DepositWatcher) idle(ctx context.Context) (bool, error) {
	open, err := w.store.CountOpenDeposits(ctx, w.now())
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}
	active, err := w.store.CountActiveWithdrawals(ctx)
	if err != nil {
		return false, err
	}
	return active == 0, nil
}

func (w *DepositWatcher) processBlock(ctx context.Context, block *chain.Block) error {
	for _, tx := range block.Transactions {
		if !strings.EqualFold(tx.To, w.cfg.WorkingAddress) || tx.Value == nil || tx.Value.Sign() <= 0 {
			continue
		}
		if err := w.matchTransfer(ctx, block, tx); err != nil {
			return err
		}
	}
	return nil
}

// matchTransfer 在容差内找最接近 (其次最早) 的充值单
func (w *DepositWatcher) matchTransfer(ctx context.Context, block *chain.Block, tx chain.Transaction) error {
	coin := amount.WeiToCoin(tx.Value)
	units := amount.MatchUnits(coin)

	candidates, err := w.store.FindUnmatchedByAmount(ctx, units, w.epsUnits)
	if err != nil {
		return err
	}
	candidates = w.eligible(candidates, block.Time)
	if len(candidates) == 0 {
		logger.Debug("[Watcher] transfer matches no open deposit",
			zap.String("tx", tx.Hash), zap.String("amount", coin.String()))
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return amount.AbsDiff(candidates[i].MatchUnits, units) < amount.AbsDiff(candidates[j].MatchUnits, units)
	})

	for _, d := range candidates {
		matched, err := w.store.MarkMatched(ctx, ledger.MatchParams{
			DepositID:             d.ID,
			TxHash:                tx.Hash,
			BlockNumber:           block.Number,
			RequiredConfirmations: w.cfg.RequiredConfirmations,
			MatchedAt:             w.now(),
		})
		switch {
		case err == nil:
			monitor.Business.DepositsMatchedTotal.Inc()
			monitor.Business.DepositCreditedAmount.Add(matched.AmountRequested.InexactFloat64())
			logger.Info("[Watcher] 充值入账",
				zap.Uint64("deposit_id", matched.ID),
				zap.Uint64("user_id", matched.UserID),
				zap.String("credited", matched.AmountRequested.String()),
				zap.String("received", coin.String()),
				zap.String("tx", tx.Hash),
				zap.Uint64("block", block.Number),
			)
			return nil
		case errors.Is(err, ledger.ErrTxAlreadyUsed):
			// 重扫到已入账的交易
			return nil
		case errors.Is(err, ledger.ErrAlreadyMatched):
			continue
		default:
			return err
		}
	}
	return nil
}

// eligible 过滤掉在转账之后才登记、或在转账之前就已过期的充值单 (容忍 ClockSkew 的时钟偏差)
func (w *DepositWatcher) eligible(candidates []model.Deposit, blockTime time.Time) []model.Deposit {
	if blockTime.IsZero() {
		return candidates
	}
	out := candidates[:0]
	for _, d := range candidates {
		if d.CreatedAt.After(blockTime.Add(w.cfg.ClockSkew)) {
			continue
		}
		if blockTime.After(d.ExpiresAt.Add(w.cfg.ClockSkew)) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (w *DepositWatcher) loadCursor(ctx context.Context, height uint64) (uint64, error) {
	w.mu.Lock()
	local := w.localCursor
	w.mu.Unlock()

	stored, found, err := w.store.LoadCursor(ctx, CursorName)
	if err != nil {
		if local != nil {
			logger.Warn("[Watcher] load cursor failed, using in-process cursor", zap.Error(err))
			return *local, nil
		}
		return 0, err
	}

	switch {
	case found && local != nil && *local > stored:
		return *local, nil
	case found:
		return stored, nil
	case local != nil:
		return *local, nil
	}

	// 首次启动
	start := w.cfg.StartBlock
	if start == 0 {
		start = height
	}
	if start == 0 {
		return 0, nil
	}
	return start - 1, nil
}

// saveCursor 落库失败不影响本轮，进程内游标继续前进
func (w *DepositWatcher) saveCursor(ctx context.Context, h uint64) {
	w.mu.Lock()
	w.localCursor = &h
	w.mu.Unlock()

	if err := w.store.SaveCursor(ctx, CursorName, h); err != nil {
		logger.Warn("[Watcher] persist cursor failed, keeping in-process cursor", zap.Uint64("height", h), zap.Error(err))
	}
}
