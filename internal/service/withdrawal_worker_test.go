package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/chain"
	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
	"settlement-core/internal/service"
	"settlement-core/internal/service/nonce"
	"settlement-core/internal/wallet"
	"settlement-core/pkg/amount"
	"settlement-core/pkg/cache"
)

type workerFixture struct {
	store  *ledger.GormStore
	client *chain.MockClient
	signer *wallet.KeySigner
	clock  *testClock
	worker *service.WithdrawalWorker
}

func newWorkerFixture(t *testing.T, opts ...service.WorkerOption) *workerFixture {
	t.Helper()
	return newWrappedWorkerFixture(t, func(m *chain.MockClient) chain.Client { return m }, opts...)
}

// newWrappedWorkerFixture worker 通过 wrap 返回的 client 访问链，用于注入故障
func newWrappedWorkerFixture(t *testing.T, wrap func(*chain.MockClient) chain.Client, opts ...service.WorkerOption) *workerFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &workerFixture{
		store:  newStore(t),
		client: chain.NewMockClient(1337),
		signer: wallet.NewKeySigner(key),
		clock:  newClock(),
	}
	client := wrap(f.client)
	nonces := nonce.New(client, cache.NewMemoryCache(time.Hour, time.Minute))
	opts = append([]service.WorkerOption{service.WithWorkerClock(f.clock.Now)}, opts...)
	f.worker = service.NewWithdrawalWorker(f.store, client, f.signer, nonces, service.WorkerConfig{
		BatchSize:      5,
		MaxRetries:     3,
		StuckThreshold: 5 * time.Minute,
		GasLimit:       21000,
	}, opts...)
	return f
}

func (f *workerFixture) fundWallet(coin string) {
	f.client.SetBalance(f.signer.Address().Hex(), amount.CoinToWei(dec(coin)))
}

// enqueue 给用户 300 游戏余额并申请提现
func (f *workerFixture) enqueue(t *testing.T, userID uint64, amt string) *model.Withdrawal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.IncrementBalance(ctx, userID, dec("300")))
	w := &model.Withdrawal{UserID: userID, ToAddress: recipient, Amount: dec(amt), RequestedAt: f.clock.Now()}
	require.NoError(t, f.store.CreateWithdrawal(ctx, w))
	return w
}

func (f *workerFixture) get(t *testing.T, id uint64) *model.Withdrawal {
	t.Helper()
	w, err := f.store.GetWithdrawal(context.Background(), id)
	require.NoError(t, err)
	return w
}

func TestWorkerSendsWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1.5")

	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Sent)

	txs := f.client.Broadcasts()
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(0), txs[0].Nonce())
	assert.Equal(t, amount.CoinToWei(dec("1.5")).String(), txs[0].Value().String())
	assert.True(t, strings.EqualFold(recipient, txs[0].To().Hex()))

	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusSent, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, txs[0].Hash().Hex(), *got.TxHash)
	require.NotNil(t, got.Nonce)
	assert.Equal(t, uint64(0), *got.Nonce)
	assert.Nil(t, got.ProcessingStartedAt)
	assert.NotNil(t, got.ProcessedAt)
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("298.5")))
}

func TestWorkerBatchUsesDistinctNonces(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("100")
	for i := uint64(1); i <= 4; i++ {
		f.enqueue(t, i, "1")
	}

	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)

	seen := map[uint64]bool{}
	for _, tx := range f.client.Broadcasts() {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Equal(t, map[uint64]bool{0: true, 1: true, 2: true, 3: true}, seen)
}

func TestWorkerInsufficientWalletBalanceStaysQueued(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("150")
	w := f.enqueue(t, 7, "200")
	require.True(t, balanceOf(t, f.store, 7).Equal(dec("100")))

	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	assert.Empty(t, f.client.Broadcasts())
	assert.Equal(t, 0, f.client.Calls("Broadcast"))
	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.Error, "working wallet balance")
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("100")))
}

func TestWorkerPermanentErrorsExhaustRetriesAndRefund(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	for i := 1; i <= 3; i++ {
		f.client.BroadcastErr = []error{chain.NewRPCError(-32000, "exceeds block gas limit")}
		_, err := f.worker.ProcessBatch(ctx)
		require.NoError(t, err)

		got := f.get(t, w.ID)
		assert.Equal(t, i, got.RetryCount)
		if i < 3 {
			assert.Equal(t, model.WithdrawalStatusQueued, got.Status)
			assert.True(t, balanceOf(t, f.store, 7).Equal(dec("299")))
		}
	}

	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusFailed, got.Status)
	assert.Contains(t, got.Error, "exceeds block gas limit")
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("300")))

	// 已失败的提现不会再被处理或重复退款
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("300")))
}

func TestWorkerNonceConflictRequeuesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	f.client.BroadcastErr = []error{chain.NewRPCError(-32000, "nonce too low")}
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	res, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	// 缓存已被清空，从链上重新推导
	assert.Equal(t, uint64(0), f.client.Broadcasts()[0].Nonce())
}

func TestWorkerAlreadyKnownIsSuccess(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	f.client.BroadcastErr = []error{chain.NewRPCError(-32000, "already known")}
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, model.WithdrawalStatusSent, f.get(t, w.ID).Status)
}

func TestWorkerTransientErrorRequeues(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	f.client.BroadcastErr = []error{context.DeadlineExceeded}
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	got := f.get(t, w.ID)
	assert.Equal(t, 0, got.RetryCount)
	assert.NotNil(t, got.TxHash, "广播前已记录 txHash")
}

func TestWorkerRecordedTransactionIsNotResent(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	// 上一次尝试: 记录了 txHash 后超时，交易其实已进入交易池
	_, err := f.store.ClaimNextQueued(ctx, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.RecordAttempt(ctx, w.ID, "0xfeed", 0, ""))
	require.NoError(t, f.store.Requeue(ctx, w.ID, "timeout", false))
	f.client.SetKnown("0xfeed")

	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 0, f.client.Calls("Broadcast"))
	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusSent, got.Status)
	assert.Equal(t, "0xfeed", *got.TxHash)
}

// lossyClient 节点接收了交易但响应丢失; 交易查询可能失败
type lossyClient struct {
	*chain.MockClient

	mu        sync.Mutex
	dropReply bool
	lookupErr error
}

func (c *lossyClient) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := c.MockClient.Broadcast(ctx, tx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropReply {
		c.dropReply = false
		return context.DeadlineExceeded
	}
	return nil
}

func (c *lossyClient) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	c.mu.Lock()
	err := c.lookupErr
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	return c.MockClient.TransactionKnown(ctx, txHash)
}

func (c *lossyClient) set(dropReply bool, lookupErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropReply = dropReply
	c.lookupErr = lookupErr
}

func TestWorkerUnknownAttemptIsNotResent(t *testing.T) {
	ctx := context.Background()
	var lossy *lossyClient
	f := newWrappedWorkerFixture(t, func(m *chain.MockClient) chain.Client {
		lossy = &lossyClient{MockClient: m}
		return lossy
	})
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	// 第一轮: 交易已进入交易池，但广播响应超时
	lossy.set(true, nil)
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	require.Len(t, f.client.Broadcasts(), 1)

	// 第二轮: 查不到上一笔交易的状态，不能重发
	lossy.set(false, errors.New("dial tcp: i/o timeout"))
	res, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 0, res.Sent)
	assert.Len(t, f.client.Broadcasts(), 1)
	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	// 第三轮: 查询恢复，补记 sent
	lossy.set(false, nil)
	res, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	txs := f.client.Broadcasts()
	require.Len(t, txs, 1, "一笔提现只产生一笔链上转账")
	got = f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusSent, got.Status)
	assert.Equal(t, txs[0].Hash().Hex(), *got.TxHash)
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("299")))
}

func TestWorkerReplaysRecordedNonce(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	first := f.enqueue(t, 7, "1")

	// 超时，无法判断节点是否收到
	f.client.BroadcastErr = []error{context.DeadlineExceeded}
	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	attempt := f.get(t, first.ID)
	require.NotNil(t, attempt.TxHash)
	require.NotNil(t, attempt.Nonce)
	require.NotNil(t, attempt.GasPrice)
	assert.Equal(t, uint64(0), *attempt.Nonce)

	second := f.enqueue(t, 8, "1")
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	// 第一笔原样重放，第二笔拿到下一个 nonce
	got := f.get(t, first.ID)
	assert.Equal(t, *attempt.TxHash, *got.TxHash)
	assert.Equal(t, uint64(0), *got.Nonce)
	assert.Equal(t, uint64(1), *f.get(t, second.ID).Nonce)

	nonces := map[uint64]bool{}
	for _, tx := range f.client.Broadcasts() {
		nonces[tx.Nonce()] = true
	}
	assert.Equal(t, map[uint64]bool{0: true, 1: true}, nonces)
}

func TestWorkerForeignNonceUseClearsAttempt(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	f.client.BroadcastErr = []error{context.DeadlineExceeded}
	_, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.get(t, w.ID).Nonce)

	// 其他系统用同一钱包占用了 nonce 0
	f.client.SetPendingCount(f.signer.Address().Hex(), 1)
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Empty(t, f.client.Broadcasts())

	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusQueued, got.Status)
	assert.Nil(t, got.TxHash)
	assert.Nil(t, got.Nonce)
	assert.Equal(t, 0, got.RetryCount)

	res, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	txs := f.client.Broadcasts()
	require.Len(t, txs, 1)
	assert.Equal(t, uint64(1), txs[0].Nonce())
}

func TestWorkerStuckWithdrawalRefundedOnce(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	w := f.enqueue(t, 7, "50")

	// 另一个实例认领后崩溃
	_, err := f.store.ClaimNextQueued(ctx, f.clock.Now())
	require.NoError(t, err)
	require.True(t, balanceOf(t, f.store, 7).Equal(dec("250")))

	f.clock.Advance(6 * time.Minute)
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)

	got := f.get(t, w.ID)
	assert.Equal(t, model.WithdrawalStatusFailed, got.Status)
	assert.Contains(t, got.Error, "timeout")
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("300")))

	// 崩溃的实例恢复后尝试失败路径: 条件更新不命中，不会二次退款
	_, err = f.store.FailAndRefund(ctx, ledger.FailParams{
		WithdrawalID: w.ID, ExpectStatus: model.WithdrawalStatusProcessing, Error: "late", At: f.clock.Now(),
	})
	assert.ErrorIs(t, err, ledger.ErrStateConflict)

	res, err = f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TimedOut)
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("300")))
}

func TestWorkerStuckWithKnownTransactionMarkedSent(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	w := f.enqueue(t, 7, "50")

	_, err := f.store.ClaimNextQueued(ctx, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.RecordAttempt(ctx, w.ID, "0xabc", 0, ""))
	f.client.SetKnown("0xabc")

	f.clock.Advance(6 * time.Minute)
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, model.WithdrawalStatusSent, f.get(t, w.ID).Status)
	assert.True(t, balanceOf(t, f.store, 7).Equal(dec("250")))
}

func TestWorkerLeavesFreshClaimsAlone(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	w := f.enqueue(t, 7, "50")

	_, err := f.store.ClaimNextQueued(ctx, f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TimedOut)
	assert.Equal(t, model.WithdrawalStatusProcessing, f.get(t, w.ID).Status)
}

type fakeSubmitter struct {
	mu  sync.Mutex
	raw []string
	err error
}

func (s *fakeSubmitter) SubmitRawTransaction(ctx context.Context, rawHex string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(s.raw, rawHex)
	if s.err != nil {
		return "", s.err
	}
	return "0x", nil
}

func TestWorkerPrefersSubmitter(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{}
	f := newWorkerFixture(t, service.WithSubmitter(sub))
	f.fundWallet("10")
	w := f.enqueue(t, 7, "1")

	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, sub.raw, 1)
	assert.True(t, strings.HasPrefix(sub.raw[0], "0x"))
	assert.Equal(t, 0, f.client.Calls("Broadcast"))
	assert.Equal(t, model.WithdrawalStatusSent, f.get(t, w.ID).Status)
}

func TestWorkerFallsBackToBroadcast(t *testing.T) {
	ctx := context.Background()
	sub := &fakeSubmitter{err: errors.New("submit api 503")}
	f := newWorkerFixture(t, service.WithSubmitter(sub))
	f.fundWallet("10")
	f.enqueue(t, 7, "1")

	res, err := f.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, sub.raw, 1)
	assert.Len(t, f.client.Broadcasts(), 1)
}
