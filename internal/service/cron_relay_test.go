package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/ledger"
	"settlement-core/internal/ledger/ledgertest"
	"settlement-core/internal/model"
	"settlement-core/internal/service"
	"settlement-core/internal/service/mq"
	"settlement-core/pkg/amount"
)

func TestExpireDepositsOnlyTouchesOpenOverdue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	clk := newClock()

	mk := func(userID uint64, unique string, expires time.Time) *model.Deposit {
		d := &model.Deposit{
			UserID: userID, AmountRequested: dec("1"), UniqueAmount: dec(unique),
			MatchUnits: amount.MatchUnits(dec(unique)), WorkingAddress: working,
			CreatedAt: t0, ExpiresAt: expires,
		}
		require.NoError(t, store.CreateDeposit(ctx, d, 1))
		return d
	}
	overdue := mk(1, "1.0001", t0.Add(time.Minute))
	fresh := mk(2, "1.0002", t0.Add(time.Hour))
	matched := mk(3, "1.0003", t0.Add(time.Minute))
	_, err := store.MarkMatched(ctx, ledger.MatchParams{DepositID: matched.ID, TxHash: "0x1", BlockNumber: 1, RequiredConfirmations: 12, MatchedAt: t0})
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	reaper := service.NewCronService(store, nil, "@every 1m", service.WithCronClock(clk.Now))
	n, err := reaper.ExpireDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for id, want := range map[uint64]string{
		overdue.ID: model.DepositStatusExpired,
		fresh.ID:   model.DepositStatusWaiting,
		matched.ID: model.DepositStatusPending,
	} {
		d, err := store.GetDeposit(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, d.Status, "deposit %d", id)
	}

	// 再次执行是空操作
	n, err = reaper.ExpireDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCronServiceRejectsBadSpec(t *testing.T) {
	reaper := service.NewCronService(newStore(t), nil, "every minute please")
	assert.Error(t, reaper.Start())
}

func TestCronServiceStartStop(t *testing.T) {
	reaper := service.NewCronService(newStore(t), nil, "@every 1h")
	require.NoError(t, reaper.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reaper.Stop(ctx)
}

type recordingProducer struct {
	topics []string
	keys   []string
	failAt int // 第 failAt 次调用失败，0 表示不失败
	calls  int
}

func (p *recordingProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.calls++
	if p.failAt > 0 && p.calls == p.failAt {
		return errors.New("broker unavailable")
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func seedOutbox(t *testing.T, n int) *ledger.GormStore {
	t.Helper()
	store, db := ledgertest.NewStore(t)
	for i := 0; i < n; i++ {
		require.NoError(t, model.CreateOutboxMessage(db, model.TopicDepositEvents, "7", model.DepositCreditedEvent{
			Type: model.EventDepositCredited, DepositID: uint64(i + 1), UserID: 7, Amount: "50",
		}))
	}
	return store
}

func TestRelayPublishesPendingOutbox(t *testing.T) {
	ctx := context.Background()
	store := seedOutbox(t, 3)
	producer := &recordingProducer{}
	relay := service.NewRelayService(store, producer)

	require.NoError(t, relay.RunOnce(ctx))
	assert.Len(t, producer.topics, 3)
	assert.Equal(t, []string{"7", "7", "7"}, producer.keys)

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, relay.RunOnce(ctx))
	assert.Len(t, producer.topics, 3)
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := seedOutbox(t, 3)
	producer := &recordingProducer{failAt: 2}
	relay := service.NewRelayService(store, producer)

	assert.Error(t, relay.RunOnce(ctx))
	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, relay.RunOnce(ctx))
	pending, err = store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayToRedisStream(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := seedOutbox(t, 2)
	relay := service.NewRelayService(store, mq.NewRedisProducer(rdb, 1000))
	require.NoError(t, relay.RunOnce(ctx))

	n, err := rdb.XLen(ctx, model.TopicDepositEvents).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
