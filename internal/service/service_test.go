package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/ledger"
	"settlement-core/internal/ledger/ledgertest"
)

const working = "0x00000000000000000000000000000000000000Aa"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) *ledger.GormStore {
	t.Helper()
	store, _ := ledgertest.NewStore(t)
	return store
}

func balanceOf(t *testing.T, store ledger.Store, userID uint64) decimal.Decimal {
	t.Helper()
	u, err := store.GetBalanceSnapshot(context.Background(), userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return u.Balance
}
