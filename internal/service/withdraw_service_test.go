package service_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/chain"
	"settlement-core/internal/model"
	"settlement-core/internal/service"
	"settlement-core/pkg/amount"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/errno"
)

const recipient = "0x00000000000000000000000000000000000000cC"

func newWithdrawService(t *testing.T) (*service.WithdrawService, *chain.MockClient) {
	t.Helper()
	client := chain.NewMockClient(1)
	svc := service.NewWithdrawService(newStore(t), client, cache.NewMemoryCache(time.Minute, time.Minute), working, 10*time.Second)
	return svc, client
}

func TestEnqueueWithdrawalDebitsBalance(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := service.NewWithdrawService(store, chain.NewMockClient(1), cache.NewMemoryCache(time.Minute, time.Minute), working, time.Second)
	require.NoError(t, store.IncrementBalance(ctx, 7, dec("150")))

	id, err := svc.EnqueueWithdrawal(ctx, 7, recipient, "100")
	require.NoError(t, err)

	w, err := svc.GetWithdrawalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusQueued, w.Status)
	assert.True(t, strings.EqualFold(recipient, w.ToAddress))
	assert.True(t, balanceOf(t, store, 7).Equal(dec("50")))

	_, err = svc.EnqueueWithdrawal(ctx, 7, recipient, "51")
	assert.ErrorIs(t, err, errno.ErrInsufficientBalance)
	assert.True(t, balanceOf(t, store, 7).Equal(dec("50")))
}

func TestEnqueueWithdrawalValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newWithdrawService(t)

	_, err := svc.EnqueueWithdrawal(ctx, 1, "not-an-address", "1")
	assert.ErrorIs(t, err, errno.ErrInvalidAddress)

	for _, in := range []string{"0", "-5", "x", "0.0000000000000000001"} {
		_, err := svc.EnqueueWithdrawal(ctx, 1, recipient, in)
		assert.ErrorIs(t, err, errno.ErrInvalidAmount, in)
	}

	// 账户不存在等同于余额不足
	_, err = svc.EnqueueWithdrawal(ctx, 99, recipient, "1")
	assert.ErrorIs(t, err, errno.ErrInsufficientBalance)
}

func TestGetWithdrawalStatusNotFound(t *testing.T) {
	svc, _ := newWithdrawService(t)
	_, err := svc.GetWithdrawalStatus(context.Background(), 404)
	assert.ErrorIs(t, err, errno.ErrWithdrawalNotFound)
}

func TestGetWorkingWalletBalanceCached(t *testing.T) {
	ctx := context.Background()
	svc, client := newWithdrawService(t)
	client.SetBalance(working, amount.CoinToWei(dec("1.5")))

	b, err := svc.GetWorkingWalletBalance(ctx)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(dec("1.5")))
	assert.Equal(t, "1500000000000000000", b.Wei)

	client.SetBalance(working, big.NewInt(0))
	b, err = svc.GetWorkingWalletBalance(ctx)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(dec("1.5")))
	assert.Equal(t, 1, client.Calls("Balance"))
}

func TestGetWorkingWalletBalanceChainDown(t *testing.T) {
	svc, client := newWithdrawService(t)
	client.BalanceErr = errors.New("dial tcp: connection refused")

	_, err := svc.GetWorkingWalletBalance(context.Background())
	assert.ErrorIs(t, err, errno.ErrChainUnavailable)
}
