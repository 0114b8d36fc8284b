package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-core/internal/chain"
	"settlement-core/internal/handler"
	"settlement-core/internal/handler/response"
	"settlement-core/internal/ledger"
	"settlement-core/internal/ledger/ledgertest"
	"settlement-core/internal/server"
	"settlement-core/internal/service"
	"settlement-core/pkg/cache"
	"settlement-core/pkg/errno"
	"settlement-core/pkg/validator"
)

const (
	working   = "0x00000000000000000000000000000000000000Aa"
	recipient = "0x00000000000000000000000000000000000000cC"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	validator.Init()
	os.Exit(m.Run())
}

type fixture struct {
	router *gin.Engine
	store  *ledger.GormStore
	client *chain.MockClient
}

func newFixture(t *testing.T, checks map[string]handler.Checker) *fixture {
	t.Helper()
	store, _ := ledgertest.NewStore(t)
	client := chain.NewMockClient(1)

	deposits := service.NewDepositService(store, service.DepositConfig{
		WorkingAddress: working,
		Epsilon:        decimal.RequireFromString("0.00005"),
		TTL:            30 * time.Minute,
		MaxOffsetUnits: 99,
	})
	withdrawals := service.NewWithdrawService(store, client, cache.NewMemoryCache(time.Minute, time.Minute), working, 10*time.Second)

	router := server.NewHTTPRouter(server.Handlers{
		Deposit:  handler.NewDepositHandler(deposits),
		Withdraw: handler.NewWithdrawHandler(withdrawals),
		Health:   handler.NewHealthHandler(checks),
	})
	return &fixture{router: router, store: store, client: client}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp response.Response
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestRegisterDepositAndQuery(t *testing.T) {
	f := newFixture(t, nil)

	w, resp := f.do(t, http.MethodPost, "/api/v1/deposits", gin.H{"user_id": 7, "amount": "50"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, errno.OK.Code, resp.Code, resp.Message)

	data := resp.Data.(map[string]interface{})
	unique := decimal.RequireFromString(data["unique_amount"].(string))
	assert.True(t, unique.GreaterThan(decimal.NewFromInt(50)))
	assert.True(t, unique.LessThan(decimal.RequireFromString("50.01")))
	assert.Equal(t, working, data["working_address"])

	id := data["deposit_id"].(float64)
	_, resp = f.do(t, http.MethodGet, "/api/v1/deposits/"+formatID(id), nil)
	require.Equal(t, errno.OK.Code, resp.Code)
	got := resp.Data.(map[string]interface{})
	assert.Equal(t, "waiting", got["status"])
	assert.Equal(t, false, got["matched"])
}

func TestRegisterDepositRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{"missing user", gin.H{"amount": "1"}, errno.ErrBind.Code},
		{"missing amount", gin.H{"user_id": 1}, errno.ErrBind.Code},
		{"negative", gin.H{"user_id": 1, "amount": "-1"}, errno.ErrInvalidAmount.Code},
		{"too precise", gin.H{"user_id": 1, "amount": "1.00001"}, errno.ErrInvalidAmount.Code},
		{"not a number", gin.H{"user_id": 1, "amount": "abc"}, errno.ErrInvalidAmount.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := f.do(t, http.MethodPost, "/api/v1/deposits", tt.body)
			assert.Equal(t, tt.code, resp.Code, resp.Message)
		})
	}
}

func TestGetDepositNotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, resp := f.do(t, http.MethodGet, "/api/v1/deposits/999", nil)
	assert.Equal(t, errno.ErrDepositNotFound.Code, resp.Code)

	_, resp = f.do(t, http.MethodGet, "/api/v1/deposits/abc", nil)
	assert.Equal(t, errno.ErrBind.Code, resp.Code)
}

func TestCreateWithdrawal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.IncrementBalance(context.Background(), 3, decimal.NewFromInt(100)))

	_, resp := f.do(t, http.MethodPost, "/api/v1/withdrawals", gin.H{"user_id": 3, "to_address": recipient, "amount": "40"})
	require.Equal(t, errno.OK.Code, resp.Code, resp.Message)
	id := resp.Data.(map[string]interface{})["withdrawal_id"].(float64)

	_, resp = f.do(t, http.MethodGet, "/api/v1/withdrawals/"+formatID(id), nil)
	require.Equal(t, errno.OK.Code, resp.Code)
	assert.Equal(t, "queued", resp.Data.(map[string]interface{})["status"])

	// 余额不足
	_, resp = f.do(t, http.MethodPost, "/api/v1/withdrawals", gin.H{"user_id": 3, "to_address": recipient, "amount": "61"})
	assert.Equal(t, errno.ErrInsufficientBalance.Code, resp.Code)
}

func TestCreateWithdrawalValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, resp := f.do(t, http.MethodPost, "/api/v1/withdrawals", gin.H{"user_id": 3, "to_address": "0x123", "amount": "1"})
	assert.Equal(t, errno.ErrBind.Code, resp.Code)
	assert.Contains(t, resp.Message, "ToAddress")

	_, resp = f.do(t, http.MethodGet, "/api/v1/withdrawals/42", nil)
	assert.Equal(t, errno.ErrWithdrawalNotFound.Code, resp.Code)
}

func TestWalletBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.client.SetBalance(working, new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)))

	_, resp := f.do(t, http.MethodGet, "/api/v1/wallet/balance", nil)
	require.Equal(t, errno.OK.Code, resp.Code, resp.Message)
	data := resp.Data.(map[string]interface{})
	assert.True(t, decimal.RequireFromString(data["balance"].(string)).Equal(decimal.NewFromInt(3)))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]handler.Checker{
		"db": func(ctx context.Context) error { return nil },
	})
	w, _ := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(t, map[string]handler.Checker{
		"db":    func(ctx context.Context) error { return nil },
		"chain": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	w, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func formatID(id float64) string {
	return strconv.FormatFloat(id, 'f', 0, 64)
}
