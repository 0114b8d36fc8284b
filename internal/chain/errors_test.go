package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nonce too low", NewRPCError(-32000, "nonce too low"), ClassNonce},
		{"replacement", NewRPCError(-32000, "replacement transaction underpriced"), ClassNonce},
		{"already known", NewRPCError(-32000, "already known"), ClassAlreadyKnown},
		{"wallet empty", NewRPCError(-32000, "insufficient funds for gas * price + value"), ClassInsufficientFunds},
		{"underpriced", NewRPCError(-32000, "transaction underpriced"), ClassTransient},
		{"timeout", fmt.Errorf("send: %w", context.DeadlineExceeded), ClassTransient},
		{"rejected", NewRPCError(-32000, "intrinsic gas too low"), ClassPermanent},
		{"unknown local error", errors.New("connection reset"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, ClassTransient.Retryable())
	assert.True(t, ClassNonce.Retryable())
	assert.True(t, ClassInsufficientFunds.Retryable())
	assert.False(t, ClassPermanent.Retryable())
	assert.False(t, ClassAlreadyKnown.Retryable())
	assert.True(t, IsNonceError(NewRPCError(-32000, "nonce too low")))
	assert.False(t, IsNonceError(nil))
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"nonce too low", NewRPCError(-32000, "nonce too low"), true},
		{"underpriced", NewRPCError(-32000, "transaction underpriced"), true},
		{"rejected", fmt.Errorf("broadcast: %w", NewRPCError(-32000, "intrinsic gas too low")), true},
		{"already known", NewRPCError(-32000, "already known"), false},
		{"timeout", fmt.Errorf("send: %w", context.DeadlineExceeded), false},
		{"connection reset", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRejection(tt.err))
		})
	}
}
