package service

import (
	"context"

	"settlement-core/internal/model"
)

// NonceManager WithdrawalWorker 对 nonce 分配器的依赖
type NonceManager interface {
	GetNonce(ctx context.Context, address string) (uint64, error)
	OnTransactionSuccess(ctx context.Context, address string, nonce uint64)
	OnTransactionFailure(ctx context.Context, address string, nonce uint64, reason error)
}

// DepositAPI 对外暴露的充值接口 (HTTP handler 使用)
type DepositAPI interface {
	// RegisterDeposit 为用户分配一个唯一的转账金额
	RegisterDeposit(ctx context.Context, userID uint64, baseAmount string) (*DepositIntent, error)
	GetDepositStatus(ctx context.Context, id uint64) (*model.Deposit, error)
}

// WithdrawAPI 对外暴露的提现接口
type WithdrawAPI interface {
	EnqueueWithdrawal(ctx context.Context, userID uint64, toAddress, amount string) (uint64, error)
	GetWithdrawalStatus(ctx context.Context, id uint64) (*model.Withdrawal, error)
	GetWorkingWalletBalance(ctx context.Context) (*WalletBalance, error)
}
