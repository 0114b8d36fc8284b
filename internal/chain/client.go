// Package chain 封装链上 RPC: 区块/回执查询、nonce、余额、广播
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotFound 交易/回执不存在 (未打包或被重组掉)
var ErrNotFound = errors.New("not found on chain")

// Transaction 区块内的一笔原生币转账
type Transaction struct {
	Hash  string
	From  string
	To    string // 合约创建交易为空
	Value *big.Int
}

// Block 带交易列表的区块
type Block struct {
	Number       uint64
	Hash         string
	Time         time.Time
	Transactions []Transaction
}

// Receipt 交易回执
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
}

// Client 结算引擎使用的链上接口
type Client interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockWithTransactions(ctx context.Context, height uint64) (*Block, error)
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	// TransactionCount pending=true 时包含交易池中的交易 (即下一个可用 nonce)
	TransactionCount(ctx context.Context, address string, pending bool) (uint64, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	// TransactionKnown 交易是否在交易池或已上链
	TransactionKnown(ctx context.Context, txHash string) (bool, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
}

// APISubmitter 带外提交通道 (私有交易池/托管服务)，返回 txHash
type APISubmitter interface {
	SubmitRawTransaction(ctx context.Context, rawHex string) (string, error)
}

// Signer 持有工作钱包私钥
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
