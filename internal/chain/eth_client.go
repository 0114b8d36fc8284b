package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient 基于 go-ethereum ethclient 的 Client 实现
type EthClient struct {
	rpc *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

var _ Client = (*EthClient)(nil)

// Dial 连接节点; chainID 为 0 时首次使用时从节点查询
func Dial(ctx context.Context, rpcURL string, chainID int64) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	c := &EthClient{rpc: client}
	if chainID > 0 {
		c.chainID = big.NewInt(chainID)
	}
	return c, nil
}

func (c *EthClient) Close() {
	c.rpc.Close()
}

func (c *EthClient) CurrentHeight(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

func (c *EthClient) BlockWithTransactions(ctx context.Context, height uint64) (*Block, error) {
	block, err := c.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(chainID)

	out := &Block{
		Number:       block.NumberU64(),
		Hash:         block.Hash().Hex(),
		Time:         time.Unix(int64(block.Time()), 0).UTC(),
		Transactions: make([]Transaction, 0, len(block.Transactions())),
	}
	for _, tx := range block.Transactions() {
		// 只关心转入原生币的交易
		if tx.To() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		var from string
		if sender, err := types.Sender(signer, tx); err == nil {
			from = sender.Hex()
		}
		out.Transactions = append(out.Transactions, Transaction{
			Hash:  tx.Hash().Hex(),
			From:  from,
			To:    tx.To().Hex(),
			Value: tx.Value(),
		})
	}
	return out, nil
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	r, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Receipt{
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber.Uint64(),
		Success:     r.Status == types.ReceiptStatusSuccessful,
	}, nil
}

func (c *EthClient) TransactionCount(ctx context.Context, address string, pending bool) (uint64, error) {
	addr := common.HexToAddress(address)
	if pending {
		return c.rpc.PendingNonceAt(ctx, addr)
	}
	return c.rpc.NonceAt(ctx, addr, nil)
}

func (c *EthClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.rpc.SuggestGasPrice(ctx)
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

func (c *EthClient) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	_, _, err := c.rpc.TransactionByHash(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *EthClient) Broadcast(ctx context.Context, tx *types.Transaction) error {
	return c.rpc.SendTransaction(ctx, tx)
}
