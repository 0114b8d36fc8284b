package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// MockClient 内存链，测试与本地演示使用
type MockClient struct {
	mu sync.Mutex

	height    uint64
	blocks    map[uint64]*Block
	receipts  map[string]*Receipt
	known     map[string]bool
	balances  map[string]*big.Int
	pending   map[string]uint64          // 下一个可用 nonce
	used      map[string]map[uint64]bool // 已进入交易池的 nonce
	floor     map[string]uint64          // SetPendingCount 设置，之下的 nonce 视为已被占用
	gasPrice  *big.Int
	chainID   *big.Int
	calls     map[string]int
	broadcast []*types.Transaction

	// 故障注入
	HeightErr    error
	BalanceErr   error
	CountErr     error
	BlockErrs    map[uint64]error
	BroadcastErr []error // 依次弹出，空时成功
}

var _ Client = (*MockClient)(nil)

func NewMockClient(chainID int64) *MockClient {
	return &MockClient{
		blocks:    make(map[uint64]*Block),
		receipts:  make(map[string]*Receipt),
		known:     make(map[string]bool),
		balances:  make(map[string]*big.Int),
		pending:   make(map[string]uint64),
		used:      make(map[string]map[uint64]bool),
		floor:     make(map[string]uint64),
		gasPrice:  big.NewInt(1_000_000_000),
		chainID:   big.NewInt(chainID),
		calls:     make(map[string]int),
		BlockErrs: make(map[uint64]error),
	}
}

// rpcError 模拟节点返回的 JSON-RPC 错误
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }

// NewRPCError 构造一个节点拒绝交易的错误
func NewRPCError(code int, msg string) error {
	return &rpcError{code: code, msg: msg}
}

// AddBlock 追加区块并推进高度
func (m *MockClient) AddBlock(number uint64, at time.Time, txs ...Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[number] = &Block{Number: number, Time: at, Transactions: txs}
	for _, tx := range txs {
		m.known[strings.ToLower(tx.Hash)] = true
	}
	if number > m.height {
		m.height = number
	}
}

func (m *MockClient) SetHeight(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = h
}

func (m *MockClient) SetBalance(address string, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(address)] = wei
}

func (m *MockClient) SetPendingCount(address string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[strings.ToLower(address)] = n
	m.floor[strings.ToLower(address)] = n
}

func (m *MockClient) SetReceipt(r *Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[strings.ToLower(r.TxHash)] = r
	m.known[strings.ToLower(r.TxHash)] = true
}

func (m *MockClient) SetKnown(txHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[strings.ToLower(txHash)] = true
}

// Broadcasts 成功广播的交易
func (m *MockClient) Broadcasts() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.broadcast...)
}

// Calls 某个方法被调用的次数
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// TotalCalls 所有方法调用次数
func (m *MockClient) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *MockClient) CurrentHeight(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CurrentHeight"]++
	if m.HeightErr != nil {
		return 0, m.HeightErr
	}
	return m.height, nil
}

func (m *MockClient) BlockWithTransactions(ctx context.Context, height uint64) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["BlockWithTransactions"]++
	if err := m.BlockErrs[height]; err != nil {
		return nil, err
	}
	if b, ok := m.blocks[height]; ok {
		return b, nil
	}
	if height <= m.height {
		return &Block{Number: height}, nil
	}
	return nil, ErrNotFound
}

func (m *MockClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TransactionReceipt"]++
	r, ok := m.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *MockClient) TransactionCount(ctx context.Context, address string, pending bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TransactionCount"]++
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return m.pending[strings.ToLower(address)], nil
}

func (m *MockClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Balance"]++
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	if b, ok := m.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *MockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SuggestGasPrice"]++
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *MockClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MockClient) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TransactionKnown"]++
	return m.known[strings.ToLower(txHash)], nil
}

// Broadcast 模拟节点: 成功后交易进入交易池，pending nonce 前移，余额扣减
// 同一个 nonce 只能使用一次; 乱序到达的 nonce 也会被接受
func (m *MockClient) Broadcast(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Broadcast"]++
	if len(m.BroadcastErr) > 0 {
		err := m.BroadcastErr[0]
		m.BroadcastErr = m.BroadcastErr[1:]
		if err != nil {
			return err
		}
	}

	sender, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		return NewRPCError(-32000, "invalid sender")
	}
	from := strings.ToLower(sender.Hex())
	if m.used[from] == nil {
		m.used[from] = make(map[uint64]bool)
	}
	if tx.Nonce() < m.floor[from] || m.used[from][tx.Nonce()] {
		return NewRPCError(-32000, "nonce too low")
	}
	m.used[from][tx.Nonce()] = true
	if tx.Nonce()+1 > m.pending[from] {
		m.pending[from] = tx.Nonce() + 1
	}
	if bal, ok := m.balances[from]; ok {
		bal.Sub(bal, tx.Value())
	}
	m.known[strings.ToLower(tx.Hash().Hex())] = true
	m.broadcast = append(m.broadcast, tx)
	return nil
}
