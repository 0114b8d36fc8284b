package model

// MQ Topics
const (
	TopicDepositEvents    = "settlement_events_deposit"
	TopicWithdrawalEvents = "settlement_events_withdrawal"
)

const (
	EventDepositCredited    = "deposit.credited"
	EventWithdrawalSent     = "withdrawal.sent"
	EventWithdrawalFailed   = "withdrawal.failed"
	EventWithdrawalComplete = "withdrawal.completed"
)

// DepositCreditedEvent 充值入账，排行榜/通知服务消费
type DepositCreditedEvent struct {
	Type        string `json:"type"`
	DepositID   uint64 `json:"deposit_id"`
	UserID      uint64 `json:"user_id"`
	Amount      string `json:"amount"` // Decimal string, 入账金额 (AmountRequested)
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// WithdrawalEvent 提现状态变化
type WithdrawalEvent struct {
	Type         string `json:"type"`
	WithdrawalID uint64 `json:"withdrawal_id"`
	UserID       uint64 `json:"user_id"`
	ToAddress    string `json:"to_address"`
	Amount       string `json:"amount"`
	TxHash       string `json:"tx_hash,omitempty"`
	Refunded     bool   `json:"refunded,omitempty"`
	Error        string `json:"error,omitempty"`
}
