package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 提现单状态
const (
	WithdrawalStatusQueued     = "queued"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusSent       = "sent"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusFailed     = "failed"
)

// Withdrawal 提现单
// queued -> processing -> sent -> completed
//                      \-> queued (重试)
//                      \-> failed (退款)
type Withdrawal struct {
	ID                  uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID              uint64          `gorm:"not null;index" json:"user_id"`
	ToAddress           string          `gorm:"type:varchar(42);not null" json:"to_address"`
	Amount              decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"amount"`
	Status              string          `gorm:"type:varchar(16);not null;index:idx_withdrawal_status,priority:1" json:"status"`
	TxHash              *string         `gorm:"type:varchar(66);index" json:"tx_hash,omitempty"`
	Nonce               *uint64         `json:"nonce,omitempty"`
	GasPrice            *string         `gorm:"type:varchar(78)" json:"gas_price,omitempty"` // wei; 重放时沿用，保证同一笔交易哈希不变
	RetryCount          int             `gorm:"not null;default:0" json:"retry_count"`
	Debited             bool            `gorm:"not null;default:false" json:"-"` // 申请时已扣减游戏余额，失败时需退款
	ProcessingStartedAt *time.Time      `gorm:"index:idx_withdrawal_status,priority:2" json:"processing_started_at,omitempty"`
	RequestedAt         time.Time       `gorm:"not null" json:"requested_at"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	Error               string          `gorm:"type:text" json:"error,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (Withdrawal) TableName() string {
	return "withdrawals"
}

// IsTerminal sent/completed/failed 之后不会再被 worker 处理
func (w *Withdrawal) IsTerminal() bool {
	switch w.Status {
	case WithdrawalStatusSent, WithdrawalStatusCompleted, WithdrawalStatusFailed:
		return true
	}
	return false
}
