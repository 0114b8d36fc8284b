package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 充值单状态
const (
	DepositStatusWaiting   = "waiting"   // 已登记，等待链上转账
	DepositStatusPending   = "pending"   // 已匹配，确认数不足
	DepositStatusConfirmed = "confirmed" // 确认数达标
	DepositStatusExpired   = "expired"   // 超时未匹配
)

// Deposit 充值意向
// 用户按 UniqueAmount 向工作钱包转账，DepositWatcher 按金额把链上转账关联回这条记录
type Deposit struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint64          `gorm:"not null;index" json:"user_id"`
	AmountRequested decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"amount_requested"` // 入账金额
	UniqueAmount    decimal.Decimal `gorm:"type:decimal(32,18);not null" json:"unique_amount"`    // 用户实际需要转账的金额
	MatchUnits      int64           `gorm:"not null;index:idx_deposit_open,priority:3" json:"-"`  // UniqueAmount * 10^4
	WorkingAddress  string          `gorm:"type:varchar(42);not null" json:"working_address"`
	Matched         bool            `gorm:"not null;default:false;index:idx_deposit_open,priority:1" json:"matched"`
	TxHash          *string         `gorm:"type:varchar(66);uniqueIndex" json:"tx_hash,omitempty"` // 一笔转账只能入账一次
	BlockNumber     *uint64         `json:"block_number,omitempty"`
	Confirmations   int             `gorm:"not null;default:0" json:"confirmations"`
	Status          string          `gorm:"type:varchar(16);not null;index:idx_deposit_open,priority:2" json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `gorm:"not null;index" json:"expires_at"`
	MatchedAt       *time.Time      `json:"matched_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Deposit) TableName() string {
	return "deposits"
}

// IsOpen 仍占用 UniqueAmount 命名空间
func (d *Deposit) IsOpen() bool {
	return !d.Matched && d.Status == DepositStatusWaiting
}
