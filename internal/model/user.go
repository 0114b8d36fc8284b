package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User 游戏余额账户
// 用户资料由外部服务维护，这里只记录余额，所有变更都是原子的 balance = balance ± ?
type User struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Balance        decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"balance"`
	TotalDeposited decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"total_deposited"`
	TotalWithdrawn decimal.Decimal `gorm:"type:decimal(32,18);not null;default:0" json:"total_withdrawn"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
