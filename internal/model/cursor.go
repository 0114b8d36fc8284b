package model

import "time"

// ScanCursor 最后一个处理完成的区块高度
type ScanCursor struct {
	Name        string    `gorm:"primaryKey;type:varchar(64)"`
	BlockNumber uint64    `gorm:"not null"`
	UpdatedAt   time.Time
}

func (ScanCursor) TableName() string {
	return "scan_cursors"
}
