// Package ledgertest 为测试提供基于内存 SQLite 的 ledger
package ledgertest

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"settlement-core/internal/ledger"
	"settlement-core/internal/model"
)

// OpenDB 每个测试一个独立的内存库
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// SQLite 单写者，串行化连接避免 database is locked
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// NewStore OpenDB + GormStore
func NewStore(t testing.TB) (*ledger.GormStore, *gorm.DB) {
	t.Helper()
	db := OpenDB(t)
	return ledger.NewGormStore(db), db
}
