package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/config"
	"mentorai/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层 DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	err = db.AutoMigrate(
		&model.Account{},
		&model.CreditLot{},
		&model.LedgerEvent{},
		&model.UsageLog{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{LedgerEvents: "test.ledger.events"},
		},
		Business: config.BusinessConfig{
			CreditValidityDays:  180,
			ConsumeMaxRetries:   3,
			SweepBatchSize:      100,
			CounterTimezone:     "Asia/Tokyo",
			OutboxMaxRetryCount: 5,
		},
		Features: []config.FeatureConfig{
			{Key: "mock_interview", Gate: config.FeatureGateCredit, Cost: 3},
			{Key: "case_drill", Gate: config.FeatureGateCredit, Cost: 2},
			{Key: "es_correction", Gate: config.FeatureGateCounter, MonthlyLimit: 3},
		},
	}
}

var lotNoSeq int64

// seedLot 直接插入一个额度包，expiresIn 为相对 clk.Now() 的偏移
func seedLot(t *testing.T, db *gorm.DB, clk clock.Clock, userID int64, amount int64, expiresIn time.Duration) *model.CreditLot {
	t.Helper()

	now := clk.Now()
	seq := atomic.AddInt64(&lotNoSeq, 1)
	txnID := fmt.Sprintf("seed-%s-%d", t.Name(), seq)
	lot := &model.CreditLot{
		LotNo:                 fmt.Sprintf("LOTSEED%d", seq),
		UserID:                userID,
		PurchasedAt:           now,
		ExpiresAt:             now.Add(expiresIn),
		InitialAmount:         amount,
		Remaining:             amount,
		Source:                model.LotSourcePurchase,
		ExternalTransactionID: &txnID,
	}
	if err := db.Create(lot).Error; err != nil {
		t.Fatalf("插入额度包失败: %v", err)
	}
	return lot
}

func seedAccount(t *testing.T, db *gorm.DB, userID int64, plan string, balance int64) *model.Account {
	t.Helper()

	account := &model.Account{
		UserID:  userID,
		Plan:    plan,
		Balance: balance,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("插入账户失败: %v", err)
	}
	return account
}

func getLot(t *testing.T, db *gorm.DB, lotID int64) *model.CreditLot {
	t.Helper()

	var lot model.CreditLot
	if err := db.Where("id = ?", lotID).First(&lot).Error; err != nil {
		t.Fatalf("查询额度包失败: %v", err)
	}
	return &lot
}

func countEvents(t *testing.T, db *gorm.DB, userID int64, eventType string) int64 {
	t.Helper()

	var count int64
	err := db.Model(&model.LedgerEvent{}).
		Where("user_id = ? AND type = ?", userID, eventType).
		Count(&count).Error
	if err != nil {
		t.Fatalf("统计流水失败: %v", err)
	}
	return count
}

func spendableSum(t *testing.T, db *gorm.DB, clk clock.Clock, userID int64) int64 {
	t.Helper()

	var total int64
	err := db.Model(&model.CreditLot{}).
		Where("user_id = ? AND remaining > 0 AND expires_at > ?", userID, clk.Now()).
		Select("COALESCE(SUM(remaining), 0)").
		Scan(&total).Error
	if err != nil {
		t.Fatalf("汇总余额失败: %v", err)
	}
	return total
}

func accountBalance(t *testing.T, db *gorm.DB, userID int64) int64 {
	t.Helper()

	var account model.Account
	if err := db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		t.Fatalf("查询账户失败: %v", err)
	}
	return account.Balance
}

var testCtx = context.Background()
