package model

import (
	"time"
)

// ============================================================================
// 额度包（Lot）来源常量
// ============================================================================

const (
	LotSourcePurchase = "PURCHASE" // 付费购买（支付回调入账）
	LotSourceGrant    = "GRANT"    // 运营/管理员发放
	LotSourcePromo    = "PROMO"    // 促销活动赠送
)

// CreditLot 额度包表
// 一次入账产生一个额度包，Meta 余额 = 所有未过期额度包的 remaining 之和
//
// 【重要】额度包设计原则：
// 1. remaining 只会减少（消费扣减）或被清零（过期回收），创建后永不增加
// 2. 额度包永不物理删除 —— 作为对账的永久记录
// 3. external_transaction_id 唯一索引是支付回调幂等的唯一依据
type CreditLot struct {
	ID                    int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	LotNo                 string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"lot_no"`          // 额度包编号（全局唯一）
	UserID                int64     `gorm:"index;not null" json:"user_id"`                                // 用户ID
	PurchasedAt           time.Time `gorm:"not null" json:"purchased_at"`                                 // 入账时间
	ExpiresAt             time.Time `gorm:"index;not null" json:"expires_at"`                             // 过期时间 = 入账时间 + 有效期
	InitialAmount         int64     `gorm:"not null" json:"initial_amount"`                               // 初始额度
	Remaining             int64     `gorm:"not null" json:"remaining"`                                    // 剩余额度（0 <= remaining <= initial_amount）
	Source                string    `gorm:"type:varchar(20);not null" json:"source"`                      // 来源
	ExternalTransactionID *string   `gorm:"type:varchar(128);uniqueIndex" json:"external_transaction_id"` // 支付渠道交易ID（幂等键，可空）
	Version               int       `gorm:"not null;default:0" json:"version"`                            // 乐观锁版本号
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditLot) TableName() string {
	return "credit_lot"
}

// IsSpendable 判断额度包在 now 时刻是否可消费
func (l *CreditLot) IsSpendable(now time.Time) bool {
	return l.Remaining > 0 && l.ExpiresAt.After(now)
}
