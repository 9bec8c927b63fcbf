package model

import (
	"time"
)

// ============================================================================
// 流水事件类型常量
// ============================================================================

const (
	EventTypeGrant   = "GRANT"   // 入账（购买/发放/促销）
	EventTypeConsume = "CONSUME" // 消费扣减
	EventTypeExpire  = "EXPIRE"  // 过期回收
)

// ============================================================================
// 台账流水实体
// ============================================================================

// LedgerEvent 台账流水表
// 记录每一次影响余额的动作，是对账和客诉处理的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每条流水关联具体额度包 —— 跨多个额度包的消费按包拆分为多条流水
// 3. 流水只用于对账，热路径的余额判定以额度包行为准，不读流水
type LedgerEvent struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventNo    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_no"` // 流水号（全局唯一）
	Type       string    `gorm:"type:varchar(20);not null" json:"type"`                 // 事件类型
	UserID     int64     `gorm:"index;not null" json:"user_id"`                         // 用户ID
	Amount     int64     `gorm:"not null" json:"amount"`                                // 变动额度（正数入账，负数出账）
	LotID      *int64    `gorm:"index" json:"lot_id"`                                   // 关联额度包ID
	Reason     string    `gorm:"type:varchar(256)" json:"reason"`                       // 备注
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`                     // 发生时间
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (LedgerEvent) TableName() string {
	return "ledger_event"
}
