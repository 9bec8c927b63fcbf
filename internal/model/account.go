package model

import (
	"time"
)

// ============================================================================
// 套餐（Plan）常量
// ============================================================================

const (
	PlanFree      = "FREE"      // 免费套餐：按月度免费次数限流
	PlanMetered   = "METERED"   // 按量套餐：消耗 Meta 额度
	PlanUnlimited = "UNLIMITED" // 订阅套餐：不限次数
)

// Account 用户账户表
// 记录用户的套餐档位和余额快照
//
// 【重要】balance 只是各额度包 remaining 之和的冗余缓存，
// 用于展示和巡检，不是消费判定的依据 —— 判定以额度包行为准。
// 缓存与真实汇总出现偏差属于缺陷，任何组件都可以重算修复。
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`                // 用户ID，业务方传入
	Plan      string    `gorm:"type:varchar(20);not null;default:FREE" json:"plan"` // 套餐档位
	Balance   int64     `gorm:"not null;default:0" json:"balance"`                  // 余额快照（冗余缓存）
	Version   int       `gorm:"not null;default:0" json:"version"`                  // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
