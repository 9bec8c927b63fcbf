package model

import (
	"time"
)

// UsageLog 功能使用记录表
// 免费套餐的月度免费次数 = 统计当月该用户该功能的记录条数；
// 订阅套餐的使用记录仅用于分析，不参与限流
type UsageLog struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"index:idx_usage_user_feature;not null" json:"user_id"`
	FeatureKey string    `gorm:"type:varchar(64);index:idx_usage_user_feature;not null" json:"feature_key"` // 功能标识，如 mock_interview
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`                                         // 发生时间
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (UsageLog) TableName() string {
	return "usage_log"
}
