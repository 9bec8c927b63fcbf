package repository

import (
	"context"
	"time"

	"mentorai/internal/model"

	"gorm.io/gorm"
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Create(ctx context.Context, tx *gorm.DB, usage *model.UsageLog) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(usage).Error
}

// CountSince 统计用户某功能自 since 以来的使用次数
// 月度免费次数 = CountSince(当月月初)
func (r *UsageRepository) CountSince(ctx context.Context, userID int64, featureKey string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.UsageLog{}).
		Where("user_id = ? AND feature_key = ? AND occurred_at >= ?", userID, featureKey, since).
		Count(&count).Error
	return count, err
}
