package repository

import (
	"context"

	"mentorai/internal/model"

	"gorm.io/gorm"
)

type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create 追加一条台账流水
// 流水必须和对应的额度包变更在同一个事务里写入
func (r *EventRepository) Create(ctx context.Context, tx *gorm.DB, event *model.LedgerEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(event).Error
}

// ListByUserID 分页查询用户流水
func (r *EventRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.LedgerEvent, int64, error) {
	var events []*model.LedgerEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerEvent{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("occurred_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&events).Error

	return events, total, err
}

// ListByLotID 查询额度包的全部流水（对账用）
func (r *EventRepository) ListByLotID(ctx context.Context, lotID int64) ([]*model.LedgerEvent, error) {
	var events []*model.LedgerEvent
	err := r.db.WithContext(ctx).
		Where("lot_id = ?", lotID).
		Order("occurred_at ASC").
		Find(&events).Error
	return events, err
}
