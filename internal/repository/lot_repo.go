package repository

import (
	"context"
	"errors"
	"time"

	"mentorai/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLotNotFound = errors.New("额度包不存在")
	// ErrLotConflict 额度包乐观锁冲突：版本不匹配、余量不足或读取后已过期
	ErrLotConflict = errors.New("额度包状态已变化，请重试")
	// ErrDuplicateTransaction 支付渠道交易ID已入账（回调重投，幂等吸收）
	ErrDuplicateTransaction = errors.New("交易已入账")
)

type LotRepository struct {
	db *gorm.DB
}

func NewLotRepository(db *gorm.DB) *LotRepository {
	return &LotRepository{db: db}
}

// CreateIdempotent 幂等创建额度包
//
// 【关键点】以 external_transaction_id 唯一索引作为幂等判定的唯一依据。
// 先查后插在并发下有竞态，插入冲突才是权威信号：
// OnConflict DoNothing 后 RowsAffected == 0 说明同一笔交易已入账过。
func (r *LotRepository) CreateIdempotent(ctx context.Context, tx *gorm.DB, lot *model.CreditLot) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_transaction_id"}},
			DoNothing: true,
		}).
		Create(lot)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

// ListSpendable 查询用户的可消费额度包
//
// 【关键点】按过期时间升序返回 —— 最先过期的排最前。
// 消费引擎按这个顺序扣减（先花快过期的），排序是 FIFO 语义的承重墙。
func (r *LotRepository) ListSpendable(ctx context.Context, userID int64, now time.Time) ([]*model.CreditLot, error) {
	var lots []*model.CreditLot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND remaining > 0 AND expires_at > ?", userID, now).
		Order("expires_at ASC").
		Find(&lots).Error
	return lots, err
}

// SumSpendable 汇总用户的可消费余额（只读已提交数据）
func (r *LotRepository) SumSpendable(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.CreditLot{}).
		Where("user_id = ? AND remaining > 0 AND expires_at > ?", userID, now).
		Select("COALESCE(SUM(remaining), 0)").
		Scan(&total).Error
	return total, err
}

// Deduct 条件扣减单个额度包
//
// 【关键点】WHERE 同时校验三件事：
// 1. version 匹配 —— 乐观锁，并发修改过就不扣
// 2. remaining >= amount —— 不允许扣成负数
// 3. expires_at > now —— 读取和提交之间过期了的包不能再扣
// 任何一条不满足都是 0 行生效，统一返回 ErrLotConflict，由调用方重读重试。
func (r *LotRepository) Deduct(ctx context.Context, tx *gorm.DB, lotID int64, amount int64, version int, now time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditLot{}).
		Where("id = ? AND version = ? AND remaining >= ? AND expires_at > ?", lotID, version, amount, now).
		Updates(map[string]interface{}{
			"remaining": gorm.Expr("remaining - ?", amount),
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLotConflict
	}
	return nil
}

// ListExpired 查询已过期但仍有余量的额度包（过期回收任务用）
func (r *LotRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.CreditLot, error) {
	var lots []*model.CreditLot
	err := r.db.WithContext(ctx).
		Where("remaining > 0 AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&lots).Error
	return lots, err
}

// Zero 条件清零单个额度包（过期回收）
// version 校验保证清零和消费不会各自成功一次
func (r *LotRepository) Zero(ctx context.Context, tx *gorm.DB, lotID int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditLot{}).
		Where("id = ? AND version = ? AND remaining > 0", lotID, version).
		Updates(map[string]interface{}{
			"remaining": 0,
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLotConflict
	}
	return nil
}

// GetByID 按ID查询额度包
func (r *LotRepository) GetByID(ctx context.Context, lotID int64) (*model.CreditLot, error) {
	var lot model.CreditLot
	err := r.db.WithContext(ctx).Where("id = ?", lotID).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	return &lot, nil
}

// GetByExternalTransactionID 按支付渠道交易ID查询额度包
func (r *LotRepository) GetByExternalTransactionID(ctx context.Context, externalTxnID string) (*model.CreditLot, error) {
	var lot model.CreditLot
	err := r.db.WithContext(ctx).Where("external_transaction_id = ?", externalTxnID).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	return &lot, nil
}

// ListByUserID 查询用户的全部额度包（含已过期、已花完）
func (r *LotRepository) ListByUserID(ctx context.Context, userID int64) ([]*model.CreditLot, error) {
	var lots []*model.CreditLot
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("expires_at ASC").
		Find(&lots).Error
	return lots, err
}
