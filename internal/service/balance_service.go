package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/model"
	"mentorai/internal/repository"

	"gorm.io/gorm"
)

// BalanceService 余额查询与快照修复
type BalanceService struct {
	clk         clock.Clock
	lotRepo     *repository.LotRepository
	eventRepo   *repository.EventRepository
	accountRepo *repository.AccountRepository
}

func NewBalanceService(db *gorm.DB, clk clock.Clock) *BalanceService {
	return &BalanceService{
		clk:         clk,
		lotRepo:     repository.NewLotRepository(db),
		eventRepo:   repository.NewEventRepository(db),
		accountRepo: repository.NewAccountRepository(db),
	}
}

// LotSummary 额度包展示明细
type LotSummary struct {
	LotNo     string    `json:"lot_no"`
	Remaining int64     `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
	Source    string    `json:"source"`
}

// BalanceSummary 余额展示
type BalanceSummary struct {
	UserID  int64        `json:"user_id"`
	Plan    string       `json:"plan"`
	Balance int64        `json:"balance"` // 可消费余额 = 未过期额度包 remaining 之和
	Lots    []LotSummary `json:"lots"`
}

// GetBalance 查询用户当前可消费余额和额度包明细
// 直接汇总额度包行（只看已提交数据），不信任账户上的余额快照
func (s *BalanceService) GetBalance(ctx context.Context, userID int64) (*BalanceSummary, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	now := s.clk.Now()
	lots, err := s.lotRepo.ListSpendable(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("查询额度包失败: %w", err)
	}

	summary := &BalanceSummary{
		UserID: userID,
		Plan:   account.Plan,
		Lots:   make([]LotSummary, 0, len(lots)),
	}
	for _, lot := range lots {
		summary.Balance += lot.Remaining
		summary.Lots = append(summary.Lots, LotSummary{
			LotNo:     lot.LotNo,
			Remaining: lot.Remaining,
			ExpiresAt: lot.ExpiresAt,
			Source:    lot.Source,
		})
	}
	return summary, nil
}

// LotDetail 额度包全量明细（含已过期、已花完的包，客服排查用）
type LotDetail struct {
	LotID         int64     `json:"lot_id"`
	LotNo         string    `json:"lot_no"`
	InitialAmount int64     `json:"initial_amount"`
	Remaining     int64     `json:"remaining"`
	PurchasedAt   time.Time `json:"purchased_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Source        string    `json:"source"`
	Spendable     bool      `json:"spendable"`
}

// ListLots 查询用户的全部额度包，不过滤状态
func (s *BalanceService) ListLots(ctx context.Context, userID int64) ([]LotDetail, error) {
	lots, err := s.lotRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询额度包失败: %w", err)
	}

	now := s.clk.Now()
	details := make([]LotDetail, 0, len(lots))
	for _, lot := range lots {
		details = append(details, LotDetail{
			LotID:         lot.ID,
			LotNo:         lot.LotNo,
			InitialAmount: lot.InitialAmount,
			Remaining:     lot.Remaining,
			PurchasedAt:   lot.PurchasedAt,
			ExpiresAt:     lot.ExpiresAt,
			Source:        lot.Source,
			Spendable:     lot.IsSpendable(now),
		})
	}
	return details, nil
}

// ListLotEvents 查询单个额度包的全部流水（对账用）
// 额度包不存在时返回 repository.ErrLotNotFound
func (s *BalanceService) ListLotEvents(ctx context.Context, lotID int64) ([]*model.LedgerEvent, error) {
	if _, err := s.lotRepo.GetByID(ctx, lotID); err != nil {
		return nil, err
	}
	return s.eventRepo.ListByLotID(ctx, lotID)
}

// RecomputeBalance 用额度包行重算余额快照（巡检修复用）
// 返回重算后的余额
func (s *BalanceService) RecomputeBalance(ctx context.Context, userID int64) (int64, error) {
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return 0, fmt.Errorf("获取账户信息失败: %w", err)
	}

	total, err := s.lotRepo.SumSpendable(ctx, userID, s.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("汇总额度包失败: %w", err)
	}

	if err := s.accountRepo.SetBalance(ctx, userID, total); err != nil {
		return 0, fmt.Errorf("写入余额快照失败: %w", err)
	}

	log.Printf("[Balance] 余额快照已重算: userID=%d, balance=%d", userID, total)
	return total, nil
}

// ListEvents 分页查询用户台账流水
func (s *BalanceService) ListEvents(ctx context.Context, userID int64, page, pageSize int) ([]*model.LedgerEvent, int64, error) {
	return s.eventRepo.ListByUserID(ctx, userID, page, pageSize)
}

// UpdatePlan 更新套餐档位（订阅侧回调）
func (s *BalanceService) UpdatePlan(ctx context.Context, userID int64, plan string) error {
	switch plan {
	case model.PlanFree, model.PlanMetered, model.PlanUnlimited:
	default:
		return fmt.Errorf("非法的套餐档位: %q", plan)
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return fmt.Errorf("获取账户信息失败: %w", err)
	}
	return s.accountRepo.UpdatePlan(ctx, userID, plan)
}
