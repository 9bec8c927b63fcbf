package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/config"
	"mentorai/internal/model"
	"mentorai/internal/repository"
	"mentorai/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrInvalidCost = errors.New("消费额度必须大于0")
	// ErrInsufficientCredit 可消费余额不足，未发生任何扣减
	ErrInsufficientCredit = errors.New("Meta 额度不足")
	// ErrConcurrencyConflict 乐观锁冲突重试耗尽，调用方可整体重试
	ErrConcurrencyConflict = errors.New("系统繁忙，请稍后重试")
)

// ConsumeService 额度消费引擎
//
// 【关键点】消费是整个台账最核心的操作，需要保证：
// 1. FIFO：永远先扣最接近过期的额度包，宁可多拆几条流水也不浪费额度
// 2. 全有或全无：凑不够 cost 就一个包都不动
// 3. 并发安全：靠额度包行上的乐观锁裁决，不用任何外部互斥锁
type ConsumeService struct {
	db          *gorm.DB
	cfg         *config.Config
	clk         clock.Clock
	lotRepo     *repository.LotRepository
	eventRepo   *repository.EventRepository
	accountRepo *repository.AccountRepository
	outboxRepo  *repository.OutboxRepository
}

func NewConsumeService(db *gorm.DB, cfg *config.Config, clk clock.Clock) *ConsumeService {
	return &ConsumeService{
		db:          db,
		cfg:         cfg,
		clk:         clk,
		lotRepo:     repository.NewLotRepository(db),
		eventRepo:   repository.NewEventRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// LotDeduction 单个额度包上的扣减明细
type LotDeduction struct {
	LotID  int64  `json:"lot_id"`
	LotNo  string `json:"lot_no"`
	Amount int64  `json:"amount"`
}

// ConsumeResult 一次消费的结果
type ConsumeResult struct {
	Cost       int64          `json:"cost"`
	Deductions []LotDeduction `json:"deductions"`
}

// Consume 从用户的可消费额度包中扣减 cost 个 Meta
//
// 算法：
// 1. 读出可消费额度包（最先过期的在前）
// 2. 顺序累加 remaining，凑不够 cost 直接返回额度不足，不做任何变更
// 3. 凑够了就按顺序逐包扣 min(remaining, 还差的)，每个包一条 CONSUME 流水
// 4. 所有扣减和流水在一个事务里落库；任何一个包的版本校验失败
//    （被并发消费、被回收、或读取后过期）整个事务回滚，重读重试
func (s *ConsumeService) Consume(ctx context.Context, userID int64, cost int64, reason string) (*ConsumeResult, error) {
	if cost <= 0 {
		return nil, ErrInvalidCost
	}

	// 保证账户存在，余额快照的减操作才有落点
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	maxRetries := s.cfg.Business.ConsumeMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := s.consumeOnce(ctx, userID, cost, reason)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, repository.ErrLotConflict) {
			return nil, err
		}
		// 冲突说明有并发消费或过期回收抢先提交，重读后重走整个扣减计划
		log.Printf("[Consume] 乐观锁冲突，重试: userID=%d, cost=%d, attempt=%d", userID, cost, attempt+1)
	}

	return nil, ErrConcurrencyConflict
}

func (s *ConsumeService) consumeOnce(ctx context.Context, userID int64, cost int64, reason string) (*ConsumeResult, error) {
	now := s.clk.Now()

	lots, err := s.lotRepo.ListSpendable(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("查询额度包失败: %w", err)
	}

	// 先算扣减计划：按最先过期的顺序凑 cost
	type plannedDeduct struct {
		lot    *model.CreditLot
		amount int64
	}
	var plan []plannedDeduct
	remaining := cost
	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		deduct := lot.Remaining
		if deduct > remaining {
			deduct = remaining
		}
		plan = append(plan, plannedDeduct{lot: lot, amount: deduct})
		remaining -= deduct
	}

	if remaining > 0 {
		// 全部额度包加起来都不够，一个都不动
		return nil, ErrInsufficientCredit
	}

	result := &ConsumeResult{Cost: cost}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 提交前重新取当前时间：过期校验必须用比读取更新的时间戳，
		// 读取和提交之间过期了的包在 Deduct 的 WHERE 里被拦下，回滚重试
		commitNow := s.clk.Now()
		for _, p := range plan {
			if err := s.lotRepo.Deduct(ctx, tx, p.lot.ID, p.amount, p.lot.Version, commitNow); err != nil {
				return err
			}

			lotID := p.lot.ID
			event := &model.LedgerEvent{
				EventNo:    idgen.GenerateEventNo(),
				Type:       model.EventTypeConsume,
				UserID:     userID,
				Amount:     -p.amount,
				LotID:      &lotID,
				Reason:     reason,
				OccurredAt: now,
			}
			if err := s.eventRepo.Create(ctx, tx, event); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}

			result.Deductions = append(result.Deductions, LotDeduction{
				LotID:  p.lot.ID,
				LotNo:  p.lot.LotNo,
				Amount: p.amount,
			})
		}

		if err := s.accountRepo.Decrease(ctx, tx, userID, cost); err != nil {
			return fmt.Errorf("更新余额快照失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"type":        model.EventTypeConsume,
			"user_id":     userID,
			"cost":        cost,
			"deductions":  result.Deductions,
			"reason":      reason,
			"occurred_at": now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: fmt.Sprintf("%d", userID),
			Topic:      s.cfg.Kafka.Topic.LedgerEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("[Consume] 扣减成功: userID=%d, cost=%d, lots=%d", userID, cost, len(result.Deductions))
	return result, nil
}
