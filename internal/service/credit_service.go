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
	// ErrMalformedPayment 回调参数非法（用户/金额/交易ID缺失）
	// 调用方记录日志后按成功应答，避免支付渠道无限重投
	ErrMalformedPayment = errors.New("支付回调参数非法")
)

// CreditService 入账网关
// 把一笔确认到账的外部支付转换成一个新额度包，不管回调重投多少次，
// 同一笔交易只入账一次
type CreditService struct {
	db          *gorm.DB
	cfg         *config.Config
	clk         clock.Clock
	lotRepo     *repository.LotRepository
	eventRepo   *repository.EventRepository
	accountRepo *repository.AccountRepository
	outboxRepo  *repository.OutboxRepository
}

func NewCreditService(db *gorm.DB, cfg *config.Config, clk clock.Clock) *CreditService {
	return &CreditService{
		db:          db,
		cfg:         cfg,
		clk:         clk,
		lotRepo:     repository.NewLotRepository(db),
		eventRepo:   repository.NewEventRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// CreditResult 入账结果
type CreditResult struct {
	LotID     int64     `json:"lot_id"`
	LotNo     string    `json:"lot_no"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
	Duplicate bool      `json:"duplicate"` // true 表示该交易此前已入账，本次为幂等空操作
}

// CreditFromPayment 支付回调入账
//
// 【关键点】幂等靠 external_transaction_id 的唯一索引兜底：
// 插入 0 行生效即为重复回调，整个事务回滚，什么都不写，按成功返回。
// 不加任何分布式锁 —— 两个并发的同ID回调由唯一索引裁决，恰好成功一个。
func (s *CreditService) CreditFromPayment(ctx context.Context, userID int64, amount int64, externalTxnID string, source string) (*CreditResult, error) {
	if userID <= 0 || amount <= 0 || externalTxnID == "" {
		return nil, ErrMalformedPayment
	}
	if source == "" {
		source = model.LotSourcePurchase
	}

	return s.credit(ctx, userID, amount, externalTxnID, source, "支付入账-"+externalTxnID)
}

// Grant 后台发放（运营补偿/促销赠送）
// 没有渠道交易ID，用生成的发放单号充当幂等键
func (s *CreditService) Grant(ctx context.Context, userID int64, amount int64, source string, reason string) (*CreditResult, error) {
	if userID <= 0 || amount <= 0 {
		return nil, ErrMalformedPayment
	}
	if source == "" {
		source = model.LotSourceGrant
	}

	grantNo := idgen.GenerateGrantNo()
	if reason == "" {
		reason = "后台发放-" + grantNo
	}
	return s.credit(ctx, userID, amount, grantNo, source, reason)
}

func (s *CreditService) credit(ctx context.Context, userID int64, amount int64, externalTxnID string, source string, reason string) (*CreditResult, error) {
	// 保证账户存在，余额快照的加操作才有落点
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	now := s.clk.Now()
	lot := &model.CreditLot{
		LotNo:                 idgen.GenerateLotNo(),
		UserID:                userID,
		PurchasedAt:           now,
		ExpiresAt:             now.Add(s.cfg.ValidityWindow()),
		InitialAmount:         amount,
		Remaining:             amount,
		Source:                source,
		ExternalTransactionID: &externalTxnID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.lotRepo.CreateIdempotent(ctx, tx, lot); err != nil {
			return err
		}

		lotID := lot.ID
		event := &model.LedgerEvent{
			EventNo:    idgen.GenerateEventNo(),
			Type:       model.EventTypeGrant,
			UserID:     userID,
			Amount:     amount,
			LotID:      &lotID,
			Reason:     reason,
			OccurredAt: now,
		}
		if err := s.eventRepo.Create(ctx, tx, event); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		if err := s.accountRepo.Increase(ctx, tx, userID, amount); err != nil {
			return fmt.Errorf("更新余额快照失败: %w", err)
		}

		msgPayload := map[string]interface{}{
			"type":                    model.EventTypeGrant,
			"user_id":                 userID,
			"amount":                  amount,
			"lot_no":                  lot.LotNo,
			"source":                  source,
			"external_transaction_id": externalTxnID,
			"expires_at":              lot.ExpiresAt.Format(time.RFC3339),
			"occurred_at":             now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: lot.LotNo,
			Topic:      s.cfg.Kafka.Topic.LedgerEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})

	if errors.Is(err, repository.ErrDuplicateTransaction) {
		// 重复回调：此前已入账，幂等吸收为成功
		existing, getErr := s.lotRepo.GetByExternalTransactionID(ctx, externalTxnID)
		if getErr != nil {
			return nil, fmt.Errorf("查询已入账额度包失败: %w", getErr)
		}
		log.Printf("[Credit] 重复交易，幂等吸收: userID=%d, txnID=%s, lotNo=%s", userID, externalTxnID, existing.LotNo)
		return &CreditResult{
			LotID:     existing.ID,
			LotNo:     existing.LotNo,
			Amount:    existing.InitialAmount,
			ExpiresAt: existing.ExpiresAt,
			Duplicate: true,
		}, nil
	}

	if err != nil {
		return nil, err
	}

	log.Printf("[Credit] 入账成功: userID=%d, amount=%d, lotNo=%s, source=%s", userID, amount, lot.LotNo, source)

	return &CreditResult{
		LotID:     lot.ID,
		LotNo:     lot.LotNo,
		Amount:    amount,
		ExpiresAt: lot.ExpiresAt,
	}, nil
}
