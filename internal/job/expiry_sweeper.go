package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/config"
	"mentorai/internal/infrastructure/lock"
	"mentorai/internal/model"
	"mentorai/internal/repository"
	"mentorai/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ExpirySweeper 过期回收任务
//
// 定期把已过期但仍有余量的额度包清零，并补齐 EXPIRE 流水和余额快照。
//
// 【关键点】
// 1. 逐包独立事务：一个包失败不影响其他包，允许部分推进
// 2. 幂等：崩溃后重跑只会找到还没清零的包，已处理的不会产生第二条流水
// 3. 清零和流水在同一个事务里，不存在清了零没流水（或反过来）的状态
// 4. 多副本部署用 Redis 锁选主，拿不到锁的实例跳过本轮（回收本身幂等，
//    锁只是避免重复劳动）
type ExpirySweeper struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	clk         clock.Clock
	lotRepo     *repository.LotRepository
	eventRepo   *repository.EventRepository
	accountRepo *repository.AccountRepository
	outboxRepo  *repository.OutboxRepository
	instanceID  string
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewExpirySweeper(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, clk clock.Clock) *ExpirySweeper {
	interval := time.Duration(cfg.Business.SweepIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	batchSize := cfg.Business.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpirySweeper{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		clk:         clk,
		lotRepo:     repository.NewLotRepository(db),
		eventRepo:   repository.NewEventRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		instanceID:  fmt.Sprintf("sweeper-%d", idgen.NextID()),
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   batchSize,
	}
}

func (j *ExpirySweeper) Start(ctx context.Context) {
	log.Println("[ExpirySweeper] 过期回收任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ExpirySweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ExpirySweeper] 任务停止")
			return
		case <-ticker.C:
			j.sweepWithLock(ctx)
		}
	}
}

func (j *ExpirySweeper) Stop() {
	close(j.stopCh)
}

func (j *ExpirySweeper) sweepWithLock(ctx context.Context) {
	sweepLock := lock.NewSweepLock(j.redisClient, j.instanceID)

	ok, err := sweepLock.TryLock(ctx)
	if err != nil {
		log.Printf("[ExpirySweeper] 获取回收锁失败，跳过本轮: %v", err)
		return
	}
	if !ok {
		// 其他实例正在回收
		return
	}
	defer sweepLock.Unlock(ctx)

	if _, err := j.SweepOnce(ctx); err != nil {
		log.Printf("[ExpirySweeper] 回收执行异常: %v", err)
	}
}

// SweepOnce 执行一轮回收，返回本轮清零的额度包数量
func (j *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	now := j.clk.Now()

	lots, err := j.lotRepo.ListExpired(ctx, now, j.batchSize)
	if err != nil {
		return 0, fmt.Errorf("查询过期额度包失败: %w", err)
	}

	if len(lots) == 0 {
		return 0, nil
	}

	log.Printf("[ExpirySweeper] 发现 %d 个待回收额度包", len(lots))

	sweptCount := 0
	for _, lot := range lots {
		if err := j.sweepLot(ctx, lot, now); err != nil {
			if errors.Is(err, repository.ErrLotConflict) {
				// 查出后被并发消费或已被清零，下一轮自然不会再出现
				log.Printf("[ExpirySweeper] 额度包状态已变化，跳过: lotNo=%s", lot.LotNo)
				continue
			}
			log.Printf("[ExpirySweeper] 回收额度包失败: lotNo=%s, err=%v", lot.LotNo, err)
			continue
		}
		sweptCount++
		log.Printf("[ExpirySweeper] 额度包已过期清零: lotNo=%s, userID=%d, writeOff=%d",
			lot.LotNo, lot.UserID, lot.Remaining)
	}

	log.Printf("[ExpirySweeper] 本轮清零 %d 个额度包", sweptCount)
	return sweptCount, nil
}

// sweepLot 清零单个额度包
// 清零、EXPIRE 流水、余额快照、发件箱消息在同一个事务里，要么都成要么都不成
func (j *ExpirySweeper) sweepLot(ctx context.Context, lot *model.CreditLot, now time.Time) error {
	writeOff := lot.Remaining

	return j.db.Transaction(func(tx *gorm.DB) error {
		// version 校验保证 writeOff 就是被清掉的数额：
		// 版本没变，remaining 就没变过
		if err := j.lotRepo.Zero(ctx, tx, lot.ID, lot.Version); err != nil {
			return err
		}

		lotID := lot.ID
		event := &model.LedgerEvent{
			EventNo:    idgen.GenerateEventNo(),
			Type:       model.EventTypeExpire,
			UserID:     lot.UserID,
			Amount:     -writeOff,
			LotID:      &lotID,
			Reason:     "额度过期回收-" + lot.LotNo,
			OccurredAt: now,
		}
		if err := j.eventRepo.Create(ctx, tx, event); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		if err := j.accountRepo.Decrease(ctx, tx, lot.UserID, writeOff); err != nil {
			// 账户不存在说明该额度包是历史脏数据，快照无从扣减，流水照记
			if !errors.Is(err, repository.ErrAccountNotFound) {
				return fmt.Errorf("更新余额快照失败: %w", err)
			}
		}

		msgPayload := map[string]interface{}{
			"type":        model.EventTypeExpire,
			"user_id":     lot.UserID,
			"amount":      writeOff,
			"lot_no":      lot.LotNo,
			"expired_at":  lot.ExpiresAt.Format(time.RFC3339),
			"occurred_at": now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(msgPayload)

		outboxMsg := &model.OutboxMessage{
			MessageKey: lot.LotNo,
			Topic:      j.cfg.Kafka.Topic.LedgerEvents,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := j.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})
}
