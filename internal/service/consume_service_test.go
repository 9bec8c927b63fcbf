package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/model"
)

func TestConsumeFIFOOrder(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewConsumeService(db, testConfig(), clk)

	const userID = int64(101)
	// 三个额度包，过期时间依次变晚，各 5 个额度
	lot1 := seedLot(t, db, clk, userID, 5, 30*24*time.Hour)
	lot2 := seedLot(t, db, clk, userID, 5, 60*24*time.Hour)
	lot3 := seedLot(t, db, clk, userID, 5, 90*24*time.Hour)

	result, err := svc.Consume(testCtx, userID, 7, "测试消费")
	if err != nil {
		t.Fatalf("消费失败: %v", err)
	}

	// 必须从最先过期的包开始扣：lot1 扣光，lot2 扣 2，lot3 不动
	if got := getLot(t, db, lot1.ID).Remaining; got != 0 {
		t.Fatalf("lot1 期望 remaining=0，实际 %d", got)
	}
	if got := getLot(t, db, lot2.ID).Remaining; got != 3 {
		t.Fatalf("lot2 期望 remaining=3，实际 %d", got)
	}
	if got := getLot(t, db, lot3.ID).Remaining; got != 5 {
		t.Fatalf("lot3 期望 remaining=5，实际 %d", got)
	}

	// 跨两个包的消费应产生两条 CONSUME 流水
	if got := countEvents(t, db, userID, model.EventTypeConsume); got != 2 {
		t.Fatalf("期望 2 条消费流水，实际 %d", got)
	}
	if len(result.Deductions) != 2 {
		t.Fatalf("期望 2 条扣减明细，实际 %d", len(result.Deductions))
	}
	if result.Deductions[0].LotID != lot1.ID || result.Deductions[0].Amount != 5 {
		t.Fatalf("第一条明细应为 lot1 扣 5，实际 %+v", result.Deductions[0])
	}
	if result.Deductions[1].LotID != lot2.ID || result.Deductions[1].Amount != 2 {
		t.Fatalf("第二条明细应为 lot2 扣 2，实际 %+v", result.Deductions[1])
	}
}

func TestConsumeInsufficientIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewConsumeService(db, testConfig(), clk)

	const userID = int64(102)
	lot1 := seedLot(t, db, clk, userID, 3, 30*24*time.Hour)
	lot2 := seedLot(t, db, clk, userID, 2, 60*24*time.Hour)

	_, err := svc.Consume(testCtx, userID, 6, "超出余额")
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("期望 ErrInsufficientCredit，实际 %v", err)
	}

	// 凑不够就一个包都不动，也没有任何流水
	if got := getLot(t, db, lot1.ID).Remaining; got != 3 {
		t.Fatalf("lot1 不应被扣减，实际 remaining=%d", got)
	}
	if got := getLot(t, db, lot2.ID).Remaining; got != 2 {
		t.Fatalf("lot2 不应被扣减，实际 remaining=%d", got)
	}
	if got := countEvents(t, db, userID, model.EventTypeConsume); got != 0 {
		t.Fatalf("不应产生消费流水，实际 %d 条", got)
	}
}

func TestConsumeInvalidCost(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewConsumeService(db, testConfig(), clk)

	for _, cost := range []int64{0, -1} {
		if _, err := svc.Consume(testCtx, 103, cost, "非法额度"); !errors.Is(err, ErrInvalidCost) {
			t.Fatalf("cost=%d 期望 ErrInvalidCost，实际 %v", cost, err)
		}
	}
}

func TestConsumeSkipsExpiredLot(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewConsumeService(db, testConfig(), clk)

	const userID = int64(104)
	expired := seedLot(t, db, clk, userID, 10, 24*time.Hour)
	fresh := seedLot(t, db, clk, userID, 4, 90*24*time.Hour)

	// 时间推过第一个包的过期点
	clk.Advance(48 * time.Hour)

	if _, err := svc.Consume(testCtx, userID, 5, "过期后消费"); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("过期额度不应计入可消费余额，期望 ErrInsufficientCredit，实际 %v", err)
	}

	result, err := svc.Consume(testCtx, userID, 4, "过期后消费")
	if err != nil {
		t.Fatalf("消费失败: %v", err)
	}
	if len(result.Deductions) != 1 || result.Deductions[0].LotID != fresh.ID {
		t.Fatalf("只应扣未过期的包，实际 %+v", result.Deductions)
	}
	if got := getLot(t, db, expired.ID).Remaining; got != 10 {
		t.Fatalf("过期包不应被消费触碰，实际 remaining=%d", got)
	}
}

// steppingClock 依次返回预设的时间点，用完后停在最后一个。
// 消费引擎每次尝试取两次时间（读取一次、提交前一次），
// 用它模拟读取和提交之间的时间流逝。
type steppingClock struct {
	mu    sync.Mutex
	times []time.Time
	idx   int
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[c.idx]
	if c.idx < len(c.times)-1 {
		c.idx++
	}
	return t
}

func TestConsumeExpiryBetweenReadAndCommit(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const userID = int64(107)
	// 额度包在读取后 30 分钟过期
	lot := seedLot(t, db, clock.NewFakeClock(base), userID, 5, 30*time.Minute)

	// 读取时间 base，提交时间 base+1h：提交时包已过期，
	// Deduct 的过期守卫拦下扣减；重试后重读（base+1h）已无可消费额度
	clk := &steppingClock{times: []time.Time{base, base.Add(time.Hour)}}
	svc := NewConsumeService(db, testConfig(), clk)

	_, err := svc.Consume(testCtx, userID, 5, "过期竞态")
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("提交时已过期的包不应被扣减，期望 ErrInsufficientCredit，实际 %v", err)
	}

	if got := getLot(t, db, lot.ID).Remaining; got != 5 {
		t.Fatalf("额度包不应被扣减，实际 remaining=%d", got)
	}
	if got := countEvents(t, db, userID, model.EventTypeConsume); got != 0 {
		t.Fatalf("不应产生消费流水，实际 %d 条", got)
	}
}

func TestConsumeConflictBudgetExhausted(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	const userID = int64(108)
	lot := seedLot(t, db, clock.NewFakeClock(base), userID, 5, 30*time.Minute)

	// 重试预算 1：第一次尝试在提交时撞上过期守卫后直接耗尽预算
	cfg := testConfig()
	cfg.Business.ConsumeMaxRetries = 1
	clk := &steppingClock{times: []time.Time{base, base.Add(time.Hour)}}
	svc := NewConsumeService(db, cfg, clk)

	_, err := svc.Consume(testCtx, userID, 5, "预算耗尽")
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("重试耗尽应返回 ErrConcurrencyConflict，实际 %v", err)
	}

	// 冲突回滚后不留任何痕迹
	if got := getLot(t, db, lot.ID).Remaining; got != 5 {
		t.Fatalf("额度包不应被扣减，实际 remaining=%d", got)
	}
	if got := countEvents(t, db, userID, model.EventTypeConsume); got != 0 {
		t.Fatalf("不应产生消费流水，实际 %d 条", got)
	}
}

func TestConsumeNoDoubleSpend(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.Business.ConsumeMaxRetries = 10
	svc := NewConsumeService(db, cfg, clk)

	const userID = int64(105)
	seedLot(t, db, clk, userID, 3, 30*24*time.Hour)
	seedLot(t, db, clk, userID, 2, 60*24*time.Hour)
	initial := spendableSum(t, db, clk, userID)

	// 保证账户行先存在，避免并发 GetOrCreate 干扰本测试的关注点
	if _, err := svc.accountRepo.GetOrCreate(testCtx, userID); err != nil {
		t.Fatalf("创建账户失败: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var spent int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Consume(testCtx, userID, 1, "并发消费"); err == nil {
				mu.Lock()
				spent++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 任何交错下，成功扣减的总额都不能超过初始余额
	if spent > initial {
		t.Fatalf("超扣: 初始 %d，成功扣减 %d", initial, spent)
	}

	left := spendableSum(t, db, clk, userID)
	if spent+left != initial {
		t.Fatalf("账目不平: 初始 %d，扣减 %d，剩余 %d", initial, spent, left)
	}

	// 每次成功消费都要有等额的流水
	var eventSum int64
	err := db.Model(&model.LedgerEvent{}).
		Where("user_id = ? AND type = ?", userID, model.EventTypeConsume).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&eventSum).Error
	if err != nil {
		t.Fatalf("汇总流水失败: %v", err)
	}
	if eventSum != -spent {
		t.Fatalf("流水与扣减不一致: 扣减 %d，流水合计 %d", spent, eventSum)
	}
}

func TestConsumeMaintainsBalanceCache(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	creditSvc := NewCreditService(db, cfg, clk)
	consumeSvc := NewConsumeService(db, cfg, clk)

	const userID = int64(106)
	if _, err := creditSvc.CreditFromPayment(testCtx, userID, 10, "txn-cache-1", ""); err != nil {
		t.Fatalf("入账失败: %v", err)
	}
	if _, err := consumeSvc.Consume(testCtx, userID, 4, "测试消费"); err != nil {
		t.Fatalf("消费失败: %v", err)
	}

	// 无在途事务时，余额快照必须等于未过期额度包的 remaining 之和
	if cache, truth := accountBalance(t, db, userID), spendableSum(t, db, clk, userID); cache != truth {
		t.Fatalf("余额快照 %d 与真实汇总 %d 不一致", cache, truth)
	}
}
