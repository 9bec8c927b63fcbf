package service

import (
	"testing"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/model"
)

func TestGetBalanceSumsSpendableLots(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewBalanceService(db, clk)

	const userID = int64(401)
	seedLot(t, db, clk, userID, 5, 30*24*time.Hour)
	seedLot(t, db, clk, userID, 3, 60*24*time.Hour)
	// 已过期的包不计入
	expired := seedLot(t, db, clk, userID, 9, 24*time.Hour)
	clk.Advance(48 * time.Hour)
	_ = expired

	summary, err := svc.GetBalance(testCtx, userID)
	if err != nil {
		t.Fatalf("余额查询失败: %v", err)
	}
	if summary.Balance != 8 {
		t.Fatalf("余额应为 8，实际 %d", summary.Balance)
	}
	if len(summary.Lots) != 2 {
		t.Fatalf("应返回 2 个可消费额度包，实际 %d", len(summary.Lots))
	}
	// 明细按最先过期的在前
	if summary.Lots[0].Remaining != 5 || summary.Lots[1].Remaining != 3 {
		t.Fatalf("明细顺序错误: %+v", summary.Lots)
	}
}

func TestListLotsIncludesDeadLots(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewBalanceService(db, clk)

	const userID = int64(404)
	live := seedLot(t, db, clk, userID, 5, 60*24*time.Hour)
	dead := seedLot(t, db, clk, userID, 9, 24*time.Hour)
	clk.Advance(48 * time.Hour)

	lots, err := svc.ListLots(testCtx, userID)
	if err != nil {
		t.Fatalf("查询额度包失败: %v", err)
	}
	// 全量明细：过期的包也要能看到
	if len(lots) != 2 {
		t.Fatalf("应返回 2 个额度包，实际 %d", len(lots))
	}
	for _, detail := range lots {
		switch detail.LotID {
		case live.ID:
			if !detail.Spendable {
				t.Fatalf("未过期的包应标记可消费: %+v", detail)
			}
		case dead.ID:
			if detail.Spendable {
				t.Fatalf("已过期的包不应标记可消费: %+v", detail)
			}
		default:
			t.Fatalf("返回了未知的额度包: %+v", detail)
		}
	}
}

func TestListLotEvents(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	svc := NewBalanceService(db, clk)
	creditSvc := NewCreditService(db, cfg, clk)
	consumeSvc := NewConsumeService(db, cfg, clk)

	const userID = int64(405)
	credited, err := creditSvc.CreditFromPayment(testCtx, userID, 5, "txn-lot-events", "PURCHASE")
	if err != nil {
		t.Fatalf("入账失败: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := consumeSvc.Consume(testCtx, userID, 2, "case_drill"); err != nil {
		t.Fatalf("消费失败: %v", err)
	}

	events, err := svc.ListLotEvents(testCtx, credited.LotID)
	if err != nil {
		t.Fatalf("查询流水失败: %v", err)
	}
	// GRANT + CONSUME 各一条
	if len(events) != 2 {
		t.Fatalf("应返回 2 条流水，实际 %d", len(events))
	}
	if events[0].Type != model.EventTypeGrant || events[0].Amount != 5 {
		t.Fatalf("首条应为 +5 的 GRANT，实际 %+v", events[0])
	}
	if events[1].Type != model.EventTypeConsume || events[1].Amount != -2 {
		t.Fatalf("次条应为 -2 的 CONSUME，实际 %+v", events[1])
	}

	if _, err := svc.ListLotEvents(testCtx, 99999); err == nil {
		t.Fatal("不存在的额度包应报错")
	}
}

func TestRecomputeBalanceRepairsDrift(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewBalanceService(db, clk)

	const userID = int64(402)
	// 人为制造快照漂移
	seedAccount(t, db, userID, model.PlanFree, 999)
	seedLot(t, db, clk, userID, 6, 30*24*time.Hour)

	balance, err := svc.RecomputeBalance(testCtx, userID)
	if err != nil {
		t.Fatalf("重算失败: %v", err)
	}
	if balance != 6 {
		t.Fatalf("重算结果应为 6，实际 %d", balance)
	}
	if got := accountBalance(t, db, userID); got != 6 {
		t.Fatalf("快照应被修复为 6，实际 %d", got)
	}
}

func TestUpdatePlanValidates(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewBalanceService(db, clk)

	const userID = int64(403)
	if err := svc.UpdatePlan(testCtx, userID, model.PlanUnlimited); err != nil {
		t.Fatalf("套餐更新失败: %v", err)
	}

	var account model.Account
	if err := db.Where("user_id = ?", userID).First(&account).Error; err != nil {
		t.Fatalf("查询账户失败: %v", err)
	}
	if account.Plan != model.PlanUnlimited {
		t.Fatalf("套餐应为 UNLIMITED，实际 %s", account.Plan)
	}

	if err := svc.UpdatePlan(testCtx, userID, "VIP"); err == nil {
		t.Fatal("非法套餐档位应报错")
	}
}
