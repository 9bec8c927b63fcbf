package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mentorai/internal/clock"
	"mentorai/internal/config"
	"mentorai/internal/model"
	"mentorai/internal/repository"

	"gorm.io/gorm"
)

var (
	ErrUnauthorized    = errors.New("未登录或身份无效")
	ErrFeatureNotFound = errors.New("未知的功能标识")
)

// 拒绝原因，透传给调用方决定展示哪种补救（充值 / 升级套餐）
const (
	ReasonInsufficientCredit = "insufficient_credit"
	ReasonLimitExceeded      = "limit_exceeded"
)

// EntitlementService 功能准入网关
//
// 每次功能调用的唯一判定入口。判定顺序固定：
// 1. 身份无效 -> 拒绝，不碰任何台账数据
// 2. 订阅套餐 -> 记一条使用记录（仅供分析），放行
// 3. counter 门控 -> 查当月已用次数，未超限则记录并放行，超限拒绝
// 4. credit 门控 -> 调消费引擎扣额度，扣成功放行，额度不足拒绝
//
// 一次计费动作只允许调用一次 —— 放行的副作用（使用记录 XOR 额度扣减）
// 在这里发生，上层重试同一动作不应重复进来。
type EntitlementService struct {
	db             *gorm.DB
	cfg            *config.Config
	clk            clock.Clock
	accountRepo    *repository.AccountRepository
	usageRepo      *repository.UsageRepository
	consumeService *ConsumeService
}

func NewEntitlementService(db *gorm.DB, cfg *config.Config, clk clock.Clock) *EntitlementService {
	return &EntitlementService{
		db:             db,
		cfg:            cfg,
		clk:            clk,
		accountRepo:    repository.NewAccountRepository(db),
		usageRepo:      repository.NewUsageRepository(db),
		consumeService: NewConsumeService(db, cfg, clk),
	}
}

// EntitlementResult 准入判定结果
type EntitlementResult struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"` // 拒绝时区分 insufficient_credit / limit_exceeded
	CostCharged int64  `json:"cost_charged"`     // 本次实际扣减的额度（counter/订阅放行为 0）
	Plan        string `json:"plan"`             // 判定时的套餐档位
}

// Check 判定用户能否使用某功能，并执行对应的放行副作用
func (s *EntitlementService) Check(ctx context.Context, userID int64, featureKey string) (*EntitlementResult, error) {
	// 身份无效直接拒绝，不做任何套餐/计数/台账查询
	if userID <= 0 {
		return nil, ErrUnauthorized
	}

	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	// 订阅套餐不限次数，使用记录只用于分析
	if account.Plan == model.PlanUnlimited {
		if err := s.recordUsage(ctx, userID, featureKey); err != nil {
			return nil, err
		}
		return &EntitlementResult{Allowed: true, Plan: account.Plan}, nil
	}

	feature := s.cfg.FindFeature(featureKey)
	if feature == nil {
		return nil, ErrFeatureNotFound
	}

	switch feature.Gate {
	case config.FeatureGateCounter:
		return s.checkCounter(ctx, account, feature)
	case config.FeatureGateCredit:
		return s.checkCredit(ctx, account, feature)
	default:
		return nil, fmt.Errorf("功能 %s 的门控方式未配置: %q", featureKey, feature.Gate)
	}
}

// checkCounter 月度免费次数门控
//
// 【已知并容忍的竞态】先数后记，没有锁：两个请求同时卡在限额边界时
// 可能各放行一次，轻微超出月度上限。参照线上行为这是可接受的容差，
// 放行过的调用绝不回收；不值得为它引入会串行化无关请求的锁。
func (s *EntitlementService) checkCounter(ctx context.Context, account *model.Account, feature *config.FeatureConfig) (*EntitlementResult, error) {
	monthStart := s.monthStart()

	count, err := s.usageRepo.CountSince(ctx, account.UserID, feature.Key, monthStart)
	if err != nil {
		return nil, fmt.Errorf("查询使用次数失败: %w", err)
	}

	if count >= int64(feature.MonthlyLimit) {
		log.Printf("[Entitlement] 月度次数用尽: userID=%d, feature=%s, used=%d, limit=%d",
			account.UserID, feature.Key, count, feature.MonthlyLimit)
		return &EntitlementResult{
			Allowed: false,
			Reason:  ReasonLimitExceeded,
			Plan:    account.Plan,
		}, nil
	}

	if err := s.recordUsage(ctx, account.UserID, feature.Key); err != nil {
		return nil, err
	}

	return &EntitlementResult{Allowed: true, Plan: account.Plan}, nil
}

// checkCredit 额度门控：委托消费引擎按固定价格扣减
func (s *EntitlementService) checkCredit(ctx context.Context, account *model.Account, feature *config.FeatureConfig) (*EntitlementResult, error) {
	reason := "功能消费-" + feature.Key
	result, err := s.consumeService.Consume(ctx, account.UserID, feature.Cost, reason)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			return &EntitlementResult{
				Allowed: false,
				Reason:  ReasonInsufficientCredit,
				Plan:    account.Plan,
			}, nil
		}
		return nil, err
	}

	// 消费流水就是这次使用的记录，不再额外写 usage_log
	return &EntitlementResult{
		Allowed:     true,
		CostCharged: result.Cost,
		Plan:        account.Plan,
	}, nil
}

func (s *EntitlementService) recordUsage(ctx context.Context, userID int64, featureKey string) error {
	usage := &model.UsageLog{
		UserID:     userID,
		FeatureKey: featureKey,
		OccurredAt: s.clk.Now(),
	}
	if err := s.usageRepo.Create(ctx, nil, usage); err != nil {
		return fmt.Errorf("记录使用日志失败: %w", err)
	}
	return nil
}

// monthStart 当月月初（固定时区）
// 月度计数必须在固定时区里算边界，否则用户换时区会多拿/少拿次数
func (s *EntitlementService) monthStart() time.Time {
	loc := s.cfg.CounterLocation()
	now := s.clk.Now().In(loc)
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
}
