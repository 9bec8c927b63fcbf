package handler

import (
	"errors"
	"log"
	"strconv"

	"mentorai/internal/clock"
	"mentorai/internal/config"
	"mentorai/internal/repository"
	"mentorai/internal/service"
	"mentorai/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	cfg                *config.Config
	balanceService     *service.BalanceService
	creditService      *service.CreditService
	entitlementService *service.EntitlementService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, cfg *config.Config) *Handler {
	clk := clock.New()
	return &Handler{
		cfg:                cfg,
		balanceService:     service.NewBalanceService(db, clk),
		creditService:      service.NewCreditService(db, cfg, clk),
		entitlementService: service.NewEntitlementService(db, cfg, clk),
	}
}

// ============================================================
// 余额/流水相关接口
// ============================================================

// GetBalance 查询用户可消费余额和额度包明细
// GET /api/v1/credit/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	summary, err := h.balanceService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, summary)
}

// ListEvents 分页查询用户台账流水
// GET /api/v1/credit/events?user_id=xxx&page=1&page_size=10
func (h *Handler) ListEvents(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	// 非法分页参数回退默认值，不让负偏移进查询
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	events, total, err := h.balanceService.ListEvents(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      events,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ListLots 查询用户的全部额度包（含已过期、已花完，客服排查用）
// GET /api/v1/credit/lots?user_id=xxx
func (h *Handler) ListLots(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	lots, err := h.balanceService.ListLots(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"list": lots})
}

// ListLotEvents 查询单个额度包的全部流水（对账用）
// GET /api/v1/credit/lot_events?lot_id=xxx
func (h *Handler) ListLotEvents(c *gin.Context) {
	lotIDStr := c.Query("lot_id")
	lotID, err := strconv.ParseInt(lotIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "lot_id 参数错误")
		return
	}

	events, err := h.balanceService.ListLotEvents(c.Request.Context(), lotID)
	if err != nil {
		if errors.Is(err, repository.ErrLotNotFound) {
			response.BusinessError(c, response.CodeLotNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"list": events})
}

// RecomputeBalance 重算余额快照（巡检修复用）
// POST /api/v1/credit/recompute
func (h *Handler) RecomputeBalance(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.balanceService.RecomputeBalance(c.Request.Context(), req.UserID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// ============================================================
// 入账相关接口
// ============================================================

// PaymentWebhookRequest 支付回调请求
// 渠道签名验证在上游网关完成，到这里的请求视为已验签
type PaymentWebhookRequest struct {
	UserID        int64  `json:"user_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
	Source        string `json:"source"`
}

// PaymentWebhook 支付回调入账
// POST /api/v1/webhook/payment
//
// 【关键点】回调必须可重投：
// 1. 同一 transaction_id 重投多少次都只入账一次
// 2. 参数非法（metadata 残缺）记日志后按成功应答 ——
//    对渠道报错只会换来无限重投，这类单子走人工对账
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var req PaymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Printf("[Webhook] 回调报文解析失败，忽略: %v", err)
		response.Success(c, gin.H{"ignored": true})
		return
	}

	result, err := h.creditService.CreditFromPayment(
		c.Request.Context(), req.UserID, req.Amount, req.TransactionID, req.Source)
	if err != nil {
		if errors.Is(err, service.ErrMalformedPayment) {
			log.Printf("[Webhook] 回调参数非法，忽略: userID=%d, amount=%d, txnID=%s",
				req.UserID, req.Amount, req.TransactionID)
			response.Success(c, gin.H{"ignored": true})
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// GrantCreditRequest 后台发放请求
type GrantCreditRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// GrantCredit 后台发放额度（运营补偿/促销赠送）
// POST /api/v1/credit/grant
func (h *Handler) GrantCredit(c *gin.Context) {
	var req GrantCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.Grant(c.Request.Context(), req.UserID, req.Amount, req.Source, req.Reason)
	if err != nil {
		if errors.Is(err, service.ErrMalformedPayment) {
			response.ParamError(c, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================
// 功能准入接口
// ============================================================

// InvokeFeatureRequest 功能准入请求
type InvokeFeatureRequest struct {
	UserID     int64  `json:"user_id"`
	FeatureKey string `json:"feature_key" binding:"required"`
}

// InvokeFeature 功能准入判定
// POST /api/v1/feature/invoke
//
// 【关键点】这是每次计费动作的唯一判定入口，放行即产生副作用
// （使用记录或额度扣减），上层对同一动作只能调用一次。
// 拒绝时 reason 区分 insufficient_credit（引导充值）和
// limit_exceeded（引导升级），两者的补救方式不同。
func (h *Handler) InvokeFeature(c *gin.Context) {
	var req InvokeFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.entitlementService.Check(c.Request.Context(), req.UserID, req.FeatureKey)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			response.Unauthorized(c, err.Error())
		case errors.Is(err, service.ErrFeatureNotFound):
			response.BusinessError(c, response.CodeFeatureNotFound, err.Error())
		case errors.Is(err, service.ErrInvalidCost):
			response.BusinessError(c, response.CodeInvalidCost, err.Error())
		case errors.Is(err, service.ErrConcurrencyConflict):
			response.BusinessError(c, response.CodeConcurrencyConflict, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	if !result.Allowed {
		switch result.Reason {
		case service.ReasonInsufficientCredit:
			response.BusinessError(c, response.CodeInsufficientCredit, "Meta 额度不足")
		case service.ReasonLimitExceeded:
			response.BusinessError(c, response.CodeLimitExceeded, "本月免费次数已用完")
		default:
			response.BusinessError(c, response.CodeBusinessError, "不允许使用该功能")
		}
		return
	}

	response.Success(c, result)
}

// ============================================================
// 账户相关接口
// ============================================================

// UpdatePlanRequest 套餐变更请求（订阅侧回调）
type UpdatePlanRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Plan   string `json:"plan" binding:"required"`
}

// UpdatePlan 更新用户套餐档位
// POST /api/v1/account/plan
func (h *Handler) UpdatePlan(c *gin.Context) {
	var req UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.balanceService.UpdatePlan(c.Request.Context(), req.UserID, req.Plan); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id": req.UserID,
		"plan":    req.Plan,
	})
}
