package handler

import (
	"mentorai/internal/config"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 余额/流水相关
		credit := api.Group("/credit")
		{
			credit.GET("/balance", h.GetBalance)
			credit.GET("/events", h.ListEvents)
			credit.GET("/lots", h.ListLots)
			credit.GET("/lot_events", h.ListLotEvents)
			credit.POST("/grant", h.GrantCredit)
			credit.POST("/recompute", h.RecomputeBalance)
		}

		// 支付回调
		webhook := api.Group("/webhook")
		{
			webhook.POST("/payment", h.PaymentWebhook)
		}

		// 功能准入
		feature := api.Group("/feature")
		{
			feature.POST("/invoke", h.InvokeFeature)
		}

		// 账户相关
		account := api.Group("/account")
		{
			account.POST("/plan", h.UpdatePlan)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
