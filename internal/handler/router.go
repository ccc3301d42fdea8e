package handler

import (
	"creditsystem/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 积分账户
		credits := api.Group("/credits")
		{
			credits.GET("/balance", h.GetBalance)
			credits.GET("/transactions", h.ListTransactions)
			credits.POST("/signup-bonus", h.GrantSignupBonus)
			credits.POST("/freeze", h.FreezeCredits)
			credits.POST("/unfreeze", h.UnfreezeCredits)
		}

		// 课程解锁
		training := api.Group("/training")
		{
			training.POST("/unlock", h.UnlockCourse)
		}

		// 支付渠道回调
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/creem", h.CreemWebhook)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
