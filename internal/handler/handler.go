package handler

import (
	"encoding/json"
	"errors"
	"strconv"

	"creditsystem/internal/config"
	"creditsystem/internal/repository"
	"creditsystem/internal/service"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	creditService  *service.CreditService
	accessService  *service.AccessService
	webhookService *service.WebhookService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		creditService:  service.NewCreditService(db, cfg),
		accessService:  service.NewAccessService(db, cfg),
		webhookService: service.NewWebhookService(db, rdb, cfg),
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户积分余额（账户不存在时懒创建）
// GET /api/v1/credits/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.creditService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	response.Success(c, gin.H{
		"user_id":           account.UserID,
		"balance":           account.Balance,
		"frozen_balance":    account.FrozenBalance,
		"available_balance": account.AvailableBalance(),
		"total_earned":      account.TotalEarned,
		"total_spent":       account.TotalSpent,
	})
}

// ListTransactions 查询用户积分流水
// GET /api/v1/credits/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.creditService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// SignupBonusRequest 注册奖励请求（注册流程邮箱验证通过后回调）
type SignupBonusRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// GrantSignupBonus 发放注册奖励
// POST /api/v1/credits/signup-bonus
//
// 幂等：重复调用命中 signup_<userID> 凭证，返回成功且 duplicate=true
func (h *Handler) GrantSignupBonus(c *gin.Context) {
	var req SignupBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.GrantSignupBonus(c.Request.Context(), req.UserID)
	if err != nil {
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	response.Success(c, gin.H{
		"transaction_no": result.Transaction.TransactionNo,
		"amount":         result.Transaction.Amount,
		"balance_after":  result.Transaction.BalanceAfter,
		"duplicate":      result.Duplicate,
	})
}

// FreezeRequest 冻结/解冻请求
type FreezeRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// FreezeCredits 冻结积分
// POST /api/v1/credits/freeze
func (h *Handler) FreezeCredits(c *gin.Context) {
	var req FreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.creditService.FreezeCredits(c.Request.Context(), req.UserID, req.Amount); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			response.BusinessError(c, response.CodeInsufficientCredits, "积分不足，无法冻结")
			return
		}
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	response.Success(c, gin.H{"message": "冻结成功"})
}

// UnfreezeCredits 解冻积分
// POST /api/v1/credits/unfreeze
func (h *Handler) UnfreezeCredits(c *gin.Context) {
	var req FreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.creditService.UnfreezeCredits(c.Request.Context(), req.UserID, req.Amount); err != nil {
		if errors.Is(err, repository.ErrFrozenNotEnough) {
			response.BusinessError(c, response.CodeInsufficientCredits, "冻结积分不足")
			return
		}
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	response.Success(c, gin.H{"message": "解冻成功"})
}

// ============================================================
// 课程解锁接口
// ============================================================

// UnlockCourseRequest 课程解锁请求
type UnlockCourseRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	CourseID string `json:"course_id" binding:"required"`
}

// UnlockCourse 解锁课程
// POST /api/v1/training/unlock
//
// 【关键点】端到端幂等：已解锁的课程重复请求直接在存在性检查上短路，
// 不会二次扣费。积分不足是业务结果而非错误，响应码区分处理
func (h *Handler) UnlockCourse(c *gin.Context) {
	var req UnlockCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.accessService.EnsureCourseAccess(c.Request.Context(), req.UserID, req.CourseID)
	if err != nil {
		if errors.Is(err, service.ErrCourseNotFound) {
			response.BusinessError(c, response.CodeCourseNotFound, "课程不存在")
			return
		}
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	if !result.Unlocked {
		response.BusinessError(c, response.CodeInsufficientCredits, result.Reason)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 支付渠道 webhook
// ============================================================

// CreemWebhook 接收 Creem 订阅事件
// POST /api/v1/webhooks/creem
//
// 验签失败返回 401；事件处理幂等，渠道可任意重试
func (h *Handler) CreemWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	signature := c.GetHeader("creem-signature")
	if !h.webhookService.VerifySignature(body, signature) {
		response.Unauthorized(c, "签名校验失败")
		return
	}

	// GetRawData 已消费请求体，这里手动反序列化
	var event service.SubscriptionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		response.ParamError(c, "事件格式错误: "+err.Error())
		return
	}
	if event.EventID == "" || event.UserID == 0 || event.SubscriptionID == "" {
		response.ParamError(c, "事件缺少必填字段")
		return
	}

	result, err := h.webhookService.ProcessSubscriptionEvent(c.Request.Context(), &event)
	if err != nil {
		if errors.Is(err, service.ErrUnknownEventType) {
			// 未知事件直接确认，避免渠道无意义重试
			response.Success(c, gin.H{"ignored": true})
			return
		}
		response.ServerError(c, "系统繁忙，请稍后重试")
		return
	}

	response.Success(c, gin.H{
		"transaction_no": result.Transaction.TransactionNo,
		"duplicate":      result.Duplicate,
	})
}
