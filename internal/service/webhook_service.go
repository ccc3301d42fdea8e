package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/lock"
	"creditsystem/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrUnknownEventType = errors.New("未知的 webhook 事件类型")
)

// 支付渠道标识
const ProviderCreem = "creem"

// 渠道事件类型
const (
	EventCheckoutCompleted = "checkout.completed" // 首次订阅
	EventSubscriptionPaid  = "subscription.paid"  // 续费扣款成功
)

// ============================================================================
// 订阅 webhook 服务
// ============================================================================
//
// 支付渠道按 at-least-once 投递事件，同一事件可能到达多次。去重分两层：
//
//   1. Redis SetNX 快速去重（建议性）：挡掉短时间内的重复投递，省一次事务
//   2. 流水幂等凭证（正确性）：
//        首次订阅  creem_<subscriptionID>_initial
//        续费      creem_<subscriptionID>_renewal_<周期截止日 yyyymmdd>
//
// 续费凭证取账期截止日而不是送达时刻：同一账期的重复投递会落在同一个
// 凭证上被唯一索引拦下，而下一个账期的合法续费又天然生成新凭证
// ============================================================================

type WebhookService struct {
	creditService *CreditService
	redisClient   *redis.Client
	cfg           *config.Config
}

func NewWebhookService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *WebhookService {
	return &WebhookService{
		creditService: NewCreditService(db, cfg),
		redisClient:   redisClient,
		cfg:           cfg,
	}
}

// SubscriptionEvent 渠道回调事件（已验签）
type SubscriptionEvent struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	UserID           int64     `json:"user_id"`
	SubscriptionID   string    `json:"subscription_id"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// VerifySignature 校验 HMAC-SHA256 签名（对原始请求体计算，十六进制编码）
func (s *WebhookService) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(s.cfg.Business.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ProcessSubscriptionEvent 处理一条订阅事件，幂等发放积分
func (s *WebhookService) ProcessSubscriptionEvent(ctx context.Context, event *SubscriptionEvent) (*LedgerResult, error) {
	var amount int64
	var referenceID string
	var description string

	switch event.EventType {
	case EventCheckoutCompleted:
		amount = s.cfg.Business.SubscriptionInitialCredits
		referenceID = fmt.Sprintf("%s_%s_initial", ProviderCreem, event.SubscriptionID)
		description = "订阅开通积分发放"
	case EventSubscriptionPaid:
		amount = s.cfg.Business.SubscriptionRenewalCredits
		referenceID = fmt.Sprintf("%s_%s_renewal_%s",
			ProviderCreem, event.SubscriptionID, event.CurrentPeriodEnd.UTC().Format("20060102"))
		description = "订阅续费积分发放"
	default:
		return nil, ErrUnknownEventType
	}

	// 第一层：Redis 快速去重。拿不到锁说明同一事件正在或已被处理，
	// 直接按幂等命中返回；Redis 故障时跳过，由唯一索引兜底
	eventLock := lock.NewWebhookEventLock(s.redisClient, ProviderCreem, event.EventID)
	if s.redisClient != nil {
		acquired, err := eventLock.TryLock(ctx)
		if err != nil {
			log.Printf("[Webhook] Redis 去重不可用，降级到数据库幂等: %v", err)
		} else if !acquired {
			existing, qerr := s.creditService.transactionRepo.GetByUserIDAndReferenceID(ctx, event.UserID, referenceID)
			if qerr == nil && existing != nil {
				return &LedgerResult{Transaction: existing, Duplicate: true}, nil
			}
			// 锁被占但流水还没落库：正在处理中，让渠道稍后重试
			return nil, fmt.Errorf("事件正在处理中: %s", event.EventID)
		}
	}

	result, err := s.creditService.EarnCredits(ctx, &LedgerRequest{
		UserID:      event.UserID,
		Amount:      amount,
		Source:      model.SourceSubscription,
		Description: description,
		ReferenceID: referenceID,
		Metadata: map[string]interface{}{
			"provider":        ProviderCreem,
			"event_id":        event.EventID,
			"event_type":      event.EventType,
			"subscription_id": event.SubscriptionID,
		},
	})
	if err != nil {
		// 发放失败时释放去重锁，渠道重试才能重新进入处理流程
		if s.redisClient != nil {
			if unlockErr := eventLock.Unlock(ctx); unlockErr != nil {
				log.Printf("[Webhook] 释放去重锁失败: event=%s, err=%v", event.EventID, unlockErr)
			}
		}
		return nil, err
	}

	if !result.Duplicate {
		log.Printf("[Webhook] 订阅积分发放成功: user=%d, sub=%s, amount=%d, ref=%s",
			event.UserID, event.SubscriptionID, amount, referenceID)
	}

	return result, nil
}
