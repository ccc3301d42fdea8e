package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"creditsystem/internal/config"
	"creditsystem/internal/model"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.CreditAccount{},
		&model.CreditTransaction{},
		&model.OutboxMessage{},
	))

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{CreditEvents: "credit-events-test"},
		},
		Business: config.BusinessConfig{
			SignupBonusCredits:         50,
			SubscriptionInitialCredits: 500,
			SubscriptionRenewalCredits: 500,
			WebhookSecret:              testWebhookSecret,
			Courses: []config.CourseConfig{
				{ID: "prompt-basics", Cost: 0},
				{ID: "llm-fundamentals", Cost: 30},
			},
		},
	}

	// Redis 传 nil：快速去重降级，数据库幂等兜底
	return SetupRouter(db, nil, cfg), db
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	w, _ := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetBalanceEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	t.Run("参数错误", func(t *testing.T) {
		_, resp := doJSON(t, router, http.MethodGet, "/api/v1/credits/balance?user_id=abc", nil, nil)
		assert.Equal(t, response.CodeParamError, resp.Code)
	})

	t.Run("懒创建零值账户", func(t *testing.T) {
		_, resp := doJSON(t, router, http.MethodGet, "/api/v1/credits/balance?user_id=1", nil, nil)
		require.Equal(t, response.CodeSuccess, resp.Code)

		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(0), data["balance"])
		assert.Equal(t, float64(0), data["available_balance"])
	})
}

func TestSignupBonusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	body := gin.H{"user_id": 1}

	_, first := doJSON(t, router, http.MethodPost, "/api/v1/credits/signup-bonus", body, nil)
	require.Equal(t, response.CodeSuccess, first.Code)
	assert.Equal(t, false, first.Data.(map[string]interface{})["duplicate"])

	_, second := doJSON(t, router, http.MethodPost, "/api/v1/credits/signup-bonus", body, nil)
	require.Equal(t, response.CodeSuccess, second.Code)
	assert.Equal(t, true, second.Data.(map[string]interface{})["duplicate"])
}

func TestUnlockCourseEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	t.Run("积分不足返回业务码", func(t *testing.T) {
		_, resp := doJSON(t, router, http.MethodPost, "/api/v1/training/unlock",
			gin.H{"user_id": 1, "course_id": "llm-fundamentals"}, nil)
		assert.Equal(t, response.CodeInsufficientCredits, resp.Code)
	})

	t.Run("课程不存在", func(t *testing.T) {
		_, resp := doJSON(t, router, http.MethodPost, "/api/v1/training/unlock",
			gin.H{"user_id": 1, "course_id": "no-such-course"}, nil)
		assert.Equal(t, response.CodeCourseNotFound, resp.Code)
	})

	t.Run("注册奖励足够解锁", func(t *testing.T) {
		_, bonus := doJSON(t, router, http.MethodPost, "/api/v1/credits/signup-bonus", gin.H{"user_id": 2}, nil)
		require.Equal(t, response.CodeSuccess, bonus.Code)

		_, resp := doJSON(t, router, http.MethodPost, "/api/v1/training/unlock",
			gin.H{"user_id": 2, "course_id": "llm-fundamentals"}, nil)
		require.Equal(t, response.CodeSuccess, resp.Code)

		data := resp.Data.(map[string]interface{})
		assert.Equal(t, true, data["unlocked"])
		assert.Equal(t, true, data["charged"])

		// 重复解锁不再扣费
		_, again := doJSON(t, router, http.MethodPost, "/api/v1/training/unlock",
			gin.H{"user_id": 2, "course_id": "llm-fundamentals"}, nil)
		require.Equal(t, response.CodeSuccess, again.Code)
		assert.Equal(t, false, again.Data.(map[string]interface{})["charged"])
	})
}

func TestCreemWebhookEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	event := gin.H{
		"event_id":        "evt_1",
		"event_type":      "checkout.completed",
		"user_id":         1,
		"subscription_id": "sub_abc",
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)

	t.Run("验签失败返回401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/creem", bytes.NewReader(body))
		req.Header.Set("creem-signature", "bad-signature")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	// 签名对原始请求体计算，不能走 doJSON 的重新序列化
	deliver := func(t *testing.T) response.Response {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/creem", bytes.NewReader(body))
		req.Header.Set("creem-signature", signBody(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp response.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	t.Run("合法事件发放且重复投递幂等", func(t *testing.T) {
		first := deliver(t)
		require.Equal(t, response.CodeSuccess, first.Code)
		assert.Equal(t, false, first.Data.(map[string]interface{})["duplicate"])

		second := deliver(t)
		require.Equal(t, response.CodeSuccess, second.Code)
		assert.Equal(t, true, second.Data.(map[string]interface{})["duplicate"])
	})
}
