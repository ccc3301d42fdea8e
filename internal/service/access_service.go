package service

import (
	"context"
	"errors"
	"fmt"

	"creditsystem/internal/config"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"

	"gorm.io/gorm"
)

var (
	ErrCourseNotFound = errors.New("课程不存在")
)

// ============================================================================
// 课程准入服务
// ============================================================================
//
// 解锁一门课只有一个两态状态机：
//
//   {未解锁} --SpendCredits(training_course_unlock_<courseID>)--> {已解锁}
//
// 转移不可逆；同一凭证的重复进入停留在 {已解锁}，不产生任何副作用。
// 整个操作端到端幂等：解锁成功后的任何重复调用都在存在性检查上短路
// ============================================================================

type AccessService struct {
	creditService   *CreditService
	transactionRepo *repository.TransactionRepository
	courseCosts     map[string]int64
}

func NewAccessService(db *gorm.DB, cfg *config.Config) *AccessService {
	costs := make(map[string]int64, len(cfg.Business.Courses))
	for _, course := range cfg.Business.Courses {
		costs[course.ID] = course.Cost
	}
	return &AccessService{
		creditService:   NewCreditService(db, cfg),
		transactionRepo: repository.NewTransactionRepository(db),
		courseCosts:     costs,
	}
}

// UnlockResult 课程准入判定结果
type UnlockResult struct {
	Unlocked bool   `json:"unlocked"`
	Charged  bool   `json:"charged"` // 本次调用是否真实扣费
	Cost     int64  `json:"cost"`
	Reason   string `json:"reason,omitempty"`
}

// EnsureCourseAccess 判定用户能否访问课程，需要时完成一次性扣费
//
// 结果分三类，调用方按原样透传给前端：
//   - 已解锁（含免费课、已扣费、本次扣费成功）
//   - 积分不足（可引导充值，无任何变动）
//   - 其他失败（统一提示稍后重试，不暴露账本内部细节）
func (s *AccessService) EnsureCourseAccess(ctx context.Context, userID int64, courseID string) (*UnlockResult, error) {
	cost, ok := s.courseCosts[courseID]
	if !ok {
		return nil, ErrCourseNotFound
	}

	// 免费课程不经过账本
	if cost == 0 {
		return &UnlockResult{Unlocked: true, Cost: 0}, nil
	}

	referenceID := CourseUnlockReferenceID(courseID)

	existing, err := s.transactionRepo.GetByUserIDAndReferenceID(ctx, userID, referenceID)
	if err != nil {
		return nil, fmt.Errorf("查询解锁记录失败: %w", err)
	}
	if existing != nil {
		return &UnlockResult{Unlocked: true, Cost: cost}, nil
	}

	enough, err := s.creditService.HasEnoughCredits(ctx, userID, cost)
	if err != nil {
		return nil, err
	}
	if !enough {
		return &UnlockResult{Cost: cost, Reason: "积分不足"}, nil
	}

	result, err := s.creditService.SpendCredits(ctx, &LedgerRequest{
		UserID:      userID,
		Amount:      cost,
		Source:      model.SourceCourseUnlock,
		Description: fmt.Sprintf("解锁课程-%s", courseID),
		ReferenceID: referenceID,
		Metadata:    map[string]interface{}{"course_id": courseID},
	})
	if err != nil {
		// 预检通过后余额仍可能被并发消耗掉，扣减守卫是最终裁决
		if errors.Is(err, repository.ErrInsufficientCredits) {
			return &UnlockResult{Cost: cost, Reason: "积分不足"}, nil
		}
		return nil, err
	}

	return &UnlockResult{
		Unlocked: true,
		Charged:  !result.Duplicate,
		Cost:     cost,
	}, nil
}
