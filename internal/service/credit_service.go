package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
	"creditsystem/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrInvalidAmount = errors.New("积分变动数额必须大于0")
)

// ============================================================================
// 积分账本服务
// ============================================================================
//
// 【正确性模型】多进程、每请求一操作，进程间没有任何共享锁。
// 所有并发正确性只依赖数据库的两个行级原语：
//
//   1. 流水表 (user_id, reference_id) 唯一索引
//      —— 同一业务凭证（注册奖励、某次订阅续费、某门课解锁）至多入账一次，
//      并发重复请求中输掉唯一索引的一方被转化为幂等成功
//
//   2. 账户表带守卫的条件更新（见 AccountRepository.DeductCredits）
//      —— 并发扣减不可能把余额扣到可用余额以下
//
// 账本内部从不重试；凭借幂等凭证，调用方可以任意安全重试
// ============================================================================

type CreditService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewCreditService(db *gorm.DB, cfg *config.Config) *CreditService {
	return &CreditService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// ============================================================
// 幂等凭证构造
// ============================================================

// SignupReferenceID 注册奖励凭证：每个用户终生只有一份
func SignupReferenceID(userID int64) string {
	return fmt.Sprintf("signup_%d", userID)
}

// CourseUnlockReferenceID 课程解锁凭证：同一用户同一门课只扣一次费
func CourseUnlockReferenceID(courseID string) string {
	return "training_course_unlock_" + courseID
}

// ============================================================
// 请求/结果结构
// ============================================================

type LedgerRequest struct {
	UserID      int64
	Amount      int64
	Source      string
	Description string
	ReferenceID string                 // 为空表示无幂等凭证（每次调用都生效）
	Metadata    map[string]interface{} // 审计附加信息，不参与控制流
}

type LedgerResult struct {
	Transaction *model.CreditTransaction
	Duplicate   bool // true 表示命中已有凭证，本次调用未产生任何变动
}

// ============================================================
// 账本操作
// ============================================================

// EarnCredits 发放积分
//
// 幂等语义：req.ReferenceID 非空且已有同凭证流水时，直接返回已有流水并
// 标记 Duplicate，调用方必须视作成功。前置查询只是快路径；真正兜底的是
// 唯一索引 —— 两个并发请求同时通过前置查询时，后提交的一方会在插入流水
// 时撞上 gorm.ErrDuplicatedKey，整个事务（含余额增量）回滚，再按幂等命中返回
func (s *CreditService) EarnCredits(ctx context.Context, req *LedgerRequest) (*LedgerResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if req.ReferenceID != "" {
		existing, err := s.transactionRepo.GetByUserIDAndReferenceID(ctx, req.UserID, req.ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		if existing != nil {
			return &LedgerResult{Transaction: existing, Duplicate: true}, nil
		}
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	var trans *model.CreditTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.AddCredits(ctx, tx, req.UserID, req.Amount); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}

		account, err := s.accountRepo.GetByUserIDTx(ctx, tx, req.UserID)
		if err != nil {
			return fmt.Errorf("查询账户失败: %w", err)
		}

		trans = s.buildTransaction(req, model.TransactionTypeEarn, account.Balance)
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}

		return s.writeOutboxEvent(ctx, tx, trans)
	})

	if err != nil {
		if req.ReferenceID != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.resolveDuplicate(ctx, req, err)
		}
		return nil, err
	}

	return &LedgerResult{Transaction: trans}, nil
}

// SpendCredits 消耗积分
//
// 前置余额检查（HasEnoughCredits）只是建议性的；防超扣的是 DeductCredits
// 里的条件更新守卫。余额不足时返回 repository.ErrInsufficientCredits，
// 且不产生任何变动
func (s *CreditService) SpendCredits(ctx context.Context, req *LedgerRequest) (*LedgerResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if req.ReferenceID != "" {
		existing, err := s.transactionRepo.GetByUserIDAndReferenceID(ctx, req.UserID, req.ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("查询流水失败: %w", err)
		}
		if existing != nil {
			return &LedgerResult{Transaction: existing, Duplicate: true}, nil
		}
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, req.UserID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	var trans *model.CreditTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.DeductCredits(ctx, tx, req.UserID, req.Amount); err != nil {
			return err
		}

		account, err := s.accountRepo.GetByUserIDTx(ctx, tx, req.UserID)
		if err != nil {
			return fmt.Errorf("查询账户失败: %w", err)
		}

		trans = s.buildTransaction(req, model.TransactionTypeSpend, account.Balance)
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return err
		}

		return s.writeOutboxEvent(ctx, tx, trans)
	})

	if err != nil {
		if req.ReferenceID != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.resolveDuplicate(ctx, req, err)
		}
		return nil, err
	}

	return &LedgerResult{Transaction: trans}, nil
}

// HasEnoughCredits 可用余额是否足够
//
// 仅供展示层预判，不承担正确性：检查和扣减之间余额随时可能变化
func (s *CreditService) HasEnoughCredits(ctx context.Context, userID int64, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.AvailableBalance() >= amount, nil
}

// GetAccount 查询账户（懒创建）
func (s *CreditService) GetAccount(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	return s.accountRepo.GetOrCreate(ctx, userID)
}

// ListTransactions 分页查询用户流水
func (s *CreditService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// FreezeCredits 冻结积分（预留额度，不产生流水）
func (s *CreditService) FreezeCredits(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	return s.accountRepo.FreezeCredits(ctx, nil, userID, amount)
}

// UnfreezeCredits 解冻积分
func (s *CreditService) UnfreezeCredits(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.accountRepo.UnfreezeCredits(ctx, nil, userID, amount)
}

// GrantSignupBonus 发放注册奖励
//
// 注册流程在邮箱首次验证通过后调用；重复调用命中 signup_<userID> 凭证，
// 幂等返回成功
func (s *CreditService) GrantSignupBonus(ctx context.Context, userID int64) (*LedgerResult, error) {
	return s.EarnCredits(ctx, &LedgerRequest{
		UserID:      userID,
		Amount:      s.cfg.Business.SignupBonusCredits,
		Source:      model.SourceSignupBonus,
		Description: "新用户注册奖励",
		ReferenceID: SignupReferenceID(userID),
	})
}

// ============================================================
// 内部辅助
// ============================================================

func (s *CreditService) buildTransaction(req *LedgerRequest, transType string, balanceAfter int64) *model.CreditTransaction {
	trans := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        req.UserID,
		Type:          transType,
		Amount:        req.Amount,
		BalanceAfter:  balanceAfter,
		Source:        req.Source,
		Description:   req.Description,
	}
	if req.ReferenceID != "" {
		ref := req.ReferenceID
		trans.ReferenceID = &ref
	}
	if len(req.Metadata) > 0 {
		metaBytes, _ := json.Marshal(req.Metadata)
		trans.Metadata = string(metaBytes)
	}
	return trans
}

// writeOutboxEvent 积分事件与流水同事务落库，投递由后台任务负责
func (s *CreditService) writeOutboxEvent(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	payload := map[string]interface{}{
		"transaction_no": trans.TransactionNo,
		"user_id":        trans.UserID,
		"type":           trans.Type,
		"amount":         trans.Amount,
		"balance_after":  trans.BalanceAfter,
		"source":         trans.Source,
		"occurred_at":    time.Now().Format(time.RFC3339),
	}
	if trans.ReferenceID != nil {
		payload["reference_id"] = *trans.ReferenceID
	}
	payloadBytes, _ := json.Marshal(payload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: trans.TransactionNo,
		Topic:      s.cfg.Kafka.Topic.CreditEvents,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

// resolveDuplicate 唯一索引竞争失败后的收尾：查出赢家的流水按幂等命中返回
func (s *CreditService) resolveDuplicate(ctx context.Context, req *LedgerRequest, cause error) (*LedgerResult, error) {
	existing, err := s.transactionRepo.GetByUserIDAndReferenceID(ctx, req.UserID, req.ReferenceID)
	if err != nil || existing == nil {
		return nil, cause
	}
	return &LedgerResult{Transaction: existing, Duplicate: true}, nil
}
