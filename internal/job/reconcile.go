package job

import (
	"context"
	"log"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"

	"gorm.io/gorm"
)

// ReconcileJob 对账任务
//
// 周期性全量校验账本不变量：
//   1. balance == total_earned - total_spent
//   2. 0 <= frozen_balance <= balance
//   3. 账户计数器与流水折算一致（SUM(EARN) / SUM(SPEND)）
//
// 发现偏差只告警，不自动修正 —— 偏差意味着有代码绕过了账本原语，
// 自动"修平"只会掩盖问题
type ReconcileJob struct {
	db          *gorm.DB
	accountRepo *repository.AccountRepository
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewReconcileJob(db *gorm.DB, cfg *config.Config) *ReconcileJob {
	interval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReconcileJob{
		db:          db,
		accountRepo: repository.NewAccountRepository(db),
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   200,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.reconcileAll(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) reconcileAll(ctx context.Context) {
	var afterID int64
	checked, drifted := 0, 0

	for {
		accounts, err := j.accountRepo.ListAll(ctx, afterID, j.batchSize)
		if err != nil {
			log.Printf("[ReconcileJob] 查询账户失败: %v", err)
			return
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			checked++
			if !j.CheckAccount(ctx, account) {
				drifted++
			}
			afterID = account.ID
		}
	}

	if drifted > 0 {
		log.Printf("[ReconcileJob] 对账完成: 共 %d 个账户，%d 个存在偏差", checked, drifted)
	}
}

// CheckAccount 校验单个账户的全部不变量，返回是否通过
func (j *ReconcileJob) CheckAccount(ctx context.Context, account *model.CreditAccount) bool {
	ok := true

	if account.Balance != account.TotalEarned-account.TotalSpent {
		log.Printf("[ReconcileJob] 余额偏差: user=%d, balance=%d, total_earned=%d, total_spent=%d",
			account.UserID, account.Balance, account.TotalEarned, account.TotalSpent)
		ok = false
	}

	if account.FrozenBalance < 0 || account.FrozenBalance > account.Balance {
		log.Printf("[ReconcileJob] 冻结额度异常: user=%d, balance=%d, frozen=%d",
			account.UserID, account.Balance, account.FrozenBalance)
		ok = false
	}

	var earnSum, spendSum int64
	err := j.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("user_id = ? AND type = ?", account.UserID, model.TransactionTypeEarn).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&earnSum).Error
	if err != nil {
		log.Printf("[ReconcileJob] 流水折算失败: user=%d, err=%v", account.UserID, err)
		return ok
	}
	err = j.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("user_id = ? AND type = ?", account.UserID, model.TransactionTypeSpend).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&spendSum).Error
	if err != nil {
		log.Printf("[ReconcileJob] 流水折算失败: user=%d, err=%v", account.UserID, err)
		return ok
	}

	if earnSum != account.TotalEarned || spendSum != account.TotalSpent {
		log.Printf("[ReconcileJob] 计数器与流水不符: user=%d, total_earned=%d/流水=%d, total_spent=%d/流水=%d",
			account.UserID, account.TotalEarned, earnSum, account.TotalSpent, spendSum)
		ok = false
	}

	return ok
}
