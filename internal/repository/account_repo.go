package repository

import (
	"context"
	"errors"

	"creditsystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound     = errors.New("积分账户不存在")
	ErrInsufficientCredits = errors.New("积分余额不足")
	ErrFrozenNotEnough     = errors.New("冻结积分不足，无法解冻")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDTx 在指定事务内查询账户（用于读取扣减/入账后的余额快照）
func (r *AccountRepository) GetByUserIDTx(ctx context.Context, tx *gorm.DB, userID int64) (*model.CreditAccount, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.CreditAccount
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 获取账户，不存在则懒创建
//
// 【关键点】不能用"先查再插"：两个请求同时首次触达同一用户时，
// 后插入的一方会败给 user_id 唯一索引。这里用 INSERT ... ON CONFLICT
// DO NOTHING 的 upsert，无论谁赢，最后都能读到同一行
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CreditAccount{
		UserID: userID,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// AddCredits 入账：balance 与 total_earned 同步增加
func (r *AccountRepository) AddCredits(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":      gorm.Expr("balance + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// DeductCredits 出账：带可用余额守卫的单条条件更新
//
// 【关键点】防超扣的唯一屏障就是这条 UPDATE 的 WHERE 守卫：
//
//	UPDATE credit_account
//	SET balance = balance - n, total_spent = total_spent + n
//	WHERE user_id = ? AND balance - frozen_balance >= n
//
// 两个并发扣减即使都通过了前置的余额检查，数据库行锁也会让它们
// 串行执行这条语句，后执行的一方守卫不成立，RowsAffected = 0。
// 绝不能拆成"读余额 -> 判断 -> 写回"三步
func (r *AccountRepository) DeductCredits(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND balance - frozen_balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_spent": gorm.Expr("total_spent + ?", amount),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 区分"账户不存在"和"余额不足"
		_, err := r.GetByUserIDTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		return ErrInsufficientCredits
	}

	return nil
}

// FreezeCredits 冻结：守卫与扣减一致（冻结量不能超过可用余额）
func (r *AccountRepository) FreezeCredits(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND balance - frozen_balance >= ?", userID, amount).
		UpdateColumn("frozen_balance", gorm.Expr("frozen_balance + ?", amount))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		_, err := r.GetByUserIDTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		return ErrInsufficientCredits
	}

	return nil
}

// UnfreezeCredits 解冻：不能把 frozen_balance 解到负数
func (r *AccountRepository) UnfreezeCredits(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND frozen_balance >= ?", userID, amount).
		UpdateColumn("frozen_balance", gorm.Expr("frozen_balance - ?", amount))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		_, err := r.GetByUserIDTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		return ErrFrozenNotEnough
	}

	return nil
}

// ListAll 分批遍历全部账户（对账任务用）
func (r *AccountRepository) ListAll(ctx context.Context, afterID int64, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
