package repository

import (
	"context"
	"errors"

	"creditsystem/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水
//
// (user_id, reference_id) 撞上唯一索引时返回 gorm.ErrDuplicatedKey，
// 调用方必须把它当作幂等命中处理，而不是失败
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByUserIDAndReferenceID 按业务幂等凭证查流水，不存在时返回 (nil, nil)
func (r *TransactionRepository) GetByUserIDAndReferenceID(ctx context.Context, userID int64, referenceID string) (*model.CreditTransaction, error) {
	var trans model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND reference_id = ?", userID, referenceID).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.CreditTransaction, error) {
	var trans model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_no = ?", transactionNo).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	var transactions []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
