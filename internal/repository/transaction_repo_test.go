package repository

import (
	"context"
	"testing"

	"creditsystem/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTransaction(userID int64, transNo string, referenceID string) *model.CreditTransaction {
	trans := &model.CreditTransaction{
		TransactionNo: transNo,
		UserID:        userID,
		Type:          model.TransactionTypeEarn,
		Amount:        100,
		BalanceAfter:  100,
		Source:        model.SourceSignupBonus,
	}
	if referenceID != "" {
		trans.ReferenceID = &referenceID
	}
	return trans
}

func TestTransactionUniqueReference(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newTestDB(t))

	t.Run("同一用户同一凭证只能落一条", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, nil, newTransaction(1, "T1", "signup_1")))

		err := repo.Create(ctx, nil, newTransaction(1, "T2", "signup_1"))
		assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	})

	t.Run("不同用户可以使用相同凭证", func(t *testing.T) {
		// 课程解锁凭证只含课程ID，靠 user_id 维度隔离
		require.NoError(t, repo.Create(ctx, nil, newTransaction(2, "T3", "training_course_unlock_a")))
		require.NoError(t, repo.Create(ctx, nil, newTransaction(3, "T4", "training_course_unlock_a")))
	})

	t.Run("无凭证流水不受唯一索引约束", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, nil, newTransaction(4, "T5", "")))
		require.NoError(t, repo.Create(ctx, nil, newTransaction(4, "T6", "")))
	})
}

func TestGetByUserIDAndReferenceID(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newTestDB(t))

	require.NoError(t, repo.Create(ctx, nil, newTransaction(1, "T1", "signup_1")))

	t.Run("命中", func(t *testing.T) {
		trans, err := repo.GetByUserIDAndReferenceID(ctx, 1, "signup_1")
		require.NoError(t, err)
		require.NotNil(t, trans)
		assert.Equal(t, "T1", trans.TransactionNo)
	})

	t.Run("不存在时返回空而非错误", func(t *testing.T) {
		trans, err := repo.GetByUserIDAndReferenceID(ctx, 1, "signup_999")
		require.NoError(t, err)
		assert.Nil(t, trans)
	})

	t.Run("凭证按用户隔离", func(t *testing.T) {
		trans, err := repo.GetByUserIDAndReferenceID(ctx, 2, "signup_1")
		require.NoError(t, err)
		assert.Nil(t, trans)
	})
}

func TestListByUserID(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newTestDB(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, nil, newTransaction(1, "T"+string(rune('A'+i)), "")))
	}

	transactions, total, err := repo.ListByUserID(ctx, 1, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, transactions, 3)

	transactions, total, err = repo.ListByUserID(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, transactions, 2)
}
