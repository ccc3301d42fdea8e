package service

import (
	"context"
	"testing"

	"creditsystem/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newAccessFixture(t *testing.T) (*AccessService, *CreditService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	cfg := newTestConfig()
	return NewAccessService(db, cfg), NewCreditService(db, cfg), db
}

func TestEnsureCourseAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("免费课程直接放行且不触账", func(t *testing.T) {
		access, _, db := newAccessFixture(t)

		result, err := access.EnsureCourseAccess(ctx, 1, "prompt-basics")
		require.NoError(t, err)
		assert.True(t, result.Unlocked)
		assert.False(t, result.Charged)
		assert.Equal(t, int64(0), result.Cost)

		// 免费课不经过账本，连账户都不创建
		var count int64
		require.NoError(t, db.Model(&model.CreditAccount{}).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("未配置的课程报错", func(t *testing.T) {
		access, _, _ := newAccessFixture(t)

		_, err := access.EnsureCourseAccess(ctx, 1, "no-such-course")
		assert.ErrorIs(t, err, ErrCourseNotFound)
	})

	t.Run("积分不足时拒绝且无变动", func(t *testing.T) {
		access, credits, _ := newAccessFixture(t)
		_, err := credits.EarnCredits(ctx, &LedgerRequest{UserID: 1, Amount: 20, Source: model.SourceManual})
		require.NoError(t, err)

		result, err := access.EnsureCourseAccess(ctx, 1, "llm-fundamentals") // 费用 30
		require.NoError(t, err)
		assert.False(t, result.Unlocked)
		assert.Equal(t, "积分不足", result.Reason)

		account, err := credits.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(20), account.Balance)
	})

	// 场景：余额 50 解锁 30 的课，重复调用停留在已解锁且不再扣费
	t.Run("解锁只扣一次费", func(t *testing.T) {
		access, credits, db := newAccessFixture(t)
		_, err := credits.EarnCredits(ctx, &LedgerRequest{UserID: 1, Amount: 50, Source: model.SourceManual})
		require.NoError(t, err)

		first, err := access.EnsureCourseAccess(ctx, 1, "llm-fundamentals")
		require.NoError(t, err)
		assert.True(t, first.Unlocked)
		assert.True(t, first.Charged)
		assert.Equal(t, int64(30), first.Cost)

		second, err := access.EnsureCourseAccess(ctx, 1, "llm-fundamentals")
		require.NoError(t, err)
		assert.True(t, second.Unlocked)
		assert.False(t, second.Charged)

		account, err := credits.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(20), account.Balance)
		assert.Equal(t, int64(1), countTransactions(t, db, 1, CourseUnlockReferenceID("llm-fundamentals")))
	})

	t.Run("解锁记录按用户隔离", func(t *testing.T) {
		access, credits, _ := newAccessFixture(t)
		for _, userID := range []int64{1, 2} {
			_, err := credits.EarnCredits(ctx, &LedgerRequest{UserID: userID, Amount: 50, Source: model.SourceManual})
			require.NoError(t, err)
		}

		first, err := access.EnsureCourseAccess(ctx, 1, "llm-fundamentals")
		require.NoError(t, err)
		assert.True(t, first.Charged)

		// 用户2解锁同一门课必须独立扣费
		other, err := access.EnsureCourseAccess(ctx, 2, "llm-fundamentals")
		require.NoError(t, err)
		assert.True(t, other.Charged)
	})
}
