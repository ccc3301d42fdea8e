package model

import (
	"time"
)

// CreditAccount 用户积分账户表
// 记录用户的积分余额，是整个积分系统的核心数据
//
// 【重要】余额是派生值：任何时刻都必须满足
//   balance == total_earned - total_spent
//   frozen_balance <= balance
// 可用余额 = balance - frozen_balance
type CreditAccount struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64     `gorm:"uniqueIndex;not null" json:"user_id"`      // 用户ID，身份系统传入
	Balance       int64     `gorm:"not null;default:0" json:"balance"`        // 当前余额（积分数）
	FrozenBalance int64     `gorm:"not null;default:0" json:"frozen_balance"` // 冻结积分（已预留未扣减）
	TotalEarned   int64     `gorm:"not null;default:0" json:"total_earned"`   // 累计获得，只增不减
	TotalSpent    int64     `gorm:"not null;default:0" json:"total_spent"`    // 累计消耗，只增不减
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}

// AvailableBalance 可用余额（扣除冻结部分）
func (a *CreditAccount) AvailableBalance() int64 {
	return a.Balance - a.FrozenBalance
}
