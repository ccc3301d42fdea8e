package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeEarn  = "EARN"  // 入账（注册奖励、订阅发放等）
	TransactionTypeSpend = "SPEND" // 出账（解锁课程等）
)

// ============================================================================
// 交易来源常量（仅用于审计展示，不参与任何控制流）
// ============================================================================

const (
	SourceSignupBonus  = "SIGNUP_BONUS"  // 注册奖励
	SourceSubscription = "SUBSCRIPTION"  // 订阅发放
	SourceCourseUnlock = "COURSE_UNLOCK" // 课程解锁
	SourceManual       = "MANUAL"        // 人工调整
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
// 记录账户的每一笔积分变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. (user_id, reference_id) 联合唯一 —— 幂等的唯一保障：
//    同一用户同一业务凭证至多落一条流水，并发重复请求由唯一索引裁决
// 3. 记录交易后余额 —— 无需回放全量流水即可还原历史
type CreditTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"not null;index;uniqueIndex:uq_user_reference,priority:1" json:"user_id"`
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`              // EARN / SPEND
	Amount        int64     `gorm:"not null" json:"amount"`                             // 变动数额，恒为正，方向由 Type 决定
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                      // 本笔生效后的余额快照
	Source        string    `gorm:"type:varchar(32);not null" json:"source"`            // 来源分类
	ReferenceID   *string   `gorm:"type:varchar(128);uniqueIndex:uq_user_reference,priority:2" json:"reference_id"` // 业务幂等凭证，可空
	Description   string    `gorm:"type:varchar(256)" json:"description"`               // 备注
	Metadata      string    `gorm:"type:text" json:"metadata"`                          // 审计附加信息（JSON 文本）
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
