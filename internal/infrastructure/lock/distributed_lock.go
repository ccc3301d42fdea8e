package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁（Redis SetNX）
// ============================================================================
//
// 【定位】本系统里的锁只是"快速去重"的辅助手段，不承担正确性：
//
// 支付渠道的 webhook 是 at-least-once 投递，同一个事件可能被推送多次。
// 真正保证"同一事件只发一次积分"的是流水表上 (user_id, reference_id)
// 的唯一索引 —— 哪怕 Redis 整个挂掉，重复事件也会在数据库层被拦下。
//
// 锁的价值在于：重复投递大多在几秒内到达，SetNX 能在访问数据库之前
// 就挡掉绝大部分重复请求，省一次事务开销。
//
// 【加锁】SET key value NX EX timeout
//   - NX: key 不存在才设置（互斥）
//   - EX: 过期时间（防止死锁）
//   - value: 持有者标识（释放时校验，防止误删别人的锁）
//
// 【释放】Lua 脚本保证"校验+删除"原子执行
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 校验 value 再删除：锁过期后被别人持有时，自己的 Unlock 不能删掉别人的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：webhook 事件去重锁
// ============================================================================

// NewWebhookEventLock 按"渠道+事件ID"维度的去重锁
//
// 过期时间取 24 小时：覆盖支付渠道的重试窗口。
// 处理成功后锁不释放（留作去重标记）；处理失败时调用 Unlock 释放，
// 让渠道的下一次重试有机会重新进入处理流程
func NewWebhookEventLock(client *redis.Client, provider, eventID string) *DistributedLock {
	key := fmt.Sprintf("webhook:dedup:%s:%s", provider, eventID)
	return NewDistributedLock(client, key, eventID, 24*time.Hour)
}
