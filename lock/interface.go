package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld 锁已被其他实例持有
var ErrLockHeld = errors.New("锁已被占用")

// DistributedLock 分布式锁接口
// 多个实例共享同一份结果库时，用于保证同一回测任务只被执行一次
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取锁，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// WithLock 持锁执行 fn，锁被占用时返回 ErrLockHeld
func WithLock(ctx context.Context, l DistributedLock, key string, ttl time.Duration, fn func() error) error {
	ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	defer l.Unlock(context.Background(), key)
	return fn()
}

// NopLock 空实现（单实例模式）
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return ctx.Err()
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
