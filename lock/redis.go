package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 只有持有 token 的实例才能释放或延期
var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock Redis 分布式锁实现
type RedisLock struct {
	client   *redis.Client
	prefix   string
	retry    time.Duration
	mu       sync.Mutex
	lockKeys map[string]string // 记录持有的锁和对应的 token
}

// NewRedisLock 创建 Redis 分布式锁
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client:   client,
		prefix:   prefix,
		retry:    100 * time.Millisecond,
		lockKeys: make(map[string]string),
	}
}

// Lock 获取锁，阻塞直到成功或 ctx 结束
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock 尝试获取锁，立即返回
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.lockKeys[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *RedisLock) token(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, exists := r.lockKeys[key]
	if !exists {
		return "", fmt.Errorf("lock not held: %s", key)
	}
	return token, nil
}

// Unlock 释放锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	token, err := r.token(key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.lockKeys, key)
	r.mu.Unlock()

	n, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	return nil
}

// Extend 延长锁的过期时间
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	token, err := r.token(key)
	if err != nil {
		return err
	}

	n, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	return nil
}

// Close 关闭连接
func (r *RedisLock) Close() error {
	return r.client.Close()
}

// Ping 检查连接
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
