package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quantsim/logger"
)

// Config 分布式锁配置
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Type          string        `yaml:"type"`
	Prefix        string        `yaml:"prefix"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	FallbackToNop bool          `yaml:"fallback_to_nop"` // Redis 不可用时退化为单实例模式
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// NewDistributedLock 根据配置创建分布式锁实例
// 如果未启用分布式锁，返回 NopLock（零开销）
func NewDistributedLock(config *Config) (DistributedLock, error) {
	if config == nil || !config.Enabled {
		return NewNopLock(), nil
	}

	switch config.Type {
	case "", "redis":
		prefix := config.Prefix
		if prefix == "" {
			prefix = "quantsim:lock:"
		}
		client := redis.NewClient(&redis.Options{
			Addr:        config.Redis.Addr,
			Password:    config.Redis.Password,
			DB:          config.Redis.DB,
			PoolSize:    config.Redis.PoolSize,
			DialTimeout: 3 * time.Second,
		})
		rl := NewRedisLock(client, prefix)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rl.Ping(ctx); err != nil {
			rl.Close()
			if config.FallbackToNop {
				logger.Warn("⚠️ Redis 不可用，分布式锁退化为单实例模式: %v", err)
				return NewNopLock(), nil
			}
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		logger.Info("🔒 分布式锁已启用: redis %s", config.Redis.Addr)
		return rl, nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}
