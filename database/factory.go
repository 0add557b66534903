package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quantsim/logger"
)

// Config 数据库配置（回测结果落库）
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Type            string        `yaml:"type"` // sqlite, postgres, mysql
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogLevel        string        `yaml:"log_level"`
}

// defaultSQLitePath sqlite 未配置 DSN 时使用的文件
const defaultSQLitePath = "data/backtest_runs.db"

// NewDatabase 根据配置创建数据库实例
func NewDatabase(config *Config) (Database, error) {
	dbType := strings.ToLower(config.Type)
	if dbType == "" {
		dbType = "sqlite"
	}
	dsn := config.DSN

	switch dbType {
	case "sqlite":
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
		}
	case "postgres", "postgresql", "mysql":
		if dsn == "" {
			return nil, fmt.Errorf("%s 数据库必须配置 dsn", dbType)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	db, err := NewGormDatabase(&DBConfig{
		Type:            dbType,
		DSN:             dsn,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		LogLevel:        config.LogLevel,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("✅ 数据库已连接: %s", dbType)
	return db, nil
}
