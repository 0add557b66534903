package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quantsim/backtest"
)

// Config 本地存储配置
type Config struct {
	Path             string `yaml:"path"`      // 行情库 sqlite 文件
	CacheDir         string `yaml:"cache_dir"` // CSV 缓存目录
	LogPath          string `yaml:"log_path"`  // 日志库，留空则不落库
	LogRetentionDays int    `yaml:"log_retention_days"`
}

// CandleSource 历史K线数据源
type CandleSource interface {
	LoadCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error)
}

// FundingSource 历史资金费率数据源
type FundingSource interface {
	LoadFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error)
}

var (
	_ CandleSource  = (*SQLiteStore)(nil)
	_ CandleSource  = (*ClickHouseSource)(nil)
	_ FundingSource = (*SQLiteStore)(nil)
)

// Open 按配置打开行情库与 CSV 缓存
func Open(cfg Config) (*SQLiteStore, *CandleCache, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join("data", "market.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store, err := NewSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	return store, NewCandleCache(cfg.CacheDir), nil
}
