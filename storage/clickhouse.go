package storage

import (
	"context"
	"fmt"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"

	"quantsim/backtest"
	"quantsim/logger"
)

// ClickHouseConfig ClickHouse K线库配置
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClickHouseSource 从 ClickHouse 读取K线（ReplacingMergeTree 表，按 symbol/interval/open_time_ms 排序）
type ClickHouseSource struct {
	conn  clickhouse.Conn
	query string
}

// NewClickHouseSource 连接 ClickHouse 并校验可用
func NewClickHouseSource(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSource, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:9000"
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "candles"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(60),
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("连接 ClickHouse 失败: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	logger.Info("✅ ClickHouse 已连接: %s/%s.%s", cfg.Addr, cfg.Database, cfg.Table)
	return &ClickHouseSource{conn: conn, query: candleQuery(cfg.Database, cfg.Table)}, nil
}

// candleQuery 价格列按 Decimal(8) 读出，避免浮点累积误差
func candleQuery(database, table string) string {
	return fmt.Sprintf(`
		SELECT open_time_ms, close_time_ms,
			toDecimal64(open, 8), toDecimal64(high, 8), toDecimal64(low, 8),
			toDecimal64(close, 8), toDecimal64(volume, 8)
		FROM %s.%s FINAL
		WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms <= ?
		ORDER BY open_time_ms ASC`, database, table)
}

// LoadCandles 读取 [start, end] 区间内的K线
func (s *ClickHouseSource) LoadCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error) {
	rows, err := s.conn.Query(ctx, s.query, symbol, interval, uint64(start.UnixMilli()), uint64(end.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("查询 ClickHouse K线失败: %w", err)
	}
	defer rows.Close()

	var candles []backtest.Candle
	for rows.Next() {
		var (
			openTime, closeTime            uint64
			open, high, low, close, volume decimal.Decimal
		)
		if err := rows.Scan(&openTime, &closeTime, &open, &high, &low, &close, &volume); err != nil {
			return nil, err
		}
		candles = append(candles, decimalCandle(openTime, closeTime, open, high, low, close, volume))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logger.Info("✅ 从 ClickHouse 加载 %s %s: %d 根K线", symbol, interval, len(candles))
	return candles, nil
}

func decimalCandle(openTime, closeTime uint64, open, high, low, close, volume decimal.Decimal) backtest.Candle {
	return backtest.Candle{
		OpenTime:  int64(openTime),
		CloseTime: int64(closeTime),
		Open:      open.InexactFloat64(),
		High:      high.InexactFloat64(),
		Low:       low.InexactFloat64(),
		Close:     close.InexactFloat64(),
		Volume:    volume.InexactFloat64(),
	}
}

// Close 关闭连接
func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}
