package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quantsim/backtest"
	"quantsim/logger"
)

// fundingEpsilon 费率比较精度
const fundingEpsilon = 0.0000001

// SQLiteStore K线与资金费率的本地存储
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（或创建）本地行情库
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// 使用 WAL 模式提高并发性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite 并发限制
	db.SetMaxIdleConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// createTables 创建表
func createTables(db *sql.DB) error {
	candlesSQL := `
	CREATE TABLE IF NOT EXISTS candles (
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		close_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (symbol, interval, open_time)
	);`

	fundingSQL := `
	CREATE TABLE IF NOT EXISTS funding_rates (
		symbol TEXT NOT NULL,
		funding_time INTEGER NOT NULL,
		rate REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (symbol, funding_time)
	);`

	for _, stmt := range []string{candlesSQL, fundingSQL} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveCandles 批量写入K线，同一开盘时间覆盖旧值
func (s *SQLiteStore) SaveCandles(ctx context.Context, symbol, interval string, candles []backtest.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, symbol, interval, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("写入K线 %d 失败: %w", c.OpenTime, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Debug("💾 已保存 %s %s K线 %d 根", symbol, interval, len(candles))
	return nil
}

// LoadCandles 读取 [start, end] 区间内的K线，按开盘时间升序
func (s *SQLiteStore) LoadCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, symbol, interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("查询K线失败: %w", err)
	}
	defer rows.Close()

	var candles []backtest.Candle
	for rows.Next() {
		var c backtest.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// CandleRange 返回已存K线数量及首尾开盘时间
func (s *SQLiteStore) CandleRange(ctx context.Context, symbol, interval string) (count int, first, last int64, err error) {
	var minTime, maxTime sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(open_time), MAX(open_time)
		FROM candles
		WHERE symbol = ? AND interval = ?
	`, symbol, interval).Scan(&count, &minTime, &maxTime)
	if err != nil {
		return 0, 0, 0, err
	}
	return count, minTime.Int64, maxTime.Int64, nil
}

// SaveFundingRates 写入资金费率
// 追加在最新记录之后的费率只在变动时存储，回填历史则逐条覆盖
func (s *SQLiteStore) SaveFundingRates(ctx context.Context, symbol string, rates []backtest.FundingRate) (int, error) {
	if len(rates) == 0 {
		return 0, nil
	}
	sorted := append([]backtest.FundingRate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	latestTime := int64(math.MinInt64)
	latestRate := math.NaN()
	err = tx.QueryRowContext(ctx, `
		SELECT funding_time, rate FROM funding_rates
		WHERE symbol = ?
		ORDER BY funding_time DESC
		LIMIT 1
	`, symbol).Scan(&latestTime, &latestRate)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	stored := 0
	for _, r := range sorted {
		if r.Time > latestTime {
			if !math.IsNaN(latestRate) && math.Abs(latestRate-r.Rate) < fundingEpsilon {
				// 费率未变化，不存储
				continue
			}
			latestTime, latestRate = r.Time, r.Rate
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO funding_rates (symbol, funding_time, rate, created_at)
			VALUES (?, ?, ?, ?)
		`, symbol, r.Time, r.Rate, time.Now()); err != nil {
			return 0, err
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return stored, nil
}

// LoadFundingRates 读取区间内的费率变动，另附区间开始前最后一条记录
func (s *SQLiteStore) LoadFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT funding_time, rate FROM (
			SELECT funding_time, rate FROM funding_rates
			WHERE symbol = ? AND funding_time < ?
			ORDER BY funding_time DESC LIMIT 1
		)
		UNION ALL
		SELECT funding_time, rate FROM funding_rates
		WHERE symbol = ? AND funding_time >= ? AND funding_time <= ?
		ORDER BY funding_time ASC
	`, symbol, start.UnixMilli(), symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("查询资金费率失败: %w", err)
	}
	defer rows.Close()

	var rates []backtest.FundingRate
	for rows.Next() {
		var r backtest.FundingRate
		if err := rows.Scan(&r.Time, &r.Rate); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
