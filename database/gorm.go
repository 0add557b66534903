package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"quantsim/backtest"
	"quantsim/event"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// batchSize 批量写入大小
const batchSize = 500

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	logLevel := gormlogger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = gormlogger.Error
	case "warn":
		logLevel = gormlogger.Warn
	case "info":
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// sqlite 单写者，限制为一个连接避免 database is locked
	if config.Type == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&BacktestRun{},
		&TradeRecord{},
		&EquityRecord{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// NewRun 根据配置创建一条 PENDING 状态的运行记录
func NewRun(id string, cfg backtest.Config) *BacktestRun {
	configJSON, _ := json.Marshal(cfg)
	return &BacktestRun{
		ID:             id,
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		Strategy:       cfg.Strategy,
		Status:         string(backtest.StatusPending),
		ConfigJSON:     string(configJSON),
		InitialBalance: cfg.InitialBalance,
	}
}

// SaveRun 保存回测运行记录
func (g *GormDatabase) SaveRun(ctx context.Context, run *BacktestRun) error {
	return g.db.WithContext(ctx).Create(run).Error
}

// UpdateRunStatus 更新状态与进度
func (g *GormDatabase) UpdateRunStatus(ctx context.Context, id string, status backtest.RunStatus, progress float64, errMsg string) error {
	res := g.db.WithContext(ctx).Model(&BacktestRun{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":   string(status),
		"progress": progress,
		"error":    errMsg,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// SaveResult 在一个事务内写入运行结果、成交与权益曲线，重复保存会覆盖旧数据
func (g *GormDatabase) SaveResult(ctx context.Context, result *backtest.BacktestResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("回测结果缺少 ID")
	}
	run := runFromResult(result)
	trades := tradeRecords(result)
	equity := equityRecords(result)

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 保留提交时的创建时间
		var existing BacktestRun
		if err := tx.Select("created_at").First(&existing, "id = ?", result.ID).Error; err == nil {
			run.CreatedAt = existing.CreatedAt
		}
		if err := tx.Save(run).Error; err != nil {
			return fmt.Errorf("保存回测记录失败: %w", err)
		}
		if err := tx.Where("run_id = ?", result.ID).Delete(&TradeRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", result.ID).Delete(&EquityRecord{}).Error; err != nil {
			return err
		}
		if len(trades) > 0 {
			if err := tx.CreateInBatches(trades, batchSize).Error; err != nil {
				return fmt.Errorf("保存成交记录失败: %w", err)
			}
		}
		if len(equity) > 0 {
			if err := tx.CreateInBatches(equity, batchSize).Error; err != nil {
				return fmt.Errorf("保存权益曲线失败: %w", err)
			}
		}
		return nil
	})
}

func runFromResult(result *backtest.BacktestResult) *BacktestRun {
	configJSON, _ := json.Marshal(result.Config)
	metricsJSON, _ := json.Marshal(struct {
		Metrics     backtest.Metrics     `json:"metrics"`
		RiskMetrics backtest.RiskMetrics `json:"risk_metrics"`
	}{result.Metrics, result.RiskMetrics})
	m := result.Metrics
	return &BacktestRun{
		ID:             result.ID,
		Symbol:         result.Symbol,
		Timeframe:      result.Timeframe,
		Strategy:       result.Strategy,
		Status:         string(result.Status),
		Progress:       result.Progress,
		Error:          result.Error,
		ConfigJSON:     string(configJSON),
		InitialBalance: result.InitialBalance,
		FinalBalance:   result.FinalBalance,
		TotalReturn:    m.TotalReturn,
		MaxDrawdown:    m.MaxDrawdown,
		SharpeRatio:    m.SharpeRatio,
		WinRate:        m.WinRate,
		ProfitFactor:   m.ProfitFactor,
		TotalTrades:    len(result.Trades),
		Liquidations:   m.Liquidations,
		SignalErrors:   result.SignalErrors,
		MetricsJSON:    string(metricsJSON),
		StartTime:      result.StartTime,
		EndTime:        result.EndTime,
	}
}

func tradeRecords(result *backtest.BacktestResult) []*TradeRecord {
	out := make([]*TradeRecord, 0, len(result.Trades))
	for _, t := range result.Trades {
		out = append(out, &TradeRecord{
			RunID:          result.ID,
			TradeNo:        t.ID,
			Symbol:         t.Symbol,
			Direction:      string(t.Direction),
			EntryPrice:     t.EntryPrice,
			ExitPrice:      t.ExitPrice,
			EntryTime:      t.EntryTime,
			ExitTime:       t.ExitTime,
			Size:           t.Size,
			Leverage:       t.Leverage,
			ExitReason:     string(t.ExitReason),
			RealizedPnL:    t.RealizedPnL,
			Fees:           t.Fees,
			Funding:        t.Funding,
			HoldingSeconds: int64(t.HoldingDuration / time.Second),
		})
	}
	return out
}

func equityRecords(result *backtest.BacktestResult) []*EquityRecord {
	out := make([]*EquityRecord, 0, len(result.Equity))
	for _, p := range result.Equity {
		out = append(out, &EquityRecord{
			RunID:         result.ID,
			Timestamp:     p.Timestamp,
			Balance:       p.Balance,
			Equity:        p.Equity,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out
}

// GetRun 获取回测记录
func (g *GormDatabase) GetRun(ctx context.Context, id string) (*BacktestRun, error) {
	var run BacktestRun
	if err := g.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns 获取回测记录列表（按创建时间倒序）
func (g *GormDatabase) ListRuns(ctx context.Context, filter *RunFilter) ([]*BacktestRun, error) {
	if filter == nil {
		filter = &RunFilter{}
	}
	query := g.db.WithContext(ctx).Model(&BacktestRun{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Strategy != "" {
		query = query.Where("strategy = ?", filter.Strategy)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	query = query.Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var runs []*BacktestRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// GetTrades 获取某次回测的成交记录
func (g *GormDatabase) GetTrades(ctx context.Context, runID string) ([]*TradeRecord, error) {
	var trades []*TradeRecord
	if err := g.db.WithContext(ctx).Where("run_id = ?", runID).Order("trade_no ASC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// GetEquity 获取某次回测的权益曲线
func (g *GormDatabase) GetEquity(ctx context.Context, runID string) ([]*EquityRecord, error) {
	var points []*EquityRecord
	if err := g.db.WithContext(ctx).Where("run_id = ?", runID).Order("timestamp ASC").Find(&points).Error; err != nil {
		return nil, err
	}
	return points, nil
}

// SaveEvent 保存事件记录
func (g *GormDatabase) SaveEvent(ctx context.Context, record *event.Record) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return g.db.WithContext(ctx).Create(&EventRecord{
		RunID:     record.RunID,
		Type:      record.Type,
		Severity:  record.Severity,
		Symbol:    record.Symbol,
		Message:   record.Message,
		Details:   record.Details,
		CreatedAt: createdAt,
	}).Error
}

// GetEvents 获取事件记录
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	if filter == nil {
		filter = &EventFilter{}
	}
	query := g.db.WithContext(ctx).Model(&EventRecord{})

	if filter.RunID != "" {
		query = query.Where("run_id = ?", filter.RunID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	query = query.Order("created_at DESC").Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var events []*EventRecord
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CleanupOldEvents 删除指定级别、早于 before 的事件，返回删除条数
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, before time.Time) (int64, error) {
	res := g.db.WithContext(ctx).
		Where("severity = ? AND created_at < ?", severity, before).
		Delete(&EventRecord{})
	return res.RowsAffected, res.Error
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
