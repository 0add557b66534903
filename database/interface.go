package database

import (
	"context"
	"errors"
	"time"

	"quantsim/backtest"
	"quantsim/event"
)

// ErrRunNotFound 回测记录不存在
var ErrRunNotFound = errors.New("回测记录不存在")

// Database 数据库接口
type Database interface {
	// 回测记录
	SaveRun(ctx context.Context, run *BacktestRun) error
	UpdateRunStatus(ctx context.Context, id string, status backtest.RunStatus, progress float64, errMsg string) error
	SaveResult(ctx context.Context, result *backtest.BacktestResult) error
	GetRun(ctx context.Context, id string) (*BacktestRun, error)
	ListRuns(ctx context.Context, filter *RunFilter) ([]*BacktestRun, error)

	// 成交与权益曲线
	GetTrades(ctx context.Context, runID string) ([]*TradeRecord, error)
	GetEquity(ctx context.Context, runID string) ([]*EquityRecord, error)

	// 事件（实现 event.Store）
	SaveEvent(ctx context.Context, record *event.Record) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, severity string, before time.Time) (int64, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// BacktestRun 回测运行记录
type BacktestRun struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Symbol         string    `gorm:"index:idx_symbol_strategy;size:50" json:"symbol"`
	Timeframe      string    `gorm:"size:10" json:"timeframe"`
	Strategy       string    `gorm:"index:idx_symbol_strategy;size:50" json:"strategy"`
	Status         string    `gorm:"index;size:20" json:"status"` // PENDING, RUNNING, COMPLETED, FAILED, CANCELLED
	Progress       float64   `json:"progress"`
	Error          string    `gorm:"type:text" json:"error,omitempty"`
	ConfigJSON     string    `gorm:"type:text" json:"config"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	TotalReturn    float64   `json:"total_return"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	TotalTrades    int       `json:"total_trades"`
	Liquidations   int       `json:"liquidations"`
	SignalErrors   int       `json:"signal_errors"`
	MetricsJSON    string    `gorm:"type:text" json:"metrics"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TradeRecord 回测成交记录
type TradeRecord struct {
	ID             int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID          string  `gorm:"index:idx_run_trade;size:64" json:"run_id"`
	TradeNo        int     `gorm:"index:idx_run_trade" json:"trade_no"`
	Symbol         string  `gorm:"size:50" json:"symbol"`
	Direction      string  `gorm:"size:10" json:"direction"` // LONG, SHORT
	EntryPrice     float64 `json:"entry_price"`
	ExitPrice      float64 `json:"exit_price"`
	EntryTime      int64   `json:"entry_time"`
	ExitTime       int64   `json:"exit_time"`
	Size           float64 `json:"size"`
	Leverage       float64 `json:"leverage"`
	ExitReason     string  `gorm:"size:20" json:"exit_reason"`
	RealizedPnL    float64 `json:"realized_pnl"`
	Fees           float64 `json:"fees"`
	Funding        float64 `json:"funding"`
	HoldingSeconds int64   `json:"holding_seconds"`
}

// EquityRecord 权益曲线点
type EquityRecord struct {
	ID            int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         string  `gorm:"index:idx_run_ts;size:64" json:"run_id"`
	Timestamp     int64   `gorm:"index:idx_run_ts" json:"timestamp"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"index;size:64" json:"run_id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index:idx_severity_time;size:20" json:"severity"`
	Symbol    string    `gorm:"size:50" json:"symbol"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index:idx_severity_time" json:"created_at"`
}

// 过滤器

// RunFilter 回测记录过滤器
type RunFilter struct {
	Symbol   string
	Strategy string
	Status   string
	Limit    int
	Offset   int
}

// EventFilter 事件过滤器
type EventFilter struct {
	RunID     string
	Type      string
	Severity  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
