package backtest

import "time"

// Candle K线数据（毫秒时间戳）
type Candle struct {
	OpenTime  int64   `json:"open_time" yaml:"open_time"`
	CloseTime int64   `json:"close_time" yaml:"close_time"`
	Open      float64 `json:"open" yaml:"open"`
	High      float64 `json:"high" yaml:"high"`
	Low       float64 `json:"low" yaml:"low"`
	Close     float64 `json:"close" yaml:"close"`
	Volume    float64 `json:"volume" yaml:"volume"`
}

// Direction 持仓方向
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign 多头为 +1，空头为 -1
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Valid 方向是否合法
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// MarketType 市场类型
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// MarginMode 保证金模式
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// RunStatus 回测状态
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// Terminal 是否为终止状态
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CloseReason 平仓原因
type CloseReason string

const (
	CloseTP          CloseReason = "TP"
	CloseSL          CloseReason = "SL"
	CloseTime        CloseReason = "TIME"
	CloseManual      CloseReason = "MANUAL"
	CloseLiquidation CloseReason = "LIQUIDATION"
)

// IntentType 信号意图类型
type IntentType string

const (
	IntentEntry IntentType = "ENTRY"
	IntentExit  IntentType = "EXIT"
)

// TakeProfitTarget 止盈目标
// 策略给出时使用 Price；战术配置中使用 PricePercent（相对均价）
type TakeProfitTarget struct {
	Price        float64 `json:"price,omitempty" yaml:"price,omitempty"`
	PricePercent float64 `json:"price_percent,omitempty" yaml:"price_percent,omitempty"`
	ClosePercent float64 `json:"close_percent" yaml:"close_percent"` // 平仓比例（占成交总量 %）
}

// Intent 策略输出的开平仓意图
type Intent struct {
	Type        IntentType         `json:"type"`
	Direction   Direction          `json:"direction"`
	Prices      []float64          `json:"prices,omitempty"` // 建议入场价（限价/区间/突破）
	StopLoss    float64            `json:"stop_loss,omitempty"`
	TakeProfits []TakeProfitTarget `json:"take_profits,omitempty"`
	SizePercent float64            `json:"size_percent,omitempty"` // 覆盖默认仓位比例
	Reason      string             `json:"reason,omitempty"`
}

// EquityPoint 权益曲线点
type EquityPoint struct {
	Timestamp     int64   `json:"timestamp"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Trade 已平仓交易记录
type Trade struct {
	ID              int           `json:"id"`
	Symbol          string        `json:"symbol"`
	Direction       Direction     `json:"direction"`
	EntryPrice      float64       `json:"entry_price"`
	ExitPrice       float64       `json:"exit_price"`
	EntryTime       int64         `json:"entry_time"`
	ExitTime        int64         `json:"exit_time"`
	Size            float64       `json:"size"`
	Leverage        float64       `json:"leverage"`
	ExitReason      CloseReason   `json:"exit_reason"`
	RealizedPnL     float64       `json:"realized_pnl"`
	Fees            float64       `json:"fees"`
	Funding         float64       `json:"funding"` // 净资金费（正数为收到）
	HoldingDuration time.Duration `json:"holding_duration"`
	MaxFavorable    float64       `json:"max_favorable"` // 持仓期间最有利价格
	MaxAdverse      float64       `json:"max_adverse"`   // 持仓期间最不利价格
}

// IsWin 是否盈利
func (t Trade) IsWin() bool {
	return t.RealizedPnL > 0
}

// Progress 回测进度
type Progress struct {
	RunID   string    `json:"run_id"`
	Index   int       `json:"index"`
	Total   int       `json:"total"`
	Percent float64   `json:"percent"`
	Equity  float64   `json:"equity"`
	Status  RunStatus `json:"status"`
}

// BacktestResult 回测结果
type BacktestResult struct {
	ID             string        `json:"id"`
	Status         RunStatus     `json:"status"`
	Progress       float64       `json:"progress"`
	Error          string        `json:"error,omitempty"`
	Symbol         string        `json:"symbol"`
	Timeframe      string        `json:"timeframe"`
	Strategy       string        `json:"strategy"`
	Config         Config        `json:"config"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	InitialBalance float64       `json:"initial_balance"`
	FinalBalance   float64       `json:"final_balance"`
	Trades         []Trade       `json:"trades"`
	Equity         []EquityPoint `json:"equity"`
	Metrics        Metrics       `json:"metrics"`
	RiskMetrics    RiskMetrics   `json:"risk_metrics"`
	SignalErrors   int           `json:"signal_errors"`
}
