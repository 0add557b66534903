package backtest

import (
	"math"
	"sort"
	"strings"
)

// FundingRate 资金费率记录（Rate 为小数，例如 0.0001 = 0.01%）
type FundingRate struct {
	Time int64   `json:"time" yaml:"time"`
	Rate float64 `json:"rate" yaml:"rate"`
}

// Config 回测配置
// 在 Validate 之后视为只读，一次回测期间不会被修改
type Config struct {
	Symbol         string             `json:"symbol" yaml:"symbol"`
	Timeframe      string             `json:"timeframe" yaml:"timeframe"`
	InitialBalance float64            `json:"initial_balance" yaml:"initial_balance"`
	Currency       string             `json:"currency" yaml:"currency"`
	Strategy       string             `json:"strategy" yaml:"strategy"`
	StrategyParams map[string]float64 `json:"strategy_params,omitempty" yaml:"strategy_params,omitempty"`
	Tactics        TacticsSet         `json:"tactics" yaml:"tactics"`

	// 费用
	MarketType      MarketType `json:"market_type" yaml:"market_type"`
	UseCustomFees   bool       `json:"use_custom_fees" yaml:"use_custom_fees"`
	MakerFeePercent float64    `json:"maker_fee_percent" yaml:"maker_fee_percent"`
	TakerFeePercent float64    `json:"taker_fee_percent" yaml:"taker_fee_percent"`
	SlippagePercent float64    `json:"slippage_percent" yaml:"slippage_percent"`

	// 杠杆与仓位
	Leverage            float64    `json:"leverage" yaml:"leverage"`
	MaxLeverage         float64    `json:"max_leverage" yaml:"max_leverage"`
	MaxOpenPositions    int        `json:"max_open_positions" yaml:"max_open_positions"`
	MarginMode          MarginMode `json:"margin_mode" yaml:"margin_mode"`
	AllowShort          bool       `json:"allow_short" yaml:"allow_short"`
	PositionSizePercent float64    `json:"position_size_percent" yaml:"position_size_percent"` // 每笔占用余额的保证金比例
	MinFillPercent      float64    `json:"min_fill_percent" yaml:"min_fill_percent"`           // 成交达到该比例后 ENTERING → OPEN

	// 资金费
	FundingIntervalHours float64       `json:"funding_interval_hours" yaml:"funding_interval_hours"`
	FundingRatePercent   float64       `json:"funding_rate_percent" yaml:"funding_rate_percent"` // 无历史费率时使用的固定费率
	FundingRates         []FundingRate `json:"funding_rates,omitempty" yaml:"funding_rates,omitempty"`

	ProgressEvery int `json:"progress_every" yaml:"progress_every"` // 每多少根K线上报一次进度
}

// DefaultFeePercents 按市场类型返回默认 maker/taker 费率（%）
func DefaultFeePercents(market MarketType) (maker, taker float64) {
	if market == MarketSpot {
		return 0.1, 0.1
	}
	return 0.02, 0.04
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		return configErr("symbol", "交易对不能为空")
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
	if !(c.InitialBalance > 0) || math.IsInf(c.InitialBalance, 0) {
		return configErr("initial_balance", "初始资金必须大于0，当前值: %v", c.InitialBalance)
	}
	if c.Currency == "" {
		c.Currency = "USDT"
	}

	if c.MarketType == "" {
		c.MarketType = MarketFutures
	}
	if c.MarketType != MarketSpot && c.MarketType != MarketFutures {
		return configErr("market_type", "不支持的市场类型: %s", c.MarketType)
	}

	// 费率
	if !c.UseCustomFees {
		c.MakerFeePercent, c.TakerFeePercent = DefaultFeePercents(c.MarketType)
	}
	if c.MakerFeePercent < 0 || c.MakerFeePercent > 10 {
		return configErr("maker_fee_percent", "maker 费率必须在 0-10%% 之间，当前值: %.4f", c.MakerFeePercent)
	}
	if c.TakerFeePercent < 0 || c.TakerFeePercent > 10 {
		return configErr("taker_fee_percent", "taker 费率必须在 0-10%% 之间，当前值: %.4f", c.TakerFeePercent)
	}
	if c.SlippagePercent < 0 || c.SlippagePercent > 10 {
		return configErr("slippage_percent", "滑点必须在 0-10%% 之间，当前值: %.4f", c.SlippagePercent)
	}

	// 杠杆
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if c.MaxLeverage == 0 {
		c.MaxLeverage = 125
		if c.MarketType == MarketSpot {
			c.MaxLeverage = 1
		}
	}
	if c.Leverage < 1 {
		return configErr("leverage", "杠杆倍数不能小于1，当前值: %.2f", c.Leverage)
	}
	if c.Leverage > c.MaxLeverage {
		return configErr("leverage", "杠杆倍数 %.2f 超过上限 %.2f", c.Leverage, c.MaxLeverage)
	}
	if c.MarketType == MarketSpot {
		if c.Leverage != 1 {
			return configErr("leverage", "现货不支持杠杆")
		}
		if c.AllowShort {
			return configErr("allow_short", "现货不支持做空")
		}
	}

	if c.MaxOpenPositions == 0 {
		c.MaxOpenPositions = 1
	}
	if c.MaxOpenPositions < 1 {
		return configErr("max_open_positions", "最大持仓数必须 >= 1，当前值: %d", c.MaxOpenPositions)
	}
	if c.MarginMode == "" {
		c.MarginMode = MarginIsolated
	}
	if c.MarginMode != MarginIsolated && c.MarginMode != MarginCross {
		return configErr("margin_mode", "不支持的保证金模式: %s", c.MarginMode)
	}
	if c.PositionSizePercent == 0 {
		c.PositionSizePercent = 10
	}
	if c.PositionSizePercent < 0 || c.PositionSizePercent > 100 {
		return configErr("position_size_percent", "仓位比例必须在 0-100%% 之间，当前值: %.2f", c.PositionSizePercent)
	}
	if c.MinFillPercent == 0 {
		c.MinFillPercent = 50
	}
	if c.MinFillPercent < 0 || c.MinFillPercent > 100 {
		return configErr("min_fill_percent", "最小成交比例必须在 0-100%% 之间，当前值: %.2f", c.MinFillPercent)
	}

	// 资金费
	if c.FundingIntervalHours == 0 {
		c.FundingIntervalHours = 8
	}
	if c.FundingIntervalHours < 0 {
		return configErr("funding_interval_hours", "资金费结算间隔必须大于0")
	}
	if math.Abs(c.FundingRatePercent) > 5 {
		return configErr("funding_rate_percent", "资金费率超出合理范围: %.4f", c.FundingRatePercent)
	}

	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100
	}

	// 先复制再校验，默认值不会写回调用方的指针
	c.Tactics = c.Tactics.clone()
	if err := c.Tactics.Validate(); err != nil {
		return err
	}

	c.freeze()
	return nil
}

// freeze 深拷贝可变字段，避免调用方在回测过程中修改配置
func (c *Config) freeze() {
	if c.StrategyParams != nil {
		params := make(map[string]float64, len(c.StrategyParams))
		for k, v := range c.StrategyParams {
			params[k] = v
		}
		c.StrategyParams = params
	}
	if len(c.FundingRates) > 0 {
		rates := append([]FundingRate(nil), c.FundingRates...)
		sort.SliceStable(rates, func(i, j int) bool { return rates[i].Time < rates[j].Time })
		c.FundingRates = rates
	}
}

// Param 读取策略参数，不存在时返回默认值
func (c Config) Param(name string, def float64) float64 {
	if v, ok := c.StrategyParams[name]; ok {
		return v
	}
	return def
}
