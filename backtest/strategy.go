package backtest

import (
	"fmt"
	"sort"
)

// Strategy 信号策略接口
// candles 只包含当前K线及之前的数据；返回 nil 表示本周期无信号
type Strategy interface {
	Name() string
	MinCandlesRequired() int
	EntrySignal(candles []Candle, state *IndicatorState) (*Intent, error)
	ExitSignal(candles []Candle, state *IndicatorState, pos PositionView) (*Intent, error)
}

// IndicatorState 单次回测内策略可用的指标缓存
type IndicatorState struct {
	values map[string]float64
}

// NewIndicatorState 创建指标缓存
func NewIndicatorState() *IndicatorState {
	return &IndicatorState{values: make(map[string]float64)}
}

// Set 写入指标值
func (s *IndicatorState) Set(key string, v float64) {
	s.values[key] = v
}

// Get 读取指标值
func (s *IndicatorState) Get(key string) (float64, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Snapshot 拷贝当前所有指标值
func (s *IndicatorState) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// StrategyFactory 根据参数创建策略
type StrategyFactory func(params map[string]float64) (Strategy, error)

var strategyFactories = map[string]StrategyFactory{
	"rsi_reversal": func(p map[string]float64) (Strategy, error) { return NewRSIReversalStrategy(p), nil },
	"bollinger":    func(p map[string]float64) (Strategy, error) { return NewBollingerStrategy(p), nil },
	"ema_cross":    func(p map[string]float64) (Strategy, error) { return NewEMACrossStrategy(p) },
	"macd_cross":   func(p map[string]float64) (Strategy, error) { return NewMACDCrossStrategy(p) },
}

// NewStrategy 按名称创建内置策略
func NewStrategy(name string, params map[string]float64) (Strategy, error) {
	factory, ok := strategyFactories[name]
	if !ok {
		return nil, fmt.Errorf("不支持的策略: %s", name)
	}
	return factory(params)
}

// StrategyNames 内置策略名称
func StrategyNames() []string {
	names := make([]string, 0, len(strategyFactories))
	for name := range strategyFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
