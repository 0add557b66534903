// Package indicators 技术指标库
// 所有指标在历史数据不足时返回 nil，调用方应视为"本周期无信号"而不是错误
package indicators

import (
	"fmt"
	"sort"
	"sync"
)

// Candle K线数据
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Indicator 指标接口
type Indicator interface {
	Name() string
	// Calculate 计算指标序列，数据不足时返回 nil
	Calculate(candles []Candle) []float64
	// Period 计算所需的最少K线数
	Period() int
}

// Last 返回序列最后一个值，序列为空时 ok=false
func Last(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

// LastN 返回序列最后 n 个值，不足 n 个时返回 nil
func LastN(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	return values[len(values)-n:]
}

// ClosePrices 提取收盘价
func ClosePrices(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Factory 指标构造函数
type Factory func(params map[string]float64) Indicator

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册指标
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New 按名称创建指标
func New(name string, params map[string]float64) (Indicator, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未知指标: %s", name)
	}
	return factory(params), nil
}

// List 已注册指标名称
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

func init() {
	Register("sma", func(p map[string]float64) Indicator { return NewSMAIndicator(int(param(p, "period", 20))) })
	Register("ema", func(p map[string]float64) Indicator { return NewEMAIndicator(int(param(p, "period", 20))) })
	Register("rsi", func(p map[string]float64) Indicator { return NewRSI(int(param(p, "period", 14))) })
	Register("atr", func(p map[string]float64) Indicator { return NewATR(int(param(p, "period", 14))) })
	Register("macd", func(p map[string]float64) Indicator {
		return NewMACD(int(param(p, "fast", 12)), int(param(p, "slow", 26)), int(param(p, "signal", 9)))
	})
	Register("bollinger", func(p map[string]float64) Indicator {
		return NewBollingerBands(int(param(p, "period", 20)), param(p, "multiplier", 2))
	})
}
