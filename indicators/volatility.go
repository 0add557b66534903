package indicators

import "math"

// BandsResult 布林带（已对齐）
type BandsResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// BollingerSeries 计算布林带
func BollingerSeries(closes []float64, period int, multiplier float64) *BandsResult {
	middle := SMA(closes, period)
	std := StdDev(closes, period)
	if middle == nil || std == nil {
		return nil
	}
	upper := make([]float64, len(middle))
	lower := make([]float64, len(middle))
	for i := range middle {
		upper[i] = middle[i] + multiplier*std[i]
		lower[i] = middle[i] - multiplier*std[i]
	}
	return &BandsResult{Upper: upper, Middle: middle, Lower: lower}
}

// BollingerBands 布林带指标
type BollingerBands struct {
	period     int
	multiplier float64
}

// NewBollingerBands 创建布林带
func NewBollingerBands(period int, multiplier float64) *BollingerBands {
	return &BollingerBands{period: period, multiplier: multiplier}
}

func (bb *BollingerBands) Name() string { return "BollingerBands" }
func (bb *BollingerBands) Period() int  { return bb.period }

// Calculate 返回 %B：(close − lower) / (upper − lower)
func (bb *BollingerBands) Calculate(candles []Candle) []float64 {
	closes := ClosePrices(candles)
	bands := BollingerSeries(closes, bb.period, bb.multiplier)
	if bands == nil {
		return nil
	}
	offset := len(closes) - len(bands.Middle)
	out := make([]float64, len(bands.Middle))
	for i := range out {
		width := bands.Upper[i] - bands.Lower[i]
		if width == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (closes[i+offset] - bands.Lower[i]) / width
	}
	return out
}

// TrueRange 真实波幅序列（从第二根K线开始）
func TrueRange(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		out[i-1] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
	}
	return out
}

// ATR 平均真实波幅（Wilder 平滑）
type ATR struct {
	period int
}

// NewATR 创建 ATR
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return "ATR" }
func (a *ATR) Period() int  { return a.period + 1 }

// Calculate 计算 ATR
func (a *ATR) Calculate(candles []Candle) []float64 {
	tr := TrueRange(candles)
	if a.period <= 0 || len(tr) < a.period {
		return nil
	}
	out := make([]float64, 0, len(tr)-a.period+1)
	atr := Mean(tr[:a.period])
	out = append(out, atr)
	for i := a.period; i < len(tr); i++ {
		atr = (atr*float64(a.period-1) + tr[i]) / float64(a.period)
		out = append(out, atr)
	}
	return out
}
