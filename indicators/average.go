package indicators

import "math"

// SMA 简单移动平均
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	// 滑动窗口
	for i := period; i < len(values); i++ {
		sum = sum - values[i-period] + values[i]
		result[i-period+1] = sum / float64(period)
	}
	return result
}

// EMA 指数移动平均，首个值使用 SMA
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	multiplier := 2.0 / (float64(period) + 1.0)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	for i := period; i < len(values); i++ {
		prev := result[i-period]
		result[i-period+1] = (values[i]-prev)*multiplier + prev
	}
	return result
}

// StdDev 滚动总体标准差
func StdDev(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		mean := Mean(window)
		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		result[i-period+1] = math.Sqrt(variance / float64(period))
	}
	return result
}

// Mean 平均值
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SMAIndicator 收盘价 SMA
type SMAIndicator struct{ period int }

func NewSMAIndicator(period int) *SMAIndicator { return &SMAIndicator{period: period} }

func (s *SMAIndicator) Name() string { return "SMA" }
func (s *SMAIndicator) Period() int  { return s.period }
func (s *SMAIndicator) Calculate(candles []Candle) []float64 {
	return SMA(ClosePrices(candles), s.period)
}

// EMAIndicator 收盘价 EMA
type EMAIndicator struct{ period int }

func NewEMAIndicator(period int) *EMAIndicator { return &EMAIndicator{period: period} }

func (e *EMAIndicator) Name() string { return "EMA" }
func (e *EMAIndicator) Period() int  { return e.period }
func (e *EMAIndicator) Calculate(candles []Candle) []float64 {
	return EMA(ClosePrices(candles), e.period)
}
