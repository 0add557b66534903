package indicators

// RSISeries Wilder 平滑的相对强弱指数
func RSISeries(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	result := make([]float64, 0, len(closes)-period)
	result = append(result, rsiValue(avgGain, avgLoss))
	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		result = append(result, rsiValue(avgGain, avgLoss))
	}
	return result
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RSI 相对强弱指数
type RSI struct {
	period int
}

// NewRSI 创建 RSI 指标
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string { return "RSI" }
func (r *RSI) Period() int  { return r.period + 1 }

// Calculate 计算 RSI
func (r *RSI) Calculate(candles []Candle) []float64 {
	return RSISeries(ClosePrices(candles), r.period)
}

// MACDResult MACD 三条线（已对齐，长度相同）
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACDSeries 计算 MACD，数据不足时返回 nil
func MACDSeries(closes []float64, fast, slow, signal int) *MACDResult {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal-1 {
		return nil
	}
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	if fastEMA == nil || slowEMA == nil {
		return nil
	}

	// 对齐长度
	offset := len(fastEMA) - len(slowEMA)
	macdLine := make([]float64, len(slowEMA))
	for i := range macdLine {
		macdLine[i] = fastEMA[i+offset] - slowEMA[i]
	}

	signalLine := EMA(macdLine, signal)
	if signalLine == nil {
		return nil
	}
	offset2 := len(macdLine) - len(signalLine)
	histogram := make([]float64, len(signalLine))
	for i := range histogram {
		histogram[i] = macdLine[i+offset2] - signalLine[i]
	}
	return &MACDResult{MACD: macdLine[offset2:], Signal: signalLine, Histogram: histogram}
}

// MACD 指数平滑异同移动平均线
type MACD struct {
	FastPeriod   int
	SlowPeriod   int
	SignalPeriod int
}

// NewMACD 创建 MACD 指标
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{FastPeriod: fast, SlowPeriod: slow, SignalPeriod: signal}
}

func (m *MACD) Name() string { return "MACD" }
func (m *MACD) Period() int  { return m.SlowPeriod + m.SignalPeriod - 1 }

// Calculate 返回柱状图
func (m *MACD) Calculate(candles []Candle) []float64 {
	res := MACDSeries(ClosePrices(candles), m.FastPeriod, m.SlowPeriod, m.SignalPeriod)
	if res == nil {
		return nil
	}
	return res.Histogram
}
