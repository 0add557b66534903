package backtest

import (
	"fmt"

	"quantsim/indicators"
)

const defaultWarmup = 50

func paramOr(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

// tail 只取最近 n 根K线参与计算
func tail(candles []Candle, n int) []Candle {
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

func toIndicatorCandles(candles []Candle) []indicators.Candle {
	out := make([]indicators.Candle, len(candles))
	for i, c := range candles {
		out[i] = indicators.Candle{Time: c.OpenTime, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
	}
	return out
}

// atrStop 用 ATR 计算止损位，ATR 数据不足时返回 0（由战术配置决定止损）
func atrStop(candles []Candle, period int, mult float64, dir Direction) float64 {
	atr, ok := indicators.Last(indicators.NewATR(period).Calculate(toIndicatorCandles(candles)))
	if !ok || mult <= 0 {
		return 0
	}
	last := candles[len(candles)-1].Close
	stop := last - dir.Sign()*atr*mult
	if stop <= 0 {
		return 0
	}
	return stop
}

// RSIReversalStrategy RSI 反转：上穿超卖线做多，下穿超买线做空
type RSIReversalStrategy struct {
	period     int
	oversold   float64
	overbought float64
	lookback   int
}

// NewRSIReversalStrategy 创建 RSI 反转策略
func NewRSIReversalStrategy(params map[string]float64) *RSIReversalStrategy {
	period := int(paramOr(params, "rsi_period", 14))
	return &RSIReversalStrategy{
		period:     period,
		oversold:   paramOr(params, "oversold", 30),
		overbought: paramOr(params, "overbought", 70),
		lookback:   period * 10,
	}
}

func (s *RSIReversalStrategy) Name() string { return "rsi_reversal" }

func (s *RSIReversalStrategy) MinCandlesRequired() int {
	if s.period+2 > defaultWarmup {
		return s.period + 2
	}
	return defaultWarmup
}

func (s *RSIReversalStrategy) rsi(candles []Candle, state *IndicatorState) []float64 {
	values := indicators.LastN(indicators.RSISeries(Closes(tail(candles, s.lookback)), s.period), 2)
	if values != nil {
		state.Set("rsi", values[1])
	}
	return values
}

func (s *RSIReversalStrategy) EntrySignal(candles []Candle, state *IndicatorState) (*Intent, error) {
	rsi := s.rsi(candles, state)
	if rsi == nil {
		return nil, nil
	}
	prev, curr := rsi[0], rsi[1]
	switch {
	case prev < s.oversold && curr >= s.oversold:
		return &Intent{Type: IntentEntry, Direction: Long, Reason: fmt.Sprintf("RSI 上穿超卖线 (RSI=%.2f)", curr)}, nil
	case prev > s.overbought && curr <= s.overbought:
		return &Intent{Type: IntentEntry, Direction: Short, Reason: fmt.Sprintf("RSI 下穿超买线 (RSI=%.2f)", curr)}, nil
	}
	return nil, nil
}

func (s *RSIReversalStrategy) ExitSignal(candles []Candle, state *IndicatorState, pos PositionView) (*Intent, error) {
	rsi := s.rsi(candles, state)
	if rsi == nil {
		return nil, nil
	}
	curr := rsi[1]
	if (pos.Direction == Long && curr > s.overbought) || (pos.Direction == Short && curr < s.oversold) {
		return &Intent{Type: IntentExit, Direction: pos.Direction, Reason: fmt.Sprintf("RSI 反向极值 (RSI=%.2f)", curr)}, nil
	}
	return nil, nil
}

// BollingerStrategy 布林带均值回归：跌破下轨做多，突破上轨做空，回到中轨平仓
type BollingerStrategy struct {
	period     int
	multiplier float64
}

// NewBollingerStrategy 创建布林带策略
func NewBollingerStrategy(params map[string]float64) *BollingerStrategy {
	return &BollingerStrategy{
		period:     int(paramOr(params, "period", 20)),
		multiplier: paramOr(params, "multiplier", 2),
	}
}

func (s *BollingerStrategy) Name() string { return "bollinger" }

func (s *BollingerStrategy) MinCandlesRequired() int {
	if s.period > defaultWarmup {
		return s.period
	}
	return defaultWarmup
}

func (s *BollingerStrategy) bands(candles []Candle, state *IndicatorState) (upper, middle, lower float64, ok bool) {
	bands := indicators.BollingerSeries(Closes(tail(candles, s.period)), s.period, s.multiplier)
	if bands == nil {
		return 0, 0, 0, false
	}
	upper, _ = indicators.Last(bands.Upper)
	middle, _ = indicators.Last(bands.Middle)
	lower, _ = indicators.Last(bands.Lower)
	state.Set("bb_upper", upper)
	state.Set("bb_middle", middle)
	state.Set("bb_lower", lower)
	return upper, middle, lower, true
}

func (s *BollingerStrategy) EntrySignal(candles []Candle, state *IndicatorState) (*Intent, error) {
	upper, middle, lower, ok := s.bands(candles, state)
	if !ok {
		return nil, nil
	}
	last := candles[len(candles)-1].Close
	switch {
	case last < lower:
		return &Intent{
			Type:        IntentEntry,
			Direction:   Long,
			TakeProfits: []TakeProfitTarget{{Price: middle, ClosePercent: 100}},
			Reason:      "价格跌破布林带下轨",
		}, nil
	case last > upper:
		return &Intent{
			Type:        IntentEntry,
			Direction:   Short,
			TakeProfits: []TakeProfitTarget{{Price: middle, ClosePercent: 100}},
			Reason:      "价格突破布林带上轨",
		}, nil
	}
	return nil, nil
}

func (s *BollingerStrategy) ExitSignal(candles []Candle, state *IndicatorState, pos PositionView) (*Intent, error) {
	_, middle, _, ok := s.bands(candles, state)
	if !ok {
		return nil, nil
	}
	last := candles[len(candles)-1].Close
	if (pos.Direction == Long && last >= middle) || (pos.Direction == Short && last <= middle) {
		return &Intent{Type: IntentExit, Direction: pos.Direction, Reason: "价格回到布林带中轨"}, nil
	}
	return nil, nil
}

// EMACrossStrategy 均线交叉，止损使用 ATR
type EMACrossStrategy struct {
	fast, slow int
	atrPeriod  int
	atrMult    float64
}

// NewEMACrossStrategy 创建均线交叉策略
func NewEMACrossStrategy(params map[string]float64) (*EMACrossStrategy, error) {
	s := &EMACrossStrategy{
		fast:      int(paramOr(params, "fast", 9)),
		slow:      int(paramOr(params, "slow", 21)),
		atrPeriod: int(paramOr(params, "atr_period", 14)),
		atrMult:   paramOr(params, "atr_multiplier", 2),
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("快线周期 %d 必须小于慢线周期 %d", s.fast, s.slow)
	}
	return s, nil
}

func (s *EMACrossStrategy) Name() string { return "ema_cross" }

func (s *EMACrossStrategy) MinCandlesRequired() int {
	if s.slow+1 > defaultWarmup {
		return s.slow + 1
	}
	return defaultWarmup
}

// cross 返回 1 金叉，-1 死叉，0 无交叉
func (s *EMACrossStrategy) cross(candles []Candle, state *IndicatorState) int {
	closes := Closes(tail(candles, s.slow*5))
	fast := indicators.LastN(indicators.EMA(closes, s.fast), 2)
	slow := indicators.LastN(indicators.EMA(closes, s.slow), 2)
	if fast == nil || slow == nil {
		return 0
	}
	state.Set("ema_fast", fast[1])
	state.Set("ema_slow", slow[1])
	switch {
	case fast[0] <= slow[0] && fast[1] > slow[1]:
		return 1
	case fast[0] >= slow[0] && fast[1] < slow[1]:
		return -1
	}
	return 0
}

func (s *EMACrossStrategy) EntrySignal(candles []Candle, state *IndicatorState) (*Intent, error) {
	var dir Direction
	switch s.cross(candles, state) {
	case 1:
		dir = Long
	case -1:
		dir = Short
	default:
		return nil, nil
	}
	return &Intent{
		Type:      IntentEntry,
		Direction: dir,
		StopLoss:  atrStop(tail(candles, s.atrPeriod*5), s.atrPeriod, s.atrMult, dir),
		Reason:    fmt.Sprintf("EMA%d/EMA%d 交叉", s.fast, s.slow),
	}, nil
}

func (s *EMACrossStrategy) ExitSignal(candles []Candle, state *IndicatorState, pos PositionView) (*Intent, error) {
	c := s.cross(candles, state)
	if (pos.Direction == Long && c == -1) || (pos.Direction == Short && c == 1) {
		return &Intent{Type: IntentExit, Direction: pos.Direction, Reason: "均线反向交叉"}, nil
	}
	return nil, nil
}

// MACDCrossStrategy MACD 柱状图翻转
type MACDCrossStrategy struct {
	fast, slow, signal int
}

// NewMACDCrossStrategy 创建 MACD 策略
func NewMACDCrossStrategy(params map[string]float64) (*MACDCrossStrategy, error) {
	s := &MACDCrossStrategy{
		fast:   int(paramOr(params, "fast", 12)),
		slow:   int(paramOr(params, "slow", 26)),
		signal: int(paramOr(params, "signal", 9)),
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("MACD 快线周期 %d 必须小于慢线周期 %d", s.fast, s.slow)
	}
	return s, nil
}

func (s *MACDCrossStrategy) Name() string { return "macd_cross" }

func (s *MACDCrossStrategy) MinCandlesRequired() int {
	if n := s.slow + s.signal + 1; n > defaultWarmup {
		return n
	}
	return defaultWarmup
}

func (s *MACDCrossStrategy) flip(candles []Candle, state *IndicatorState) int {
	res := indicators.MACDSeries(Closes(tail(candles, (s.slow+s.signal)*4)), s.fast, s.slow, s.signal)
	if res == nil {
		return 0
	}
	hist := indicators.LastN(res.Histogram, 2)
	if hist == nil {
		return 0
	}
	state.Set("macd_hist", hist[1])
	switch {
	case hist[0] <= 0 && hist[1] > 0:
		return 1
	case hist[0] >= 0 && hist[1] < 0:
		return -1
	}
	return 0
}

func (s *MACDCrossStrategy) EntrySignal(candles []Candle, state *IndicatorState) (*Intent, error) {
	switch s.flip(candles, state) {
	case 1:
		return &Intent{Type: IntentEntry, Direction: Long, Reason: "MACD 柱状图转正"}, nil
	case -1:
		return &Intent{Type: IntentEntry, Direction: Short, Reason: "MACD 柱状图转负"}, nil
	}
	return nil, nil
}

func (s *MACDCrossStrategy) ExitSignal(candles []Candle, state *IndicatorState, pos PositionView) (*Intent, error) {
	f := s.flip(candles, state)
	if (pos.Direction == Long && f == -1) || (pos.Direction == Short && f == 1) {
		return &Intent{Type: IntentExit, Direction: pos.Direction, Reason: "MACD 反向翻转"}, nil
	}
	return nil, nil
}
