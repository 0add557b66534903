package backtest

import "math"

// EquityTracker 余额与权益曲线
type EquityTracker struct {
	balance  float64
	lastMark map[string]float64
	points   []EquityPoint
}

// NewEquityTracker 创建权益跟踪器
func NewEquityTracker(initial float64, expectedPoints int) *EquityTracker {
	return &EquityTracker{
		balance:  initial,
		lastMark: make(map[string]float64),
		points:   make([]EquityPoint, 0, expectedPoints),
	}
}

// Balance 已结算余额
func (e *EquityTracker) Balance() float64 {
	return e.balance
}

// Settle 已实现资金变动（平仓盈亏、手续费、资金费）
func (e *EquityTracker) Settle(amount float64) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return
	}
	e.balance += amount
}

// Mark 更新标记价格，NaN/非正数时沿用最后一次有效值
func (e *EquityTracker) Mark(symbol string, price float64) float64 {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return e.lastMark[symbol]
	}
	e.lastMark[symbol] = price
	return price
}

// LastMark 最后一次有效标记价格
func (e *EquityTracker) LastMark(symbol string) float64 {
	return e.lastMark[symbol]
}

// Snapshot 计算当前权益
// equity = balance + 未实现盈亏 + 未结算资金费 − 未结算开仓手续费
func (e *EquityTracker) Snapshot(positions []*Position) (equity, unrealized float64) {
	equity = e.balance
	for _, p := range positions {
		if !p.IsLive() {
			continue
		}
		u := p.UnrealizedPnL(e.lastMark[p.Symbol])
		unrealized += u
		equity += u + p.Funding - p.OpenFee
	}
	return equity, unrealized
}

// Record 在K线收盘时记录一个权益点
func (e *EquityTracker) Record(ts int64, positions []*Position) EquityPoint {
	equity, unrealized := e.Snapshot(positions)
	point := EquityPoint{
		Timestamp:     ts,
		Balance:       e.balance,
		Equity:        equity,
		UnrealizedPnL: unrealized,
	}
	e.points = append(e.points, point)
	return point
}

// Points 权益曲线
func (e *EquityTracker) Points() []EquityPoint {
	return e.points
}
