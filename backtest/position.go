package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// PositionState 持仓状态
type PositionState string

const (
	StateNone            PositionState = "NONE"
	StateEntering        PositionState = "ENTERING"
	StateOpen            PositionState = "OPEN"
	StatePartiallyClosed PositionState = "PARTIALLY_CLOSED"
	StateClosed          PositionState = "CLOSED"
	StateLiquidated      PositionState = "LIQUIDATED"
)

// Terminal 是否为终止状态
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateLiquidated
}

const sizeEpsilon = 1e-12

type orderKind int

const (
	orderMarket orderKind = iota // 下一根K线开盘成交
	orderLimit                   // 价格回到目标价成交（maker）
	orderStop                    // 价格突破目标价成交（taker）
)

// entryOrder 挂单中的入场子单
type entryOrder struct {
	kind   orderKind
	price  float64
	size   float64
	filled bool
}

// trailingState 移动止损运行状态
type trailingState struct {
	TrailingStop
	active  bool
	extreme float64
	level   float64
}

// Position 持仓
// 只由战术执行器和费用模型修改，完全平仓后转换为 Trade
type Position struct {
	ID            int
	Symbol        string
	Direction     Direction
	State         PositionState
	AvgEntryPrice float64
	Size          float64 // 当前持仓数量
	FilledSize    float64 // 累计入场成交数量
	RequestedSize float64
	ClosedSize    float64
	Leverage      float64
	MarginMode    MarginMode
	StopLoss      float64
	TakeProfits   []TakeProfitTarget
	Funding       float64 // 累计资金费，正数为收到
	OpenFee       float64
	CloseFee      float64
	OpenTime      int64
	OpenIndex     int
	CreatedIndex  int

	orders        []*entryOrder
	expireAt      int // 入场挂单过期的K线序号，0 表示不过期
	minFillPct    float64
	tpFilled      []bool
	tpFromPercent []TakeProfitTarget
	slPercent     float64
	trailing      *trailingState
	breakeven     *Breakeven
	breakevenDone bool
	pendingExit   bool
	exitNotional  float64
	grossPnL      float64
	exitReason    CloseReason
	exitTime      int64
	maxFavorable  float64
	maxAdverse    float64
}

// IsLive 是否持有仓位
func (p *Position) IsLive() bool {
	return p.Size > sizeEpsilon
}

// Margin 占用保证金
func (p *Position) Margin() float64 {
	if !p.IsLive() || p.Leverage <= 0 {
		return 0
	}
	return p.Size * p.AvgEntryPrice / p.Leverage
}

// UnrealizedPnL 未实现盈亏
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if !p.IsLive() {
		return 0
	}
	return (mark - p.AvgEntryPrice) * p.Size * p.Direction.Sign()
}

// LiquidationPrice 强平价格，0 表示不会被强平
// 逐仓: entry × (1 ∓ 1/leverage)；全仓时 collateral 为账户可用于该仓位的权益，
// 取 max(保证金, collateral) 作为可承受亏损
func (p *Position) LiquidationPrice(collateral float64) float64 {
	if !p.IsLive() || p.Leverage <= 0 {
		return 0
	}
	margin := p.Margin()
	buffer := margin
	if p.MarginMode == MarginCross && collateral > margin {
		buffer = collateral
	}
	liq := p.AvgEntryPrice - p.Direction.Sign()*buffer/p.Size
	if liq <= 0 {
		return 0
	}
	return liq
}

// applyFill 入场成交，重新计算加权均价
func (p *Position) applyFill(qty, price, fee float64, ts int64, idx int) {
	if qty <= 0 {
		return
	}
	if p.FilledSize <= sizeEpsilon {
		p.OpenTime = ts
		p.OpenIndex = idx
		p.maxFavorable = price
		p.maxAdverse = price
	}
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Size + price*qty) / (p.Size + qty)
	p.Size += qty
	p.FilledSize += qty
	p.OpenFee += fee

	if p.State == StateNone {
		p.State = StateEntering
	}
	if p.State == StateEntering && p.fillThresholdReached() {
		p.State = StateOpen
	}
	p.refreshBarriers()
}

func (p *Position) fillThresholdReached() bool {
	if p.pendingOrders() == 0 {
		return true
	}
	if p.RequestedSize <= 0 {
		return true
	}
	return p.FilledSize/p.RequestedSize*100 >= p.minFillPct-1e-9
}

// refreshBarriers 均价变化后，按百分比配置的止损/止盈重新定价
func (p *Position) refreshBarriers() {
	sign := p.Direction.Sign()
	if p.slPercent > 0 && !p.breakevenDone {
		p.StopLoss = p.AvgEntryPrice * (1 - sign*p.slPercent/100)
	}
	if len(p.tpFromPercent) > 0 {
		targets := make([]TakeProfitTarget, len(p.tpFromPercent))
		for i, t := range p.tpFromPercent {
			targets[i] = TakeProfitTarget{
				Price:        p.AvgEntryPrice * (1 + sign*t.PricePercent/100),
				ClosePercent: t.ClosePercent,
			}
		}
		p.setTakeProfits(targets)
	}
}

// setTakeProfits 多头按价格升序，空头按价格降序
func (p *Position) setTakeProfits(targets []TakeProfitTarget) {
	sorted := append([]TakeProfitTarget(nil), targets...)
	if p.Direction == Short {
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price > sorted[j].Price })
	} else {
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })
	}
	p.TakeProfits = sorted
	if len(p.tpFilled) != len(sorted) {
		p.tpFilled = make([]bool, len(sorted))
	}
}

// applyClose 平仓（部分或全部），返回该笔的毛利
func (p *Position) applyClose(qty, price, fee float64, reason CloseReason, ts int64) float64 {
	if qty > p.Size || p.Size-qty <= sizeEpsilon {
		qty = p.Size
	}
	gross := (price - p.AvgEntryPrice) * qty * p.Direction.Sign()
	p.Size -= qty
	p.ClosedSize += qty
	p.exitNotional += price * qty
	p.grossPnL += gross
	p.CloseFee += fee
	p.exitReason = reason
	p.exitTime = ts
	p.cancelOrders()

	switch {
	case p.Size <= sizeEpsilon && reason == CloseLiquidation:
		p.Size = 0
		p.State = StateLiquidated
	case p.Size <= sizeEpsilon:
		p.Size = 0
		p.State = StateClosed
	default:
		p.State = StatePartiallyClosed
	}
	return gross
}

func (p *Position) pendingOrders() int {
	n := 0
	for _, o := range p.orders {
		if !o.filled {
			n++
		}
	}
	return n
}

// cancelOrders 撤销所有未成交的入场挂单
func (p *Position) cancelOrders() {
	p.orders = p.orders[:0]
	p.expireAt = 0
	if p.State == StateEntering && p.IsLive() {
		p.State = StateOpen
	}
}

// trackExcursion 记录持仓期间的最有利/最不利价格
func (p *Position) trackExcursion(c Candle) {
	if !p.IsLive() {
		return
	}
	if p.Direction == Long {
		p.maxFavorable = math.Max(p.maxFavorable, c.High)
		p.maxAdverse = math.Min(p.maxAdverse, c.Low)
	} else {
		p.maxFavorable = math.Min(p.maxFavorable, c.Low)
		p.maxAdverse = math.Max(p.maxAdverse, c.High)
	}
}

// PositionView 提供给策略的只读持仓快照
type PositionView struct {
	Symbol        string        `json:"symbol"`
	Direction     Direction     `json:"direction"`
	State         PositionState `json:"state"`
	AvgEntryPrice float64       `json:"avg_entry_price"`
	Size          float64       `json:"size"`
	StopLoss      float64       `json:"stop_loss"`
	OpenTime      int64         `json:"open_time"`
	OpenIndex     int           `json:"open_index"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
}

// View 生成快照
func (p *Position) View(mark float64) PositionView {
	return PositionView{
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		State:         p.State,
		AvgEntryPrice: p.AvgEntryPrice,
		Size:          p.Size,
		StopLoss:      p.StopLoss,
		OpenTime:      p.OpenTime,
		OpenIndex:     p.OpenIndex,
		UnrealizedPnL: p.UnrealizedPnL(mark),
	}
}

// toTrade 已平仓持仓转换为交易记录
// realizedPnL = (exit − entry) × size × sign − fees + funding
func (p *Position) toTrade(id int) Trade {
	exitPrice := 0.0
	if p.ClosedSize > 0 {
		exitPrice = p.exitNotional / p.ClosedSize
	}
	fees := p.OpenFee + p.CloseFee
	return Trade{
		ID:              id,
		Symbol:          p.Symbol,
		Direction:       p.Direction,
		EntryPrice:      p.AvgEntryPrice,
		ExitPrice:       exitPrice,
		EntryTime:       p.OpenTime,
		ExitTime:        p.exitTime,
		Size:            p.ClosedSize,
		Leverage:        p.Leverage,
		ExitReason:      p.exitReason,
		RealizedPnL:     p.grossPnL - fees + p.Funding,
		Fees:            fees,
		Funding:         p.Funding,
		HoldingDuration: time.Duration(p.exitTime-p.OpenTime) * time.Millisecond,
		MaxFavorable:    p.maxFavorable,
		MaxAdverse:      p.maxAdverse,
	}
}

// PositionLedger 持仓账本
// 每个交易对同一时间最多一个持仓，全局受 maxOpen 限制
type PositionLedger struct {
	maxOpen   int
	positions map[string]*Position
	nextID    int
	trades    []Trade
}

// NewPositionLedger 创建持仓账本
func NewPositionLedger(maxOpen int) *PositionLedger {
	if maxOpen < 1 {
		maxOpen = 1
	}
	return &PositionLedger{
		maxOpen:   maxOpen,
		positions: make(map[string]*Position),
	}
}

// Get 获取交易对当前持仓（含未成交挂单的持仓）
func (l *PositionLedger) Get(symbol string) *Position {
	return l.positions[symbol]
}

// CanOpen 是否允许在该交易对上新建持仓
func (l *PositionLedger) CanOpen(symbol string) bool {
	if _, exists := l.positions[symbol]; exists {
		return false
	}
	return len(l.positions) < l.maxOpen
}

// Open 登记新持仓（状态 NONE，等待挂单成交）
func (l *PositionLedger) Open(p *Position) error {
	if !l.CanOpen(p.Symbol) {
		return fmt.Errorf("无法新建持仓: %s 已有持仓或超过最大持仓数 %d", p.Symbol, l.maxOpen)
	}
	l.nextID++
	p.ID = l.nextID
	p.State = StateNone
	l.positions[p.Symbol] = p
	return nil
}

// Settle 移除已终止或已失效的持仓，完全平仓时返回对应的 Trade
func (l *PositionLedger) Settle(symbol string) (Trade, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return Trade{}, false
	}
	if p.State.Terminal() {
		delete(l.positions, symbol)
		trade := p.toTrade(len(l.trades) + 1)
		l.trades = append(l.trades, trade)
		return trade, true
	}
	if p.State == StateNone && p.pendingOrders() == 0 {
		delete(l.positions, symbol)
	}
	return Trade{}, false
}

// Positions 按交易对排序返回所有持仓
func (l *PositionLedger) Positions() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UsedMargin 所有持仓占用的保证金与未结算开仓费
func (l *PositionLedger) UsedMargin() float64 {
	used := 0.0
	for _, p := range l.positions {
		used += p.Margin() + p.OpenFee
	}
	return used
}

// Trades 已平仓交易
func (l *PositionLedger) Trades() []Trade {
	return append([]Trade(nil), l.trades...)
}
