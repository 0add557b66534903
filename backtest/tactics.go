package backtest

import (
	"fmt"
	"math"
)

// EntryType 入场方式
type EntryType string

const (
	EntryMarket   EntryType = "MARKET"
	EntryLimit    EntryType = "LIMIT"
	EntryZone     EntryType = "ZONE"
	EntryBreakout EntryType = "BREAKOUT"
	EntryPullback EntryType = "PULLBACK"
	EntryDCA      EntryType = "DCA"
)

// TriggerType 触发条件类型
type TriggerType string

const (
	TriggerPrice   TriggerType = "PRICE"
	TriggerPercent TriggerType = "PERCENT" // 相对均价的浮盈百分比
)

// EntryTactic 入场战术
type EntryTactic struct {
	Type            EntryType `json:"type" yaml:"type"`
	Weights         []float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	Levels          int       `json:"levels,omitempty" yaml:"levels,omitempty"`
	StepPercent     float64   `json:"step_percent,omitempty" yaml:"step_percent,omitempty"`
	PullbackPercent float64   `json:"pullback_percent,omitempty" yaml:"pullback_percent,omitempty"`
	BreakoutPercent float64   `json:"breakout_percent,omitempty" yaml:"breakout_percent,omitempty"`
	ExpireCandles   int       `json:"expire_candles,omitempty" yaml:"expire_candles,omitempty"`
}

// TrailingStop 移动止损
type TrailingStop struct {
	TriggerType     TriggerType `json:"trigger_type" yaml:"trigger_type"`
	TriggerValue    float64     `json:"trigger_value" yaml:"trigger_value"`
	CallbackPercent float64     `json:"callback_percent" yaml:"callback_percent"`
}

// Breakeven 保本止损
type Breakeven struct {
	TriggerType  TriggerType `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty"`
	TriggerValue float64     `json:"trigger_value,omitempty" yaml:"trigger_value,omitempty"`
	AfterFirstTP bool        `json:"after_first_tp,omitempty" yaml:"after_first_tp,omitempty"`
}

// ExitTactic 出场战术
type ExitTactic struct {
	TakeProfits       []TakeProfitTarget `json:"take_profits,omitempty" yaml:"take_profits,omitempty"`
	StopLossPercent   float64            `json:"stop_loss_percent,omitempty" yaml:"stop_loss_percent,omitempty"`
	Trailing          *TrailingStop      `json:"trailing,omitempty" yaml:"trailing,omitempty"`
	Breakeven         *Breakeven         `json:"breakeven,omitempty" yaml:"breakeven,omitempty"`
	MaxHoldingCandles int                `json:"max_holding_candles,omitempty" yaml:"max_holding_candles,omitempty"`
}

// TacticsSet 战术组合
type TacticsSet struct {
	Entry EntryTactic `json:"entry" yaml:"entry"`
	Exit  ExitTactic  `json:"exit" yaml:"exit"`
}

// Validate 验证战术配置并填充默认值
func (t *TacticsSet) Validate() error {
	e := &t.Entry
	if e.Type == "" {
		e.Type = EntryMarket
	}
	switch e.Type {
	case EntryMarket, EntryLimit, EntryBreakout, EntryPullback:
	case EntryZone, EntryDCA:
		if len(e.Weights) > 0 {
			e.Levels = len(e.Weights)
		}
		if e.Levels == 0 {
			e.Levels = 3
		}
		if e.StepPercent == 0 {
			e.StepPercent = 1
		}
	default:
		return configErr("tactics.entry.type", "不支持的入场方式: %s", e.Type)
	}
	if e.Levels < 0 || e.Levels > 50 {
		return configErr("tactics.entry.levels", "档位数必须在 1-50 之间，当前值: %d", e.Levels)
	}
	weightSum := 0.0
	for _, w := range e.Weights {
		if w < 0 || math.IsNaN(w) {
			return configErr("tactics.entry.weights", "权重不能为负数")
		}
		weightSum += w
	}
	if len(e.Weights) > 0 && weightSum <= 0 {
		return configErr("tactics.entry.weights", "权重之和必须大于0")
	}
	if e.StepPercent < 0 || e.StepPercent >= 100 {
		return configErr("tactics.entry.step_percent", "档位间距必须在 0-100%% 之间")
	}
	if e.Type == EntryPullback && e.PullbackPercent == 0 {
		e.PullbackPercent = 0.5
	}
	if e.Type == EntryBreakout && e.BreakoutPercent == 0 {
		e.BreakoutPercent = 0.2
	}
	if e.PullbackPercent < 0 || e.PullbackPercent >= 100 || e.BreakoutPercent < 0 {
		return configErr("tactics.entry", "回调/突破百分比不合法")
	}
	if e.ExpireCandles < 0 {
		return configErr("tactics.entry.expire_candles", "挂单有效期不能为负数")
	}

	x := &t.Exit
	closeSum := 0.0
	for i, tp := range x.TakeProfits {
		if tp.PricePercent <= 0 {
			return configErr("tactics.exit.take_profits", "第 %d 个止盈目标价格百分比必须大于0", i+1)
		}
		if tp.ClosePercent <= 0 || tp.ClosePercent > 100 {
			return configErr("tactics.exit.take_profits", "第 %d 个止盈目标平仓比例必须在 0-100%% 之间", i+1)
		}
		closeSum += tp.ClosePercent
	}
	if closeSum > 100+1e-9 {
		return configErr("tactics.exit.take_profits", "止盈平仓比例之和 %.2f%% 超过 100%%", closeSum)
	}
	if x.StopLossPercent < 0 || x.StopLossPercent >= 100 {
		return configErr("tactics.exit.stop_loss_percent", "止损百分比必须在 0-100%% 之间")
	}
	if tr := x.Trailing; tr != nil {
		if tr.TriggerType == "" {
			tr.TriggerType = TriggerPercent
		}
		if tr.TriggerType != TriggerPrice && tr.TriggerType != TriggerPercent {
			return configErr("tactics.exit.trailing.trigger_type", "不支持的触发类型: %s", tr.TriggerType)
		}
		if tr.TriggerValue < 0 {
			return configErr("tactics.exit.trailing.trigger_value", "触发值不能为负数")
		}
		if tr.CallbackPercent <= 0 || tr.CallbackPercent >= 100 {
			return configErr("tactics.exit.trailing.callback_percent", "回调比例必须在 0-100%% 之间")
		}
	}
	if be := x.Breakeven; be != nil {
		if be.TriggerType == "" {
			be.TriggerType = TriggerPercent
		}
		if be.TriggerType != TriggerPrice && be.TriggerType != TriggerPercent {
			return configErr("tactics.exit.breakeven.trigger_type", "不支持的触发类型: %s", be.TriggerType)
		}
		if be.TriggerValue <= 0 && !be.AfterFirstTP {
			return configErr("tactics.exit.breakeven.trigger_value", "保本触发值必须大于0")
		}
	}
	if x.MaxHoldingCandles < 0 {
		return configErr("tactics.exit.max_holding_candles", "最大持仓K线数不能为负数")
	}
	return nil
}

func (t TacticsSet) clone() TacticsSet {
	out := t
	out.Entry.Weights = append([]float64(nil), t.Entry.Weights...)
	out.Exit.TakeProfits = append([]TakeProfitTarget(nil), t.Exit.TakeProfits...)
	if t.Exit.Trailing != nil {
		tr := *t.Exit.Trailing
		out.Exit.Trailing = &tr
	}
	if t.Exit.Breakeven != nil {
		be := *t.Exit.Breakeven
		out.Exit.Breakeven = &be
	}
	return out
}

// Fill 一次入场成交
type Fill struct {
	Price float64
	Size  float64
	Fee   float64
	Maker bool
}

// ExitEvent 一次出场（部分或全部）
type ExitEvent struct {
	Reason CloseReason
	Price  float64
	Size   float64
	Fee    float64
	Gross  float64
	Final  bool
}

// TacticsExecutor 把意图和战术配置转换为具体成交与止盈止损
type TacticsExecutor struct {
	tactics  TacticsSet
	costs    *CostModel
	leverage float64
	sizePct  float64
	minFill  float64
	margin   MarginMode
}

// NewTacticsExecutor 创建战术执行器
func NewTacticsExecutor(cfg Config, costs *CostModel) *TacticsExecutor {
	return &TacticsExecutor{
		tactics:  cfg.Tactics,
		costs:    costs,
		leverage: cfg.Leverage,
		sizePct:  cfg.PositionSizePercent,
		minFill:  cfg.MinFillPercent,
		margin:   cfg.MarginMode,
	}
}

// PlanEntry 根据入场意图生成挂单
// ref 为当前（已收盘）K线，挂单从下一根K线开始生效
func (x *TacticsExecutor) PlanEntry(symbol string, in *Intent, ref Candle, idx int, available float64) (*Position, error) {
	if available <= 0 {
		return nil, fmt.Errorf("可用资金不足: %.4f", available)
	}
	e := x.tactics.Entry
	sign := in.Direction.Sign()
	base := ref.Close
	hasPrice := len(in.Prices) > 0
	if hasPrice {
		base = in.Prices[0]
	}

	var prices []float64
	var kinds []orderKind
	switch e.Type {
	case EntryMarket:
		prices, kinds = []float64{ref.Close}, []orderKind{orderMarket}
	case EntryLimit:
		prices, kinds = []float64{base}, []orderKind{orderLimit}
	case EntryBreakout:
		trigger := base
		if !hasPrice {
			trigger = ref.Close * (1 + sign*e.BreakoutPercent/100)
		}
		prices, kinds = []float64{trigger}, []orderKind{orderStop}
	case EntryPullback:
		prices, kinds = []float64{base * (1 - sign*e.PullbackPercent/100)}, []orderKind{orderLimit}
	case EntryZone:
		lo, hi := base*(1-e.StepPercent/100), base*(1+e.StepPercent/100)
		if len(in.Prices) >= 2 {
			lo, hi = math.Min(in.Prices[0], in.Prices[1]), math.Max(in.Prices[0], in.Prices[1])
		}
		prices = zoneLevels(lo, hi, e.Levels, in.Direction)
		kinds = repeatKind(orderLimit, len(prices))
	case EntryDCA:
		for k := 0; k < e.Levels; k++ {
			prices = append(prices, base*(1-sign*float64(k)*e.StepPercent/100))
			kinds = append(kinds, orderLimit)
		}
		if !hasPrice {
			kinds[0] = orderMarket
		}
	}

	weights := normalizeWeights(e.Weights, len(prices))
	refPrice := 0.0
	for i, p := range prices {
		if !(p > 0) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("入场价格不合法: %v", p)
		}
		refPrice += p * weights[i]
	}

	sizePct := x.sizePct
	if in.SizePercent > 0 && in.SizePercent <= 100 {
		sizePct = in.SizePercent
	}
	budget := math.Min(available, available*sizePct/100)
	requested := budget * x.leverage / refPrice

	pos := &Position{
		Symbol:        symbol,
		Direction:     in.Direction,
		RequestedSize: requested,
		Leverage:      x.leverage,
		MarginMode:    x.margin,
		CreatedIndex:  idx,
		minFillPct:    x.minFill,
	}
	for i, p := range prices {
		pos.orders = append(pos.orders, &entryOrder{kind: kinds[i], price: p, size: requested * weights[i]})
	}
	if e.ExpireCandles > 0 {
		pos.expireAt = idx + e.ExpireCandles
	}

	// 止损：意图优先，其次战术百分比
	if in.StopLoss > 0 {
		pos.StopLoss = in.StopLoss
	} else {
		pos.slPercent = x.tactics.Exit.StopLossPercent
	}
	if len(in.TakeProfits) > 0 {
		pos.setTakeProfits(in.TakeProfits)
	} else if len(x.tactics.Exit.TakeProfits) > 0 {
		pos.tpFromPercent = x.tactics.Exit.TakeProfits
	}
	if tr := x.tactics.Exit.Trailing; tr != nil {
		pos.trailing = &trailingState{TrailingStop: *tr}
	}
	pos.breakeven = x.tactics.Exit.Breakeven
	return pos, nil
}

func zoneLevels(lo, hi float64, levels int, dir Direction) []float64 {
	if levels <= 1 || hi <= lo {
		return []float64{(lo + hi) / 2}
	}
	out := make([]float64, levels)
	step := (hi - lo) / float64(levels-1)
	for i := 0; i < levels; i++ {
		// 多头从区间上沿往下挂，空头从下沿往上挂，离现价近的先成交
		if dir == Long {
			out[i] = hi - step*float64(i)
		} else {
			out[i] = lo + step*float64(i)
		}
	}
	return out
}

func repeatKind(k orderKind, n int) []orderKind {
	out := make([]orderKind, n)
	for i := range out {
		out[i] = k
	}
	return out
}

// normalizeWeights 权重数量与档位一致时按权重分配，否则平均分配
func normalizeWeights(weights []float64, n int) []float64 {
	out := make([]float64, n)
	sum := 0.0
	if len(weights) == n {
		for _, w := range weights {
			sum += w
		}
	}
	for i := range out {
		if sum > 0 {
			out[i] = weights[i] / sum
		} else {
			out[i] = 1 / float64(n)
		}
	}
	return out
}

// clamp 成交价不能超出K线的 [low, high]
func clamp(price float64, c Candle) float64 {
	return math.Max(c.Low, math.Min(c.High, price))
}

// FillEntries 撮合挂单
// marketOnly=true 时只撮合开盘市价单
// available 为本次可用资金（保证金 + 手续费），不足时按比例缩减成交量
func (x *TacticsExecutor) FillEntries(p *Position, c Candle, idx int, available float64, marketOnly bool) []Fill {
	var fills []Fill
	dir := p.Direction
	for _, o := range p.orders {
		if o.filled {
			continue
		}
		if marketOnly != (o.kind == orderMarket) {
			continue
		}

		var price float64
		maker := false
		switch o.kind {
		case orderMarket:
			price = x.costs.Slip(c.Open, dir, true)
		case orderLimit:
			touched := (dir == Long && c.Low <= o.price) || (dir == Short && c.High >= o.price)
			if !touched {
				continue
			}
			price = o.price
			// 开盘已越过挂单价，按开盘价成交
			if (dir == Long && c.Open < o.price) || (dir == Short && c.Open > o.price) {
				price = c.Open
			}
			maker = true
		case orderStop:
			touched := (dir == Long && c.High >= o.price) || (dir == Short && c.Low <= o.price)
			if !touched {
				continue
			}
			price = o.price
			if (dir == Long && c.Open > o.price) || (dir == Short && c.Open < o.price) {
				price = c.Open
			}
			price = x.costs.Slip(price, dir, true)
		}
		price = clamp(price, c)

		qty := o.size
		perUnit := price/p.Leverage + price*x.costs.FeeRate(maker)
		if perUnit > 0 && qty*perUnit > available {
			qty = available / perUnit
		}
		o.filled = true
		if qty <= sizeEpsilon {
			continue
		}
		fee := x.costs.Fee(qty, price, maker)
		available -= qty * perUnit
		p.applyFill(qty, price, fee, c.OpenTime, idx)
		fills = append(fills, Fill{Price: price, Size: qty, Fee: fee, Maker: maker})
	}
	if !marketOnly && p.expireAt > 0 && idx >= p.expireAt && p.pendingOrders() > 0 {
		p.cancelOrders()
	}
	return fills
}

// EvaluateExit 按固定优先级检查出场：强平 → 止损 → 止盈 → 移动止损 → 时间
// 每根K线每个持仓最多触发一次出场
func (x *TacticsExecutor) EvaluateExit(p *Position, c Candle, idx int, liqPrice float64) *ExitEvent {
	if !p.IsLive() {
		return nil
	}
	dir := p.Direction
	adverse := func(level float64) bool {
		if dir == Long {
			return c.Low <= level
		}
		return c.High >= level
	}
	favorable := func(level float64) bool {
		if dir == Long {
			return c.High >= level
		}
		return c.Low <= level
	}
	gapped := func(level float64) bool {
		if dir == Long {
			return c.Open < level
		}
		return c.Open > level
	}

	// 策略主动平仓：下一根K线开盘成交
	if p.pendingExit {
		p.pendingExit = false
		if liqPrice <= 0 || !gapped(liqPrice) {
			price := clamp(x.costs.Slip(c.Open, dir, false), c)
			return x.close(p, p.Size, price, false, CloseManual, c)
		}
	}

	// 1. 强平
	if liqPrice > 0 && adverse(liqPrice) {
		return x.close(p, p.Size, liqPrice, false, CloseLiquidation, c)
	}

	// 2. 止损
	if p.StopLoss > 0 && adverse(p.StopLoss) {
		price := p.StopLoss
		if gapped(price) {
			price = c.Open
		}
		price = clamp(x.costs.Slip(price, dir, false), c)
		return x.close(p, p.Size, price, false, CloseSL, c)
	}

	// 3. 止盈（按距离由近到远）
	closedPct := 0.0
	for i, tp := range p.TakeProfits {
		if p.tpFilled[i] {
			closedPct += tp.ClosePercent
			continue
		}
		if !favorable(tp.Price) {
			break
		}
		p.tpFilled[i] = true
		price := tp.Price
		if (dir == Long && c.Open > price) || (dir == Short && c.Open < price) {
			price = c.Open
		}
		price = clamp(price, c)
		qty := p.FilledSize * tp.ClosePercent / 100
		if closedPct+tp.ClosePercent >= 100-1e-9 {
			qty = p.Size
		}
		ev := x.close(p, qty, price, true, CloseTP, c)
		if p.breakeven != nil && p.breakeven.AfterFirstTP {
			x.moveToBreakeven(p)
		}
		return ev
	}

	// 4. 移动止损：先用之前K线确定的止损位检查
	if tr := p.trailing; tr != nil && tr.active && tr.level > 0 && adverse(tr.level) {
		price := tr.level
		if gapped(price) {
			price = c.Open
		}
		price = clamp(x.costs.Slip(price, dir, false), c)
		return x.close(p, p.Size, price, false, CloseSL, c)
	}

	// 5. 时间出场
	if n := x.tactics.Exit.MaxHoldingCandles; n > 0 && idx-p.OpenIndex >= n {
		price := clamp(x.costs.Slip(c.Close, dir, false), c)
		return x.close(p, p.Size, price, false, CloseTime, c)
	}
	return nil
}

// CloseAt 以指定价格全部平仓（回测结束强制平仓）
func (x *TacticsExecutor) CloseAt(p *Position, c Candle, reason CloseReason) *ExitEvent {
	if !p.IsLive() {
		return nil
	}
	price := clamp(x.costs.Slip(c.Close, p.Direction, false), c)
	return x.close(p, p.Size, price, false, reason, c)
}

func (x *TacticsExecutor) close(p *Position, qty, price float64, maker bool, reason CloseReason, c Candle) *ExitEvent {
	if qty > p.Size {
		qty = p.Size
	}
	fee := x.costs.Fee(qty, price, maker)
	gross := p.applyClose(qty, price, fee, reason, c.CloseTime)
	return &ExitEvent{
		Reason: reason,
		Price:  price,
		Size:   qty,
		Fee:    fee,
		Gross:  gross,
		Final:  p.State.Terminal(),
	}
}

// UpdateLevels 用当前K线的极值更新移动止损与保本止损，只向锁定利润的方向移动
func (x *TacticsExecutor) UpdateLevels(p *Position, c Candle) {
	if !p.IsLive() {
		return
	}
	p.trackExcursion(c)
	dir := p.Direction
	sign := dir.Sign()
	best := c.High
	if dir == Short {
		best = c.Low
	}
	reached := func(tt TriggerType, v float64) bool {
		target := v
		if tt == TriggerPercent {
			target = p.AvgEntryPrice * (1 + sign*v/100)
		}
		if dir == Long {
			return best >= target
		}
		return best <= target
	}

	if tr := p.trailing; tr != nil {
		if !tr.active && reached(tr.TriggerType, tr.TriggerValue) {
			tr.active = true
			tr.extreme = best
		}
		if tr.active {
			if dir == Long {
				tr.extreme = math.Max(tr.extreme, best)
			} else {
				tr.extreme = math.Min(tr.extreme, best)
			}
			level := tr.extreme * (1 - sign*tr.CallbackPercent/100)
			if tr.level == 0 || (dir == Long && level > tr.level) || (dir == Short && level < tr.level) {
				tr.level = level
			}
		}
	}

	if be := p.breakeven; be != nil && !p.breakevenDone && be.TriggerValue > 0 && reached(be.TriggerType, be.TriggerValue) {
		x.moveToBreakeven(p)
	}
}

// moveToBreakeven 止损移动到均价（只收紧不放宽）
func (x *TacticsExecutor) moveToBreakeven(p *Position) {
	if p.breakevenDone {
		return
	}
	p.breakevenDone = true
	entry := p.AvgEntryPrice
	if p.StopLoss == 0 || (p.Direction == Long && p.StopLoss < entry) || (p.Direction == Short && p.StopLoss > entry) {
		p.StopLoss = entry
	}
}
