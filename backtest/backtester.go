package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"quantsim/event"
	"quantsim/logger"
)

// Option 回测器可选项
type Option func(*Backtester)

// WithRunID 指定回测ID
func WithRunID(id string) Option {
	return func(bt *Backtester) { bt.runID = id }
}

// WithEventBus 发布回测事件（进度、开平仓）
func WithEventBus(bus *event.EventBus) Option {
	return func(bt *Backtester) { bt.bus = bus }
}

// WithProgress 进度回调 channel，发送不阻塞，消费不及时会丢弃
func WithProgress(ch chan<- Progress) Option {
	return func(bt *Backtester) { bt.progress = ch }
}

// Backtester 回测编排器
// 单次回测在调用 Run 的 goroutine 中顺序执行，相同输入得到完全相同的结果
type Backtester struct {
	cfg      Config
	candles  []Candle
	strategy Strategy
	runID    string
	bus      *event.EventBus
	progress chan<- Progress

	mu      sync.RWMutex
	status  RunStatus
	percent float64

	// 以下字段只在 Run 内部使用
	feed         *CandleFeed
	costs        *CostModel
	tactics      *TacticsExecutor
	ledger       *PositionLedger
	equity       *EquityTracker
	state        *IndicatorState
	minRequired  int
	signalErrors int
}

// NewBacktester 创建回测器
// candles 只读共享，不会被复制或修改
func NewBacktester(cfg Config, candles []Candle, strategy Strategy, opts ...Option) *Backtester {
	bt := &Backtester{
		cfg:      cfg,
		candles:  candles,
		strategy: strategy,
		status:   StatusPending,
	}
	for _, opt := range opts {
		opt(bt)
	}
	if bt.runID == "" {
		bt.runID = fmt.Sprintf("%s-%d", cfg.Symbol, time.Now().UnixNano())
	}
	return bt
}

// RunID 回测ID
func (bt *Backtester) RunID() string {
	return bt.runID
}

// Status 当前状态（可在其他 goroutine 中调用）
func (bt *Backtester) Status() RunStatus {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.status
}

// Percent 当前进度 0-100
func (bt *Backtester) Percent() float64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.percent
}

// setStatus 终止状态不可再改变
func (bt *Backtester) setStatus(s RunStatus) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.status.Terminal() {
		return false
	}
	bt.status = s
	return true
}

func (bt *Backtester) setPercent(p float64) {
	bt.mu.Lock()
	bt.percent = p
	bt.mu.Unlock()
}

// Run 运行回测
// 配置错误返回 *ConfigurationError（状态 FAILED），取消返回 ErrCancelled（状态 CANCELLED）
func (bt *Backtester) Run(ctx context.Context) (result *BacktestResult, err error) {
	if bt.Status() != StatusPending {
		return nil, fmt.Errorf("回测 %s 已运行过，状态: %s", bt.runID, bt.Status())
	}

	result = &BacktestResult{
		ID:             bt.runID,
		Status:         StatusPending,
		Symbol:         bt.cfg.Symbol,
		Timeframe:      bt.cfg.Timeframe,
		Strategy:       bt.cfg.Strategy,
		InitialBalance: bt.cfg.InitialBalance,
		Trades:         []Trade{},
		Equity:         []EquityPoint{},
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("回测异常: %v", r)
			bt.fail(result, err)
		}
	}()

	if err := bt.prepare(result); err != nil {
		bt.fail(result, err)
		return result, err
	}

	bt.setStatus(StatusRunning)
	result.Status = StatusRunning
	logger.Info("🚀 开始回测 [%s]: %s %s, 策略 %s, K线 %d 根, 初始资金 %.2f %s",
		bt.runID, bt.cfg.Symbol, bt.cfg.Timeframe, bt.strategy.Name(), bt.feed.Len(), bt.cfg.InitialBalance, bt.cfg.Currency)
	bt.publish(event.EventTypeRunStarted, map[string]interface{}{
		"symbol":   bt.cfg.Symbol,
		"strategy": bt.strategy.Name(),
		"total":    bt.feed.Len(),
	})

	total := bt.feed.Len()
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			bt.cancel(result, i)
			return result, ErrCancelled
		}
		if err := bt.safeStep(i); err != nil {
			bt.fail(result, err)
			return result, err
		}
		if (i+1)%bt.cfg.ProgressEvery == 0 || i == total-1 {
			bt.reportProgress(i+1, total)
		}
	}

	bt.complete(result)
	return result, nil
}

// prepare 验证配置并初始化单次回测的全部状态
func (bt *Backtester) prepare(result *BacktestResult) error {
	if bt.strategy == nil {
		return configErr("strategy", "策略不能为空")
	}
	if err := bt.cfg.Validate(); err != nil {
		return err
	}
	if bt.cfg.Strategy == "" {
		bt.cfg.Strategy = bt.strategy.Name()
	}
	result.Symbol = bt.cfg.Symbol
	result.Timeframe = bt.cfg.Timeframe
	result.Strategy = bt.cfg.Strategy
	result.Config = bt.cfg

	bt.minRequired = bt.strategy.MinCandlesRequired()
	if bt.minRequired < 1 {
		bt.minRequired = 1
	}
	feed, err := NewCandleFeed(bt.candles, bt.minRequired)
	if err != nil {
		return err
	}

	bt.feed = feed
	bt.costs = NewCostModel(bt.cfg)
	bt.tactics = NewTacticsExecutor(bt.cfg, bt.costs)
	bt.ledger = NewPositionLedger(bt.cfg.MaxOpenPositions)
	bt.equity = NewEquityTracker(bt.cfg.InitialBalance, feed.Len())
	bt.state = NewIndicatorState()

	result.StartTime = time.UnixMilli(feed.At(0).OpenTime)
	result.EndTime = time.UnixMilli(feed.At(feed.Len() - 1).CloseTime)
	return nil
}

// safeStep 单根K线处理，panic 转换为错误
func (bt *Backtester) safeStep(i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("第 %d 根K线处理异常: %v", i, r)
		}
	}()
	bt.step(i)
	return nil
}

// step 处理第 i 根K线
// 顺序: 开盘市价单 → 出场检查 → 挂单撮合 → 更新移动止损/保本 → 结算 → 资金费 → 记录权益 → 查询策略
// 策略在第 i 根K线产生的意图从第 i+1 根开始执行
func (bt *Backtester) step(i int) {
	c := bt.feed.At(i)
	symbol := bt.cfg.Symbol
	last := i == bt.feed.Len()-1

	if p := bt.ledger.Get(symbol); p != nil {
		bt.equity.Mark(symbol, c.Open)
		bt.fill(p, c, i, true)

		if ev := bt.tactics.EvaluateExit(p, c, i, bt.liquidationPrice(p)); ev != nil {
			bt.applyExit(p, ev, i)
		}
		if !p.State.Terminal() {
			bt.fill(p, c, i, false)
		}
		bt.tactics.UpdateLevels(p, c)
	}
	bt.equity.Mark(symbol, c.Close)
	bt.settle(symbol)

	if p := bt.ledger.Get(symbol); p != nil && bt.costs.FundingEnabled() {
		if f := bt.costs.SettleFunding(p, c); f != 0 {
			logger.Debug("💱 [%s] 资金费结算 %.6f", bt.runID, f)
		}
	}

	if last {
		bt.forceClose(c, i)
	}
	bt.equity.Record(c.CloseTime, bt.ledger.Positions())

	if last || i+1 < bt.minRequired {
		return
	}
	bt.querySignals(i, c)
}

// liquidationPrice 现货不强平；全仓使用账户余额作为可承受亏损
func (bt *Backtester) liquidationPrice(p *Position) float64 {
	if bt.cfg.MarketType == MarketSpot {
		return 0
	}
	collateral := 0.0
	if p.MarginMode == MarginCross {
		// UsedMargin 已包含本仓位的开仓费
		collateral = bt.equity.Balance() - (bt.ledger.UsedMargin() - p.Margin()) + p.Funding
	}
	return p.LiquidationPrice(collateral)
}

// available 可用于新开仓/加仓的资金
func (bt *Backtester) available() float64 {
	return math.Max(0, bt.equity.Balance()-bt.ledger.UsedMargin())
}

func (bt *Backtester) fill(p *Position, c Candle, i int, marketOnly bool) {
	wasOpen := p.State == StateOpen
	for _, f := range bt.tactics.FillEntries(p, c, i, bt.available(), marketOnly) {
		logger.Debug("📥 [%s] %s %s 成交 %.8f @ %.4f (maker=%v)", bt.runID, p.Symbol, p.Direction, f.Size, f.Price, f.Maker)
		bt.publish(event.EventTypeOrderFilled, map[string]interface{}{
			"symbol":    p.Symbol,
			"direction": string(p.Direction),
			"price":     f.Price,
			"size":      f.Size,
			"fee":       f.Fee,
			"maker":     f.Maker,
			"index":     i,
		})
	}
	if !wasOpen && p.State == StateOpen {
		bt.publish(event.EventTypePositionOpened, map[string]interface{}{
			"symbol":    p.Symbol,
			"direction": string(p.Direction),
			"price":     p.AvgEntryPrice,
			"size":      p.Size,
			"index":     i,
		})
	}
}

// applyExit 结算一次出场：毛利和平仓手续费立即结算，完全平仓时结算开仓费与资金费
func (bt *Backtester) applyExit(p *Position, ev *ExitEvent, i int) {
	bt.equity.Settle(ev.Gross - ev.Fee)
	if ev.Final {
		bt.equity.Settle(p.Funding - p.OpenFee)
	}

	if ev.Reason == CloseLiquidation {
		logger.Warn("💥 [%s] %s %s 强平 @ %.4f, 数量 %.8f", bt.runID, p.Symbol, p.Direction, ev.Price, ev.Size)
	} else {
		logger.Debug("📤 [%s] %s %s %s @ %.4f, 数量 %.8f, 毛利 %.4f", bt.runID, p.Symbol, p.Direction, ev.Reason, ev.Price, ev.Size, ev.Gross)
	}

	eventType := event.EventTypePositionClosed
	switch ev.Reason {
	case CloseLiquidation:
		eventType = event.EventTypeLiquidation
	case CloseSL:
		eventType = event.EventTypeStopLoss
	case CloseTP:
		eventType = event.EventTypeTakeProfit
	}
	bt.publish(eventType, map[string]interface{}{
		"symbol":    p.Symbol,
		"direction": string(p.Direction),
		"reason":    string(ev.Reason),
		"price":     ev.Price,
		"size":      ev.Size,
		"pnl":       ev.Gross - ev.Fee,
		"final":     ev.Final,
		"index":     i,
	})
}

// settle 把已终止的持仓转换为交易记录
func (bt *Backtester) settle(symbol string) {
	trade, ok := bt.ledger.Settle(symbol)
	if !ok {
		return
	}
	logger.Debug("🧾 [%s] 交易 #%d %s %s 盈亏 %.4f (%s)", bt.runID, trade.ID, trade.Symbol, trade.Direction, trade.RealizedPnL, trade.ExitReason)
}

// forceClose 数据结束时按收盘价强制平仓
func (bt *Backtester) forceClose(c Candle, i int) {
	for _, p := range bt.ledger.Positions() {
		if ev := bt.tactics.CloseAt(p, c, CloseManual); ev != nil {
			logger.Info("⚠️ [%s] 回测结束，强制平仓 %s @ %.4f", bt.runID, p.Symbol, ev.Price)
			bt.applyExit(p, ev, i)
		} else {
			p.cancelOrders()
		}
		bt.settle(p.Symbol)
	}
}

// querySignals 用截至第 i 根的K线查询策略
func (bt *Backtester) querySignals(i int, c Candle) {
	symbol := bt.cfg.Symbol
	visible := bt.feed.VisibleUpTo(i)
	p := bt.ledger.Get(symbol)

	switch {
	case p == nil:
		in := bt.callStrategy(i, func() (*Intent, error) {
			return bt.strategy.EntrySignal(visible, bt.state)
		})
		if in != nil {
			bt.handleEntry(in, c, i)
		}
	case p.IsLive():
		view := p.View(bt.equity.LastMark(symbol))
		in := bt.callStrategy(i, func() (*Intent, error) {
			return bt.strategy.ExitSignal(visible, bt.state, view)
		})
		if in != nil {
			bt.handleExit(p, in, i)
		}
	}
}

// callStrategy 策略错误或 panic 记为 SignalError，按无信号处理
func (bt *Backtester) callStrategy(i int, fn func() (*Intent, error)) (in *Intent) {
	defer func() {
		if r := recover(); r != nil {
			bt.signalError(i, fmt.Errorf("panic: %v", r))
			in = nil
		}
	}()
	intent, err := fn()
	if err != nil {
		bt.signalError(i, err)
		return nil
	}
	return intent
}

func (bt *Backtester) signalError(i int, err error) {
	bt.signalErrors++
	serr := &SignalError{Strategy: bt.strategy.Name(), Index: i, Err: err}
	logger.Warn("⚠️ [%s] %v", bt.runID, serr)
	bt.publish(event.EventTypeSignalError, map[string]interface{}{
		"symbol": bt.cfg.Symbol,
		"index":  i,
		"error":  serr.Error(),
	})
}

func (bt *Backtester) handleEntry(in *Intent, c Candle, i int) {
	if in.Type != IntentEntry {
		if in.Type != IntentExit {
			bt.signalError(i, fmt.Errorf("未知的意图类型: %q", in.Type))
		}
		return
	}
	if err := validateIntent(in, c); err != nil {
		bt.signalError(i, err)
		return
	}
	if in.Direction == Short && !bt.cfg.AllowShort {
		logger.Debug("⏭️ [%s] 不允许做空，忽略信号: %s", bt.runID, in.Reason)
		return
	}
	if !bt.ledger.CanOpen(bt.cfg.Symbol) {
		return
	}
	available := bt.available()
	if available <= 0 {
		logger.Debug("⏭️ [%s] 可用资金不足，忽略信号: %s", bt.runID, in.Reason)
		return
	}
	p, err := bt.tactics.PlanEntry(bt.cfg.Symbol, in, c, i, available)
	if err != nil {
		bt.signalError(i, err)
		return
	}
	if err := bt.ledger.Open(p); err != nil {
		logger.Debug("⏭️ [%s] %v", bt.runID, err)
		return
	}
	logger.Debug("📝 [%s] %s %s 入场计划 (%s): %s", bt.runID, p.Symbol, p.Direction, bt.cfg.Tactics.Entry.Type, in.Reason)
}

func (bt *Backtester) handleExit(p *Position, in *Intent, i int) {
	if in.Type != IntentExit {
		// 持仓期间的入场信号忽略（每个交易对只有一个持仓）
		if in.Type != IntentEntry {
			bt.signalError(i, fmt.Errorf("未知的意图类型: %q", in.Type))
		}
		return
	}
	if in.Direction != "" && in.Direction != p.Direction {
		bt.signalError(i, fmt.Errorf("平仓方向 %s 与持仓方向 %s 不一致", in.Direction, p.Direction))
		return
	}
	p.pendingExit = true
	logger.Debug("📝 [%s] %s 策略平仓信号: %s", bt.runID, p.Symbol, in.Reason)
}

// validateIntent 校验策略返回的意图
func validateIntent(in *Intent, c Candle) error {
	if !in.Direction.Valid() {
		return fmt.Errorf("非法方向: %q", in.Direction)
	}
	for _, p := range in.Prices {
		if !(p > 0) || math.IsInf(p, 0) {
			return fmt.Errorf("非法入场价格: %v", p)
		}
	}
	if math.IsNaN(in.StopLoss) || math.IsInf(in.StopLoss, 0) || in.StopLoss < 0 {
		return fmt.Errorf("非法止损价格: %v", in.StopLoss)
	}
	ref := c.Close
	if len(in.Prices) > 0 {
		ref = in.Prices[0]
	}
	if in.StopLoss > 0 && ((in.Direction == Long && in.StopLoss >= ref) || (in.Direction == Short && in.StopLoss <= ref)) {
		return fmt.Errorf("止损价格 %.4f 位于入场价 %.4f 错误一侧", in.StopLoss, ref)
	}
	sum := 0.0
	for _, tp := range in.TakeProfits {
		if !(tp.Price > 0) || math.IsInf(tp.Price, 0) {
			return fmt.Errorf("非法止盈价格: %v", tp.Price)
		}
		if !(tp.ClosePercent > 0) || tp.ClosePercent > 100 {
			return fmt.Errorf("非法止盈平仓比例: %v", tp.ClosePercent)
		}
		sum += tp.ClosePercent
	}
	if sum > 100+1e-9 {
		return fmt.Errorf("止盈平仓比例之和 %.2f%% 超过 100%%", sum)
	}
	if math.IsNaN(in.SizePercent) || in.SizePercent < 0 || in.SizePercent > 100 {
		return fmt.Errorf("非法仓位比例: %v", in.SizePercent)
	}
	return nil
}

// reportProgress 更新进度并非阻塞地通知外部
func (bt *Backtester) reportProgress(done, total int) {
	percent := float64(done) / float64(total) * 100
	bt.setPercent(percent)

	equity, _ := bt.equity.Snapshot(bt.ledger.Positions())
	pr := Progress{
		RunID:   bt.runID,
		Index:   done,
		Total:   total,
		Percent: percent,
		Equity:  equity,
		Status:  bt.Status(),
	}
	if bt.progress != nil {
		select {
		case bt.progress <- pr:
		default:
		}
	}
	bt.publish(event.EventTypeRunProgress, map[string]interface{}{
		"symbol":  bt.cfg.Symbol,
		"index":   done,
		"total":   total,
		"percent": percent,
		"equity":  equity,
	})
	logger.Debug("⏳ [%s] 回测进度 %.1f%% (%d/%d), 权益 %.2f", bt.runID, percent, done, total, equity)
}

func (bt *Backtester) complete(result *BacktestResult) {
	trades := bt.ledger.Trades()
	points := bt.equity.Points()

	result.Trades = trades
	result.Equity = points
	result.FinalBalance = bt.equity.Balance()
	result.SignalErrors = bt.signalErrors
	result.Metrics = CalculateMetrics(points, trades, bt.cfg.InitialBalance)
	result.RiskMetrics = CalculateRiskMetrics(points)
	result.Progress = 100
	result.Status = StatusCompleted
	bt.setPercent(100)
	bt.setStatus(StatusCompleted)

	logger.Info("✅ 回测完成 [%s]: 最终余额 %.2f, 总收益 %.2f%%, 交易 %d 笔, 胜率 %.1f%%, 最大回撤 %.2f%%",
		bt.runID, result.FinalBalance, result.Metrics.TotalReturn, len(trades), result.Metrics.WinRate, result.Metrics.MaxDrawdown)
	bt.publish(event.EventTypeRunCompleted, map[string]interface{}{
		"symbol":       bt.cfg.Symbol,
		"trades":       len(trades),
		"total_return": result.Metrics.TotalReturn,
		"final":        result.FinalBalance,
	})
}

// partial 失败或取消时保留已产生的交易和权益曲线，不计算指标
func (bt *Backtester) partial(result *BacktestResult) {
	if bt.ledger != nil {
		result.Trades = bt.ledger.Trades()
	}
	if bt.equity != nil {
		result.Equity = bt.equity.Points()
		result.FinalBalance = bt.equity.Balance()
	}
	result.SignalErrors = bt.signalErrors
	result.Progress = bt.Percent()
}

func (bt *Backtester) fail(result *BacktestResult, err error) {
	if !bt.setStatus(StatusFailed) {
		return
	}
	bt.partial(result)
	result.Status = StatusFailed
	result.Error = err.Error()

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		logger.Error("❌ 回测配置错误 [%s]: %v", bt.runID, err)
	} else {
		logger.Error("❌ 回测失败 [%s]: %v", bt.runID, err)
	}
	bt.publish(event.EventTypeRunFailed, map[string]interface{}{
		"symbol": bt.cfg.Symbol,
		"error":  err.Error(),
	})
}

func (bt *Backtester) cancel(result *BacktestResult, i int) {
	if !bt.setStatus(StatusCancelled) {
		return
	}
	bt.partial(result)
	result.Status = StatusCancelled
	result.Error = ErrCancelled.Error()

	logger.Warn("🛑 回测已取消 [%s]: 处理到第 %d 根K线", bt.runID, i)
	bt.publish(event.EventTypeRunCancelled, map[string]interface{}{
		"symbol": bt.cfg.Symbol,
		"index":  i,
	})
}

func (bt *Backtester) publish(t event.EventType, data map[string]interface{}) {
	if bt.bus == nil {
		return
	}
	bt.bus.Publish(&event.Event{Type: t, RunID: bt.runID, Data: data})
}
