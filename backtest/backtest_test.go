package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantsim/event"
)

const hourMs = int64(3600 * 1000)

// baseTime 2024-01-01 00:00:00 UTC，按 8 小时对齐
const baseTime = int64(1704067200000)

// generateMockCandles 生成随机游走K线（固定种子，结果可复现）
func generateMockCandles(count int, basePrice, volatility float64, seed int64) []Candle {
	rng := rand.New(rand.NewSource(seed))
	candles := make([]Candle, count)
	price := basePrice
	for i := 0; i < count; i++ {
		open := price
		closePrice := open * (1 + (rng.Float64()*2-1)*volatility)
		if closePrice < basePrice*0.3 {
			closePrice = basePrice * 0.3
		}
		high := math.Max(open, closePrice) * (1 + rng.Float64()*volatility/2)
		low := math.Min(open, closePrice) * (1 - rng.Float64()*volatility/2)
		candles[i] = Candle{
			OpenTime:  baseTime + int64(i)*hourMs,
			CloseTime: baseTime + int64(i+1)*hourMs - 1,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    1000 + float64(i%100)*10,
		}
		price = closePrice
	}
	return candles
}

// generateTrendingCandles 生成单边趋势K线
func generateTrendingCandles(count int, basePrice, trendRate float64) []Candle {
	candles := make([]Candle, count)
	price := basePrice
	for i := 0; i < count; i++ {
		open := price
		closePrice := price * (1 + trendRate)
		candles[i] = Candle{
			OpenTime:  baseTime + int64(i)*hourMs,
			CloseTime: baseTime + int64(i+1)*hourMs - 1,
			Open:      open,
			High:      math.Max(open, closePrice) * 1.002,
			Low:       math.Min(open, closePrice) * 0.998,
			Close:     closePrice,
			Volume:    1000,
		}
		price = closePrice
	}
	return candles
}

// flatCandles 价格不变的K线，测试中按需修改个别K线
func flatCandles(count int, price float64) []Candle {
	candles := make([]Candle, count)
	for i := range candles {
		candles[i] = Candle{
			OpenTime:  baseTime + int64(i)*hourMs,
			CloseTime: baseTime + int64(i+1)*hourMs - 1,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    100,
		}
	}
	return candles
}

// scriptedStrategy 按K线序号返回预设信号
type scriptedStrategy struct {
	minCandles int
	entries    map[int]*Intent
	exits      map[int]*Intent
	errs       map[int]error
	panics     map[int]bool
	calls      []int
	leaked     bool
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) MinCandlesRequired() int {
	if s.minCandles == 0 {
		return 1
	}
	return s.minCandles
}

func (s *scriptedStrategy) observe(candles []Candle) int {
	i := len(candles) - 1
	if cap(candles) != len(candles) {
		s.leaked = true
	}
	s.calls = append(s.calls, i)
	if s.panics[i] {
		panic(fmt.Sprintf("策略在第 %d 根K线崩溃", i))
	}
	return i
}

func (s *scriptedStrategy) EntrySignal(candles []Candle, state *IndicatorState) (*Intent, error) {
	i := s.observe(candles)
	if err := s.errs[i]; err != nil {
		return nil, err
	}
	return s.entries[i], nil
}

func (s *scriptedStrategy) ExitSignal(candles []Candle, state *IndicatorState, pos PositionView) (*Intent, error) {
	i := s.observe(candles)
	if err := s.errs[i]; err != nil {
		return nil, err
	}
	return s.exits[i], nil
}

func futuresConfig(leverage float64) Config {
	return Config{
		Symbol:         "BTCUSDT",
		Timeframe:      "1h",
		InitialBalance: 10000,
		Leverage:       leverage,
		AllowShort:     true,
	}
}

func runBacktest(t *testing.T, cfg Config, candles []Candle, s Strategy, opts ...Option) *BacktestResult {
	t.Helper()
	result, err := NewBacktester(cfg, candles, s, opts...).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	return result
}

func sumPnL(trades []Trade) float64 {
	total := 0.0
	for _, t := range trades {
		total += t.RealizedPnL
	}
	return total
}

func TestLiquidationScenario(t *testing.T) {
	candles := flatCandles(100, 50000)
	candles[50].Low = 44000
	candles[50].Close = 44500
	for i := 51; i < 100; i++ {
		candles[i] = Candle{OpenTime: candles[i].OpenTime, CloseTime: candles[i].CloseTime,
			Open: 44500, High: 44500, Low: 44500, Close: 44500}
	}

	s := &scriptedStrategy{entries: map[int]*Intent{10: {Type: IntentEntry, Direction: Long}}}
	result := runBacktest(t, futuresConfig(10), candles, s)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, CloseLiquidation, trade.ExitReason)
	assert.InDelta(t, 50000, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 45000, trade.ExitPrice, 1e-6)
	assert.InDelta(t, 0.2, trade.Size, 1e-12)
	assert.Equal(t, candles[11].OpenTime, trade.EntryTime)

	// 毛亏 1000 + 开仓费 4 + 平仓费 3.6
	assert.InDelta(t, -1007.6, trade.RealizedPnL, 1e-6)
	assert.InDelta(t, 8992.4, result.FinalBalance, 1e-6)
	assert.Equal(t, 1, result.Metrics.Liquidations)
	assert.InDelta(t, result.FinalBalance, result.Equity[len(result.Equity)-1].Equity, 1e-9)
}

func TestTakeProfitScenario(t *testing.T) {
	candles := flatCandles(100, 50000)
	candles[30].High = 51500
	candles[30].Close = 50800

	s := &scriptedStrategy{entries: map[int]*Intent{10: {
		Type:        IntentEntry,
		Direction:   Long,
		TakeProfits: []TakeProfitTarget{{Price: 51000, ClosePercent: 100}},
	}}}
	result := runBacktest(t, futuresConfig(10), candles, s)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.Equal(t, CloseTP, trade.ExitReason)
	assert.InDelta(t, 51000, trade.ExitPrice, 1e-9)
	// 毛利 200 − 开仓费 4（taker）− 平仓费 2.04（maker）
	assert.InDelta(t, 193.96, trade.RealizedPnL, 1e-6)
	assert.InDelta(t, 10193.96, result.FinalBalance, 1e-6)
	assert.Equal(t, 1, result.Metrics.WinningTrades)
}

func TestManualExitAtNextOpen(t *testing.T) {
	candles := flatCandles(60, 100)
	candles[21].Open = 110
	candles[21].High = 112
	candles[21].Low = 108
	candles[21].Close = 111

	s := &scriptedStrategy{
		entries: map[int]*Intent{5: {Type: IntentEntry, Direction: Long}},
		exits:   map[int]*Intent{20: {Type: IntentExit, Direction: Long, Reason: "测试平仓"}},
	}
	cfg := futuresConfig(1)
	cfg.UseCustomFees = true
	result := runBacktest(t, cfg, candles, s)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, CloseManual, result.Trades[0].ExitReason)
	assert.InDelta(t, 110, result.Trades[0].ExitPrice, 1e-9)
	assert.Equal(t, candles[21].CloseTime, result.Trades[0].ExitTime)
}

func TestForceCloseAtEndOfData(t *testing.T) {
	candles := generateTrendingCandles(80, 100, 0.001)
	s := &scriptedStrategy{entries: map[int]*Intent{3: {Type: IntentEntry, Direction: Long}}}
	result := runBacktest(t, futuresConfig(2), candles, s)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, CloseManual, result.Trades[0].ExitReason)
	assert.Equal(t, candles[79].CloseTime, result.Trades[0].ExitTime)
	assert.Greater(t, result.Trades[0].RealizedPnL, 0.0)
	assert.Len(t, result.Equity, 80)
}

func TestCausality(t *testing.T) {
	const cut = 150
	original := generateMockCandles(300, 30000, 0.02, 7)
	altered := append([]Candle(nil), original...)
	for i := cut + 1; i < len(altered); i++ {
		c := &altered[i]
		c.Open *= 1.5
		c.High *= 1.7
		c.Low *= 1.3
		c.Close *= 1.6
	}

	cfg := futuresConfig(3)
	cfg.Strategy = "ema_cross"
	run := func(candles []Candle) *BacktestResult {
		s, err := NewStrategy("ema_cross", map[string]float64{"fast": 5, "slow": 13})
		require.NoError(t, err)
		return runBacktest(t, cfg, candles, s)
	}
	a, b := run(original), run(altered)

	// 截断点之前（含）的权益曲线必须完全一致
	require.GreaterOrEqual(t, len(a.Equity), cut+1)
	assert.Equal(t, a.Equity[:cut+1], b.Equity[:cut+1])

	cutoff := original[cut].CloseTime
	var closedA, closedB []Trade
	for _, tr := range a.Trades {
		if tr.ExitTime <= cutoff {
			closedA = append(closedA, tr)
		}
	}
	for _, tr := range b.Trades {
		if tr.ExitTime <= cutoff {
			closedB = append(closedB, tr)
		}
	}
	assert.Equal(t, closedA, closedB)
}

func TestStrategySeesOnlyPast(t *testing.T) {
	candles := flatCandles(40, 100)
	s := &scriptedStrategy{minCandles: 10}
	runBacktest(t, futuresConfig(1), candles, s)

	assert.False(t, s.leaked, "策略拿到的切片容量超过可见范围")
	require.NotEmpty(t, s.calls)
	assert.Equal(t, 9, s.calls[0], "预热期内不应调用策略")
	for k, i := range s.calls {
		assert.Equal(t, 9+k, i)
	}
	// 最后一根K线的信号无法执行，不再查询
	assert.Equal(t, 38, s.calls[len(s.calls)-1])
}

func TestConservation(t *testing.T) {
	candles := generateMockCandles(800, 30000, 0.015, 11)
	for _, name := range StrategyNames() {
		t.Run(name, func(t *testing.T) {
			cfg := futuresConfig(5)
			cfg.Strategy = name
			cfg.SlippagePercent = 0.05
			cfg.FundingRatePercent = 0.01
			cfg.Tactics.Exit.StopLossPercent = 3
			cfg.Tactics.Exit.TakeProfits = []TakeProfitTarget{
				{PricePercent: 2, ClosePercent: 50},
				{PricePercent: 4, ClosePercent: 50},
			}

			s, err := NewStrategy(name, nil)
			require.NoError(t, err)
			result := runBacktest(t, cfg, candles, s)

			assert.InDelta(t, cfg.InitialBalance+sumPnL(result.Trades), result.FinalBalance, 1e-6)
			last := result.Equity[len(result.Equity)-1]
			assert.InDelta(t, result.FinalBalance, last.Equity, 1e-6)
			assert.Zero(t, last.UnrealizedPnL)
			for _, tr := range result.Trades {
				assert.GreaterOrEqual(t, tr.ExitTime, tr.EntryTime)
				assert.Greater(t, tr.Fees, 0.0)
				// 单笔: (exit − entry) × size × sign − fees + funding
				want := (tr.ExitPrice-tr.EntryPrice)*tr.Size*tr.Direction.Sign() - tr.Fees + tr.Funding
				assert.InDelta(t, want, tr.RealizedPnL, 1e-6, "交易 #%d (%s)", tr.ID, tr.ExitReason)
			}
		})
	}
}

func TestDeterministicReplay(t *testing.T) {
	candles := generateMockCandles(500, 2000, 0.02, 3)
	cfg := futuresConfig(3)
	run := func() *BacktestResult {
		s, err := NewStrategy("rsi_reversal", nil)
		require.NoError(t, err)
		return runBacktest(t, cfg, candles, s, WithRunID("fixed"))
	}
	a, b := run(), run()
	assert.Equal(t, a.Trades, b.Trades)
	assert.Equal(t, a.Equity, b.Equity)
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bt := NewBacktester(futuresConfig(1), flatCandles(50, 100), &scriptedStrategy{})
	result, err := bt.Run(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, StatusCancelled, bt.Status())
}

func TestConfigurationErrorFailsRun(t *testing.T) {
	cfg := futuresConfig(1)
	cfg.InitialBalance = 0
	bt := NewBacktester(cfg, flatCandles(50, 100), &scriptedStrategy{})
	result, err := bt.Run(context.Background())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "initial_balance", cfgErr.Field)
	assert.Equal(t, StatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)

	// 终止状态不可再运行
	_, err = bt.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, bt.Status())
}

func TestInsufficientCandles(t *testing.T) {
	bt := NewBacktester(futuresConfig(1), flatCandles(20, 100), &scriptedStrategy{minCandles: 50})
	result, err := bt.Run(context.Background())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "candles", cfgErr.Field)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Empty(t, result.Equity)
}

func TestNonFiniteCandleFailsRun(t *testing.T) {
	candles := flatCandles(20, 100)
	candles[8].Close = math.NaN()

	cfg := futuresConfig(1)
	cfg.Tactics.Exit.MaxHoldingCandles = 3
	s := &scriptedStrategy{entries: map[int]*Intent{4: {Type: IntentEntry, Direction: Long}}}
	result, err := NewBacktester(cfg, candles, s).Run(context.Background())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "candles", cfgErr.Field)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Empty(t, result.Trades)
	assert.Equal(t, cfg.InitialBalance, result.InitialBalance)

	_, err = json.Marshal(result)
	assert.NoError(t, err, "失败结果也必须可以序列化")
}

func TestCrossMarginLiquidationBound(t *testing.T) {
	// 保证金 5000，名义价值 50000 (500 @ 100)，开仓费 50
	// 全仓可承受亏损 = 余额 10000 − 开仓费 50 = 9950，强平价 100 − 9950/500 = 80.1
	candles := flatCandles(80, 100)
	candles[40].Low = 80.15
	candles[60].Low = 80

	cfg := futuresConfig(10)
	cfg.MarginMode = MarginCross
	cfg.PositionSizePercent = 50
	cfg.UseCustomFees = true
	cfg.MakerFeePercent = 0.02
	cfg.TakerFeePercent = 0.1

	s := &scriptedStrategy{entries: map[int]*Intent{10: {Type: IntentEntry, Direction: Long}}}
	result := runBacktest(t, cfg, candles, s)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.InDelta(t, 500, trade.Size, 1e-9)
	assert.Equal(t, CloseLiquidation, trade.ExitReason)
	assert.InDelta(t, 80.1, trade.ExitPrice, 1e-9)
	// 第 40 根K线没有触及强平价，不能提前强平
	assert.GreaterOrEqual(t, trade.ExitTime, candles[60].OpenTime)

	want := (trade.ExitPrice-trade.EntryPrice)*trade.Size - trade.Fees + trade.Funding
	assert.InDelta(t, want, trade.RealizedPnL, 1e-6)
	assert.InDelta(t, cfg.InitialBalance+trade.RealizedPnL, result.FinalBalance, 1e-6)
}

func TestUnexpectedPanicFailsRun(t *testing.T) {
	progress := make(chan Progress)
	close(progress)

	bt := NewBacktester(futuresConfig(1), flatCandles(50, 100), &scriptedStrategy{}, WithProgress(progress))
	result, err := bt.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "回测异常")
	assert.Equal(t, StatusFailed, bt.Status())
}

func TestSignalErrorsAreSkipped(t *testing.T) {
	s := &scriptedStrategy{
		errs:   map[int]error{5: errors.New("指标计算失败")},
		panics: map[int]bool{6: true},
		entries: map[int]*Intent{
			7: {Type: IntentEntry, Direction: "UP"},
			8: {Type: IntentEntry, Direction: Long, StopLoss: 200},
			9: {Type: IntentEntry, Direction: Long},
		},
	}
	bus := event.NewEventBus(100)
	defer bus.Close()
	ch, unsubscribe := bus.Subscribe(event.OfTypes(event.EventTypeSignalError))
	defer unsubscribe()

	result := runBacktest(t, futuresConfig(1), flatCandles(30, 100), s, WithEventBus(bus))
	assert.Equal(t, 4, result.SignalErrors)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, openTimeAt(10), result.Trades[0].EntryTime)
	assert.Len(t, ch, 4)
}

func openTimeAt(i int) int64 {
	return baseTime + int64(i)*hourMs
}

func TestShortRejectedWhenNotAllowed(t *testing.T) {
	cfg := futuresConfig(1)
	cfg.AllowShort = false
	s := &scriptedStrategy{entries: map[int]*Intent{5: {Type: IntentEntry, Direction: Short}}}
	result := runBacktest(t, cfg, flatCandles(30, 100), s)
	assert.Empty(t, result.Trades)
	assert.Equal(t, 0, result.SignalErrors)
	assert.Equal(t, Metrics{}, result.Metrics)
}

func TestProgressAndEvents(t *testing.T) {
	bus := event.NewEventBus(1000)
	defer bus.Close()
	ch, unsubscribe := bus.Subscribe(event.ForRun("run-events"))
	defer unsubscribe()

	progress := make(chan Progress, 100)
	cfg := futuresConfig(1)
	cfg.ProgressEvery = 10
	s := &scriptedStrategy{entries: map[int]*Intent{5: {Type: IntentEntry, Direction: Long}}}
	result := runBacktest(t, cfg, flatCandles(50, 100), s,
		WithRunID("run-events"), WithEventBus(bus), WithProgress(progress))

	assert.Equal(t, "run-events", result.ID)
	assert.Equal(t, 100.0, result.Progress)
	require.Len(t, progress, 5)
	var last Progress
	for len(progress) > 0 {
		last = <-progress
	}
	assert.Equal(t, 50, last.Index)
	assert.Equal(t, 100.0, last.Percent)

	seen := map[event.EventType]int{}
	for len(ch) > 0 {
		e := <-ch
		seen[e.Type]++
	}
	assert.Equal(t, 1, seen[event.EventTypeRunStarted])
	assert.Equal(t, 1, seen[event.EventTypeOrderFilled])
	assert.Equal(t, 1, seen[event.EventTypePositionOpened])
	assert.Equal(t, 1, seen[event.EventTypePositionClosed])
	assert.Equal(t, 5, seen[event.EventTypeRunProgress])
	assert.Equal(t, 1, seen[event.EventTypeRunCompleted])
}

func TestSlowProgressConsumerDoesNotBlock(t *testing.T) {
	progress := make(chan Progress) // 无缓冲且无人读取
	cfg := futuresConfig(1)
	cfg.ProgressEvery = 1

	done := make(chan RunStatus, 1)
	go func() {
		result, _ := NewBacktester(cfg, flatCandles(200, 100), &scriptedStrategy{}, WithProgress(progress)).Run(context.Background())
		done <- result.Status
	}()
	select {
	case status := <-done:
		assert.Equal(t, StatusCompleted, status)
	case <-time.After(5 * time.Second):
		t.Fatal("进度通知阻塞了回测主循环")
	}
}

func TestSpotRunHasNoLiquidationOrFunding(t *testing.T) {
	candles := flatCandles(60, 100)
	candles[30].Low = 1
	cfg := Config{
		Symbol:             "ETHUSDT",
		InitialBalance:     1000,
		MarketType:         MarketSpot,
		FundingRatePercent: 0.1,
	}
	s := &scriptedStrategy{entries: map[int]*Intent{2: {Type: IntentEntry, Direction: Long}}}
	result := runBacktest(t, cfg, candles, s)

	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	assert.Equal(t, CloseManual, tr.ExitReason)
	assert.Zero(t, tr.Funding)
	// 现货双边 0.1%
	assert.InDelta(t, -0.2, tr.RealizedPnL, 1e-9)
}

func TestFundingAccruesOnHeldPosition(t *testing.T) {
	candles := flatCandles(48, 100)
	cfg := futuresConfig(1)
	cfg.FundingRatePercent = 0.01
	s := &scriptedStrategy{entries: map[int]*Intent{0: {Type: IntentEntry, Direction: Long}}}
	result := runBacktest(t, cfg, candles, s)

	require.Len(t, result.Trades, 1)
	tr := result.Trades[0]
	// 持仓从第1根开盘到第47根收盘，经过 8h/16h/24h/32h/40h 共 5 次结算
	assert.InDelta(t, -5*tr.Size*100*0.0001, tr.Funding, 1e-9)
	assert.InDelta(t, cfg.InitialBalance+tr.RealizedPnL, result.FinalBalance, 1e-9)
}
