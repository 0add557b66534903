package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T, mutate func(*Config)) *TacticsExecutor {
	t.Helper()
	cfg := Config{Symbol: "BTCUSDT", InitialBalance: 10000, AllowShort: true}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	return NewTacticsExecutor(cfg, NewCostModel(cfg))
}

func bar(i int, open, high, low, close float64) Candle {
	return Candle{
		OpenTime:  baseTime + int64(i)*hourMs,
		CloseTime: baseTime + int64(i+1)*hourMs - 1,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
	}
}

// planned 按意图生成挂单并登记到账本（状态 NONE）
func planned(t *testing.T, x *TacticsExecutor, in *Intent, ref Candle, idx int) *Position {
	t.Helper()
	p, err := x.PlanEntry("BTCUSDT", in, ref, idx, 10000)
	require.NoError(t, err)
	require.NoError(t, NewPositionLedger(1).Open(p))
	return p
}

// openAt100 以 100 的开盘价市价开多，默认 10% 仓位、1 倍杠杆，数量为 10
func openAt100(t *testing.T, x *TacticsExecutor, in *Intent) *Position {
	t.Helper()
	if in == nil {
		in = &Intent{Type: IntentEntry, Direction: Long}
	}
	p := planned(t, x, in, bar(0, 100, 100, 100, 100), 0)
	fills := x.FillEntries(p, bar(1, 100, 100, 100, 100), 1, 10000, true)
	require.Len(t, fills, 1)
	require.InDelta(t, 10, p.Size, 1e-9)
	return p
}

func TestMarketEntry(t *testing.T) {
	x := newExecutor(t, func(c *Config) { c.Leverage = 10 })
	p := planned(t, x, &Intent{Type: IntentEntry, Direction: Long}, bar(0, 50000, 50000, 50000, 50000), 0)
	assert.InDelta(t, 0.2, p.RequestedSize, 1e-12)

	// 非市价撮合阶段不会成交市价单
	assert.Empty(t, x.FillEntries(p, bar(1, 50000, 50000, 50000, 50000), 1, 10000, false))

	fills := x.FillEntries(p, bar(1, 50000, 50100, 49900, 50000), 1, 10000, true)
	require.Len(t, fills, 1)
	assert.Equal(t, 50000.0, fills[0].Price)
	assert.False(t, fills[0].Maker)
	assert.InDelta(t, 4, fills[0].Fee, 1e-9)
	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, 1, p.OpenIndex)
}

func TestEntryScaledToAvailableFunds(t *testing.T) {
	x := newExecutor(t, func(c *Config) { c.Leverage = 10 })
	p := planned(t, x, &Intent{Type: IntentEntry, Direction: Long}, bar(0, 50000, 50000, 50000, 50000), 0)

	// 每单位需要 5000 保证金 + 20 手续费
	fills := x.FillEntries(p, bar(1, 50000, 50000, 50000, 50000), 1, 502, true)
	require.Len(t, fills, 1)
	assert.InDelta(t, 0.1, fills[0].Size, 1e-12)

	_, err := x.PlanEntry("BTCUSDT", &Intent{Type: IntentEntry, Direction: Long}, bar(0, 1, 1, 1, 1), 0, 0)
	assert.Error(t, err)
}

func TestLimitEntry(t *testing.T) {
	x := newExecutor(t, func(c *Config) { c.Tactics.Entry.Type = EntryLimit })
	in := &Intent{Type: IntentEntry, Direction: Long, Prices: []float64{49000}}

	p := planned(t, x, in, bar(0, 50000, 50000, 50000, 50000), 0)
	assert.Empty(t, x.FillEntries(p, bar(1, 50000, 50200, 49500, 49800), 1, 10000, false))

	fills := x.FillEntries(p, bar(2, 49800, 49900, 48800, 49100), 2, 10000, false)
	require.Len(t, fills, 1)
	assert.Equal(t, 49000.0, fills[0].Price)
	assert.True(t, fills[0].Maker)
	assert.InDelta(t, fills[0].Size*49000*0.0002, fills[0].Fee, 1e-9)

	// 跳空低开，按开盘价成交
	gap := planned(t, x, in, bar(0, 50000, 50000, 50000, 50000), 0)
	fills = x.FillEntries(gap, bar(1, 48500, 48700, 48000, 48600), 1, 10000, false)
	require.Len(t, fills, 1)
	assert.Equal(t, 48500.0, fills[0].Price)
}

func TestBreakoutEntry(t *testing.T) {
	x := newExecutor(t, func(c *Config) { c.Tactics.Entry.Type = EntryBreakout })
	p := planned(t, x, &Intent{Type: IntentEntry, Direction: Long}, bar(0, 100, 100, 100, 100), 0)

	assert.Empty(t, x.FillEntries(p, bar(1, 100, 100.1, 99.5, 100), 1, 10000, false))
	fills := x.FillEntries(p, bar(2, 100, 100.5, 99.8, 100.4), 2, 10000, false)
	require.Len(t, fills, 1)
	assert.InDelta(t, 100.2, fills[0].Price, 1e-9)
	assert.False(t, fills[0].Maker)
}

func TestShortPullbackEntry(t *testing.T) {
	x := newExecutor(t, func(c *Config) { c.Tactics.Entry.Type = EntryPullback })
	p := planned(t, x, &Intent{Type: IntentEntry, Direction: Short}, bar(0, 100, 100, 100, 100), 0)

	fills := x.FillEntries(p, bar(1, 100, 100.6, 99.5, 100), 1, 10000, false)
	require.Len(t, fills, 1)
	assert.InDelta(t, 100.5, fills[0].Price, 1e-9)
	assert.Equal(t, Short, p.Direction)
}

func TestZoneEntryPartialFillAndExpiry(t *testing.T) {
	x := newExecutor(t, func(c *Config) {
		c.Tactics.Entry = EntryTactic{Type: EntryZone, Levels: 3, StepPercent: 1, ExpireCandles: 2}
		c.MinFillPercent = 80
	})
	p := planned(t, x, &Intent{Type: IntentEntry, Direction: Long}, bar(5, 100, 100, 100, 100), 5)
	require.Len(t, p.orders, 3)
	assert.InDelta(t, 10, p.RequestedSize, 1e-9)
	assert.InDelta(t, 101, p.orders[0].price, 1e-9)
	assert.InDelta(t, 99, p.orders[2].price, 1e-9)

	fills := x.FillEntries(p, bar(6, 100.5, 100.8, 99.5, 100), 6, 10000, false)
	require.Len(t, fills, 2)
	assert.Equal(t, 100.5, fills[0].Price)
	assert.Equal(t, 100.0, fills[1].Price)
	assert.InDelta(t, 100.25, p.AvgEntryPrice, 1e-9)
	// 成交 2/3 未达到 80%
	assert.Equal(t, StateEntering, p.State)

	// 到期后撤销剩余挂单，持仓转为 OPEN
	assert.Empty(t, x.FillEntries(p, bar(7, 100, 100.5, 99.5, 100), 7, 10000, false))
	assert.Equal(t, StateOpen, p.State)
	assert.Zero(t, p.pendingOrders())
}

func TestDCAEntryWithoutPriceStartsAtMarket(t *testing.T) {
	x := newExecutor(t, func(c *Config) {
		c.Tactics.Entry = EntryTactic{Type: EntryDCA, Weights: []float64{1, 1}, StepPercent: 2}
	})
	p := planned(t, x, &Intent{Type: IntentEntry, Direction: Long}, bar(0, 100, 100, 100, 100), 0)
	require.Len(t, p.orders, 2)
	assert.Equal(t, orderMarket, p.orders[0].kind)
	assert.Equal(t, orderLimit, p.orders[1].kind)
	assert.InDelta(t, 98, p.orders[1].price, 1e-9)

	require.Len(t, x.FillEntries(p, bar(1, 100, 100, 99, 99.5), 1, 10000, true), 1)
	require.Len(t, x.FillEntries(p, bar(1, 100, 100, 99, 99.5), 1, 10000, false), 0)
	require.Len(t, x.FillEntries(p, bar(2, 99, 99, 97.5, 98), 2, 10000, false), 1)
	assert.InDelta(t, 99, p.AvgEntryPrice, 1e-9)
}

func TestExitPriority(t *testing.T) {
	x := newExecutor(t, nil)
	in := &Intent{Type: IntentEntry, Direction: Long, StopLoss: 95, TakeProfits: []TakeProfitTarget{{Price: 110, ClosePercent: 100}}}

	// 同一根K线同时触及止损和止盈时止损优先
	p := openAt100(t, x, in)
	ev := x.EvaluateExit(p, bar(2, 100, 111, 94, 100), 2, 0)
	require.NotNil(t, ev)
	assert.Equal(t, CloseSL, ev.Reason)
	assert.Equal(t, 95.0, ev.Price)
	assert.InDelta(t, -50, ev.Gross, 1e-9)
	assert.True(t, ev.Final)

	// 强平优先于止损
	p = openAt100(t, x, in)
	ev = x.EvaluateExit(p, bar(2, 100, 101, 94, 100), 2, 96)
	require.NotNil(t, ev)
	assert.Equal(t, CloseLiquidation, ev.Reason)
	assert.Equal(t, 96.0, ev.Price)
	assert.Equal(t, StateLiquidated, p.State)

	// 跳空低开时按开盘价止损
	p = openAt100(t, x, in)
	ev = x.EvaluateExit(p, bar(2, 93, 94, 92, 93), 2, 0)
	require.NotNil(t, ev)
	assert.Equal(t, 93.0, ev.Price)

	// 未触发
	p = openAt100(t, x, in)
	assert.Nil(t, x.EvaluateExit(p, bar(2, 100, 105, 96, 101), 2, 0))
}

func TestPartialTakeProfitsAndBreakeven(t *testing.T) {
	x := newExecutor(t, func(c *Config) {
		c.Tactics.Exit.Breakeven = &Breakeven{AfterFirstTP: true}
	})
	p := openAt100(t, x, &Intent{
		Type:        IntentEntry,
		Direction:   Long,
		StopLoss:    90,
		TakeProfits: []TakeProfitTarget{{Price: 110, ClosePercent: 50}, {Price: 105, ClosePercent: 50}},
	})
	assert.Equal(t, 105.0, p.TakeProfits[0].Price)

	// 一根K线只触发一次出场
	ev := x.EvaluateExit(p, bar(2, 100, 111, 100, 110), 2, 0)
	require.NotNil(t, ev)
	assert.Equal(t, CloseTP, ev.Reason)
	assert.Equal(t, 105.0, ev.Price)
	assert.InDelta(t, 5, ev.Size, 1e-9)
	assert.False(t, ev.Final)
	assert.Equal(t, StatePartiallyClosed, p.State)
	assert.Equal(t, 100.0, p.StopLoss)

	ev = x.EvaluateExit(p, bar(3, 110, 111, 108, 110), 3, 0)
	require.NotNil(t, ev)
	assert.Equal(t, 110.0, ev.Price)
	assert.InDelta(t, 5, ev.Size, 1e-9)
	assert.True(t, ev.Final)
	assert.Equal(t, StateClosed, p.State)
	assert.Nil(t, x.EvaluateExit(p, bar(4, 110, 111, 108, 110), 4, 0))
}

func TestPercentBarriersFollowAverage(t *testing.T) {
	x := newExecutor(t, func(c *Config) {
		c.Tactics.Exit.StopLossPercent = 2
		c.Tactics.Exit.TakeProfits = []TakeProfitTarget{{PricePercent: 3, ClosePercent: 100}}
	})
	p := openAt100(t, x, nil)
	assert.InDelta(t, 98, p.StopLoss, 1e-9)
	require.Len(t, p.TakeProfits, 1)
	assert.InDelta(t, 103, p.TakeProfits[0].Price, 1e-9)
}

func TestTrailingStop(t *testing.T) {
	x := newExecutor(t, func(c *Config) {
		c.Tactics.Exit.Trailing = &TrailingStop{TriggerType: TriggerPercent, TriggerValue: 2, CallbackPercent: 1}
	})
	p := openAt100(t, x, nil)

	x.UpdateLevels(p, bar(1, 100, 101, 99.5, 100.5))
	assert.False(t, p.trailing.active)

	x.UpdateLevels(p, bar(2, 100.5, 103, 100.5, 102.8))
	require.True(t, p.trailing.active)
	assert.InDelta(t, 101.97, p.trailing.level, 1e-9)

	// 只向锁定利润方向移动
	x.UpdateLevels(p, bar(3, 102.8, 102.9, 102.5, 102.6))
	assert.InDelta(t, 101.97, p.trailing.level, 1e-9)

	ev := x.EvaluateExit(p, bar(4, 102.5, 102.6, 101.5, 101.6), 4, 0)
	require.NotNil(t, ev)
	assert.Equal(t, CloseSL, ev.Reason)
	assert.InDelta(t, 101.97, ev.Price, 1e-9)
	assert.Equal(t, 103.0, p.maxFavorable)
}

func TestBreakevenTrigger(t *testing.T) {
	x := newExecutor(t, func(c *Config) {
		c.Tactics.Exit.Breakeven = &Breakeven{TriggerType: TriggerPercent, TriggerValue: 1}
	})
	p := openAt100(t, x, &Intent{Type: IntentEntry, Direction: Long, StopLoss: 97})
	x.UpdateLevels(p, bar(2, 100, 100.5, 99.9, 100.2))
	assert.Equal(t, 97.0, p.StopLoss)
	x.UpdateLevels(p, bar(3, 100.2, 101.5, 100, 101))
	assert.Equal(t, 100.0, p.StopLoss)
}

func TestTimeAndManualExit(t *testing.T) {
	x := newExecutor(t, func(c *Config) { c.Tactics.Exit.MaxHoldingCandles = 3 })
	p := openAt100(t, x, nil)
	assert.Nil(t, x.EvaluateExit(p, bar(3, 100, 101, 99, 100), 3, 0))
	ev := x.EvaluateExit(p, bar(4, 100, 101, 99, 100.5), 4, 0)
	require.NotNil(t, ev)
	assert.Equal(t, CloseTime, ev.Reason)
	assert.Equal(t, 100.5, ev.Price)

	p = openAt100(t, x, nil)
	p.pendingExit = true
	ev = x.EvaluateExit(p, bar(2, 101, 103, 99, 102), 2, 0)
	require.NotNil(t, ev)
	assert.Equal(t, CloseManual, ev.Reason)
	assert.Equal(t, 101.0, ev.Price)
	assert.False(t, p.pendingExit)

	p = openAt100(t, x, nil)
	ev = x.CloseAt(p, bar(2, 101, 103, 99, 102), CloseManual)
	require.NotNil(t, ev)
	assert.Equal(t, 102.0, ev.Price)
	assert.Nil(t, x.CloseAt(p, bar(3, 101, 103, 99, 102), CloseManual))
}
