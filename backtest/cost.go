package backtest

import (
	"math"
	"sort"
)

// CostModel 费用模型：手续费、滑点、资金费
type CostModel struct {
	makerRate      float64
	takerRate      float64
	slippage       float64
	market         MarketType
	fundingEveryMs int64
	fundingRate    float64
	schedule       []FundingRate
}

// NewCostModel 根据已验证的配置创建费用模型
func NewCostModel(cfg Config) *CostModel {
	return &CostModel{
		makerRate:      cfg.MakerFeePercent / 100,
		takerRate:      cfg.TakerFeePercent / 100,
		slippage:       cfg.SlippagePercent / 100,
		market:         cfg.MarketType,
		fundingEveryMs: int64(cfg.FundingIntervalHours * 3600 * 1000),
		fundingRate:    cfg.FundingRatePercent / 100,
		schedule:       cfg.FundingRates,
	}
}

// FeeRate maker/taker 费率（小数）
func (m *CostModel) FeeRate(maker bool) float64 {
	if maker {
		return m.makerRate
	}
	return m.takerRate
}

// Fee 手续费 = 数量 × 价格 × 费率
func (m *CostModel) Fee(size, price float64, maker bool) float64 {
	return size * price * m.FeeRate(maker)
}

// Slip 按持仓方向让成交价变差
// opening=true 表示开仓（多头买入/空头卖出），否则为平仓
func (m *CostModel) Slip(price float64, dir Direction, opening bool) float64 {
	if m.slippage == 0 {
		return price
	}
	buying := (dir == Long) == opening
	if buying {
		return price * (1 + m.slippage)
	}
	return price * (1 - m.slippage)
}

// FundingEnabled 现货没有资金费
func (m *CostModel) FundingEnabled() bool {
	return m.market == MarketFutures && m.fundingEveryMs > 0
}

// FundingTimes 返回 [from, to] 区间内的资金费结算时间点（按 UTC 整点间隔对齐）
func (m *CostModel) FundingTimes(from, to int64) []int64 {
	if !m.FundingEnabled() || to < from {
		return nil
	}
	first := from
	if rem := from % m.fundingEveryMs; rem != 0 {
		first = from - rem + m.fundingEveryMs
	}
	var times []int64
	for t := first; t <= to; t += m.fundingEveryMs {
		times = append(times, t)
	}
	return times
}

// RateAt 取时间点 ts 之前（含）最近一次的历史费率，没有历史时使用固定费率
func (m *CostModel) RateAt(ts int64) float64 {
	idx := sort.Search(len(m.schedule), func(i int) bool { return m.schedule[i].Time > ts })
	if idx == 0 {
		return m.fundingRate
	}
	return m.schedule[idx-1].Rate
}

// FundingPayment 一次结算的资金费（正数为收到）
// 费率为正时多头支付、空头收取
func (m *CostModel) FundingPayment(dir Direction, size, mark, rate float64) float64 {
	if size <= 0 || math.IsNaN(mark) || mark <= 0 {
		return 0
	}
	return -dir.Sign() * size * mark * rate
}

// SettleFunding 结算K线内的资金费并累计到持仓上，返回本根K线的合计
func (m *CostModel) SettleFunding(p *Position, c Candle) float64 {
	if p == nil || !p.IsLive() {
		return 0
	}
	total := 0.0
	for _, ts := range m.FundingTimes(c.OpenTime, c.CloseTime) {
		if p.OpenTime >= ts {
			continue
		}
		mark := c.Close
		if ts == c.OpenTime {
			mark = c.Open
		}
		total += m.FundingPayment(p.Direction, p.Size, mark, m.RateAt(ts))
	}
	p.Funding += total
	return total
}
