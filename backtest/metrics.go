package backtest

import (
	"math"
)

// tradingPeriodsPerYear 年化系数
const tradingPeriodsPerYear = 252

// Metrics 回测指标
type Metrics struct {
	// 收益指标
	TotalReturn      float64 `json:"total_return"`      // 总收益率 (%)
	AnnualizedReturn float64 `json:"annualized_return"` // 年化收益率 (%)

	// 风险指标
	MaxDrawdown         float64 `json:"max_drawdown"`          // 最大回撤 (%)
	MaxDrawdownDuration int     `json:"max_drawdown_duration"` // 最长回撤持续K线数
	AvgDrawdown         float64 `json:"avg_drawdown"`          // 平均回撤 (%)
	Volatility          float64 `json:"volatility"`            // 波动率 (%)

	// 风险调整收益
	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`
	CalmarRatio  float64 `json:"calmar_ratio"`

	// 交易指标
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // 胜率 (%)
	ProfitFactor  float64 `json:"profit_factor"`
	GrossProfit   float64 `json:"gross_profit"`
	GrossLoss     float64 `json:"gross_loss"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
	Expectancy    float64 `json:"expectancy"`  // 每笔期望收益
	RiskReward    float64 `json:"risk_reward"` // 平均盈利 / 平均亏损

	// 连续性指标
	MaxConsecutiveWins   int `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses"`

	// 持仓与成本
	AvgHoldingHours float64             `json:"avg_holding_hours"`
	TradesPerDay    float64             `json:"trades_per_day"`
	TotalFees       float64             `json:"total_fees"`
	NetFunding      float64             `json:"net_funding"`
	Liquidations    int                 `json:"liquidations"`
	ExitReasons     map[CloseReason]int `json:"exit_reasons,omitempty"`
}

// CalculateMetrics 计算所有指标（纯函数，不修改输入）
// 没有交易时返回全零指标
func CalculateMetrics(equity []EquityPoint, trades []Trade, initialCapital float64) Metrics {
	if len(trades) == 0 {
		return Metrics{}
	}

	returns := calculateReturns(equity)
	wins, losses := countWinsLosses(trades)
	grossProfit, grossLoss := calculateGrossProfitLoss(trades)
	avgWin := safeDiv(grossProfit, float64(wins))
	avgLoss := safeDiv(grossLoss, float64(losses))
	winRate := calculateWinRate(wins, losses)

	m := Metrics{
		TotalReturn:      calculateTotalReturn(equity, initialCapital),
		AnnualizedReturn: calculateAnnualizedReturn(equity, initialCapital),

		MaxDrawdown:         calculateMaxDrawdown(equity),
		MaxDrawdownDuration: calculateMaxDrawdownDuration(equity),
		AvgDrawdown:         calculateAvgDrawdown(equity),
		Volatility:          calculateVolatility(returns),

		SharpeRatio:  calculateSharpeRatio(returns),
		SortinoRatio: calculateSortinoRatio(returns),
		CalmarRatio:  calculateCalmarRatio(equity, initialCapital),

		TotalTrades:   len(trades),
		WinningTrades: wins,
		LosingTrades:  losses,
		WinRate:       winRate,
		ProfitFactor:  calculateProfitFactor(grossProfit, grossLoss),
		GrossProfit:   grossProfit,
		GrossLoss:     grossLoss,
		AvgWin:        avgWin,
		AvgLoss:       avgLoss,
		Expectancy:    calculateExpectancy(winRate, avgWin, avgLoss),
		RiskReward:    safeDiv(avgWin, avgLoss),

		MaxConsecutiveWins:   calculateMaxConsecutive(trades, true),
		MaxConsecutiveLosses: calculateMaxConsecutive(trades, false),
		TradesPerDay:         calculateTradesPerDay(equity, len(trades)),
		ExitReasons:          make(map[CloseReason]int),
	}

	holdingHours := 0.0
	for _, t := range trades {
		if t.RealizedPnL > m.LargestWin {
			m.LargestWin = t.RealizedPnL
		}
		if t.RealizedPnL < m.LargestLoss {
			m.LargestLoss = t.RealizedPnL
		}
		holdingHours += t.HoldingDuration.Hours()
		m.TotalFees += t.Fees
		m.NetFunding += t.Funding
		m.ExitReasons[t.ExitReason]++
		if t.ExitReason == CloseLiquidation {
			m.Liquidations++
		}
	}
	m.AvgHoldingHours = safeDiv(holdingHours, float64(len(trades)))
	return m
}

// safeDiv 分母为0或结果非有限数时返回0
func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	v := a / b
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// calculateReturns 计算逐期收益率
func calculateReturns(equity []EquityPoint) []float64 {
	if len(equity) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		returns[i-1] = safeDiv(equity[i].Equity-equity[i-1].Equity, equity[i-1].Equity)
	}
	return returns
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// calculateTotalReturn 计算总收益率
func calculateTotalReturn(equity []EquityPoint, initialCapital float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	return safeDiv(equity[len(equity)-1].Equity-initialCapital, initialCapital) * 100
}

// calculateAnnualizedReturn 计算年化收益率
func calculateAnnualizedReturn(equity []EquityPoint, initialCapital float64) float64 {
	if len(equity) < 2 || initialCapital <= 0 {
		return 0
	}

	days := float64(equity[len(equity)-1].Timestamp-equity[0].Timestamp) / (1000 * 86400)
	if days <= 0 {
		return 0
	}

	growth := 1 + calculateTotalReturn(equity, initialCapital)/100
	if growth <= 0 {
		return -100
	}
	v := (math.Pow(growth, 365/days) - 1) * 100
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// calculateMaxDrawdown 计算最大回撤
func calculateMaxDrawdown(equity []EquityPoint) float64 {
	values := make([]float64, len(equity))
	for i, p := range equity {
		values[i] = p.Equity
	}
	return maxDrawdownPercent(values)
}

// maxDrawdownPercent (峰值 − 当前) / 峰值 × 100 的最大值
func maxDrawdownPercent(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	maxDrawdown := 0.0
	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if dd := safeDiv(peak-v, peak) * 100; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// calculateMaxDrawdownDuration 最长回撤持续K线数
func calculateMaxDrawdownDuration(equity []EquityPoint) int {
	if len(equity) == 0 {
		return 0
	}

	maxDuration := 0
	currentDuration := 0
	peak := equity[0].Equity

	for _, point := range equity {
		if point.Equity >= peak {
			peak = point.Equity
			currentDuration = 0
			continue
		}
		currentDuration++
		if currentDuration > maxDuration {
			maxDuration = currentDuration
		}
	}
	return maxDuration
}

// calculateAvgDrawdown 回撤区间内回撤的平均值
func calculateAvgDrawdown(equity []EquityPoint) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0].Equity
	sum := 0.0
	count := 0
	for _, point := range equity {
		if point.Equity > peak {
			peak = point.Equity
		}
		if dd := safeDiv(peak-point.Equity, peak) * 100; dd > 0 {
			sum += dd
			count++
		}
	}
	return safeDiv(sum, float64(count))
}

// calculateVolatility 计算波动率（年化）
func calculateVolatility(returns []float64) float64 {
	_, std := meanStd(returns)
	return std * math.Sqrt(tradingPeriodsPerYear) * 100
}

// calculateSharpeRatio 夏普比率 = mean / std × √252
func calculateSharpeRatio(returns []float64) float64 {
	mean, std := meanStd(returns)
	return safeDiv(mean, std) * math.Sqrt(tradingPeriodsPerYear)
}

// calculateSortinoRatio 索提诺比率，只考虑低于目标（0）的下行波动
func calculateSortinoRatio(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean, _ := meanStd(returns)

	downVariance := 0.0
	downCount := 0
	for _, r := range returns {
		if r < 0 {
			downVariance += r * r
			downCount++
		}
	}
	if downCount == 0 {
		return 0
	}

	downStdDev := math.Sqrt(downVariance / float64(downCount))
	return safeDiv(mean, downStdDev) * math.Sqrt(tradingPeriodsPerYear)
}

// calculateCalmarRatio 年化收益率 / 最大回撤
func calculateCalmarRatio(equity []EquityPoint, initialCapital float64) float64 {
	return safeDiv(calculateAnnualizedReturn(equity, initialCapital), calculateMaxDrawdown(equity))
}

// countWinsLosses 盈亏为0的交易不计入胜负
func countWinsLosses(trades []Trade) (wins, losses int) {
	for _, t := range trades {
		switch {
		case t.RealizedPnL > 0:
			wins++
		case t.RealizedPnL < 0:
			losses++
		}
	}
	return wins, losses
}

// calculateWinRate 胜率 = wins / (wins + losses) × 100
func calculateWinRate(wins, losses int) float64 {
	return safeDiv(float64(wins), float64(wins+losses)) * 100
}

// calculateGrossProfitLoss 毛盈利与毛亏损（亏损取绝对值）
func calculateGrossProfitLoss(trades []Trade) (profit, loss float64) {
	for _, t := range trades {
		if t.RealizedPnL > 0 {
			profit += t.RealizedPnL
		} else {
			loss += -t.RealizedPnL
		}
	}
	return profit, loss
}

// calculateProfitFactor 毛亏损为0时返回0
func calculateProfitFactor(grossProfit, grossLoss float64) float64 {
	return safeDiv(grossProfit, grossLoss)
}

// calculateExpectancy 期望 = 胜率 × 平均盈利 − 败率 × 平均亏损
func calculateExpectancy(winRate, avgWin, avgLoss float64) float64 {
	p := winRate / 100
	return p*avgWin - (1-p)*math.Abs(avgLoss)
}

// calculateMaxConsecutive 最大连续盈利（wins=true）或连续亏损次数
func calculateMaxConsecutive(trades []Trade, wins bool) int {
	maxRun, run := 0, 0
	for _, t := range trades {
		hit := t.RealizedPnL > 0
		if !wins {
			hit = t.RealizedPnL < 0
		}
		if hit {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	return maxRun
}

func calculateTradesPerDay(equity []EquityPoint, trades int) float64 {
	if len(equity) < 2 {
		return 0
	}
	days := float64(equity[len(equity)-1].Timestamp-equity[0].Timestamp) / (1000 * 86400)
	return safeDiv(float64(trades), days)
}
