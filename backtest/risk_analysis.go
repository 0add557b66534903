package backtest

import (
	"math"
	"sort"
)

// RiskMetrics 风险指标（百分比，正数表示损失）
type RiskMetrics struct {
	VaR95  float64 `json:"var_95"`
	VaR99  float64 `json:"var_99"`
	CVaR95 float64 `json:"cvar_95"`
	CVaR99 float64 `json:"cvar_99"`
}

// CalculateRiskMetrics 历史模拟法计算 VaR / CVaR
func CalculateRiskMetrics(equity []EquityPoint) RiskMetrics {
	returns := calculateReturns(equity)
	if len(returns) == 0 {
		return RiskMetrics{}
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	return RiskMetrics{
		VaR95:  historicalVaR(sorted, 0.95) * 100,
		VaR99:  historicalVaR(sorted, 0.99) * 100,
		CVaR95: conditionalVaR(sorted, 0.95) * 100,
		CVaR99: conditionalVaR(sorted, 0.99) * 100,
	}
}

// tailIndex 置信度对应的分位下标
func tailIndex(n int, confidence float64) int {
	index := int(float64(n) * (1 - confidence))
	if index >= n {
		index = n - 1
	}
	if index < 0 {
		index = 0
	}
	return index
}

// historicalVaR sorted 必须升序
func historicalVaR(sorted []float64, confidence float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	v := sorted[tailIndex(len(sorted), confidence)]
	if v >= 0 {
		return 0
	}
	return -v
}

// conditionalVaR 超过 VaR 阈值部分的平均损失
func conditionalVaR(sorted []float64, confidence float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := tailIndex(len(sorted), confidence)
	sum := 0.0
	for i := 0; i <= index; i++ {
		sum += sorted[i]
	}
	avg := sum / float64(index+1)
	if avg >= 0 || math.IsNaN(avg) {
		return 0
	}
	return -avg
}
