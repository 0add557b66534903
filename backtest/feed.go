package backtest

import "math"

// CandleFeed 单个交易对/周期的只读K线序列
// 处理第 i 根K线时，只能通过 VisibleUpTo(i) 看到 [0, i]，不会暴露未来数据
type CandleFeed struct {
	candles []Candle
}

// NewCandleFeed 创建K线序列
// K线必须按 OpenTime 严格递增且 OHLCV 为有限值；数量少于 minRequired 时返回 ConfigurationError
// 传入的切片不会被复制也不会被修改，多个并发回测可以共享同一份数据
func NewCandleFeed(candles []Candle, minRequired int) (*CandleFeed, error) {
	if len(candles) == 0 {
		return nil, configErr("candles", "K线数据为空")
	}
	if len(candles) < minRequired {
		return nil, configErr("candles", "K线数量不足: 需要至少 %d 根，实际 %d 根", minRequired, len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime <= candles[i-1].OpenTime {
			return nil, configErr("candles", "K线时间戳未严格递增: 第 %d 根 (%d) <= 第 %d 根 (%d)",
				i, candles[i].OpenTime, i-1, candles[i-1].OpenTime)
		}
	}
	for i, c := range candles {
		if !finite(c.Open) || !finite(c.High) || !finite(c.Low) || !finite(c.Close) || !finite(c.Volume) {
			return nil, configErr("candles", "第 %d 根K线包含非法数值 (NaN/Inf)", i)
		}
		if c.High < c.Low {
			return nil, configErr("candles", "第 %d 根K线最高价 %.8f 低于最低价 %.8f", i, c.High, c.Low)
		}
	}
	return &CandleFeed{candles: candles}, nil
}

// Len K线数量
func (f *CandleFeed) Len() int {
	return len(f.candles)
}

// At 返回第 i 根K线（值拷贝）
func (f *CandleFeed) At(i int) Candle {
	return f.candles[i]
}

// VisibleUpTo 返回 candles[0..i]
// 使用完整切片表达式限制容量，调用方无法通过 reslice 或 append 触及 i 之后的数据
func (f *CandleFeed) VisibleUpTo(i int) []Candle {
	if i < 0 {
		return f.candles[:0:0]
	}
	if i >= len(f.candles) {
		i = len(f.candles) - 1
	}
	return f.candles[: i+1 : i+1]
}

// Closes 提取收盘价序列
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
