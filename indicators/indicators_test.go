package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candlesFromCloses(closes ...float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{Time: int64(i) * 60000, Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

func TestSMA(t *testing.T) {
	assert.Equal(t, []float64{2, 3, 4}, SMA([]float64{1, 2, 3, 4, 5}, 3))
	assert.Nil(t, SMA([]float64{1, 2}, 3))
	assert.Nil(t, SMA([]float64{1, 2, 3}, 0))
}

func TestEMA(t *testing.T) {
	values := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, values, 3)
	// 种子为前三个值的 SMA，乘数 0.5
	assert.InDelta(t, 2, values[0], 1e-12)
	assert.InDelta(t, 3, values[1], 1e-12)
	assert.InDelta(t, 4, values[2], 1e-12)
	assert.Nil(t, EMA([]float64{1}, 2))
}

func TestStdDev(t *testing.T) {
	values := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8)
	require.Len(t, values, 1)
	assert.InDelta(t, 2, values[0], 1e-12)
	assert.Zero(t, Mean(nil))
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	values := RSISeries(rising, 14)
	require.Len(t, values, 6)
	for _, v := range values {
		assert.Equal(t, 100.0, v)
	}

	flat := []float64{5, 5, 5, 5}
	assert.Equal(t, []float64{50}, RSISeries(flat, 3))

	assert.Nil(t, RSISeries(rising[:14], 14))
	assert.Equal(t, 15, NewRSI(14).Period())
}

func TestRSIBounded(t *testing.T) {
	closes := []float64{44, 44.3, 44.1, 43.6, 44.3, 44.8, 45.1, 45.4, 45.8, 46.1, 45.9, 46.3, 45.8, 46.2, 45.6, 46.3}
	values := RSISeries(closes, 14)
	require.Len(t, values, 2)
	for _, v := range values {
		assert.True(t, v > 0 && v < 100)
	}
}

func TestMACD(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + math.Sin(float64(i)/5)*10
	}
	res := MACDSeries(closes, 12, 26, 9)
	require.NotNil(t, res)
	assert.Len(t, res.Signal, len(res.MACD))
	assert.Len(t, res.Histogram, len(res.MACD))
	for i := range res.Histogram {
		assert.InDelta(t, res.MACD[i]-res.Signal[i], res.Histogram[i], 1e-12)
	}

	assert.Nil(t, MACDSeries(closes[:30], 12, 26, 9))
	assert.Nil(t, MACDSeries(closes, 26, 12, 9))
	assert.Equal(t, 34, NewMACD(12, 26, 9).Period())
}

func TestBollinger(t *testing.T) {
	bands := BollingerSeries([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	require.NotNil(t, bands)
	assert.InDelta(t, 5, bands.Middle[0], 1e-12)
	assert.InDelta(t, 9, bands.Upper[0], 1e-12)
	assert.InDelta(t, 1, bands.Lower[0], 1e-12)

	pctB := NewBollingerBands(3, 2).Calculate(candlesFromCloses(5, 5, 5))
	assert.Equal(t, []float64{0.5}, pctB)
}

func TestATR(t *testing.T) {
	candles := candlesFromCloses(10, 10, 10, 10, 10)
	values := NewATR(3).Calculate(candles)
	require.Len(t, values, 2)
	for _, v := range values {
		assert.InDelta(t, 2, v, 1e-12)
	}
	assert.Nil(t, NewATR(5).Calculate(candles))
	assert.Nil(t, TrueRange(candles[:1]))
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"atr", "bollinger", "ema", "macd", "rsi", "sma"}, List())

	ind, err := New("sma", map[string]float64{"period": 2})
	require.NoError(t, err)
	assert.Equal(t, "SMA", ind.Name())
	assert.Equal(t, []float64{1.5, 2.5}, ind.Calculate(candlesFromCloses(1, 2, 3)))

	_, err = New("unknown", nil)
	assert.Error(t, err)
}

func TestLastHelpers(t *testing.T) {
	v, ok := Last(nil)
	assert.False(t, ok)
	assert.Zero(t, v)

	v, ok = Last([]float64{1, 2})
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)

	assert.Equal(t, []float64{2, 3}, LastN([]float64{1, 2, 3}, 2))
	assert.Nil(t, LastN([]float64{1}, 2))
}
