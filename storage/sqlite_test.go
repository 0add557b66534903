package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantsim/backtest"
)

const hourMs = int64(time.Hour / time.Millisecond)

func testCandles(n int, start int64) []backtest.Candle {
	candles := make([]backtest.Candle, n)
	for i := range candles {
		open := 100 + float64(i)
		candles[i] = backtest.Candle{
			OpenTime:  start + int64(i)*hourMs,
			CloseTime: start + int64(i+1)*hourMs - 1,
			Open:      open,
			High:      open + 2,
			Low:       open - 1,
			Close:     open + 1,
			Volume:    10.5,
		}
	}
	return candles
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadCandles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := int64(1704067200000)
	candles := testCandles(10, start)

	require.NoError(t, store.SaveCandles(ctx, "BTCUSDT", "1h", candles))
	// 重复写入覆盖，不产生重复记录
	require.NoError(t, store.SaveCandles(ctx, "BTCUSDT", "1h", candles[5:]))
	require.NoError(t, store.SaveCandles(ctx, "BTCUSDT", "4h", candles[:2]))

	got, err := store.LoadCandles(ctx, "BTCUSDT", "1h", time.UnixMilli(start), time.UnixMilli(start+9*hourMs))
	require.NoError(t, err)
	assert.Equal(t, candles, got)

	got, err = store.LoadCandles(ctx, "BTCUSDT", "1h", time.UnixMilli(start+2*hourMs), time.UnixMilli(start+4*hourMs))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, candles[2].OpenTime, got[0].OpenTime)

	count, first, last, err := store.CandleRange(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.Equal(t, start, first)
	assert.Equal(t, start+9*hourMs, last)

	count, _, _, err = store.CandleRange(ctx, "ETHUSDT", "1h")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFundingRatesStoredOnChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored, err := store.SaveFundingRates(ctx, "BTCUSDT", []backtest.FundingRate{
		{Time: 300, Rate: 0.0002},
		{Time: 100, Rate: 0.0001},
		{Time: 200, Rate: 0.0001},
		{Time: 400, Rate: 0.0002},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	// 与最新费率相同，不存储
	stored, err = store.SaveFundingRates(ctx, "BTCUSDT", []backtest.FundingRate{{Time: 500, Rate: 0.0002}})
	require.NoError(t, err)
	assert.Zero(t, stored)

	// 回填历史逐条写入
	stored, err = store.SaveFundingRates(ctx, "BTCUSDT", []backtest.FundingRate{{Time: 150, Rate: 0.0001}})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	rates, err := store.LoadFundingRates(ctx, "BTCUSDT", time.UnixMilli(250), time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Equal(t, []backtest.FundingRate{{Time: 150, Rate: 0.0001}, {Time: 300, Rate: 0.0002}}, rates)

	rates, err = store.LoadFundingRates(ctx, "ETHUSDT", time.UnixMilli(0), time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Empty(t, rates)
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	store, cache, err := Open(Config{Path: filepath.Join(dir, "nested", "market.db"), CacheDir: filepath.Join(dir, "cache")})
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, filepath.Join(dir, "cache"), cache.Dir())
}
