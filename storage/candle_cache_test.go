package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "BTCUSDT_1h_2023-01-01_2023-06-30", CacheKey("btcusdt", "1h", start, end))
}

func TestCandlesCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "candles.csv")
	candles := testCandles(5, 1704067200000)
	candles[2].Close = 123.456789

	require.NoError(t, SaveCandlesCSV(path, candles))
	got, err := LoadCandlesCSV(path)
	require.NoError(t, err)
	assert.Equal(t, candles, got)
}

func TestLoadCandlesCSVWithoutCloseTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "six.csv")
	data := "open_time,open,high,low,close,volume\n1000,1,2,0.5,1.5,10\n2000,1.5,2,1,1.8,12\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	got, err := LoadCandlesCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2000), got[1].OpenTime)
	assert.Equal(t, 1.8, got[1].Close)
	assert.Zero(t, got[1].CloseTime)
}

func TestLoadCandlesCSVErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.csv":    "open_time,open,high,low,close,volume\n",
		"columns.csv":  "h\n1,2,3\n",
		"badprice.csv": "h\n1000,x,2,0.5,1.5,10\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err := LoadCandlesCSV(path)
		assert.Error(t, err, name)
	}

	_, err := LoadCandlesCSV(filepath.Join(dir, "missing.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestCandleCacheIndex(t *testing.T) {
	cache := NewCandleCache(t.TempDir())
	candles := testCandles(3, 1704067200000)

	require.NoError(t, cache.Save("BTCUSDT_1h_2024-01-01_2024-01-02", candles))
	require.NoError(t, cache.Save("ETHUSDT_4h_2024-01-01_2024-02-01", candles[:1]))

	got, err := cache.Load("BTCUSDT_1h_2024-01-01_2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, candles, got)

	entries, err := cache.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "BTCUSDT", entries[0].Symbol)
	assert.Equal(t, "1h", entries[0].Interval)
	assert.Equal(t, 3, entries[0].Candles)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), entries[0].End)

	stats, err := cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FileCount)
	assert.Greater(t, stats.TotalSize, int64(0))

	require.NoError(t, cache.Delete("ETHUSDT_4h_2024-01-01_2024-02-01"))
	require.NoError(t, cache.Delete("never-saved"))
	entries, err = cache.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// 未过期不清理
	deleted, err := cache.CleanOld(1)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = cache.CleanOld(-1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	require.NoError(t, cache.Clear())
	entries, err = cache.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
