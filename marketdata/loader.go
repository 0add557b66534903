package marketdata

import (
	"context"
	"fmt"
	"time"

	"quantsim/backtest"
	"quantsim/logger"
	"quantsim/storage"
	"quantsim/utils"
)

// CandleFetcher 远程K线下载
type CandleFetcher interface {
	FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error)
	FetchFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error)
}

var _ CandleFetcher = (*Fetcher)(nil)

// Loader 优先读本地（CSV 缓存 → 行情库/ClickHouse），缺失时从 Binance 下载并回写
type Loader struct {
	cache   *storage.CandleCache
	store   *storage.SQLiteStore
	source  storage.CandleSource
	fetcher CandleFetcher
}

// NewLoader 任一组件可为 nil；source 为 nil 时使用 store
func NewLoader(cache *storage.CandleCache, store *storage.SQLiteStore, source storage.CandleSource, fetcher CandleFetcher) *Loader {
	if source == nil && store != nil {
		source = store
	}
	return &Loader{cache: cache, store: store, source: source, fetcher: fetcher}
}

// GetHistoricalData 获取 [start, end] 内的K线
func (l *Loader) GetHistoricalData(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error) {
	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}

	cacheKey := storage.CacheKey(symbol, interval, start, end)
	if l.cache != nil {
		if candles, err := l.cache.Load(cacheKey); err == nil {
			logger.Info("✅ 从缓存加载: %s (%d 根K线)", cacheKey, len(candles))
			return candles, nil
		}
	}

	if l.source != nil {
		candles, err := l.source.LoadCandles(ctx, symbol, interval, start, end)
		if err != nil {
			logger.Warn("⚠️ 读取本地K线失败: %v", err)
		} else if covers(candles, start, end, step) {
			logger.Info("✅ 从本地行情库加载: %s %s (%d 根K线)", symbol, interval, len(candles))
			l.saveCache(cacheKey, candles)
			return candles, nil
		}
	}

	if l.fetcher == nil {
		return nil, fmt.Errorf("本地没有 %s %s 的完整数据，且未配置下载", symbol, interval)
	}

	logger.Info("⬇️ 从 Binance 下载: %s %s (%s)", symbol, interval, utils.FormatRange(start, end))
	candles, err := l.fetcher.FetchKlines(ctx, symbol, interval, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s %s 在指定区间没有K线数据", symbol, interval)
	}

	if l.store != nil {
		if err := l.store.SaveCandles(ctx, symbol, interval, candles); err != nil {
			logger.Warn("⚠️ 写入行情库失败: %v", err)
		}
	}
	l.saveCache(cacheKey, candles)
	return candles, nil
}

// GetFundingRates 获取资金费率，行情库为空时下载
func (l *Loader) GetFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error) {
	if l.store != nil {
		rates, err := l.store.LoadFundingRates(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		if len(rates) > 0 || l.fetcher == nil {
			return rates, nil
		}
	}
	if l.fetcher == nil {
		return nil, nil
	}

	rates, err := l.fetcher.FetchFundingRates(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if l.store != nil {
		if _, err := l.store.SaveFundingRates(ctx, symbol, rates); err != nil {
			logger.Warn("⚠️ 写入资金费率失败: %v", err)
		}
	}
	return rates, nil
}

func (l *Loader) saveCache(key string, candles []backtest.Candle) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Save(key, candles); err != nil {
		logger.Warn("⚠️ 缓存保存失败: %v", err)
		return
	}
	logger.Info("💾 已缓存: %s", key)
}

// covers 首尾K线距离区间边界不超过一个周期
func covers(candles []backtest.Candle, start, end time.Time, step time.Duration) bool {
	if len(candles) == 0 {
		return false
	}
	stepMs := step.Milliseconds()
	first, last := candles[0].OpenTime, candles[len(candles)-1].OpenTime
	return first-start.UnixMilli() < stepMs && end.UnixMilli()-last < stepMs
}
