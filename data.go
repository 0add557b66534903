package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantsim/backtest"
	"quantsim/config"
	"quantsim/logger"
	"quantsim/marketdata"
	"quantsim/storage"
)

// dataSource 回测数据入口：csv 模式直接读文件，其余走 Loader
type dataSource struct {
	cfg    config.DataConfig
	loader *marketdata.Loader

	once   sync.Once
	csv    []backtest.Candle
	csvErr error
}

func newDataSource(cfg config.DataConfig, loader *marketdata.Loader) *dataSource {
	return &dataSource{cfg: cfg, loader: loader}
}

// GetHistoricalData 实现 web.CandleProvider
func (d *dataSource) GetHistoricalData(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error) {
	if d.cfg.Source != "csv" {
		return d.loader.GetHistoricalData(ctx, symbol, interval, start, end)
	}

	d.once.Do(func() {
		d.csv, d.csvErr = storage.LoadCandlesCSV(d.cfg.CSVPath)
		if d.csvErr == nil {
			logger.Info("✅ 从 CSV 加载: %s (%d 根K线)", d.cfg.CSVPath, len(d.csv))
		}
	})
	if d.csvErr != nil {
		return nil, d.csvErr
	}
	return filterRange(d.csv, start, end), nil
}

// GetFundingRates 实现 web.FundingProvider，csv 模式没有资金费率
func (d *dataSource) GetFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error) {
	if d.cfg.Source == "csv" {
		return nil, nil
	}
	return d.loader.GetFundingRates(ctx, symbol, start, end)
}

// Range 配置中的数据区间；csv 模式未配置时返回零值
func (d *dataSource) Range() (time.Time, time.Time) {
	return d.cfg.Range()
}

// load 按基础配置加载K线，期货且未配置费率表时一并加载资金费率
func (d *dataSource) load(ctx context.Context, cfg *backtest.Config) ([]backtest.Candle, error) {
	start, end := d.Range()
	candles, err := d.GetHistoricalData(ctx, cfg.Symbol, cfg.Timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("未获取到历史数据: %s %s", cfg.Symbol, cfg.Timeframe)
	}

	if cfg.MarketType == backtest.MarketFutures && len(cfg.FundingRates) == 0 {
		if start.IsZero() {
			start = time.UnixMilli(candles[0].OpenTime)
			end = time.UnixMilli(candles[len(candles)-1].CloseTime)
		}
		rates, err := d.GetFundingRates(ctx, cfg.Symbol, start, end)
		if err != nil {
			logger.Warn("⚠️ 获取资金费率失败，使用固定费率: %v", err)
		} else if len(rates) > 0 {
			cfg.FundingRates = rates
		}
	}
	return candles, nil
}

// filterRange 截取 [start, end] 内开盘的K线，区间为零值时不截取
func filterRange(candles []backtest.Candle, start, end time.Time) []backtest.Candle {
	if start.IsZero() && end.IsZero() {
		return candles
	}
	out := make([]backtest.Candle, 0, len(candles))
	for _, c := range candles {
		if !start.IsZero() && c.OpenTime < start.UnixMilli() {
			continue
		}
		if !end.IsZero() && c.OpenTime > end.UnixMilli() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// emptySource 强制从 Binance 下载
type emptySource struct{}

func (emptySource) LoadCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error) {
	return nil, nil
}
