package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"quantsim/backtest"
	"quantsim/logger"
)

// Binance 单次请求上限
const maxBatchSize = 1000

// Config Binance 行情下载配置（只使用公共行情接口）
type Config struct {
	APIKey            string  `yaml:"api_key"`
	SecretKey         string  `yaml:"secret_key"`
	Testnet           bool    `yaml:"testnet"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// marketAPI 行情接口
type marketAPI interface {
	Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*futures.Kline, error)
	FundingRates(ctx context.Context, symbol string, start, end int64, limit int) ([]*futures.FundingRate, error)
}

type binanceAPI struct {
	client *futures.Client
}

func (b *binanceAPI) Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*futures.Kline, error) {
	return b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start).
		EndTime(end).
		Limit(limit).
		Do(ctx)
}

func (b *binanceAPI) FundingRates(ctx context.Context, symbol string, start, end int64, limit int) ([]*futures.FundingRate, error) {
	return b.client.NewFundingRateService().
		Symbol(symbol).
		StartTime(start).
		EndTime(end).
		Limit(limit).
		Do(ctx)
}

// Fetcher 分批下载 Binance U 本位合约历史K线与资金费率
type Fetcher struct {
	api       marketAPI
	limiter   *rate.Limiter
	batchSize int
}

// NewFetcher 创建下载器
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Testnet {
		logger.Info("🌐 [Binance] 使用测试网模式")
	}
	// 必须在创建客户端之前设置
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return newFetcher(&binanceAPI{client: client}, rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst))
}

func newFetcher(api marketAPI, limiter *rate.Limiter) *Fetcher {
	return &Fetcher{api: api, limiter: limiter, batchSize: maxBatchSize}
}

// FetchKlines 下载 [start, end] 内开盘的K线，按开盘时间升序去重
func (f *Fetcher) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]backtest.Candle, error) {
	if _, err := IntervalDuration(interval); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("结束时间必须晚于开始时间")
	}

	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	totalBatches := int(end.Sub(start)/batchDuration(interval, f.batchSize)) + 1

	candles := make([]backtest.Candle, 0)
	cursor := startMs
	for batch := 1; cursor <= endMs; batch++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		klines, err := f.api.Klines(ctx, symbol, interval, cursor, endMs, f.batchSize)
		if err != nil {
			return nil, fmt.Errorf("获取第 %d 批数据失败: %w", batch, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			if k.OpenTime > endMs {
				break
			}
			if k.OpenTime < startMs || (len(candles) > 0 && k.OpenTime <= candles[len(candles)-1].OpenTime) {
				continue
			}
			c, err := parseKline(k)
			if err != nil {
				return nil, fmt.Errorf("解析K线 %d 失败: %w", k.OpenTime, err)
			}
			candles = append(candles, c)
		}

		next := klines[len(klines)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next

		progress := float64(batch) / float64(totalBatches) * 100
		if progress > 100 {
			progress = 100
		}
		logger.Info("📊 下载进度: %.1f%% (已获取 %d 根K线)", progress, len(candles))

		if len(klines) < f.batchSize {
			break
		}
	}

	logger.Info("✅ 下载完成: %s %s 共 %d 根K线", symbol, interval, len(candles))
	return candles, nil
}

// FetchFundingRates 下载 [start, end] 内的资金费率记录
func (f *Fetcher) FetchFundingRates(ctx context.Context, symbol string, start, end time.Time) ([]backtest.FundingRate, error) {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	rates := make([]backtest.FundingRate, 0)
	cursor := startMs
	for cursor <= endMs {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		items, err := f.api.FundingRates(ctx, symbol, cursor, endMs, f.batchSize)
		if err != nil {
			return nil, fmt.Errorf("获取资金费率失败: %w", err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			if item.FundingTime < startMs || item.FundingTime > endMs {
				continue
			}
			if len(rates) > 0 && item.FundingTime <= rates[len(rates)-1].Time {
				continue
			}
			r, err := decimal.NewFromString(item.FundingRate)
			if err != nil {
				return nil, fmt.Errorf("解析资金费率失败: %w", err)
			}
			rates = append(rates, backtest.FundingRate{Time: item.FundingTime, Rate: r.InexactFloat64()})
		}

		next := items[len(items)-1].FundingTime + 1
		if next <= cursor || len(items) < f.batchSize {
			break
		}
		cursor = next
	}

	logger.Info("✅ 资金费率下载完成: %s 共 %d 条", symbol, len(rates))
	return rates, nil
}

// parseKline 价格按十进制解析后再转 float64
func parseKline(k *futures.Kline) (backtest.Candle, error) {
	values := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return backtest.Candle{}, err
		}
		values[i] = d.InexactFloat64()
	}
	return backtest.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}
