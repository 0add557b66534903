package marketdata

import (
	"fmt"
	"time"
)

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// IntervalDuration K线周期对应的时长
func IntervalDuration(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, fmt.Errorf("不支持的K线周期: %s", interval)
	}
	return d, nil
}

// batchDuration 单批请求覆盖的时间跨度
func batchDuration(interval string, limit int) time.Duration {
	d, err := IntervalDuration(interval)
	if err != nil {
		d = time.Hour
	}
	return d * time.Duration(limit)
}
