package utils

import (
	"time"
)

var (
	// GlobalLocation 日志与控制台输出使用的时区，回测计算始终使用 UTC 毫秒时间戳
	GlobalLocation *time.Location
)

func init() {
	// 默认东8区
	SetLocation("Asia/Shanghai")
}

// SetLocation 设置全局时区，加载失败时保留原有时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		if name == "UTC+8" || name == "Asia/Shanghai" {
			GlobalLocation = time.FixedZone("UTC+8", 8*60*60)
			return nil
		}
		if GlobalLocation == nil {
			GlobalLocation = time.UTC
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// FromMillis 毫秒时间戳转为配置时区的时间
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).In(GlobalLocation)
}

// FormatMillis 按配置时区格式化毫秒时间戳
func FormatMillis(ms int64, layout string) string {
	return FromMillis(ms).Format(layout)
}

// FormatRange 格式化数据区间，用于日志
func FormatRange(start, end time.Time) string {
	const layout = "2006-01-02 15:04"
	return ToConfiguredTimezone(start).Format(layout) + " 至 " + ToConfiguredTimezone(end).Format(layout)
}
