package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"quantsim/backtest"
	"quantsim/logger"
)

const (
	cacheIndexFile = "cache_index.json"
	cacheDateFmt   = "2006-01-02"
)

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}

// CacheKey 生成缓存键，格式: BTCUSDT_1h_2023-01-01_2023-06-30
func CacheKey(symbol, interval string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		strings.ToUpper(symbol),
		interval,
		start.UTC().Format(cacheDateFmt),
		end.UTC().Format(cacheDateFmt),
	)
}

// LoadCandlesCSV 从 CSV 文件加载K线（首行为表头）
func LoadCandlesCSV(path string) ([]backtest.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("缓存文件为空或格式错误")
	}

	candles := make([]backtest.Candle, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		c, err := parseCSVRecord(records[i])
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 行失败: %w", i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// parseCSVRecord 解析一行K线，close_time 列可省略
func parseCSVRecord(record []string) (backtest.Candle, error) {
	var c backtest.Candle
	if len(record) != 6 && len(record) != 7 {
		return c, fmt.Errorf("记录字段数量错误: 期望6或7个，实际%d个", len(record))
	}

	openTime, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return c, fmt.Errorf("解析 open_time 失败: %w", err)
	}
	c.OpenTime = openTime

	fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, dst := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return c, fmt.Errorf("解析 %s 失败: %w", csvHeader[i+1], err)
		}
		*dst = v
	}

	if len(record) == 7 {
		closeTime, err := strconv.ParseInt(strings.TrimSpace(record[6]), 10, 64)
		if err != nil {
			return c, fmt.Errorf("解析 close_time 失败: %w", err)
		}
		c.CloseTime = closeTime
	}
	return c, nil
}

// SaveCandlesCSV 写入 CSV 文件
func SaveCandlesCSV(path string, candles []backtest.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建缓存文件失败: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.OpenTime, 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
			strconv.FormatInt(c.CloseTime, 10),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入数据失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// CacheEntry 缓存索引条目
type CacheEntry struct {
	Name     string    `json:"name"`
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Candles  int       `json:"candles"`
	SizeMB   float64   `json:"size_mb"`
	Created  time.Time `json:"created"`
}

// CacheStats 缓存统计
type CacheStats struct {
	FileCount int     `json:"file_count"`
	TotalSize int64   `json:"total_size"`
	SizeMB    float64 `json:"size_mb"`
}

// CandleCache 以 CSV 文件缓存下载过的K线，目录下维护 cache_index.json
type CandleCache struct {
	dir string
	mu  sync.Mutex
}

// NewCandleCache 创建缓存
func NewCandleCache(dir string) *CandleCache {
	if dir == "" {
		dir = filepath.Join("data", "cache")
	}
	return &CandleCache{dir: dir}
}

// Dir 缓存目录
func (cc *CandleCache) Dir() string {
	return cc.dir
}

func (cc *CandleCache) path(key string) string {
	return filepath.Join(cc.dir, key+".csv")
}

// Load 读取缓存
func (cc *CandleCache) Load(key string) ([]backtest.Candle, error) {
	return LoadCandlesCSV(cc.path(key))
}

// Save 写入缓存并更新索引
func (cc *CandleCache) Save(key string, candles []backtest.Candle) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if err := SaveCandlesCSV(cc.path(key), candles); err != nil {
		return err
	}
	if err := cc.updateIndex(key, len(candles)); err != nil {
		logger.Warn("⚠️ 更新缓存索引失败: %v", err)
	}
	return nil
}

func (cc *CandleCache) readIndex() (map[string]CacheEntry, error) {
	index := make(map[string]CacheEntry)
	data, err := os.ReadFile(filepath.Join(cc.dir, cacheIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("读取缓存索引失败: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("解析缓存索引失败: %w", err)
	}
	return index, nil
}

func (cc *CandleCache) writeIndex(index map[string]CacheEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cc.dir, cacheIndexFile), data, 0644)
}

// updateIndex 解析缓存键并记录文件大小
func (cc *CandleCache) updateIndex(key string, count int) error {
	index, err := cc.readIndex()
	if err != nil {
		return err
	}

	entry := CacheEntry{Name: key, Candles: count, Created: time.Now()}
	if parts := strings.Split(key, "_"); len(parts) == 4 {
		entry.Symbol = parts[0]
		entry.Interval = parts[1]
		entry.Start, _ = time.Parse(cacheDateFmt, parts[2])
		entry.End, _ = time.Parse(cacheDateFmt, parts[3])
	}
	if info, err := os.Stat(cc.path(key)); err == nil {
		entry.SizeMB = float64(info.Size()) / 1024 / 1024
	}
	index[key] = entry
	return cc.writeIndex(index)
}

// List 列出所有缓存，按名称排序
func (cc *CandleCache) List() ([]CacheEntry, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	index, err := cc.readIndex()
	if err != nil {
		return nil, err
	}
	entries := make([]CacheEntry, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Delete 删除指定缓存
func (cc *CandleCache) Delete(key string) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.deleteLocked(key)
}

func (cc *CandleCache) deleteLocked(key string) error {
	if err := os.Remove(cc.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除缓存文件失败: %w", err)
	}
	index, err := cc.readIndex()
	if err != nil {
		return err
	}
	if _, ok := index[key]; !ok {
		return nil
	}
	delete(index, key)
	return cc.writeIndex(index)
}

// Clear 清理所有缓存
func (cc *CandleCache) Clear() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if err := os.RemoveAll(cc.dir); err != nil {
		return fmt.Errorf("清理缓存失败: %w", err)
	}
	return nil
}

// Stats 统计缓存文件
func (cc *CandleCache) Stats() (CacheStats, error) {
	files, err := filepath.Glob(filepath.Join(cc.dir, "*.csv"))
	if err != nil {
		return CacheStats{}, fmt.Errorf("读取缓存目录失败: %w", err)
	}

	var total int64
	for _, f := range files {
		if info, err := os.Stat(f); err == nil {
			total += info.Size()
		}
	}
	return CacheStats{
		FileCount: len(files),
		TotalSize: total,
		SizeMB:    float64(total) / 1024 / 1024,
	}, nil
}

// CleanOld 删除创建时间早于 days 天前的缓存，返回删除数量
func (cc *CandleCache) CleanOld(days int) (int, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	index, err := cc.readIndex()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted := 0
	for name, entry := range index {
		if !entry.Created.Before(cutoff) {
			continue
		}
		if err := cc.deleteLocked(name); err != nil {
			return deleted, fmt.Errorf("删除过期缓存 %s 失败: %w", name, err)
		}
		deleted++
	}
	if deleted > 0 {
		logger.Info("✅ 已清理 %d 个过期缓存", deleted)
	}
	return deleted, nil
}
