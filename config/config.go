package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"quantsim/backtest"
	"quantsim/database"
	"quantsim/event"
	"quantsim/lock"
	"quantsim/marketdata"
	"quantsim/monitor"
	"quantsim/notify"
	"quantsim/storage"
)

// dateLayout 数据区间使用的日期格式
const dateLayout = "2006-01-02"

// Config 应用配置
type Config struct {
	System        SystemConfig             `yaml:"system"`
	Data          DataConfig               `yaml:"data"`
	Backtest      backtest.Config          `yaml:"backtest"`
	Sweep         SweepConfig              `yaml:"sweep"`
	Report        ReportConfig             `yaml:"report"`
	Database      database.Config          `yaml:"database"`
	Storage       storage.Config           `yaml:"storage"`
	ClickHouse    storage.ClickHouseConfig `yaml:"clickhouse"`
	Binance       marketdata.Config        `yaml:"binance"`
	Redis         lock.RedisConfig         `yaml:"redis"`
	Lock          lock.Config              `yaml:"lock"`
	Web           WebConfig                `yaml:"web"`
	EventCenter   event.EventCenterConfig  `yaml:"event_center"`
	Watchdog      monitor.WatchdogConfig   `yaml:"watchdog"`
	Notifications notify.Config            `yaml:"notifications"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel    string `yaml:"log_level"`    // DEBUG, INFO, WARN, ERROR
	LogDir      string `yaml:"log_dir"`      // 为空时不写日志文件
	Timezone    string `yaml:"timezone"`     // 日志与报告使用的时区
	LogLanguage string `yaml:"log_language"` // 报告语言 zh-CN / en-US
}

// DataConfig 回测数据来源
type DataConfig struct {
	Source  string `yaml:"source"`   // auto, csv, sqlite, clickhouse, binance
	CSVPath string `yaml:"csv_path"` // source=csv 时读取
	Start   string `yaml:"start"`    // 2006-01-02
	End     string `yaml:"end"`      // 2006-01-02，包含当天

	startTime time.Time
	endTime   time.Time
}

// Range 返回解析后的数据区间（Validate 之后可用）
func (d DataConfig) Range() (time.Time, time.Time) {
	return d.startTime, d.endTime
}

// SweepConfig 参数扫描配置
type SweepConfig struct {
	Workers        int                  `yaml:"workers"`           // 0 表示按机器资源自动计算
	PerRunMemoryMB float64              `yaml:"per_run_memory_mb"` // 估算单个回测的内存占用
	Variants       []SweepVariant       `yaml:"variants"`
	Grid           map[string][]float64 `yaml:"grid"` // 策略参数网格，做笛卡尔积
}

// SweepVariant 在基础回测配置上覆盖的字段
type SweepVariant struct {
	Name           string               `yaml:"name"`
	Strategy       string               `yaml:"strategy"`
	StrategyParams map[string]float64   `yaml:"strategy_params"`
	Timeframe      string               `yaml:"timeframe"`
	Leverage       float64              `yaml:"leverage"`
	AllowShort     *bool                `yaml:"allow_short"`
	Tactics        *backtest.TacticsSet `yaml:"tactics"`
}

// ReportConfig 报告输出配置
type ReportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	Language  string `yaml:"language"`
	EquityCSV bool   `yaml:"equity_csv"`
}

// WebConfig HTTP 服务配置（serve 模式）
type WebConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	MaxConcurrentRuns  int    `yaml:"max_concurrent_runs"`
	ProgressThrottleMs int    `yaml:"progress_throttle_ms"` // 进度写库的最小间隔
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %v", err)
	}

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %v", err)
		}
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %v", err)
	}

	return nil
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	// 系统
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
	default:
		return fmt.Errorf("不支持的日志级别: %s", c.System.LogLevel)
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Asia/Shanghai"
	}
	if _, err := time.LoadLocation(c.System.Timezone); err != nil {
		return fmt.Errorf("无效的时区 %s: %v", c.System.Timezone, err)
	}
	if c.System.LogLanguage == "" {
		c.System.LogLanguage = "zh-CN"
	}

	// 回测
	if err := c.Backtest.Validate(); err != nil {
		return err
	}
	if c.Backtest.Strategy == "" {
		return fmt.Errorf("必须指定回测策略 (backtest.strategy)，可选: %s", strings.Join(backtest.StrategyNames(), ", "))
	}
	if _, err := backtest.NewStrategy(c.Backtest.Strategy, c.Backtest.StrategyParams); err != nil {
		return fmt.Errorf("策略配置无效: %w", err)
	}

	if err := c.Data.validate(); err != nil {
		return err
	}

	// 参数扫描
	if c.Sweep.Workers < 0 {
		return fmt.Errorf("扫描并发数不能为负数: %d", c.Sweep.Workers)
	}
	if c.Sweep.PerRunMemoryMB <= 0 {
		c.Sweep.PerRunMemoryMB = 64
	}
	for i, v := range c.Sweep.Variants {
		if v.Strategy != "" {
			if _, err := backtest.NewStrategy(v.Strategy, nil); err != nil {
				return fmt.Errorf("扫描配置 variants[%d] 策略无效: %w", i, err)
			}
		}
	}
	for key, values := range c.Sweep.Grid {
		if len(values) == 0 {
			return fmt.Errorf("参数网格 %s 不能为空", key)
		}
	}

	// 报告
	if c.Report.Dir == "" {
		c.Report.Dir = "reports"
	}
	if c.Report.Language == "" {
		c.Report.Language = c.System.LogLanguage
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/market.db"
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = "data/cache"
	}

	// Binance 限流
	if c.Binance.RequestsPerSecond < 0 {
		return fmt.Errorf("Binance 请求频率不能为负数")
	}

	// 分布式锁：顶层 redis 配置作为锁的默认连接
	if c.Lock.Redis.Addr == "" {
		c.Lock.Redis = c.Redis
	}
	if c.Lock.Enabled && c.Lock.Redis.Addr == "" && !c.Lock.FallbackToNop {
		return fmt.Errorf("启用分布式锁时必须配置 redis.addr")
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "quantsim:lock:"
	}
	if c.Lock.DefaultTTL == 0 {
		c.Lock.DefaultTTL = 10 * time.Minute
	}

	// Web
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 28888
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("Web 端口无效: %d", c.Web.Port)
	}
	if c.Web.MaxConcurrentRuns <= 0 {
		c.Web.MaxConcurrentRuns = 2
	}
	if c.Web.ProgressThrottleMs <= 0 {
		c.Web.ProgressThrottleMs = 1000
	}

	// 事件中心
	if c.EventCenter.CleanupInterval <= 0 {
		c.EventCenter.CleanupInterval = 24
	}
	if c.EventCenter.Retention.CriticalDays <= 0 {
		c.EventCenter.Retention.CriticalDays = 90
	}
	if c.EventCenter.Retention.WarningDays <= 0 {
		c.EventCenter.Retention.WarningDays = 30
	}
	if c.EventCenter.Retention.InfoDays <= 0 {
		c.EventCenter.Retention.InfoDays = 7
	}

	if c.Watchdog.IntervalSeconds <= 0 {
		c.Watchdog.IntervalSeconds = 60
	}

	if err := c.Notifications.Validate(); err != nil {
		return fmt.Errorf("通知配置无效: %w", err)
	}

	return nil
}

func (d *DataConfig) validate() error {
	d.Source = strings.ToLower(strings.TrimSpace(d.Source))
	switch d.Source {
	case "":
		d.Source = "auto"
	case "auto", "sqlite", "clickhouse", "binance":
	case "csv":
		if d.CSVPath == "" {
			return fmt.Errorf("数据来源为 csv 时必须配置 data.csv_path")
		}
	default:
		return fmt.Errorf("不支持的数据来源: %s", d.Source)
	}

	if d.Source == "csv" {
		return nil
	}
	if d.Start == "" || d.End == "" {
		return fmt.Errorf("必须配置回测区间 data.start 和 data.end")
	}
	start, err := time.ParseInLocation(dateLayout, d.Start, time.UTC)
	if err != nil {
		return fmt.Errorf("开始日期格式错误 (%s): %v", d.Start, err)
	}
	end, err := time.ParseInLocation(dateLayout, d.End, time.UTC)
	if err != nil {
		return fmt.Errorf("结束日期格式错误 (%s): %v", d.End, err)
	}
	// 结束日期包含当天
	end = end.Add(24*time.Hour - time.Millisecond)
	if !end.After(start) {
		return fmt.Errorf("结束日期必须晚于开始日期")
	}
	d.startTime, d.endTime = start, end
	return nil
}

// SweepJobs 把 variants 与参数网格展开为扫描任务
// 两者都为空时只返回基础配置本身
func (c *Config) SweepJobs() []backtest.SweepJob {
	bases := []backtest.SweepJob{{Name: c.Backtest.Strategy, Config: cloneBacktest(c.Backtest)}}
	if len(c.Sweep.Variants) > 0 {
		bases = bases[:0]
		for i, v := range c.Sweep.Variants {
			bases = append(bases, c.applyVariant(i, v))
		}
	}

	if len(c.Sweep.Grid) == 0 {
		return bases
	}

	keys := make([]string, 0, len(c.Sweep.Grid))
	for k := range c.Sweep.Grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var jobs []backtest.SweepJob
	for _, base := range bases {
		combos := []map[string]float64{{}}
		for _, key := range keys {
			var next []map[string]float64
			for _, combo := range combos {
				for _, value := range c.Sweep.Grid[key] {
					m := make(map[string]float64, len(combo)+1)
					for k, v := range combo {
						m[k] = v
					}
					m[key] = value
					next = append(next, m)
				}
			}
			combos = next
		}

		for _, combo := range combos {
			job := backtest.SweepJob{Name: base.Name, Config: cloneBacktest(base.Config)}
			if job.Config.StrategyParams == nil {
				job.Config.StrategyParams = make(map[string]float64, len(combo))
			}
			parts := make([]string, 0, len(keys))
			for _, key := range keys {
				job.Config.StrategyParams[key] = combo[key]
				parts = append(parts, fmt.Sprintf("%s=%g", key, combo[key]))
			}
			job.Name = base.Name + "[" + strings.Join(parts, ",") + "]"
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (c *Config) applyVariant(i int, v SweepVariant) backtest.SweepJob {
	cfg := cloneBacktest(c.Backtest)
	if v.Strategy != "" && v.Strategy != cfg.Strategy {
		cfg.Strategy = v.Strategy
		cfg.StrategyParams = nil
	}
	if len(v.StrategyParams) > 0 {
		if cfg.StrategyParams == nil {
			cfg.StrategyParams = make(map[string]float64, len(v.StrategyParams))
		}
		for k, val := range v.StrategyParams {
			cfg.StrategyParams[k] = val
		}
	}
	if v.Timeframe != "" {
		cfg.Timeframe = v.Timeframe
	}
	if v.Leverage > 0 {
		cfg.Leverage = v.Leverage
	}
	if v.AllowShort != nil {
		cfg.AllowShort = *v.AllowShort
	}
	if v.Tactics != nil {
		cfg.Tactics = *v.Tactics
	}

	name := v.Name
	if name == "" {
		name = fmt.Sprintf("%s#%d", cfg.Strategy, i+1)
	}
	return backtest.SweepJob{Name: name, Config: cfg}
}

// cloneBacktest 复制回测配置中的 map/slice，避免任务之间共享
func cloneBacktest(cfg backtest.Config) backtest.Config {
	if cfg.StrategyParams != nil {
		params := make(map[string]float64, len(cfg.StrategyParams))
		for k, v := range cfg.StrategyParams {
			params[k] = v
		}
		cfg.StrategyParams = params
	}
	if cfg.FundingRates != nil {
		cfg.FundingRates = append([]backtest.FundingRate(nil), cfg.FundingRates...)
	}
	return cfg
}
