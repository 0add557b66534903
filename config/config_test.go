package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantsim/backtest"
	"quantsim/notify"
)

const sampleYAML = `
system:
  log_level: debug
data:
  source: sqlite
  start: "2024-01-01"
  end: "2024-01-31"
backtest:
  symbol: btcusdt
  timeframe: 1h
  initial_balance: 10000
  strategy: ema_cross
  strategy_params:
    fast: 12
    slow: 26
  leverage: 3
  allow_short: true
redis:
  addr: "127.0.0.1:6379"
web:
  port: 9000
`

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.Data = DataConfig{Source: "sqlite", Start: "2024-01-01", End: "2024-02-01"}
	cfg.Backtest = backtest.Config{
		Symbol:         "BTCUSDT",
		InitialBalance: 10000,
		Strategy:       "ema_cross",
	}
	cfg.Storage.Path = filepath.Join(os.TempDir(), "quantsim_test.db")
	cfg.Web.Port = 28888
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := createValidConfig()
	require.NoError(t, cfg.Validate())

	// 默认值
	assert.Equal(t, "INFO", cfg.System.LogLevel)
	assert.Equal(t, "zh-CN", cfg.Report.Language)
	assert.Equal(t, "reports", cfg.Report.Dir)
	assert.Equal(t, 2, cfg.Web.MaxConcurrentRuns)
	assert.Equal(t, "1h", cfg.Backtest.Timeframe)
	assert.Equal(t, 64.0, cfg.Sweep.PerRunMemoryMB)
	assert.Equal(t, "quantsim:lock:", cfg.Lock.Prefix)
	assert.Equal(t, 7, cfg.EventCenter.Retention.InfoDays)

	start, end := cfg.Data.Range()
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 2, 1, 23, 59, 59, 999000000, time.UTC), end)

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"缺少交易对", func(c *Config) { c.Backtest.Symbol = "" }},
		{"缺少策略", func(c *Config) { c.Backtest.Strategy = "" }},
		{"未知策略", func(c *Config) { c.Backtest.Strategy = "martingale" }},
		{"日志级别", func(c *Config) { c.System.LogLevel = "verbose" }},
		{"数据来源", func(c *Config) { c.Data.Source = "ftp" }},
		{"缺少日期", func(c *Config) { c.Data.End = "" }},
		{"日期格式", func(c *Config) { c.Data.Start = "2024/01/01" }},
		{"日期顺序", func(c *Config) { c.Data.Start, c.Data.End = "2024-03-01", "2024-01-01" }},
		{"csv 缺少路径", func(c *Config) { c.Data = DataConfig{Source: "csv"} }},
		{"端口", func(c *Config) { c.Web.Port = 70000 }},
		{"扫描并发数", func(c *Config) { c.Sweep.Workers = -1 }},
		{"空参数网格", func(c *Config) { c.Sweep.Grid = map[string][]float64{"fast": {}} }},
		{"锁缺少 redis", func(c *Config) { c.Lock.Enabled = true }},
		{"时区", func(c *Config) { c.System.Timezone = "Mars/Olympus" }},
		{"通知事件", func(c *Config) { c.Notifications.Events = []string{"order_created"} }},
		{"Telegram 缺少 chat_id", func(c *Config) {
			c.Notifications.Enabled = true
			c.Notifications.Telegram = notify.TelegramConfig{Enabled: true, BotToken: "t"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createValidConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigurationErrorPropagates(t *testing.T) {
	cfg := createValidConfig()
	cfg.Backtest.Leverage = 500

	var cfgErr *backtest.ConfigurationError
	require.ErrorAs(t, cfg.Validate(), &cfgErr)
	assert.Equal(t, "leverage", cfgErr.Field)
}

func TestLoadConfigFromBytes(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Backtest.Symbol)
	assert.Equal(t, 3.0, cfg.Backtest.Leverage)
	assert.Equal(t, 12.0, cfg.Backtest.Param("fast", 0))
	assert.Equal(t, "127.0.0.1:6379", cfg.Lock.Redis.Addr)
	assert.Equal(t, 9000, cfg.Web.Port)

	_, err = LoadConfigFromBytes([]byte("backtest: [1, 2"))
	assert.Error(t, err)

	_, err = LoadConfigFromBytes([]byte(strings.Replace(sampleYAML, "ema_cross", "unknown", 1)))
	assert.Error(t, err)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := createValidConfig()
	cfg.Backtest.StrategyParams = map[string]float64{"fast": 10, "slow": 30}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Backtest.StrategyParams, loaded.Backtest.StrategyParams)
	assert.Empty(t, DiffConfig(cfg, loaded).Changes)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSweepJobs(t *testing.T) {
	cfg := createValidConfig()
	require.NoError(t, cfg.Validate())

	jobs := cfg.SweepJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ema_cross", jobs[0].Name)

	cfg.Sweep.Grid = map[string][]float64{
		"slow": {30, 40},
		"fast": {5, 10, 15},
	}
	jobs = cfg.SweepJobs()
	require.Len(t, jobs, 6)
	assert.Equal(t, "ema_cross[fast=5,slow=30]", jobs[0].Name)
	assert.Equal(t, "ema_cross[fast=15,slow=40]", jobs[5].Name)
	assert.Equal(t, 15.0, jobs[5].Config.StrategyParams["fast"])

	// 任务之间不共享参数 map
	jobs[0].Config.StrategyParams["fast"] = 99
	assert.Equal(t, 5.0, cfg.SweepJobs()[0].Config.StrategyParams["fast"])
	assert.Nil(t, cfg.Backtest.StrategyParams)

	short := false
	cfg.Sweep.Grid = nil
	cfg.Sweep.Variants = []SweepVariant{
		{Name: "bb", Strategy: "bollinger", StrategyParams: map[string]float64{"period": 30}},
		{Strategy: "rsi_reversal", Leverage: 2, AllowShort: &short},
	}
	jobs = cfg.SweepJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "bb", jobs[0].Name)
	assert.Equal(t, "bollinger", jobs[0].Config.Strategy)
	assert.Equal(t, 30.0, jobs[0].Config.StrategyParams["period"])
	assert.Equal(t, "rsi_reversal#2", jobs[1].Name)
	assert.Equal(t, 2.0, jobs[1].Config.Leverage)
	assert.False(t, jobs[1].Config.AllowShort)
}

func TestConfigDiff(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()

	diff := DiffConfig(oldCfg, newCfg)
	assert.True(t, diff.IsEmpty())

	newCfg.Backtest.Leverage = 5
	diff = DiffConfig(oldCfg, newCfg)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "backtest.leverage", diff.Changes[0].Path)
	assert.Equal(t, "backtest", diff.Changes[0].Section())
	assert.False(t, diff.RequiresRestart)
	assert.True(t, diff.RequiresRerun())

	newCfg.Web.Port = 9999
	diff = DiffConfig(oldCfg, newCfg)
	assert.True(t, diff.RequiresRestart)
	assert.True(t, diff.Touches("web.port"))
	assert.False(t, diff.Touches("web.host"))
	assert.ElementsMatch(t, []string{"backtest.leverage", "web.port"}, diff.Paths())

	newCfg = createValidConfig()
	newCfg.Backtest.StrategyParams = map[string]float64{"fast": 8}
	diff = DiffConfig(oldCfg, newCfg)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, ChangeTypeAdded, diff.Changes[0].Type)
}

func TestHotReloader(t *testing.T) {
	initialCfg := createValidConfig()
	reloader := NewHotReloader(initialCfg)

	var got *ConfigDiff
	reloader.RegisterCallback(func(old, new *Config, diff *ConfigDiff) error {
		got = diff
		return nil
	})

	newCfg := createValidConfig()
	newCfg.Backtest.Leverage = 10
	newCfg.Web.Port = 9999

	diff, err := reloader.UpdateConfig(newCfg)
	require.NoError(t, err)
	assert.Same(t, diff, got)
	assert.True(t, diff.RequiresRestart)

	current := reloader.GetCurrentConfig()
	assert.Equal(t, 10.0, current.Backtest.Leverage)
	assert.Equal(t, 28888, current.Web.Port, "端口需要重启后生效")

	// 回调失败时保持原配置
	reloader.RegisterCallback(func(old, new *Config, diff *ConfigDiff) error {
		return assert.AnError
	})
	failing := createValidConfig()
	failing.Backtest.Leverage = 2
	_, err = reloader.UpdateConfig(failing)
	assert.Error(t, err)
	assert.Equal(t, 10.0, reloader.GetCurrentConfig().Backtest.Leverage)
}

func TestConfigBackup(t *testing.T) {
	tempDir := t.TempDir()
	bm := NewBackupManager(filepath.Join(tempDir, "backups"), 2)

	configPath := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(sampleYAML), 0644))

	for i := 0; i < 3; i++ {
		info, err := bm.CreateBackup(configPath, "测试备份")
		require.NoError(t, err)
		assert.FileExists(t, info.FilePath)
		time.Sleep(5 * time.Millisecond)
	}

	backups, err := bm.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	latest, err := bm.Latest()
	require.NoError(t, err)
	assert.Equal(t, backups[0].ID, latest.ID)

	target := filepath.Join(tempDir, "restored.yaml")
	require.NoError(t, bm.RestoreBackup(latest.ID, target))
	_, err = LoadConfig(target)
	assert.NoError(t, err)

	assert.Error(t, bm.RestoreBackup("../config.yaml", target))
	require.NoError(t, bm.DeleteBackup(latest.ID))
	backups, err = bm.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestConfigWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	initial, err := LoadConfig(path)
	require.NoError(t, err)
	reloader := NewHotReloader(initial)

	cw, err := NewConfigWatcher(path, reloader, NewBackupManager(filepath.Join(dir, "backups"), 5))
	require.NoError(t, err)
	cw.pollInterval = 50 * time.Millisecond
	cw.settleDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cw.Start(ctx))
	defer cw.Stop()

	updated := strings.Replace(sampleYAML, "leverage: 3", "leverage: 4", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case diff := <-cw.GetUpdateChan():
		assert.True(t, diff.RequiresRerun())
		assert.False(t, diff.RequiresRestart)
	case <-time.After(3 * time.Second):
		t.Fatal("未收到配置变更通知")
	}
	assert.Equal(t, 4.0, reloader.GetCurrentConfig().Backtest.Leverage)
}
