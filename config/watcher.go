package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"quantsim/logger"
)

// ConfigWatcher 配置文件监控器（-watch 模式）
// 文件变化后重新加载并交给 HotReloader，加载成功的配置会备份
type ConfigWatcher struct {
	configPath    string
	watcher       *fsnotify.Watcher
	hotReloader   *HotReloader
	backupManager *BackupManager
	mu            sync.Mutex
	isWatching    bool
	lastModTime   time.Time
	settleDelay   time.Duration
	pollInterval  time.Duration
	updateChan    chan *ConfigDiff
	errorChan     chan error
	done          chan struct{}
}

// NewConfigWatcher 创建配置监控器，backupManager 可以为 nil
func NewConfigWatcher(configPath string, hotReloader *HotReloader, backupManager *BackupManager) (*ConfigWatcher, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件路径失败: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(absPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:    absPath,
		watcher:       watcher,
		hotReloader:   hotReloader,
		backupManager: backupManager,
		lastModTime:   lastModTime,
		settleDelay:   100 * time.Millisecond,
		pollInterval:  time.Second,
		updateChan:    make(chan *ConfigDiff, 1),
		errorChan:     make(chan error, 10),
		done:          make(chan struct{}),
	}, nil
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	// 监控目录而不是文件，编辑器保存时可能替换文件
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %v", err)
	}
	cw.isWatching = true

	go cw.watchLoop(ctx)
	logger.Info("👀 开始监控配置文件: %s", cw.configPath)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.isWatching {
		cw.mu.Unlock()
		return nil
	}
	cw.isWatching = false
	err := cw.watcher.Close()
	cw.mu.Unlock()

	<-cw.done
	return err
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	defer close(cw.done)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.configPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// 等待写入完成
				time.Sleep(cw.settleDelay)
				cw.reload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(err)

		case <-ticker.C:
			// 部分文件系统收不到事件，按修改时间兜底
			cw.reload()
		}
	}
}

// reload 文件修改时间变化时重新加载
func (cw *ConfigWatcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("获取文件信息失败: %v", err))
		return
	}
	if !info.ModTime().After(cw.lastModTime) {
		return
	}
	cw.lastModTime = info.ModTime()

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}

	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}
	if diff.IsEmpty() {
		return
	}

	logger.Info("🔄 配置已更新，%d 项变更", len(diff.Changes))
	if diff.RequiresRestart {
		logger.Warn("⚠️ 部分配置需要重启后生效")
	}

	if cw.backupManager != nil {
		if _, err := cw.backupManager.CreateBackup(cw.configPath, "reload"); err != nil {
			logger.Warn("⚠️ 备份配置失败: %v", err)
		}
	}

	// 只保留最新一次变更
	select {
	case <-cw.updateChan:
	default:
	}
	cw.updateChan <- diff
}

func (cw *ConfigWatcher) reportError(err error) {
	logger.Error("❌ %v", err)
	select {
	case cw.errorChan <- err:
	default:
	}
}

// GetUpdateChan 配置变更通知
func (cw *ConfigWatcher) GetUpdateChan() <-chan *ConfigDiff {
	return cw.updateChan
}

// GetErrorChan 获取错误通道
func (cw *ConfigWatcher) GetErrorChan() <-chan error {
	return cw.errorChan
}
