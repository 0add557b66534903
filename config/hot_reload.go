package config

import (
	"fmt"
	"reflect"
	"sync"
)

// HotReloader 配置热更新器
// 需要重启的配置段保持旧值，其余配置段立即生效
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config, diff *ConfigDiff) error

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// UpdateConfig 更新配置（热更新）
// 返回完整差异，RequiresRestart 为 true 时部分变更要等重启后生效
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	oldConfig := hr.currentConfig
	diff := DiffConfig(oldConfig, newConfig)
	if diff.IsEmpty() {
		return diff, nil
	}

	applied := newConfig
	if diff.RequiresRestart {
		applied = keepRestartFields(oldConfig, newConfig, diff)
	}

	for _, callback := range hr.updateCallbacks {
		if err := callback(oldConfig, applied, diff); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %v", err)
		}
	}

	hr.currentConfig = applied
	return diff, nil
}

// GetCurrentConfig 获取当前配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

// keepRestartFields 复制新配置，并把需要重启的字段恢复为旧值
func keepRestartFields(oldConfig, newConfig *Config, diff *ConfigDiff) *Config {
	merged := *newConfig
	dst := reflect.ValueOf(&merged).Elem()
	src := reflect.ValueOf(oldConfig).Elem()

	for _, change := range diff.Changes {
		if !change.RequiresRestart {
			continue
		}
		for _, p := range restartSections {
			if underPath(change.Path, p) {
				copyPath(dst, src, p)
			}
		}
	}
	return &merged
}

// copyPath 按 yaml 路径（点分隔，仅结构体字段）从 src 复制到 dst
func copyPath(dst, src reflect.Value, path string) {
	name, rest := path, ""
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			name, rest = path[:i], path[i+1:]
			break
		}
	}

	typ := dst.Type()
	for i := 0; i < typ.NumField(); i++ {
		fieldName, ok := yamlName(typ.Field(i))
		if !ok || fieldName != name {
			continue
		}
		if rest == "" || dst.Field(i).Kind() != reflect.Struct {
			dst.Field(i).Set(src.Field(i))
			return
		}
		copyPath(dst.Field(i), src.Field(i), rest)
		return
	}
}
