package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "backtest.leverage"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// Section 变更所属的顶层配置段
func (c ConfigChange) Section() string {
	path := c.Path
	if i := strings.IndexAny(path, ".["); i >= 0 {
		path = path[:i]
	}
	return path
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// restartSections 进程启动时初始化的连接与服务，修改后需要重启
var restartSections = []string{
	"web.host",
	"web.port",
	"web.max_concurrent_runs",
	"system.timezone",
	"system.log_dir",
	"database",
	"storage",
	"clickhouse",
	"redis",
	"lock",
	"event_center",
	"watchdog",
	"notifications",
}

// rerunSections 影响回测结果的配置段，修改后需要重新回测
var rerunSections = []string{"backtest", "data", "sweep", "report"}

// DiffConfig 对比两个配置，生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.compare(reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), "")

	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// IsEmpty 是否没有任何变更
func (d *ConfigDiff) IsEmpty() bool {
	return d == nil || len(d.Changes) == 0
}

// RequiresRerun 是否有影响回测结果的变更
func (d *ConfigDiff) RequiresRerun() bool {
	return d.Touches(rerunSections...)
}

// Touches 是否有变更落在给定路径（或其子路径）下
func (d *ConfigDiff) Touches(paths ...string) bool {
	if d == nil {
		return false
	}
	for _, change := range d.Changes {
		for _, p := range paths {
			if underPath(change.Path, p) {
				return true
			}
		}
	}
	return false
}

// Paths 返回所有变更路径
func (d *ConfigDiff) Paths() []string {
	paths := make([]string, 0, len(d.Changes))
	for _, change := range d.Changes {
		paths = append(paths, change.Path)
	}
	return paths
}

func (d *ConfigDiff) compare(oldVal, newVal reflect.Value, path string) {
	oldVal = deref(oldVal)
	newVal = deref(newVal)

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case !newVal.IsValid():
		d.add(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid():
		d.add(path, ChangeTypeAdded, nil, newVal.Interface())
		return
	case oldVal.Type() != newVal.Type():
		d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			name, ok := yamlName(typ.Field(i))
			if !ok {
				continue
			}
			d.compare(oldVal.Field(i), newVal.Field(i), joinPath(path, name))
		}
	case reflect.Map:
		for _, key := range oldVal.MapKeys() {
			keyPath := joinPath(path, fmt.Sprint(key.Interface()))
			if nv := newVal.MapIndex(key); nv.IsValid() {
				d.compare(oldVal.MapIndex(key), nv, keyPath)
			} else {
				d.add(keyPath, ChangeTypeDeleted, oldVal.MapIndex(key).Interface(), nil)
			}
		}
		for _, key := range newVal.MapKeys() {
			if !oldVal.MapIndex(key).IsValid() {
				d.add(joinPath(path, fmt.Sprint(key.Interface())), ChangeTypeAdded, nil, newVal.MapIndex(key).Interface())
			}
		}
	case reflect.Slice, reflect.Array:
		// 长度不同视为整体修改
		if oldVal.Len() != newVal.Len() {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
			return
		}
		for i := 0; i < oldVal.Len(); i++ {
			d.compare(oldVal.Index(i), newVal.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) add(path string, changeType ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

// deref 解开指针和接口，nil 返回零值
func deref(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// yamlName 取字段的 yaml 名，未导出或忽略的字段返回 false
func yamlName(field reflect.StructField) (string, bool) {
	if field.PkgPath != "" {
		return "", false
	}
	tag := field.Tag.Get("yaml")
	if tag == "-" {
		return "", false
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		name = strings.ToLower(field.Name)
	}
	return name, true
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func underPath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+".") || strings.HasPrefix(path, prefix+"[")
}

// requiresRestart 判断配置路径是否需要重启
func requiresRestart(path string) bool {
	for _, p := range restartSections {
		if underPath(path, p) {
			return true
		}
	}
	return false
}
