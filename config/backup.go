package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quantsim/logger"
)

const (
	// DefaultBackupDir 默认备份目录
	DefaultBackupDir = "./config_backups"
	// DefaultMaxBackups 默认最多保留的备份数
	DefaultMaxBackups = 20

	backupPrefix     = "config."
	backupSuffix     = ".yaml"
	backupTimeLayout = "20060102-150405.000"
)

// BackupInfo 备份信息
type BackupInfo struct {
	ID          string    `json:"id"` // 备份文件名
	Timestamp   time.Time `json:"timestamp"`
	FilePath    string    `json:"file_path"`
	Size        int64     `json:"size"`
	Description string    `json:"description,omitempty"`
}

// BackupManager 保存每次成功加载的配置快照，watch 模式下改坏配置时可以回滚
type BackupManager struct {
	backupDir  string
	maxBackups int
}

// NewBackupManager 创建备份管理器
func NewBackupManager(dir string, maxBackups int) *BackupManager {
	if dir == "" {
		dir = DefaultBackupDir
	}
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &BackupManager{backupDir: dir, maxBackups: maxBackups}
}

// CreateBackup 备份配置文件
func (bm *BackupManager) CreateBackup(configPath string, description string) (*BackupInfo, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	if err := os.MkdirAll(bm.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("创建备份目录失败: %v", err)
	}

	now := time.Now()
	id := backupPrefix + now.Format(backupTimeLayout) + backupSuffix
	path := filepath.Join(bm.backupDir, id)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("写入备份文件失败: %v", err)
	}

	if err := bm.CleanOldBackups(); err != nil {
		logger.Warn("⚠️ 清理旧配置备份失败: %v", err)
	}

	return &BackupInfo{
		ID:          id,
		Timestamp:   now,
		FilePath:    path,
		Size:        int64(len(data)),
		Description: description,
	}, nil
}

// ListBackups 列出所有备份，最新的在前
func (bm *BackupManager) ListBackups() ([]*BackupInfo, error) {
	entries, err := os.ReadDir(bm.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*BackupInfo{}, nil
		}
		return nil, fmt.Errorf("读取备份目录失败: %v", err)
	}

	backups := []*BackupInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, &BackupInfo{
			ID:        entry.Name(),
			Timestamp: ts,
			FilePath:  filepath.Join(bm.backupDir, entry.Name()),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Latest 最近一次备份，没有备份时返回 nil
func (bm *BackupManager) Latest() (*BackupInfo, error) {
	backups, err := bm.ListBackups()
	if err != nil || len(backups) == 0 {
		return nil, err
	}
	return backups[0], nil
}

// RestoreBackup 用备份覆盖目标配置文件（先校验备份内容）
func (bm *BackupManager) RestoreBackup(backupID string, targetPath string) error {
	if _, ok := parseBackupName(backupID); !ok {
		return fmt.Errorf("无效的备份ID: %s", backupID)
	}
	data, err := os.ReadFile(filepath.Join(bm.backupDir, backupID))
	if err != nil {
		return fmt.Errorf("读取备份文件失败: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("备份文件格式无效: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("备份配置验证失败: %v", err)
	}

	if err := os.WriteFile(targetPath, data, 0644); err != nil {
		return fmt.Errorf("恢复配置文件失败: %v", err)
	}
	logger.Info("♻️ 已从备份恢复配置: %s", backupID)
	return nil
}

// DeleteBackup 删除指定备份
func (bm *BackupManager) DeleteBackup(backupID string) error {
	if _, ok := parseBackupName(backupID); !ok {
		return fmt.Errorf("无效的备份ID: %s", backupID)
	}
	if err := os.Remove(filepath.Join(bm.backupDir, backupID)); err != nil {
		return fmt.Errorf("删除备份文件失败: %v", err)
	}
	return nil
}

// CleanOldBackups 只保留最新的 maxBackups 个备份
func (bm *BackupManager) CleanOldBackups() error {
	backups, err := bm.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) <= bm.maxBackups {
		return nil
	}
	for _, b := range backups[bm.maxBackups:] {
		if err := bm.DeleteBackup(b.ID); err != nil {
			logger.Warn("⚠️ 删除旧备份失败 %s: %v", b.ID, err)
		}
	}
	return nil
}

// parseBackupName 格式: config.20060102-150405.000.yaml
func parseBackupName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	ts := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	t, err := time.ParseInLocation(backupTimeLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
