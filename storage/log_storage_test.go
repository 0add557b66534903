package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStorageFlushOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	ls, err := NewLogStorage(path)
	require.NoError(t, err)

	ls.WriteLog("INFO", "🚀 开始回测 BTCUSDT")
	ls.WriteLog("WARN", "⚠️ 策略信号异常")
	ls.WriteLog("INFO", "✅ 回测完成")
	require.NoError(t, ls.Close())
	require.NoError(t, ls.Close())
	ls.WriteLog("INFO", "closed")

	ls, err = NewLogStorage(path)
	require.NoError(t, err)
	defer ls.Close()

	logs, total, err := ls.GetLogs(LogQueryParams{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 3)
	assert.Equal(t, "✅ 回测完成", logs[0].Message)

	logs, total, err = ls.GetLogs(LogQueryParams{Level: "WARN"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "⚠️ 策略信号异常", logs[0].Message)

	_, total, err = ls.GetLogs(LogQueryParams{Keyword: "回测"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	deleted, err := ls.CleanOldLogs(1)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
