package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	require.NoError(t, Init("zh-CN"))

	assert.Equal(t, "最大回撤", T("max_drawdown"))
	assert.Equal(t, "Max drawdown", TWithLang("en-US", "max_drawdown"))
	assert.Equal(t, "ema_cross Backtest Report",
		TWithLang("en-US", "report_title", map[string]interface{}{"Strategy": "ema_cross"}))
}

func TestMissingKeyAndFallback(t *testing.T) {
	require.NoError(t, Init(""))
	assert.Equal(t, "zh-CN", GetSystemLanguage())
	assert.Equal(t, "no_such_key", T("no_such_key"))
	// 不支持的语言回落到中文
	assert.Equal(t, "胜率", TWithLang("fr-FR", "win_rate"))
}

func TestTranslator(t *testing.T) {
	tr := Translator("en-US")
	assert.Equal(t, "Win rate", tr("win_rate"))
	assert.Equal(t, "3 days", tr("report_days", map[string]interface{}{"Days": 3}))
}

func TestLocalesHaveSameKeys(t *testing.T) {
	require.NoError(t, Init("zh-CN"))
	for _, key := range []string{"report_title", "conclusion_liquidated", "report_footer", "trade_pnl"} {
		assert.NotEqual(t, key, TWithLang("zh-CN", key, map[string]interface{}{"Strategy": "x", "Count": 1}))
		assert.NotEqual(t, key, TWithLang("en-US", key, map[string]interface{}{"Strategy": "x", "Count": 1}))
	}
}
