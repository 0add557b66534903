package notify

import (
	"fmt"
	"sort"
	"strings"

	"quantsim/event"
	"quantsim/utils"
)

const timeLayout = "2006-01-02 15:04:05"

// eventTitle 事件标题（带 emoji）
func eventTitle(t event.EventType) string {
	switch t {
	case event.EventTypeRunStarted:
		return "🚀 回测开始"
	case event.EventTypeRunCompleted:
		return "✅ 回测完成"
	case event.EventTypeRunFailed:
		return "❌ 回测失败"
	case event.EventTypeRunCancelled:
		return "🛑 回测已取消"
	case event.EventTypeLiquidation:
		return "💥 强平"
	case event.EventTypeStopLoss:
		return "🛑 止损触发"
	case event.EventTypeTakeProfit:
		return "💰 止盈触发"
	case event.EventTypeSignalError:
		return "⚠️ 策略信号错误"
	case event.EventTypeResourceAlert:
		return "⚠️ 资源告警"
	default:
		return "📢 系统通知"
	}
}

// formatMessage 纯文本消息，详细字段按 key 排序
func formatMessage(evt *event.Event) string {
	var b strings.Builder
	b.WriteString(eventTitle(evt.Type))
	b.WriteString("\n")
	b.WriteString(event.BuildMessage(evt))
	b.WriteString("\n")
	if evt.RunID != "" {
		fmt.Fprintf(&b, "回测ID: %s\n", evt.RunID)
	}
	fmt.Fprintf(&b, "时间: %s\n", utils.ToConfiguredTimezone(evt.Timestamp).Format(timeLayout))

	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, evt.Data[k])
	}
	return b.String()
}
