package notify

import (
	"fmt"
	"net/http"

	"quantsim/event"
)

// SlackNotifier Slack 通知器
type SlackNotifier struct {
	webhook string
	client  *http.Client
}

// NewSlackNotifier 创建 Slack 通知器
func NewSlackNotifier(cfg SlackConfig) (*SlackNotifier, error) {
	if cfg.Webhook == "" {
		return nil, fmt.Errorf("Slack Webhook URL 未配置")
	}
	return &SlackNotifier{
		webhook: cfg.Webhook,
		client:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Name 返回通知器名称
func (sn *SlackNotifier) Name() string {
	return "Slack"
}

// Send 发送通知
func (sn *SlackNotifier) Send(evt *event.Event) error {
	payload := map[string]interface{}{
		"text": formatMessage(evt),
	}
	if err := postJSON(sn.client, sn.webhook, payload); err != nil {
		return fmt.Errorf("Slack: %w", err)
	}
	return nil
}
