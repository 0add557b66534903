package notify

import (
	"fmt"
	"net/http"
	"time"

	"quantsim/event"
)

// WebhookNotifier Webhook 通知器，原样推送事件
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Webhook URL 未配置")
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &WebhookNotifier{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回通知器名称
func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// Send 发送通知
func (wn *WebhookNotifier) Send(evt *event.Event) error {
	payload := map[string]interface{}{
		"type":      string(evt.Type),
		"run_id":    evt.RunID,
		"severity":  string(evt.Type.Severity()),
		"message":   event.BuildMessage(evt),
		"timestamp": evt.Timestamp.Format(time.RFC3339),
		"data":      evt.Data,
	}
	if err := postJSON(wn.client, wn.url, payload); err != nil {
		return fmt.Errorf("Webhook: %w", err)
	}
	return nil
}
