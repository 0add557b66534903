package notify

import (
	"fmt"
	"net/http"

	"quantsim/event"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier Telegram 通知器
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器
func NewTelegramNotifier(cfg TelegramConfig) (*TelegramNotifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}

	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  telegramAPI,
		client:   &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Name 返回通知器名称
func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send 发送通知
func (tn *TelegramNotifier) Send(evt *event.Event) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", tn.apiBase, tn.botToken)
	payload := map[string]interface{}{
		"chat_id": tn.chatID,
		"text":    formatMessage(evt),
	}
	if err := postJSON(tn.client, url, payload); err != nil {
		return fmt.Errorf("Telegram: %w", err)
	}
	return nil
}
