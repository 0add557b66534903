package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"quantsim/event"
	"quantsim/logger"
)

// defaultTimeout 单次推送超时
const defaultTimeout = 3 * time.Second

// Config 通知配置
type Config struct {
	Enabled  bool           `yaml:"enabled"`
	Events   []string       `yaml:"events"` // 需要推送的事件类型，为空时使用默认列表
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	DingTalk DingTalkConfig `yaml:"dingtalk"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig Telegram 配置
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// WebhookConfig Webhook 配置
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // 秒
}

// DingTalkConfig 钉钉机器人配置
type DingTalkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
	Secret  string `yaml:"secret"` // 加签密钥，可选
}

// SlackConfig Slack Incoming Webhook 配置
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

// DefaultEvents 默认推送的事件
var DefaultEvents = []string{
	string(event.EventTypeRunCompleted),
	string(event.EventTypeRunFailed),
	string(event.EventTypeResourceAlert),
}

// Validate 检查事件类型与已启用渠道的必填项
func (c Config) Validate() error {
	for _, t := range c.Events {
		if !event.EventType(t).Valid() {
			return fmt.Errorf("未知的事件类型: %s", t)
		}
	}
	if !c.Enabled {
		return nil
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("Telegram 需要配置 bot_token 和 chat_id")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("Webhook URL 未配置")
	}
	if c.DingTalk.Enabled && c.DingTalk.Webhook == "" {
		return fmt.Errorf("钉钉 Webhook URL 未配置")
	}
	if c.Slack.Enabled && c.Slack.Webhook == "" {
		return fmt.Errorf("Slack Webhook URL 未配置")
	}
	return nil
}

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

// NotificationService 通知服务，实现 event.EventProcessor
type NotificationService struct {
	notifiers []Notifier
	events    map[event.EventType]bool
	wg        sync.WaitGroup
}

var _ event.EventProcessor = (*NotificationService)(nil)

// NewNotificationService 按配置创建启用的通知渠道
func NewNotificationService(cfg Config) *NotificationService {
	ns := &NotificationService{events: make(map[event.EventType]bool)}
	if !cfg.Enabled {
		return ns
	}

	types := cfg.Events
	if len(types) == 0 {
		types = DefaultEvents
	}
	for _, t := range types {
		ns.events[event.EventType(t)] = true
	}

	if cfg.Telegram.Enabled {
		if n, err := NewTelegramNotifier(cfg.Telegram); err != nil {
			logger.Warn("⚠️ 初始化 Telegram 通知失败: %v", err)
		} else {
			ns.AddNotifier(n)
		}
	}
	if cfg.Webhook.Enabled {
		if n, err := NewWebhookNotifier(cfg.Webhook); err != nil {
			logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
		} else {
			ns.AddNotifier(n)
		}
	}
	if cfg.DingTalk.Enabled {
		if n, err := NewDingTalkNotifier(cfg.DingTalk); err != nil {
			logger.Warn("⚠️ 初始化钉钉通知失败: %v", err)
		} else {
			ns.AddNotifier(n)
		}
	}
	if cfg.Slack.Enabled {
		if n, err := NewSlackNotifier(cfg.Slack); err != nil {
			logger.Warn("⚠️ 初始化 Slack 通知失败: %v", err)
		} else {
			ns.AddNotifier(n)
		}
	}
	return ns
}

// AddNotifier 添加通知渠道
func (ns *NotificationService) AddNotifier(n Notifier) {
	ns.notifiers = append(ns.notifiers, n)
	logger.Info("✅ %s 通知已启用", n.Name())
}

// Enabled 是否有可用渠道
func (ns *NotificationService) Enabled() bool {
	return len(ns.notifiers) > 0
}

// ProcessEvent 由事件中心调用
func (ns *NotificationService) ProcessEvent(evt *event.Event) {
	ns.Send(evt)
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil || !ns.events[evt.Type] || len(ns.notifiers) == 0 {
		return
	}

	for _, notifier := range ns.notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			if err := n.Send(evt); err != nil {
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(notifier)
	}
}

// Wait 等待已发出的通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}

// postJSON 发送 JSON 请求，要求返回 2xx
func postJSON(client *http.Client, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}
