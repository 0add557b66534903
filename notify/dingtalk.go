package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quantsim/event"
)

// DingTalkNotifier 钉钉通知器
type DingTalkNotifier struct {
	webhook string
	secret  string
	client  *http.Client
}

// NewDingTalkNotifier 创建钉钉通知器
func NewDingTalkNotifier(cfg DingTalkConfig) (*DingTalkNotifier, error) {
	if cfg.Webhook == "" {
		return nil, fmt.Errorf("钉钉 Webhook URL 未配置")
	}

	return &DingTalkNotifier{
		webhook: cfg.Webhook,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Name 返回通知器名称
func (dn *DingTalkNotifier) Name() string {
	return "DingTalk"
}

// Send 发送通知
func (dn *DingTalkNotifier) Send(evt *event.Event) error {
	payload := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": formatMessage(evt),
		},
	}
	if err := postJSON(dn.client, dn.requestURL(time.Now().UnixMilli()), payload); err != nil {
		return fmt.Errorf("钉钉: %w", err)
	}
	return nil
}

// requestURL 配置了加签密钥时附加 timestamp 与 sign 参数
func (dn *DingTalkNotifier) requestURL(timestamp int64) string {
	if dn.secret == "" {
		return dn.webhook
	}
	sep := "?"
	if strings.Contains(dn.webhook, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s", dn.webhook, sep, timestamp, url.QueryEscape(dn.generateSign(timestamp)))
}

// generateSign 生成钉钉签名
func (dn *DingTalkNotifier) generateSign(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, dn.secret)
	h := hmac.New(sha256.New, []byte(dn.secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
