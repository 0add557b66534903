package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quantsim/logger"
)

// EventCenter 事件中心：订阅事件总线，持久化并分发给处理器
type EventCenter struct {
	store       Store
	eventBus    *EventBus
	config      *EventCenterConfig
	processors  []EventProcessor
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Enabled         bool            `yaml:"enabled"`
	PersistProgress bool            `yaml:"persist_progress"` // 进度事件量大，默认不落库
	CleanupInterval int             `yaml:"cleanup_interval"` // 小时
	Retention       RetentionConfig `yaml:"retention"`
}

// RetentionConfig 保留策略配置（天）
type RetentionConfig struct {
	CriticalDays int `yaml:"critical_days"`
	WarningDays  int `yaml:"warning_days"`
	InfoDays     int `yaml:"info_days"`
}

// DefaultEventCenterConfig 默认配置
func DefaultEventCenterConfig() *EventCenterConfig {
	return &EventCenterConfig{
		Enabled:         true,
		CleanupInterval: 24,
		Retention: RetentionConfig{
			CriticalDays: 365,
			WarningDays:  90,
			InfoDays:     30,
		},
	}
}

// NewEventCenter 创建事件中心，store 可以为 nil（只分发不落库）
func NewEventCenter(store Store, eventBus *EventBus, config *EventCenterConfig) *EventCenter {
	if config == nil {
		config = DefaultEventCenterConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		store:    store,
		eventBus: eventBus,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddProcessor 注册事件处理器
func (ec *EventCenter) AddProcessor(p EventProcessor) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.processors = append(ec.processors, p)
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ 事件中心未启用")
		return nil
	}

	logger.Info("🚀 启动事件中心...")

	eventCh, unsubscribe := ec.eventBus.Subscribe(nil)
	ec.unsubscribe = unsubscribe

	ec.wg.Add(1)
	go ec.processEvents(eventCh)

	if ec.store != nil && ec.config.CleanupInterval > 0 {
		ec.wg.Add(1)
		go ec.cleanupTask()
	}

	logger.Info("✅ 事件中心已启动")
	return nil
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	logger.Info("🛑 停止事件中心...")
	ec.cancel()
	if ec.unsubscribe != nil {
		ec.unsubscribe()
	}
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

func (ec *EventCenter) processEvents(eventCh <-chan *Event) {
	defer ec.wg.Done()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	if ec.store != nil && (event.Type != EventTypeRunProgress || ec.config.PersistProgress) {
		ec.persist(event)
	}

	ec.mu.RLock()
	processors := append([]EventProcessor(nil), ec.processors...)
	ec.mu.RUnlock()
	for _, p := range processors {
		ec.dispatch(p, event)
	}
}

func (ec *EventCenter) dispatch(p EventProcessor, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ 事件处理器 panic: %v (event=%s)", r, event.Type)
		}
	}()
	p.ProcessEvent(event)
}

func (ec *EventCenter) persist(event *Event) {
	detailsJSON, err := json.Marshal(event.Data)
	if err != nil {
		logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &Record{
		RunID:     event.RunID,
		Type:      string(event.Type),
		Severity:  string(event.Type.Severity()),
		Symbol:    extractString(event.Data, "symbol"),
		Message:   BuildMessage(event),
		Details:   string(detailsJSON),
		CreatedAt: event.Timestamp,
	}

	ctx, cancel := context.WithTimeout(ec.ctx, 5*time.Second)
	defer cancel()
	if err := ec.store.SaveEvent(ctx, record); err != nil {
		logger.Error("❌ 保存事件失败: %v", err)
	}
}

func extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func extractFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// BuildMessage 构建事件的可读消息
func BuildMessage(event *Event) string {
	d := event.Data
	symbol := extractString(d, "symbol")
	switch event.Type {
	case EventTypeRunStarted:
		return fmt.Sprintf("回测开始: %s %s, 共 %.0f 根K线", symbol, extractString(d, "strategy"), extractFloat(d, "total"))
	case EventTypeRunProgress:
		return fmt.Sprintf("回测进度 %.1f%%, 权益 %.2f", extractFloat(d, "percent"), extractFloat(d, "equity"))
	case EventTypeRunCompleted:
		return fmt.Sprintf("回测完成: 总收益 %.2f%%, 交易 %.0f 笔", extractFloat(d, "total_return"), extractFloat(d, "trades"))
	case EventTypeRunFailed:
		return fmt.Sprintf("回测失败: %s", extractString(d, "error"))
	case EventTypeRunCancelled:
		return "回测已取消"
	case EventTypeOrderFilled:
		return fmt.Sprintf("%s %s 成交 %.8f @ %.4f", symbol, extractString(d, "direction"), extractFloat(d, "size"), extractFloat(d, "price"))
	case EventTypePositionOpened:
		return fmt.Sprintf("%s %s 开仓 均价 %.4f", symbol, extractString(d, "direction"), extractFloat(d, "price"))
	case EventTypePositionClosed, EventTypeStopLoss, EventTypeTakeProfit, EventTypeLiquidation:
		return fmt.Sprintf("%s %s %s @ %.4f, 盈亏 %.4f", symbol, extractString(d, "direction"), extractString(d, "reason"),
			extractFloat(d, "price"), extractFloat(d, "pnl"))
	default:
		if msg := extractString(d, "message"); msg != "" {
			return msg
		}
		if err := extractString(d, "error"); err != "" {
			return err
		}
		return fmt.Sprintf("事件类型: %s", event.Type)
	}
}

// cleanupTask 定期清理过期事件
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	ticker := time.NewTicker(time.Duration(ec.config.CleanupInterval) * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-ticker.C:
			ec.performCleanup()
		}
	}
}

func (ec *EventCenter) performCleanup() {
	logger.Info("🧹 开始清理旧事件...")

	ctx, cancel := context.WithTimeout(ec.ctx, 10*time.Minute)
	defer cancel()

	now := time.Now()
	for severity, days := range map[EventSeverity]int{
		SeverityCritical: ec.config.Retention.CriticalDays,
		SeverityWarning:  ec.config.Retention.WarningDays,
		SeverityInfo:     ec.config.Retention.InfoDays,
	} {
		if days <= 0 {
			continue
		}
		n, err := ec.store.CleanupOldEvents(ctx, string(severity), now.AddDate(0, 0, -days))
		if err != nil {
			logger.Error("❌ 清理 %s 事件失败: %v", severity, err)
			continue
		}
		logger.Info("✅ %s 事件清理完成，删除 %d 条", severity, n)
	}
}

// PublishEvent 发布事件（便捷方法）
func (ec *EventCenter) PublishEvent(eventType EventType, runID string, data map[string]interface{}) {
	ec.eventBus.Publish(&Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now(),
		Data:      data,
	})
}
