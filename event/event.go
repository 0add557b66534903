package event

import (
	"sync"
	"sync/atomic"
	"time"

	"quantsim/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeRunStarted     EventType = "run_started"
	EventTypeRunProgress    EventType = "run_progress"
	EventTypeRunCompleted   EventType = "run_completed"
	EventTypeRunFailed      EventType = "run_failed"
	EventTypeRunCancelled   EventType = "run_cancelled"
	EventTypeOrderFilled    EventType = "order_filled"
	EventTypePositionOpened EventType = "position_opened"
	EventTypePositionClosed EventType = "position_closed"
	EventTypeStopLoss       EventType = "stop_loss"
	EventTypeTakeProfit     EventType = "take_profit"
	EventTypeLiquidation    EventType = "liquidation"
	EventTypeSignalError    EventType = "signal_error"
	EventTypeResourceAlert  EventType = "resource_alert" // 进程资源超过阈值
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// Severity 返回事件类型对应的严重程度
func (t EventType) Severity() EventSeverity {
	switch t {
	case EventTypeRunFailed, EventTypeLiquidation:
		return SeverityCritical
	case EventTypeSignalError, EventTypeStopLoss, EventTypeRunCancelled, EventTypeResourceAlert:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Valid 是否为已定义的事件类型
func (t EventType) Valid() bool {
	switch t {
	case EventTypeRunStarted, EventTypeRunProgress, EventTypeRunCompleted, EventTypeRunFailed,
		EventTypeRunCancelled, EventTypeOrderFilled, EventTypePositionOpened, EventTypePositionClosed,
		EventTypeStopLoss, EventTypeTakeProfit, EventTypeLiquidation, EventTypeSignalError,
		EventTypeResourceAlert:
		return true
	}
	return false
}

// Terminal 回测结束类事件
func (t EventType) Terminal() bool {
	return t == EventTypeRunCompleted || t == EventTypeRunFailed || t == EventTypeRunCancelled
}

// Event 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Filter 订阅过滤条件，返回 false 的事件不会投递给订阅者
type Filter func(*Event) bool

// ForRun 只接收指定回测的事件
func ForRun(runID string) Filter {
	return func(e *Event) bool { return e.RunID == runID }
}

// OfTypes 只接收指定类型的事件
func OfTypes(types ...EventType) Filter {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(e *Event) bool { return set[e.Type] }
}

type subscriber struct {
	ch     chan *Event
	filter Filter
}

// EventBus 事件总线
// 每个订阅者有独立的缓冲 channel，Publish 从不阻塞发布方（回测主循环）
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		subscribers: make(map[int]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish 发布事件（非阻塞），订阅者队列已满时丢弃
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, sub := range eb.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
			logger.Warn("⚠️ 事件队列已满，丢弃事件: %s (run=%s)", event.Type, event.RunID)
		}
	}
}

// Subscribe 订阅事件，返回只读 channel 和取消订阅函数
func (eb *EventBus) Subscribe(filter Filter) (<-chan *Event, func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch, func() {}
	}
	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = &subscriber{ch: ch, filter: filter}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			if sub, ok := eb.subscribers[id]; ok {
				delete(eb.subscribers, id)
				close(sub.ch)
			}
		})
	}
}

// Dropped 因队列满被丢弃的事件数
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Close 关闭事件总线，所有订阅 channel 会被关闭
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for id, sub := range eb.subscribers {
		close(sub.ch)
		delete(eb.subscribers, id)
	}
}
