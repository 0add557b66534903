package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore 模拟事件存储
type MockStore struct {
	mu      sync.Mutex
	records []*Record
}

func (m *MockStore) SaveEvent(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *MockStore) CleanupOldEvents(ctx context.Context, severity string, before time.Time) (int64, error) {
	return 0, nil
}

func (m *MockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	all, cancelAll := bus.Subscribe(nil)
	defer cancelAll()
	onlyRun, cancelRun := bus.Subscribe(ForRun("run-2"))
	defer cancelRun()

	bus.Publish(&Event{Type: EventTypeRunStarted, RunID: "run-1"})
	bus.Publish(&Event{Type: EventTypeRunStarted, RunID: "run-2"})

	assert.Len(t, all, 2)
	require.Len(t, onlyRun, 1)
	e := <-onlyRun
	assert.Equal(t, "run-2", e.RunID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(2)
	defer bus.Close()

	_, cancel := bus.Subscribe(OfTypes(EventTypeRunProgress))
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(&Event{Type: EventTypeRunProgress, RunID: "run-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish 不应阻塞")
	}
	assert.Equal(t, int64(3), bus.Dropped())
}

func TestEventBusUnsubscribeAndClose(t *testing.T) {
	bus := NewEventBus(4)
	ch, cancel := bus.Subscribe(nil)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := bus.Subscribe(nil)
	bus.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	// 关闭后发布不会 panic
	bus.Publish(&Event{Type: EventTypeRunCompleted})
}

func TestEventCenterPersistsAndDispatches(t *testing.T) {
	bus := NewEventBus(100)
	defer bus.Close()

	store := &MockStore{}
	center := NewEventCenter(store, bus, DefaultEventCenterConfig())

	var (
		mu       sync.Mutex
		received []EventType
	)
	center.AddProcessor(ProcessorFunc(func(e *Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
	}))
	center.AddProcessor(ProcessorFunc(func(e *Event) {
		panic("处理器异常不应影响事件中心")
	}))
	require.NoError(t, center.Start())

	center.PublishEvent(EventTypeRunStarted, "run-1", map[string]interface{}{"symbol": "BTCUSDT", "strategy": "ema_cross"})
	center.PublishEvent(EventTypeRunProgress, "run-1", map[string]interface{}{"percent": 50.0})
	center.PublishEvent(EventTypeLiquidation, "run-1", map[string]interface{}{"symbol": "BTCUSDT", "price": 45000.0})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 2*time.Second, 10*time.Millisecond)
	center.Stop()

	// 进度事件默认不落库
	assert.Equal(t, 2, store.count())
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "run-1", store.records[0].RunID)
	assert.Equal(t, "BTCUSDT", store.records[0].Symbol)
	assert.Equal(t, string(SeverityCritical), store.records[1].Severity)
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSeverity
	}{
		{EventTypeRunFailed, SeverityCritical},
		{EventTypeLiquidation, SeverityCritical},
		{EventTypeSignalError, SeverityWarning},
		{EventTypeStopLoss, SeverityWarning},
		{EventTypeResourceAlert, SeverityWarning},
		{EventTypeTakeProfit, SeverityInfo},
		{EventTypeRunProgress, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.eventType.Severity())
			assert.True(t, tt.eventType.Valid())
		})
	}
	assert.False(t, EventType("custom").Valid())
}

func TestBuildMessage(t *testing.T) {
	msg := BuildMessage(&Event{
		Type: EventTypeStopLoss,
		Data: map[string]interface{}{"symbol": "ETHUSDT", "direction": "LONG", "reason": "SL", "price": 1800.5, "pnl": -12.5},
	})
	assert.Equal(t, "ETHUSDT LONG SL @ 1800.5000, 盈亏 -12.5000", msg)

	assert.Equal(t, "自定义", BuildMessage(&Event{Type: "custom", Data: map[string]interface{}{"message": "自定义"}}))
}
