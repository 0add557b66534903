package event

import (
	"context"
	"time"
)

// EventProcessor 事件处理器接口（WebSocket 推送、指标统计等）
type EventProcessor interface {
	ProcessEvent(event *Event)
}

// ProcessorFunc 函数适配为 EventProcessor
type ProcessorFunc func(event *Event)

// ProcessEvent 实现 EventProcessor
func (f ProcessorFunc) ProcessEvent(event *Event) {
	f(event)
}

// Record 持久化的事件记录
type Record struct {
	RunID     string
	Type      string
	Severity  string
	Symbol    string
	Message   string
	Details   string
	CreatedAt time.Time
}

// Store 事件持久化接口（由 database 包实现，避免循环依赖）
type Store interface {
	SaveEvent(ctx context.Context, record *Record) error
	CleanupOldEvents(ctx context.Context, severity string, before time.Time) (int64, error)
}
