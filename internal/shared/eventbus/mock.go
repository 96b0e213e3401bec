// Package eventbus 任务通知 mock 实现
package eventbus

import (
	"context"
	"sync"
)

// ============================================================================
// NoOpNotifier - 空操作的 TaskNotifier 实现
// ============================================================================

// NoOpNotifier 不做任何操作，未配置 Redis / NATS 时使用
type NoOpNotifier struct{}

// NewNoOpNotifier 创建 NoOpNotifier 实例
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

func (n *NoOpNotifier) NotifyTask(ctx context.Context, event *TaskEvent) error { return nil }
func (n *NoOpNotifier) Close() error                                          { return nil }

// ============================================================================
// RecordingNotifier - 记录全部事件（用于测试）
// ============================================================================

// RecordingNotifier 记录收到的事件，Err 非空时每次都返回该错误
type RecordingNotifier struct {
	mu     sync.Mutex
	events []*TaskEvent
	Err    error
}

func (r *RecordingNotifier) NotifyTask(ctx context.Context, event *TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

func (r *RecordingNotifier) Close() error { return nil }

// Events 返回已记录事件的副本
func (r *RecordingNotifier) Events() []*TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TaskEvent, len(r.events))
	copy(out, r.events)
	return out
}
