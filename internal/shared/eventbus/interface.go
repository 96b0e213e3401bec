// Package eventbus 任务通知抽象接口
//
// “通知工作区 X：任务 Y 已分配/可认领”。通知在数据库写入提交之后发出，
// 失败只记录日志，不影响认领结果。当前由 Redis Streams 和 NATS 实现。
package eventbus

import (
	"context"
	"errors"
	"time"
)

// TaskNotifier 任务通知接口
type TaskNotifier interface {
	NotifyTask(ctx context.Context, event *TaskEvent) error
	Close() error
}

// Multi 把同一个事件依次发给多个通知器，返回合并后的错误
type Multi []TaskNotifier

var _ TaskNotifier = Multi(nil)

func (m Multi) NotifyTask(ctx context.Context, event *TaskEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyTask(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// timeoutNotifier 为每次通知加上超时
type timeoutNotifier struct {
	TaskNotifier
	timeout time.Duration
}

// WithTimeout 包装通知器，单次 NotifyTask 超过 d 即取消；d 非正时原样返回
func WithTimeout(n TaskNotifier, d time.Duration) TaskNotifier {
	if d <= 0 {
		return n
	}
	return &timeoutNotifier{TaskNotifier: n, timeout: d}
}

func (t *timeoutNotifier) NotifyTask(ctx context.Context, event *TaskEvent) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.TaskNotifier.NotifyTask(ctx, event)
}
