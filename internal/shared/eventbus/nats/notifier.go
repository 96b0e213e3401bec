// Package nats 基于 NATS 的任务通知
//
// subject 形如 dispatch.workspace.<workspaceId>.task.assigned，
// 订阅方可以用 dispatch.workspace.<workspaceId>.> 接收某个工作区的全部事件。
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"agents-dispatch/internal/shared/eventbus"
)

// Notifier NATS 任务通知器
type Notifier struct {
	nc *nats.Conn
}

var _ eventbus.TaskNotifier = (*Notifier)(nil)

// NewNotifier 连接 NATS
func NewNotifier(url, name string) (*Notifier, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Notifier{nc: nc}, nil
}

// NewNotifierFromConn 复用已有连接
func NewNotifierFromConn(nc *nats.Conn) *Notifier {
	return &Notifier{nc: nc}
}

// Subject 事件的 NATS subject
func Subject(event *eventbus.TaskEvent) string {
	// task:assigned → task.assigned
	kind := strings.ReplaceAll(string(event.Type), ":", ".")
	return eventbus.SubjectPrefix + event.WorkspaceID + "." + kind
}

// NotifyTask 发布任务事件
// NATS Publish 不支持 context 取消，发布前先检查 context。
func (n *Notifier) NotifyTask(ctx context.Context, event *eventbus.TaskEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal task event: %w", err)
	}
	if err := n.nc.Publish(Subject(event), data); err != nil {
		return fmt.Errorf("publish to %s: %w", Subject(event), err)
	}
	return nil
}

// Close 发送缓冲中的消息后关闭连接
func (n *Notifier) Close() error {
	return n.nc.Drain()
}
