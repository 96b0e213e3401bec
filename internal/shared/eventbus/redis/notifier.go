// Package redis 基于 Redis Streams 的任务通知
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-dispatch/internal/shared/eventbus"
)

// Notifier 把任务事件 XADD 到 task_events:{workspaceId}
type Notifier struct {
	client *redis.Client
	// ownsClient 为 true 时 Close 会关闭底层连接
	ownsClient bool
}

var _ eventbus.TaskNotifier = (*Notifier)(nil)

// NewNotifier 从 URL 创建通知器并检查连通性
func NewNotifier(ctx context.Context, redisURL string) (*Notifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Notifier{client: client, ownsClient: true}, nil
}

// NewNotifierFromClient 复用已有连接
func NewNotifierFromClient(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// StreamKey 工作区的事件流 key
func StreamKey(workspaceID string) string {
	return eventbus.KeyTaskEvents + workspaceID
}

// NotifyTask 发布任务事件
func (n *Notifier) NotifyTask(ctx context.Context, event *eventbus.TaskEvent) error {
	args := &redis.XAddArgs{
		Stream: StreamKey(event.WorkspaceID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":        string(event.Type),
			"task_id":     event.TaskID,
			"worker_id":   event.WorkerID,
			"account_id":  event.AccountID,
			"schedule_id": event.ScheduleID,
			"timestamp":   event.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish task event: %w", err)
	}
	return nil
}

// Recent 读取工作区最近的事件（按时间正序）
func (n *Notifier) Recent(ctx context.Context, workspaceID string, count int64) ([]*eventbus.TaskEvent, error) {
	msgs, err := n.client.XRevRangeN(ctx, StreamKey(workspaceID), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task events: %w", err)
	}
	events := make([]*eventbus.TaskEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		v := msgs[i].Values
		ev := &eventbus.TaskEvent{
			Type:        eventbus.TaskEventType(str(v["type"])),
			WorkspaceID: workspaceID,
			TaskID:      str(v["task_id"]),
			WorkerID:    str(v["worker_id"]),
			AccountID:   str(v["account_id"]),
			ScheduleID:  str(v["schedule_id"]),
		}
		if ts, err := time.Parse(time.RFC3339Nano, str(v["timestamp"])); err == nil {
			ev.Timestamp = ts
		}
		events = append(events, ev)
	}
	return events, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// Close 关闭连接
func (n *Notifier) Close() error {
	if n.ownsClient {
		return n.client.Close()
	}
	return nil
}
