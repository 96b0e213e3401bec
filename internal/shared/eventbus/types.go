// Package eventbus 任务通知类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// TaskEventType 任务通知类型
type TaskEventType string

const (
	// EventTaskAssigned 任务已被认领
	EventTaskAssigned TaskEventType = "task:assigned"

	// EventTaskAvailable 新任务可认领（调度产生或 API 创建）
	EventTaskAvailable TaskEventType = "task:available"

	// EventTaskReleased 任务被释放或回收，重新可认领
	EventTaskReleased TaskEventType = "task:released"

	// EventTaskFinished Worker 进入终态，任务结束
	EventTaskFinished TaskEventType = "task:finished"
)

// TaskEvent 发往工作区的任务通知
type TaskEvent struct {
	Type        TaskEventType `json:"type"`
	WorkspaceID string        `json:"workspaceId"`
	TaskID      string        `json:"taskId"`
	WorkerID    string        `json:"workerId,omitempty"`
	AccountID   string        `json:"accountId,omitempty"`
	ScheduleID  string        `json:"scheduleId,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyTaskEvents Redis Stream key 前缀，后接 workspaceId
	KeyTaskEvents = "task_events:"

	// SubjectPrefix NATS subject 前缀，完整形式为 dispatch.workspace.<workspaceId>.<type>
	SubjectPrefix = "dispatch.workspace."

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)
