// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：工作项（由调用方创建或由 Schedule 生成）
//   - TaskStatus：任务状态枚举
//   - RunnerPreference：执行者偏好
//   - CreationSource：任务来源
//   - Task.Context：任务上下文（自由 JSON，调度来源会写入 scheduleId）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 任务状态
//
// 任务被认领后，running 家族状态（running / waiting_input 等）记录在 Worker 上，
// 任务本身只保留 assigned，直到 Worker 进入终态。
type TaskStatus string

const (
	// TaskStatusPending 待认领
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusAssigned 已被某个账号认领（租约有效期内）
	TaskStatusAssigned TaskStatus = "assigned"

	// TaskStatusCompleted 已完成
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed 已失败
	TaskStatusFailed TaskStatus = "failed"
)

// IsActive 任务是否仍占用调度并发（pending 或 assigned）
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusAssigned
}

// ============================================================================
// RunnerPreference / CreationSource
// ============================================================================

// RunnerPreference 任务对执行账号类型的偏好
type RunnerPreference string

const (
	RunnerAny     RunnerPreference = "any"
	RunnerUser    RunnerPreference = "user"
	RunnerService RunnerPreference = "service"
	RunnerAction  RunnerPreference = "action"
)

// CreationSource 任务来源
type CreationSource string

const (
	CreationSourceAPI      CreationSource = "api"
	CreationSourceSchedule CreationSource = "schedule"
)

// ============================================================================
// Task - 工作项
// ============================================================================

// Task 工作项
//
// 不变量：ClaimedBy 非空时 Status 一定不是 pending。
// 认领只在 now < ExpiresAt 期间有效，过期的认领在匹配时等同于未认领。
type Task struct {
	ID                   string           `json:"id" db:"id"`
	WorkspaceID          string           `json:"workspaceId" db:"workspace_id"`
	Title                string           `json:"title" db:"title"`
	Description          string           `json:"description,omitempty" db:"description"`
	Status               TaskStatus       `json:"status" db:"status"`
	Priority             int              `json:"priority" db:"priority"`
	RunnerPreference     RunnerPreference `json:"runnerPreference" db:"runner_preference"`
	RequiredCapabilities []string         `json:"requiredCapabilities" db:"required_capabilities"`
	ClaimedBy            *string          `json:"claimedBy,omitempty" db:"claimed_by"`
	ClaimedAt            *time.Time       `json:"claimedAt,omitempty" db:"claimed_at"`
	ExpiresAt            *time.Time       `json:"expiresAt,omitempty" db:"expires_at"`
	CreationSource       CreationSource   `json:"creationSource" db:"creation_source"`
	ScheduleID           *string          `json:"scheduleId,omitempty" db:"schedule_id"`
	Context              json.RawMessage  `json:"context,omitempty" db:"context"`
	CreatedAt            time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time        `json:"updatedAt" db:"updated_at"`
}

// ClaimValid 判断任务在 now 时刻是否持有有效租约
//
// expires_at 等于 now 时仍算有效，与认领条件写的 expires_at < now 一致。
func (t *Task) ClaimValid(now time.Time) bool {
	return t.ClaimedBy != nil && t.ExpiresAt != nil && !t.ExpiresAt.Before(now)
}
