// Package model 定义核心数据模型
//
// worker.go 包含 Worker 相关的数据模型定义：
//   - Worker：一次认领产生的执行者记录
//   - WorkerStatus：Worker 状态枚举
//   - WaitingFor：阻塞状态附带的输入需求
package model

import "time"

// ============================================================================
// WorkerStatus - Worker 状态
// ============================================================================

// WorkerStatus Worker 状态
//
// 状态流转：idle → running ⇄ waiting_input → {completed | failed}
type WorkerStatus string

const (
	// WorkerStatusIdle 刚被认领创建，尚未开始（只进入一次）
	WorkerStatusIdle WorkerStatus = "idle"

	// WorkerStatusRunning 执行中
	WorkerStatusRunning WorkerStatus = "running"

	// WorkerStatusWaitingInput 等待用户输入（阻塞状态）
	WorkerStatusWaitingInput WorkerStatus = "waiting_input"

	// WorkerStatusAwaitingApproval 等待计划审批（阻塞状态）
	WorkerStatusAwaitingApproval WorkerStatus = "awaiting_approval"

	// WorkerStatusCompleted 已完成（终态）
	WorkerStatusCompleted WorkerStatus = "completed"

	// WorkerStatusFailed 已失败（终态）
	WorkerStatusFailed WorkerStatus = "failed"
)

// IsTerminal 是否为终态
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerStatusCompleted || s == WorkerStatusFailed
}

// IsBlocked 是否为阻塞状态（携带 WaitingFor）
func (s WorkerStatus) IsBlocked() bool {
	return s == WorkerStatusWaitingInput || s == WorkerStatusAwaitingApproval
}

// Valid 是否为已知状态
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusRunning, WorkerStatusWaitingInput,
		WorkerStatusAwaitingApproval, WorkerStatusCompleted, WorkerStatusFailed:
		return true
	}
	return false
}

// NonTerminalWorkerStatuses 所有非终态
var NonTerminalWorkerStatuses = []WorkerStatus{
	WorkerStatusIdle,
	WorkerStatusRunning,
	WorkerStatusWaitingInput,
	WorkerStatusAwaitingApproval,
}

// ============================================================================
// WaitingFor - 阻塞原因
// ============================================================================

// WaitingFor 描述 Worker 需要的输入
type WaitingFor struct {
	Type    string   `json:"type"`              // question | plan_approval | confirmation
	Prompt  string   `json:"prompt"`            // 展示给用户的问题
	Options []string `json:"options,omitempty"` // 可选项
}

// ============================================================================
// Worker - 执行者
// ============================================================================

// Worker 一次认领对应的执行者
//
// 每个 Task 同一时刻最多一个非终态 Worker；Worker 与任务的 assigned 状态
// 在同一个事务中创建。WaitingFor 只在阻塞状态下非空。
type Worker struct {
	ID          string       `json:"id" db:"id"`
	TaskID      string       `json:"taskId" db:"task_id"`
	WorkspaceID string       `json:"workspaceId" db:"workspace_id"`
	AccountID   string       `json:"accountId" db:"account_id"`
	Name        string       `json:"name" db:"name"`
	Branch      string       `json:"branch" db:"branch"`
	Status      WorkerStatus `json:"status" db:"status"`
	Progress    int          `json:"progress" db:"progress"`
	WaitingFor  *WaitingFor  `json:"waitingFor" db:"waiting_for"`
	Error       *string      `json:"error,omitempty" db:"error"`

	// 统计字段（随状态上报单调更新，终态后冻结）
	CommitCount  int     `json:"commitCount" db:"commit_count"`
	FilesChanged int     `json:"filesChanged" db:"files_changed"`
	LinesAdded   int     `json:"linesAdded" db:"lines_added"`
	LinesRemoved int     `json:"linesRemoved" db:"lines_removed"`
	InputTokens  int64   `json:"inputTokens" db:"input_tokens"`
	OutputTokens int64   `json:"outputTokens" db:"output_tokens"`
	CostUSD      float64 `json:"costUsd" db:"cost_usd"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`

	// Version 每次写入 +1，作为状态上报的条件更新比较值
	Version int64 `json:"-" db:"version"`
}
