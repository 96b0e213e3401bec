// Package model 定义核心数据模型
//
// schedule.go 包含周期任务相关的数据模型定义：
//   - TaskSchedule：cron 调度定义及其运行状态
//   - TaskTemplate：生成任务时使用的模板
package model

import (
	"encoding/json"
	"time"
)

// TaskTemplate 周期任务生成 Task 时使用的模板
type TaskTemplate struct {
	Title                string           `json:"title"`
	Description          string           `json:"description,omitempty"`
	Priority             int              `json:"priority,omitempty"`
	RunnerPreference     RunnerPreference `json:"runnerPreference,omitempty"`
	RequiredCapabilities []string         `json:"requiredCapabilities,omitempty"`
	Context              json.RawMessage  `json:"context,omitempty"`
}

// TaskSchedule 周期任务调度
//
// 创建后只由 Schedule Engine 修改：每次成功或失败的触发都会推进 NextRunAt。
// 同一时刻 NextRunAt 唯一标识“下一次要触发的时刻”，是防重复触发的比较值。
type TaskSchedule struct {
	ID                        string       `json:"id" db:"id"`
	WorkspaceID               string       `json:"workspaceId" db:"workspace_id"`
	Name                      string       `json:"name" db:"name"`
	CronExpression            string       `json:"cronExpression" db:"cron_expression"`
	Timezone                  string       `json:"timezone" db:"timezone"`
	TaskTemplate              TaskTemplate `json:"taskTemplate" db:"task_template"`
	Enabled                   bool         `json:"enabled" db:"enabled"`
	NextRunAt                 *time.Time   `json:"nextRunAt,omitempty" db:"next_run_at"`
	LastRunAt                 *time.Time   `json:"lastRunAt,omitempty" db:"last_run_at"`
	TotalRuns                 int          `json:"totalRuns" db:"total_runs"`
	ConsecutiveFailures       int          `json:"consecutiveFailures" db:"consecutive_failures"`
	PauseAfterFailures        int          `json:"pauseAfterFailures" db:"pause_after_failures"`
	MaxConcurrentFromSchedule int          `json:"maxConcurrentFromSchedule" db:"max_concurrent_from_schedule"`
	LastTaskID                *string      `json:"lastTaskId,omitempty" db:"last_task_id"`
	LastError                 *string      `json:"lastError,omitempty" db:"last_error"`
	CreatedAt                 time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt                 time.Time    `json:"updatedAt" db:"updated_at"`
}
