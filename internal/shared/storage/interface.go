// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方（claim / worker / stale / schedule）只依赖接口
//   - 具体实现在 repository 子包，按 dbutil.Dialect 适配 PostgreSQL 与 SQLite
//   - 初始化时通过依赖注入传入实现
//
// 所有跨行的并发控制都落在单行条件更新上（UPDATE ... WHERE <旧值>，检查影响行数），
// 接口的返回值把“条件不成立”与真正的错误区分开。
package storage

import (
	"context"
	"time"

	"agents-dispatch/internal/shared/model"
)

// ============================================================================
// Claim 相关类型
// ============================================================================

// ClaimOutcome 单个任务认领的结果
type ClaimOutcome int

const (
	// ClaimOK 认领成功，Worker 已创建
	ClaimOK ClaimOutcome = iota

	// ClaimRaceLost 任务已被其他调用方认领（条件更新影响 0 行）
	ClaimRaceLost

	// ClaimSlotsExhausted 账号并发槽位已满（并发突发时由计数器条件更新发现）
	ClaimSlotsExhausted

	// ClaimSessionsExhausted OAuth 账号会话数已满
	ClaimSessionsExhausted
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimOK:
		return "ok"
	case ClaimRaceLost:
		return "race_lost"
	case ClaimSlotsExhausted:
		return "slots_exhausted"
	case ClaimSessionsExhausted:
		return "sessions_exhausted"
	}
	return "unknown"
}

// CandidateQuery 候选任务查询条件
type CandidateQuery struct {
	WorkspaceIDs []string
	// AccountType 为空表示不过滤 runner_preference（user 账号）
	AccountType model.AccountType
	Now         time.Time
	Limit       int
}

// ClaimRequest 单个任务的认领请求
type ClaimRequest struct {
	AccountID string
	AuthType  model.AuthType
	TaskID    string
	Now       time.Time
	ExpiresAt time.Time
	// Worker 预先构造好的 Worker 记录（status = idle），认领成功时写入
	Worker *model.Worker
}

// ============================================================================
// Worker 相关类型
// ============================================================================

// WorkerTransition 一次 Worker 状态写入
//
// Next 是状态机计算出的完整新状态，FromStatus 与 FromVersion 是读到的旧值，
// 作为条件更新的比较值。CostDelta 基于同一次读取计算，版本不匹配时整笔写入作废。
type WorkerTransition struct {
	FromStatus  model.WorkerStatus
	FromVersion int64
	Next        *model.Worker
	AuthType    model.AuthType
	// CostDelta 本次上报新增的花费，累加到账号 total_cost
	CostDelta float64
}

// ReleaseOutcome Release 的结果
type ReleaseOutcome int

const (
	ReleaseOK ReleaseOutcome = iota
	ReleaseNotFound
	ReleaseForbidden
	// ReleaseNotAssigned 任务已结束（completed / failed），不能再释放
	ReleaseNotAssigned
)

// ============================================================================
// Schedule 相关类型
// ============================================================================

// ScheduleAdvance 推进 next_run_at 的条件更新
type ScheduleAdvance struct {
	ScheduleID string
	PrevNextAt time.Time
	NextRunAt  *time.Time
	Now        time.Time
	// CountRun 为 true 时记录 last_run_at 并累加 total_runs
	CountRun bool
}

// ScheduleFailure 一次触发失败的记录
type ScheduleFailure struct {
	ScheduleID string
	Error      string
	NextRunAt  *time.Time
	Now        time.Time
}

// ============================================================================
// 存储接口
// ============================================================================

// TaskStore 任务存储
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, workspaceID string, status model.TaskStatus, limit, offset int) ([]*model.Task, error)
	// ReleaseTask 仅允许认领者释放；同时把任务当前的非终态 Worker 置为 failed
	ReleaseTask(ctx context.Context, taskID, accountID string, now time.Time) (ReleaseOutcome, error)
}

// AccountStore 账号与工作区授权存储
type AccountStore interface {
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccountsByKeyPrefix(ctx context.Context, prefix string) ([]*model.Account, error)
	UpsertGrant(ctx context.Context, grant *model.AccountWorkspaceGrant) error
	ListGrants(ctx context.Context, accountID string) ([]*model.AccountWorkspaceGrant, error)
	// ClaimableWorkspaces 返回账号 can_claim 的工作区 ID
	ClaimableWorkspaces(ctx context.Context, accountID string) ([]string, error)
	// CanCreate 账号是否可在该工作区创建任务
	CanCreate(ctx context.Context, accountID, workspaceID string) (bool, error)
}

// ClaimStore 认领存储
type ClaimStore interface {
	ListClaimCandidates(ctx context.Context, q CandidateQuery) ([]*model.Task, error)
	ClaimTask(ctx context.Context, req ClaimRequest) (ClaimOutcome, error)
}

// WorkerStore Worker 存储
type WorkerStore interface {
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	ListWorkersByTask(ctx context.Context, taskID string) ([]*model.Worker, error)
	// ApplyWorkerTransition 条件写入新状态，FromStatus 或 FromVersion 不匹配时返回 ErrConflict
	ApplyWorkerTransition(ctx context.Context, t WorkerTransition) error
	// ListStaleWorkers 列出 updated_at 早于 cutoff 的非终态 Worker
	ListStaleWorkers(ctx context.Context, cutoff time.Time, limit int) ([]*model.Worker, error)
	// ReclaimStaleWorker 把 Worker 置为 failed 并释放任务；条件不成立（已被其他进程处理或已恢复上报）返回 false
	ReclaimStaleWorker(ctx context.Context, w *model.Worker, cutoff, now time.Time, reason string) (bool, error)
}

// ScheduleStore 周期任务存储
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.TaskSchedule) error
	GetSchedule(ctx context.Context, id string) (*model.TaskSchedule, error)
	ListSchedules(ctx context.Context, workspaceID string) ([]*model.TaskSchedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time, now time.Time) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*model.TaskSchedule, error)
	CountActiveScheduleTasks(ctx context.Context, scheduleID string) (int, error)
	// AdvanceSchedule 以 PrevNextAt 为比较值推进 next_run_at，返回是否抢到本次触发
	AdvanceSchedule(ctx context.Context, a ScheduleAdvance) (bool, error)
	// CreateScheduledTask 写入任务并在同一事务内记录 last_task_id、清零失败计数
	CreateScheduledTask(ctx context.Context, scheduleID string, task *model.Task) error
	// RecordScheduleFailure 原子累加失败计数，达到阈值时停用
	RecordScheduleFailure(ctx context.Context, f ScheduleFailure) error
	// DisableSchedule 停用调度并记录原因（如 cron 表达式无效）
	DisableSchedule(ctx context.Context, id, reason string, now time.Time) error
}

// PersistentStore 组合全部存储接口
type PersistentStore interface {
	TaskStore
	AccountStore
	ClaimStore
	WorkerStore
	ScheduleStore

	Ping(ctx context.Context) error
	Close() error
}
