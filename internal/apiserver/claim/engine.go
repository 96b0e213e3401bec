// Package claim 认领引擎
//
// 一次认领按顺序执行：槽位检查 → 准入检查（花费 / 会话） → 工作区解析 →
// 候选查询 → 能力过滤 → 逐个任务条件写入。唯一的并发控制点是存储层
// 对单个任务的条件更新，同一任务的并发认领只会有一个成功。
// 通知在事务提交之后发出，失败不影响认领结果。
package claim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

var (
	// ErrAdmissionDenied 花费或会话限额已满，调用方应稍后重试
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrForbidden 释放不属于自己的任务
	ErrForbidden = errors.New("task is claimed by another account")

	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotAssigned 任务已结束，不能释放
	ErrNotAssigned = errors.New("task is not assigned")

	// ErrAccountNotFound 账号不存在
	ErrAccountNotFound = errors.New("account not found")
)

// Store 认领引擎依赖的存储接口
type Store interface {
	storage.AccountStore
	storage.ClaimStore
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ReleaseTask(ctx context.Context, taskID, accountID string, now time.Time) (storage.ReleaseOutcome, error)
}

// Sweeper 认领前顺带执行的陈旧 Worker 回收
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config 认领参数
type Config struct {
	LeaseDuration time.Duration
	// CandidateOverfetch 候选查询按 slots * CandidateOverfetch 取数，给能力过滤留余量
	CandidateOverfetch int
	// MaxTasksCap 单次认领任务数上限
	MaxTasksCap int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		LeaseDuration:      15 * time.Minute,
		CandidateOverfetch: 4,
		MaxTasksCap:        10,
	}
}

// Request 认领请求
type Request struct {
	WorkspaceID  string
	Capabilities []string
	MaxTasks     int
}

// Claimed 一个认领成功的任务及其 Worker
type Claimed struct {
	ID     string      `json:"id"`
	TaskID string      `json:"taskId"`
	Branch string      `json:"branch"`
	Task   *model.Task `json:"task"`

	Worker *model.Worker `json:"-"`
}

// Result 认领结果，没有可认领任务时 Workers 为空数组
type Result struct {
	Workers []Claimed `json:"workers"`
}

// Engine 认领引擎
type Engine struct {
	store    Store
	notifier eventbus.TaskNotifier
	sweeper  Sweeper
	metrics  *metrics.Metrics
	log      *logging.Logger
	cfg      Config
	now      func() time.Time
}

// Option 引擎可选项
type Option func(e *Engine)

// WithSweeper 认领前执行陈旧回收
func WithSweeper(s Sweeper) Option {
	return func(e *Engine) { e.sweeper = s }
}

// WithMetrics 记录认领指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger 指定日志器
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine 创建认领引擎，notifier 为 nil 时不发通知
func NewEngine(store Store, notifier eventbus.TaskNotifier, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.CandidateOverfetch <= 0 {
		cfg.CandidateOverfetch = def.CandidateOverfetch
	}
	if cfg.MaxTasksCap <= 0 {
		cfg.MaxTasksCap = def.MaxTasksCap
	}
	if notifier == nil {
		notifier = eventbus.NewNoOpNotifier()
	}
	e := &Engine{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      logging.Default("claim"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Claim 为账号认领最多 req.MaxTasks 个任务
//
// 槽位已满、没有授权工作区、没有候选任务都返回空结果而不是错误；
// 只有花费 / 会话准入失败返回 ErrAdmissionDenied。
func (e *Engine) Claim(ctx context.Context, accountID string, req Request) (*Result, error) {
	start := e.now()
	result := &Result{Workers: []Claimed{}}

	res, err := e.claim(ctx, accountID, req, result)
	e.metrics.RecordClaim(res, time.Since(start))
	if err != nil {
		return nil, err
	}

	e.notifyAssigned(ctx, result.Workers)
	return result, nil
}

func (e *Engine) claim(ctx context.Context, accountID string, req Request, result *Result) (string, error) {
	if e.sweeper != nil {
		if n, err := e.sweeper.Sweep(ctx); err != nil {
			e.log.WithError(err).Warn("claim.sweep.failed")
		} else if n > 0 {
			e.log.Info("claim.sweep.reclaimed", "count", n)
		}
	}

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return "error", fmt.Errorf("get account: %w", err)
	}
	if account == nil {
		return "error", ErrAccountNotFound
	}
	log := e.log.WithAccountID(account.ID)

	// 1. 并发槽位
	free := account.AvailableSlots()
	if free == 0 {
		log.Debug("claim.no_slots", "active", account.ActiveWorkers, "max", account.MaxConcurrentWorkers)
		return "no_slots", nil
	}

	// 2. 准入
	if err := admit(account); err != nil {
		log.Info("claim.admission_denied", "reason", err.Error())
		return "denied", err
	}

	// 3. 本次可认领数量
	slots := min(req.MaxTasks, free, e.cfg.MaxTasksCap)
	if slots <= 0 {
		return "empty", nil
	}

	// 4. 工作区
	workspaces, err := e.store.ClaimableWorkspaces(ctx, account.ID)
	if err != nil {
		return "error", fmt.Errorf("list workspaces: %w", err)
	}
	if req.WorkspaceID != "" {
		if !slices.Contains(workspaces, req.WorkspaceID) {
			return "empty", nil
		}
		workspaces = []string{req.WorkspaceID}
	}
	if len(workspaces) == 0 {
		return "empty", nil
	}

	// 5. 候选任务
	now := e.now().UTC()
	q := storage.CandidateQuery{
		WorkspaceIDs: workspaces,
		Now:          now,
		Limit:        slots * e.cfg.CandidateOverfetch,
	}
	if account.Type != model.AccountTypeUser {
		q.AccountType = account.Type
	}
	candidates, err := e.store.ListClaimCandidates(ctx, q)
	if err != nil {
		return "error", fmt.Errorf("list candidates: %w", err)
	}

	// 6-8. 能力过滤后逐个条件写入
	expiresAt := now.Add(e.cfg.LeaseDuration)
	for _, task := range candidates {
		if len(result.Workers) >= slots {
			break
		}
		if !Matches(task, account.Type, req.Capabilities) {
			continue
		}

		worker := newWorker(task, account.ID, now)
		outcome, err := e.store.ClaimTask(ctx, storage.ClaimRequest{
			AccountID: account.ID,
			AuthType:  account.AuthType,
			TaskID:    task.ID,
			Now:       now,
			ExpiresAt: expiresAt,
			Worker:    worker,
		})
		if err != nil {
			return "error", fmt.Errorf("claim task %s: %w", task.ID, err)
		}
		e.metrics.RecordClaimOutcome(outcome.String())

		switch outcome {
		case storage.ClaimOK:
			claimedBy := account.ID
			task.Status = model.TaskStatusAssigned
			task.ClaimedBy = &claimedBy
			task.ClaimedAt = &now
			task.ExpiresAt = &expiresAt
			task.UpdatedAt = now
			result.Workers = append(result.Workers, Claimed{
				ID:     worker.ID,
				TaskID: task.ID,
				Branch: worker.Branch,
				Task:   task,
				Worker: worker,
			})
			log.WithTaskID(task.ID).Info("claim.assigned", "worker_id", worker.ID, "branch", worker.Branch)
		case storage.ClaimRaceLost:
			log.WithTaskID(task.ID).Debug("claim.race_lost")
		case storage.ClaimSlotsExhausted, storage.ClaimSessionsExhausted:
			// 并发请求抢先占满了槽位
			log.Debug("claim.exhausted", "outcome", outcome.String())
			return resultLabel(result), nil
		}
	}
	return resultLabel(result), nil
}

func resultLabel(r *Result) string {
	if len(r.Workers) == 0 {
		return "empty"
	}
	return "claimed"
}

// admit 账号类型相关的准入检查
func admit(a *model.Account) error {
	switch a.AuthType {
	case model.AuthTypeAPI:
		if a.MaxCostPerDay != nil && a.TotalCost >= *a.MaxCostPerDay {
			return fmt.Errorf("%w: daily cost limit reached (%.2f >= %.2f)", ErrAdmissionDenied, a.TotalCost, *a.MaxCostPerDay)
		}
	case model.AuthTypeOAuth:
		if a.MaxConcurrentSessions != nil && a.ActiveSessions >= *a.MaxConcurrentSessions {
			return fmt.Errorf("%w: concurrent session limit reached (%d >= %d)", ErrAdmissionDenied, a.ActiveSessions, *a.MaxConcurrentSessions)
		}
	}
	return nil
}

func newWorker(task *model.Task, accountID string, now time.Time) *model.Worker {
	id := uuid.NewString()
	return &model.Worker{
		ID:          id,
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		AccountID:   accountID,
		Name:        WorkerName(id),
		Branch:      BranchName(task.ID, task.Title),
		Status:      model.WorkerStatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *Engine) notifyAssigned(ctx context.Context, claimed []Claimed) {
	for _, c := range claimed {
		err := e.notifier.NotifyTask(ctx, &eventbus.TaskEvent{
			Type:        eventbus.EventTaskAssigned,
			WorkspaceID: c.Task.WorkspaceID,
			TaskID:      c.TaskID,
			WorkerID:    c.ID,
			AccountID:   c.Worker.AccountID,
			Timestamp:   e.now().UTC(),
		})
		if err != nil {
			e.metrics.RecordNotifyFailure()
			e.log.WithTaskID(c.TaskID).WithError(err).Warn("claim.notify.failed")
		}
	}
}

// Release 释放账号认领的任务，任务立即回到 pending
func (e *Engine) Release(ctx context.Context, accountID, taskID string) error {
	now := e.now().UTC()
	outcome, err := e.store.ReleaseTask(ctx, taskID, accountID, now)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	switch outcome {
	case storage.ReleaseNotFound:
		return ErrTaskNotFound
	case storage.ReleaseForbidden:
		return ErrForbidden
	case storage.ReleaseNotAssigned:
		return ErrNotAssigned
	}

	e.log.WithAccountID(accountID).WithTaskID(taskID).Info("claim.released")

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return nil
	}
	if err := e.notifier.NotifyTask(ctx, &eventbus.TaskEvent{
		Type:        eventbus.EventTaskReleased,
		WorkspaceID: task.WorkspaceID,
		TaskID:      taskID,
		AccountID:   accountID,
		Timestamp:   now,
	}); err != nil {
		e.metrics.RecordNotifyFailure()
		e.log.WithTaskID(taskID).WithError(err).Warn("claim.notify.failed")
	}
	return nil
}
