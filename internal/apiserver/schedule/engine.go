// Package schedule 周期任务引擎
//
// Tick 扫描到期的调度，对每个调度：
//  1. 超过 max_concurrent_from_schedule 时跳过，但仍推进 next_run_at
//  2. 以旧 next_run_at 为比较值推进到下一次触发时刻，失败说明其他进程已处理
//  3. 抢到触发后按模板创建任务，记录 last_task_id 并清零失败计数
//  4. 通知工作区有新任务
//
// 第 2 步之后的任何失败都记录到调度上（consecutive_failures / last_error），
// 达到 pause_after_failures 自动停用。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

// ErrNotFound 调度不存在
var ErrNotFound = errors.New("schedule not found")

// ErrInvalid 调度定义无效（cron / 时区 / 模板）
var ErrInvalid = errors.New("invalid schedule")

// Store 周期任务引擎依赖的存储接口
type Store interface {
	storage.ScheduleStore
}

// TickResult 一次 tick 的统计
type TickResult struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Engine 周期任务引擎
type Engine struct {
	store     Store
	notifier  eventbus.TaskNotifier
	metrics   *metrics.Metrics
	log       *logging.Logger
	batchSize int
	now       func() time.Time
}

// NewEngine 创建引擎，batchSize 非正时为 50
func NewEngine(store Store, notifier eventbus.TaskNotifier, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 50
	}
	if notifier == nil {
		notifier = eventbus.NewNoOpNotifier()
	}
	return &Engine{
		store:     store,
		notifier:  notifier,
		log:       logging.Default("schedule"),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SetMetrics 记录 tick 指标
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetLogger 指定日志器
func (e *Engine) SetLogger(l *logging.Logger) { e.log = l }

// SetClock 注入时钟（测试用）
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Create 校验并创建调度，next_run_at 为当前时刻之后的第一次触发
func (e *Engine) Create(ctx context.Context, sc *model.TaskSchedule) error {
	spec, err := ParseSpec(sc.CronExpression, sc.Timezone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if sc.TaskTemplate.Title == "" {
		return fmt.Errorf("%w: task template title is required", ErrInvalid)
	}
	if err := validateContext(sc.TaskTemplate.Context); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	now := e.now().UTC()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	next := spec.Next(now)
	sc.NextRunAt = &next
	sc.CreatedAt = now
	sc.UpdatedAt = now

	if err := e.store.CreateSchedule(ctx, sc); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	e.log.WithScheduleID(sc.ID).Info("schedule.created",
		"workspace_id", sc.WorkspaceID, "cron", sc.CronExpression, "timezone", sc.Timezone, "next_run_at", next)
	return nil
}

// Get 读取调度
func (e *Engine) Get(ctx context.Context, id string) (*model.TaskSchedule, error) {
	sc, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if sc == nil {
		return nil, ErrNotFound
	}
	return sc, nil
}

// List 列出工作区的调度，workspaceID 为空时列出全部
func (e *Engine) List(ctx context.Context, workspaceID string) ([]*model.TaskSchedule, error) {
	return e.store.ListSchedules(ctx, workspaceID)
}

// SetEnabled 启用或停用调度；启用时按当前时刻重新计算 next_run_at
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*model.TaskSchedule, error) {
	sc, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if sc == nil {
		return nil, ErrNotFound
	}

	now := e.now().UTC()
	next := sc.NextRunAt
	if enabled {
		spec, err := ParseSpec(sc.CronExpression, sc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		n := spec.Next(now)
		next = &n
	}
	if err := e.store.SetScheduleEnabled(ctx, id, enabled, next, now); err != nil {
		return nil, fmt.Errorf("set enabled: %w", err)
	}
	return e.store.GetSchedule(ctx, id)
}

// Tick 处理一批到期的调度
//
// 单个调度的失败只计入 Errors，不会让 Tick 返回错误；
// 只有列出到期调度失败时返回错误。
func (e *Engine) Tick(ctx context.Context) (*TickResult, error) {
	start := e.now()
	now := start.UTC()
	result := &TickResult{}

	due, err := e.store.ListDueSchedules(ctx, now, e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}

	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		result.Processed++
		e.process(ctx, sc, now, result)
	}

	elapsed := e.now().Sub(start)
	e.metrics.RecordScheduleTick(elapsed, result.Created, result.Skipped, result.Errors)
	if result.Processed > 0 {
		e.log.WithDuration(elapsed).Info("schedule.tick", "processed", result.Processed, "created", result.Created,
			"skipped", result.Skipped, "errors", result.Errors)
	}
	return result, nil
}

func (e *Engine) process(ctx context.Context, sc *model.TaskSchedule, now time.Time, result *TickResult) {
	log := e.log.WithScheduleID(sc.ID)

	spec, err := ParseSpec(sc.CronExpression, sc.Timezone)
	if err != nil {
		// 无法计算下一次触发，只能停用
		result.Errors++
		log.WithError(err).Error("schedule.disabled.invalid_cron")
		if err := e.store.DisableSchedule(ctx, sc.ID, err.Error(), now); err != nil {
			log.WithError(err).Error("schedule.disable.failed")
		}
		return
	}
	next := spec.Next(now)
	prev := *sc.NextRunAt

	// 1. 并发上限
	if sc.MaxConcurrentFromSchedule > 0 {
		active, err := e.store.CountActiveScheduleTasks(ctx, sc.ID)
		if err != nil {
			result.Errors++
			log.WithError(err).Error("schedule.count.failed")
			return
		}
		if active >= sc.MaxConcurrentFromSchedule {
			result.Skipped++
			if _, err := e.store.AdvanceSchedule(ctx, storage.ScheduleAdvance{
				ScheduleID: sc.ID, PrevNextAt: prev, NextRunAt: &next, Now: now,
			}); err != nil {
				log.WithError(err).Error("schedule.advance.failed")
			}
			log.Info("schedule.skip.concurrency", "active", active, "max", sc.MaxConcurrentFromSchedule, "next_run_at", next)
			return
		}
	}

	// 2. 比较并交换
	won, err := e.store.AdvanceSchedule(ctx, storage.ScheduleAdvance{
		ScheduleID: sc.ID, PrevNextAt: prev, NextRunAt: &next, Now: now, CountRun: true,
	})
	if err != nil {
		e.fail(ctx, log, sc, next, now, fmt.Errorf("advance: %w", err), result)
		return
	}
	if !won {
		result.Skipped++
		log.Debug("schedule.skip.race")
		return
	}

	// 3. 创建任务
	task, err := Instantiate(sc, now)
	if err != nil {
		e.fail(ctx, log, sc, next, now, err, result)
		return
	}
	if err := e.store.CreateScheduledTask(ctx, sc.ID, task); err != nil {
		e.fail(ctx, log, sc, next, now, fmt.Errorf("create task: %w", err), result)
		return
	}
	result.Created++
	log.WithTaskID(task.ID).Info("schedule.fire.created", "workspace_id", sc.WorkspaceID, "next_run_at", next)

	// 4. 通知
	if err := e.notifier.NotifyTask(ctx, &eventbus.TaskEvent{
		Type:        eventbus.EventTaskAvailable,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		ScheduleID:  sc.ID,
		Timestamp:   now,
	}); err != nil {
		e.metrics.RecordNotifyFailure()
		e.fail(ctx, log, sc, next, now, fmt.Errorf("notify: %w", err), result)
	}
}

// fail 记录一次触发失败；next_run_at 照常推进，避免下一次 tick 立即重试
func (e *Engine) fail(ctx context.Context, log *logging.Logger, sc *model.TaskSchedule, next, now time.Time, cause error, result *TickResult) {
	result.Errors++
	log.WithError(cause).Warn("schedule.fire.failed", "consecutive_failures", sc.ConsecutiveFailures+1)
	if err := e.store.RecordScheduleFailure(ctx, storage.ScheduleFailure{
		ScheduleID: sc.ID,
		Error:      cause.Error(),
		NextRunAt:  &next,
		Now:        now,
	}); err != nil {
		log.WithError(err).Error("schedule.record_failure.failed")
	}
}

// Run 按固定周期执行 Tick，直到 ctx 取消
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.log.Info("schedule.loop.start", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("schedule.loop.stop")
			return nil
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.log.WithError(err).Error("schedule.tick.failed")
			}
		}
	}
}
