// Package repository TaskSchedule 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

const scheduleColumns = `id, workspace_id, name, cron_expression, timezone, task_template, enabled,
	next_run_at, last_run_at, total_runs, consecutive_failures, pause_after_failures,
	max_concurrent_from_schedule, last_task_id, last_error, created_at, updated_at`

// CreateSchedule 创建周期任务
func (s *Store) CreateSchedule(ctx context.Context, sc *model.TaskSchedule) error {
	tmpl, err := json.Marshal(sc.TaskTemplate)
	if err != nil {
		return fmt.Errorf("encode task_template: %w", err)
	}
	query := s.rebind(`
		INSERT INTO task_schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	_, err = s.db.ExecContext(ctx, query,
		sc.ID, sc.WorkspaceID, sc.Name, sc.CronExpression, sc.Timezone, string(tmpl), sc.Enabled,
		utcPtr(sc.NextRunAt), utcPtr(sc.LastRunAt), sc.TotalRuns, sc.ConsecutiveFailures, sc.PauseAfterFailures,
		sc.MaxConcurrentFromSchedule, sc.LastTaskID, sc.LastError, utc(sc.CreatedAt), utc(sc.UpdatedAt))
	return mapInsertErr(err)
}

// GetSchedule 获取周期任务，不存在时返回 (nil, nil)
func (s *Store) GetSchedule(ctx context.Context, id string) (*model.TaskSchedule, error) {
	query := s.rebind(`SELECT ` + scheduleColumns + ` FROM task_schedules WHERE id = $1`)
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}

// ListSchedules 列出周期任务，workspaceID 为空表示全部
func (s *Store) ListSchedules(ctx context.Context, workspaceID string) ([]*model.TaskSchedule, error) {
	var rows *sql.Rows
	var err error
	if workspaceID != "" {
		rows, err = s.db.QueryContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM task_schedules
			WHERE workspace_id = $1 ORDER BY created_at DESC`), workspaceID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM task_schedules ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedule(row scanner) (*model.TaskSchedule, error) {
	sc := &model.TaskSchedule{}
	var tmpl string
	err := row.Scan(
		&sc.ID, &sc.WorkspaceID, &sc.Name, &sc.CronExpression, &sc.Timezone, &tmpl, &sc.Enabled,
		&sc.NextRunAt, &sc.LastRunAt, &sc.TotalRuns, &sc.ConsecutiveFailures, &sc.PauseAfterFailures,
		&sc.MaxConcurrentFromSchedule, &sc.LastTaskID, &sc.LastError, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tmpl != "" {
		if err := json.Unmarshal([]byte(tmpl), &sc.TaskTemplate); err != nil {
			return nil, fmt.Errorf("decode task_template of schedule %s: %w", sc.ID, err)
		}
	}
	return sc, nil
}

func scanSchedules(rows *sql.Rows) ([]*model.TaskSchedule, error) {
	var list []*model.TaskSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sc)
	}
	return list, rows.Err()
}

// SetScheduleEnabled 启用/停用周期任务（管理操作）
//
// 重新启用时清零失败计数并设置新的 next_run_at。
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time, now time.Time) error {
	var query string
	var args []interface{}
	if enabled {
		query = `UPDATE task_schedules SET enabled = $1, next_run_at = $2, consecutive_failures = 0,
			last_error = NULL, updated_at = $3 WHERE id = $4`
		args = []interface{}{true, utcPtr(nextRunAt), utc(now), id}
	} else {
		query = `UPDATE task_schedules SET enabled = $1, updated_at = $2 WHERE id = $3`
		args = []interface{}{false, utc(now), id}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListDueSchedules 列出到期的周期任务（最早到期的在前）
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*model.TaskSchedule, error) {
	query := s.rebind(`SELECT ` + scheduleColumns + ` FROM task_schedules
		WHERE enabled = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at ASC LIMIT $3`)
	rows, err := s.db.QueryContext(ctx, query, true, utc(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// CountActiveScheduleTasks 统计由该调度产生、仍处于 pending / assigned 的任务数
func (s *Store) CountActiveScheduleTasks(ctx context.Context, scheduleID string) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM tasks WHERE schedule_id = $1 AND status IN ($2, $3)`)
	var n int
	err := s.db.QueryRowContext(ctx, query, scheduleID, model.TaskStatusPending, model.TaskStatusAssigned).Scan(&n)
	return n, err
}

// AdvanceSchedule 推进 next_run_at（比较并交换）
//
// 条件包含旧的 next_run_at，多个进程同时 tick 时只有一个能成功。
func (s *Store) AdvanceSchedule(ctx context.Context, a storage.ScheduleAdvance) (bool, error) {
	var query string
	var args []interface{}
	if a.CountRun {
		query = `UPDATE task_schedules SET next_run_at = $1, last_run_at = $2, total_runs = total_runs + 1, updated_at = $3
			WHERE id = $4 AND next_run_at = $5 AND enabled = $6`
		args = []interface{}{utcPtr(a.NextRunAt), utc(a.Now), utc(a.Now), a.ScheduleID, utc(a.PrevNextAt), true}
	} else {
		query = `UPDATE task_schedules SET next_run_at = $1, updated_at = $2
			WHERE id = $3 AND next_run_at = $4 AND enabled = $5`
		args = []interface{}{utcPtr(a.NextRunAt), utc(a.Now), a.ScheduleID, utc(a.PrevNextAt), true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateScheduledTask 写入调度产生的任务，并记录到调度上
func (s *Store) CreateScheduledTask(ctx context.Context, scheduleID string, task *model.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertTask(ctx, tx, task); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE task_schedules SET last_task_id = $1, consecutive_failures = 0, last_error = NULL, updated_at = $2
			WHERE id = $3`),
			task.ID, utc(task.CreatedAt), scheduleID)
		return err
	})
}

// RecordScheduleFailure 记录一次触发失败
//
// 失败计数在一条语句中累加，达到 pause_after_failures（大于 0 时）即停用；
// next_run_at 无论如何都会推进。
func (s *Store) RecordScheduleFailure(ctx context.Context, f storage.ScheduleFailure) error {
	query := s.rebind(`
		UPDATE task_schedules SET
			consecutive_failures = consecutive_failures + 1,
			enabled = CASE WHEN pause_after_failures > 0 AND consecutive_failures + 1 >= pause_after_failures
				THEN $1 ELSE enabled END,
			last_error = $2,
			next_run_at = $3,
			updated_at = $4
		WHERE id = $5`)
	_, err := s.db.ExecContext(ctx, query, false, f.Error, utcPtr(f.NextRunAt), utc(f.Now), f.ScheduleID)
	return err
}

// DisableSchedule 停用周期任务并记录原因
func (s *Store) DisableSchedule(ctx context.Context, id, reason string, now time.Time) error {
	query := s.rebind(`UPDATE task_schedules SET enabled = $1, last_error = $2, updated_at = $3 WHERE id = $4`)
	_, err := s.db.ExecContext(ctx, query, false, reason, utc(now), id)
	return err
}
