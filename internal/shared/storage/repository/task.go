// Package repository Task 相关的存储操作
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

const taskColumns = `id, workspace_id, title, description, status, priority, runner_preference,
	required_capabilities, claimed_by, claimed_at, expires_at, creation_source, schedule_id,
	context, created_at, updated_at`

// insertTask 写入任务（db 或 tx）
func (s *Store) insertTask(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, task *model.Task) error {
	caps := task.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := jsonText(caps)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	contextJSON, err := jsonText(task.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	query := s.rebind(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)
	_, err = q.ExecContext(ctx, query,
		task.ID, task.WorkspaceID, task.Title, task.Description, task.Status, task.Priority,
		task.RunnerPreference, capsJSON, task.ClaimedBy, utcPtr(task.ClaimedAt), utcPtr(task.ExpiresAt),
		task.CreationSource, task.ScheduleID, contextJSON, utc(task.CreatedAt), utc(task.UpdatedAt))
	return mapInsertErr(err)
}

// CreateTask 创建任务
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	return s.insertTask(ctx, s.db, task)
}

// GetTask 获取任务，不存在时返回 (nil, nil)
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// scanTask 辅助函数：从数据库行扫描 Task
func scanTask(row scanner) (*model.Task, error) {
	task := &model.Task{}
	var capsJSON string
	var contextJSON []byte
	err := row.Scan(
		&task.ID, &task.WorkspaceID, &task.Title, &task.Description, &task.Status, &task.Priority,
		&task.RunnerPreference, &capsJSON, &task.ClaimedBy, &task.ClaimedAt, &task.ExpiresAt,
		&task.CreationSource, &task.ScheduleID, &contextJSON, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &task.RequiredCapabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of task %s: %w", task.ID, err)
		}
	}
	if task.RequiredCapabilities == nil {
		task.RequiredCapabilities = []string{}
	}
	task.Context = (&NullableJSON{Data: &contextJSON}).Value()
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListTasks 列出任务，workspaceID / status 为空表示不过滤
func (s *Store) ListTasks(ctx context.Context, workspaceID string, status model.TaskStatus, limit, offset int) ([]*model.Task, error) {
	var conds []string
	var args []interface{}
	if workspaceID != "" {
		args = append(args, workspaceID)
		conds = append(conds, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ReleaseTask 释放认领
//
// 只有认领者可以释放。任务回到 pending 并清空认领字段；
// 同一事务内把任务当前的非终态 Worker 置为 failed，并归还账号计数。
// 任务行在读取时加锁（PostgreSQL FOR UPDATE），与并发的陈旧回收互斥。
func (s *Store) ReleaseTask(ctx context.Context, taskID, accountID string, now time.Time) (storage.ReleaseOutcome, error) {
	now = utc(now)
	outcome := storage.ReleaseOK
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var claimedBy sql.NullString
		var status model.TaskStatus
		query := `SELECT claimed_by, status FROM tasks WHERE id = $1 ` + s.dialect.LockClause()
		err := tx.QueryRowContext(ctx, s.rebind(query), taskID).Scan(&claimedBy, &status)
		if err == sql.ErrNoRows {
			outcome = storage.ReleaseNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if !claimedBy.Valid || claimedBy.String != accountID {
			outcome = storage.ReleaseForbidden
			return nil
		}
		if status != model.TaskStatusAssigned {
			outcome = storage.ReleaseNotAssigned
			return nil
		}

		// worker
		var workerID string
		var authType model.AuthType
		err = tx.QueryRowContext(ctx, s.rebind(`
			SELECT w.id, a.auth_type FROM workers w JOIN accounts a ON a.id = w.account_id
			WHERE w.task_id = $1 AND w.account_id = $2 AND w.status IN ($3, $4, $5, $6)
			ORDER BY w.created_at DESC LIMIT 1`),
			taskID, accountID,
			model.WorkerStatusIdle, model.WorkerStatusRunning,
			model.WorkerStatusWaitingInput, model.WorkerStatusAwaitingApproval,
		).Scan(&workerID, &authType)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil {
			if _, err := s.failWorkerTx(ctx, tx, workerID, accountID, authType, "released by account", now, nil); err != nil {
				return err
			}
		}

		// task
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = $1, claimed_by = NULL, claimed_at = NULL, expires_at = NULL, updated_at = $2
			WHERE id = $3 AND claimed_by = $4 AND status = $5`),
			model.TaskStatusPending, now, taskID, accountID, model.TaskStatusAssigned)
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrConflict
		}
		return nil
	})
	if err != nil {
		return storage.ReleaseOK, err
	}
	return outcome, nil
}
