// Package repository Worker 相关的存储操作
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

const workerColumns = `id, task_id, workspace_id, account_id, name, branch, status, progress,
	waiting_for, error, commit_count, files_changed, lines_added, lines_removed,
	input_tokens, output_tokens, cost_usd, created_at, updated_at, started_at, completed_at, version`

// insertWorkerTx 在事务内写入 Worker
func (s *Store) insertWorkerTx(ctx context.Context, tx *sql.Tx, w *model.Worker) error {
	waitingJSON, err := jsonText(w.WaitingFor)
	if err != nil {
		return fmt.Errorf("encode waiting_for: %w", err)
	}
	query := s.rebind(`
		INSERT INTO workers (` + workerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`)
	_, err = tx.ExecContext(ctx, query,
		w.ID, w.TaskID, w.WorkspaceID, w.AccountID, w.Name, w.Branch, w.Status, w.Progress,
		waitingJSON, w.Error, w.CommitCount, w.FilesChanged, w.LinesAdded, w.LinesRemoved,
		w.InputTokens, w.OutputTokens, w.CostUSD, utc(w.CreatedAt), utc(w.UpdatedAt),
		utcPtr(w.StartedAt), utcPtr(w.CompletedAt), w.Version)
	return mapInsertErr(err)
}

// GetWorker 获取 Worker，不存在时返回 (nil, nil)
func (s *Store) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	query := s.rebind(`SELECT ` + workerColumns + ` FROM workers WHERE id = $1`)
	w, err := scanWorker(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ListWorkersByTask 列出任务的全部 Worker（新的在前）
func (s *Store) ListWorkersByTask(ctx context.Context, taskID string) ([]*model.Worker, error) {
	query := s.rebind(`SELECT ` + workerColumns + ` FROM workers WHERE task_id = $1 ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func scanWorker(row scanner) (*model.Worker, error) {
	w := &model.Worker{}
	var waitingJSON []byte
	err := row.Scan(
		&w.ID, &w.TaskID, &w.WorkspaceID, &w.AccountID, &w.Name, &w.Branch, &w.Status, &w.Progress,
		&waitingJSON, &w.Error, &w.CommitCount, &w.FilesChanged, &w.LinesAdded, &w.LinesRemoved,
		&w.InputTokens, &w.OutputTokens, &w.CostUSD, &w.CreatedAt, &w.UpdatedAt, &w.StartedAt, &w.CompletedAt, &w.Version)
	if err != nil {
		return nil, err
	}
	if raw := (&NullableJSON{Data: &waitingJSON}).Value(); raw != nil {
		w.WaitingFor = &model.WaitingFor{}
		if err := json.Unmarshal(raw, w.WaitingFor); err != nil {
			return nil, fmt.Errorf("decode waiting_for of worker %s: %w", w.ID, err)
		}
	}
	return w, nil
}

func scanWorkers(rows *sql.Rows) ([]*model.Worker, error) {
	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ApplyWorkerTransition 写入状态机计算出的新状态
//
// 顺序：worker 条件更新 → account 计数/花费 → task 终态。
// worker 行以 FromStatus + FromVersion 为比较值，影响 0 行说明读取之后已有其他写入，
// 此时花费增量也一并作废，账号 total_cost 不会按过期的读取重复累加。
func (s *Store) ApplyWorkerTransition(ctx context.Context, t storage.WorkerTransition) error {
	w := t.Next
	waitingJSON, err := jsonText(w.WaitingFor)
	if err != nil {
		return fmt.Errorf("encode waiting_for: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE workers SET
				status = $1, progress = $2, waiting_for = $3, error = $4,
				commit_count = $5, files_changed = $6, lines_added = $7, lines_removed = $8,
				input_tokens = $9, output_tokens = $10, cost_usd = $11,
				updated_at = $12, started_at = $13, completed_at = $14, version = version + 1
			WHERE id = $15 AND status = $16 AND version = $17`),
			w.Status, w.Progress, waitingJSON, w.Error,
			w.CommitCount, w.FilesChanged, w.LinesAdded, w.LinesRemoved,
			w.InputTokens, w.OutputTokens, w.CostUSD,
			utc(w.UpdatedAt), utcPtr(w.StartedAt), utcPtr(w.CompletedAt),
			w.ID, t.FromStatus, t.FromVersion)
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

		if t.CostDelta > 0 {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE accounts SET total_cost = total_cost + $1, updated_at = $2 WHERE id = $3`),
				t.CostDelta, utc(w.UpdatedAt), w.AccountID); err != nil {
				return err
			}
		}

		if !w.Status.IsTerminal() {
			return nil
		}
		if err := s.releaseAccountSlotTx(ctx, tx, w.AccountID, t.AuthType, utc(w.UpdatedAt)); err != nil {
			return err
		}
		taskStatus := model.TaskStatusCompleted
		if w.Status == model.WorkerStatusFailed {
			taskStatus = model.TaskStatusFailed
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = $1, updated_at = $2
			WHERE id = $3 AND claimed_by = $4 AND status = $5`),
			taskStatus, utc(w.UpdatedAt), w.TaskID, w.AccountID, model.TaskStatusAssigned)
		return err
	})
}

// releaseAccountSlotTx 归还账号并发槽位（OAuth 账号同时归还会话）
//
// 计数器不会减到负数。
func (s *Store) releaseAccountSlotTx(ctx context.Context, tx *sql.Tx, accountID string, authType model.AuthType, now time.Time) error {
	query := `UPDATE accounts SET
			active_workers = CASE WHEN active_workers > 0 THEN active_workers - 1 ELSE 0 END,
			updated_at = $1
		WHERE id = $2`
	if authType == model.AuthTypeOAuth {
		query = `UPDATE accounts SET
			active_workers = CASE WHEN active_workers > 0 THEN active_workers - 1 ELSE 0 END,
			active_sessions = CASE WHEN active_sessions > 0 THEN active_sessions - 1 ELSE 0 END,
			updated_at = $1
		WHERE id = $2`
	}
	_, err := tx.ExecContext(ctx, s.rebind(query), now, accountID)
	return err
}

// failWorkerTx 把非终态 Worker 置为 failed 并归还账号计数
//
// cutoff 非空时额外要求 updated_at < cutoff（陈旧回收用，避免与刚恢复上报的 Worker 竞争）。
// 返回 false 表示条件不成立，没有写入任何东西。
func (s *Store) failWorkerTx(ctx context.Context, tx *sql.Tx, workerID, accountID string, authType model.AuthType, reason string, now time.Time, cutoff *time.Time) (bool, error) {
	query := `UPDATE workers SET status = $1, error = $2, waiting_for = NULL, updated_at = $3, completed_at = $4,
			version = version + 1
		WHERE id = $5 AND status IN ($6, $7, $8, $9)`
	args := []interface{}{
		model.WorkerStatusFailed, reason, now, now, workerID,
		model.WorkerStatusIdle, model.WorkerStatusRunning,
		model.WorkerStatusWaitingInput, model.WorkerStatusAwaitingApproval,
	}
	if cutoff != nil {
		query += ` AND updated_at < $10`
		args = append(args, utc(*cutoff))
	}
	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := s.releaseAccountSlotTx(ctx, tx, accountID, authType, now); err != nil {
		return false, err
	}
	return true, nil
}

// ListStaleWorkers 列出陈旧 Worker（最久未上报的在前）
func (s *Store) ListStaleWorkers(ctx context.Context, cutoff time.Time, limit int) ([]*model.Worker, error) {
	query := s.rebind(`SELECT ` + workerColumns + ` FROM workers
		WHERE status IN ($1, $2, $3, $4) AND updated_at < $5
		ORDER BY updated_at ASC LIMIT $6`)
	rows, err := s.db.QueryContext(ctx, query,
		model.WorkerStatusIdle, model.WorkerStatusRunning,
		model.WorkerStatusWaitingInput, model.WorkerStatusAwaitingApproval,
		utc(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ReclaimStaleWorker 回收陈旧 Worker
//
// 一个事务内：Worker 置为 failed，归还账号计数，任务回到 pending 并清空认领。
// 任务只在仍由该账号认领时才会被重置。
func (s *Store) ReclaimStaleWorker(ctx context.Context, w *model.Worker, cutoff, now time.Time, reason string) (bool, error) {
	now = utc(now)
	var reclaimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var authType model.AuthType
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT auth_type FROM accounts WHERE id = $1`), w.AccountID).Scan(&authType)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		ok, err := s.failWorkerTx(ctx, tx, w.ID, w.AccountID, authType, reason, now, &cutoff)
		if err != nil || !ok {
			return err
		}
		reclaimed = true

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = $1, claimed_by = NULL, claimed_at = NULL, expires_at = NULL, updated_at = $2
			WHERE id = $3 AND claimed_by = $4 AND status = $5`),
			model.TaskStatusPending, now, w.TaskID, w.AccountID, model.TaskStatusAssigned)
		return err
	})
	if err != nil {
		return false, err
	}
	return reclaimed, nil
}
