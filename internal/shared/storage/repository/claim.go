// Package repository 认领相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/internal/shared/storage/dbutil"
)

// errClaimAborted 让事务回滚的内部信号，不返回给调用方
var errClaimAborted = errors.New("claim aborted")

// ListClaimCandidates 查询可认领的候选任务
//
// 条件：status = pending，工作区在授权范围内，
// runner_preference 为 any 或与账号类型一致（AccountType 为空时不过滤）。
// 排序：priority DESC, created_at ASC。
// 仍持有有效租约的任务（Task.ClaimValid）在取出后过滤，结果可能少于 Limit。
func (s *Store) ListClaimCandidates(ctx context.Context, q storage.CandidateQuery) ([]*model.Task, error) {
	if len(q.WorkspaceIDs) == 0 || q.Limit <= 0 {
		return nil, nil
	}

	args := []interface{}{model.TaskStatusPending}
	for _, id := range q.WorkspaceIDs {
		args = append(args, id)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = $1
		AND workspace_id IN (` + dbutil.PlaceholderList(2, len(q.WorkspaceIDs)) + `)`

	if q.AccountType != "" {
		args = append(args, model.RunnerAny, q.AccountType)
		query += fmt.Sprintf(` AND (runner_preference = $%d OR runner_preference = $%d)`, len(args)-1, len(args))
	}

	args = append(args, q.Limit)
	query += fmt.Sprintf(` ORDER BY priority DESC, created_at ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	now := utc(q.Now)
	return slices.DeleteFunc(tasks, func(t *model.Task) bool { return t.ClaimValid(now) }), nil
}

// ClaimTask 认领单个任务
//
// 一个事务内依次执行三个条件写，任一影响 0 行即回滚：
//  1. 账号 active_workers 在上限内 +1
//  2. OAuth 账号 active_sessions 在上限内 +1
//  3. 任务 pending 且未被有效认领时写入认领信息（唯一的竞争点）
//
// 全部成功后写入 Worker（status = idle）并提交。
func (s *Store) ClaimTask(ctx context.Context, req storage.ClaimRequest) (storage.ClaimOutcome, error) {
	now := utc(req.Now)
	outcome := storage.ClaimOK

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// 1. 并发槽位
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE accounts SET active_workers = active_workers + 1, updated_at = $1
			WHERE id = $2 AND active_workers < max_concurrent_workers`),
			now, req.AccountID)
		if err != nil {
			return err
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			outcome = storage.ClaimSlotsExhausted
			return errClaimAborted
		}

		// 2. 会话
		if req.AuthType == model.AuthTypeOAuth {
			res, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE accounts SET active_sessions = active_sessions + 1
				WHERE id = $1 AND (max_concurrent_sessions IS NULL OR active_sessions < max_concurrent_sessions)`),
				req.AccountID)
			if err != nil {
				return err
			}
			if n, err := affected(res); err != nil {
				return err
			} else if n == 0 {
				outcome = storage.ClaimSessionsExhausted
				return errClaimAborted
			}
		}

		// 3. 任务
		res, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE tasks SET status = $1, claimed_by = $2, claimed_at = $3, expires_at = $4, updated_at = $5
			WHERE id = $6 AND status = $7 AND (claimed_by IS NULL OR expires_at < $8)`),
			model.TaskStatusAssigned, req.AccountID, now, utc(req.ExpiresAt), now,
			req.TaskID, model.TaskStatusPending, now)
		if err != nil {
			return err
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			outcome = storage.ClaimRaceLost
			return errClaimAborted
		}

		return s.insertWorkerTx(ctx, tx, req.Worker)
	})
	if errors.Is(err, errClaimAborted) {
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}
	return storage.ClaimOK, nil
}
