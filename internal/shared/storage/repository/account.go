// Package repository Account 和工作区授权相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"agents-dispatch/internal/shared/model"
)

const accountColumns = `id, name, type, auth_type, api_key_prefix, api_key_hash,
	max_concurrent_workers, active_workers, max_cost_per_day, total_cost,
	max_concurrent_sessions, active_sessions, created_at, updated_at`

// === Account 操作 ===

// CreateAccount 创建账号
func (s *Store) CreateAccount(ctx context.Context, account *model.Account) error {
	query := s.rebind(`
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	_, err := s.db.ExecContext(ctx, query,
		account.ID, account.Name, account.Type, account.AuthType, account.APIKeyPrefix, account.APIKeyHash,
		account.MaxConcurrentWorkers, account.ActiveWorkers, account.MaxCostPerDay, account.TotalCost,
		account.MaxConcurrentSessions, account.ActiveSessions, utc(account.CreatedAt), utc(account.UpdatedAt))
	return mapInsertErr(err)
}

// GetAccount 获取账号，不存在时返回 (nil, nil)
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	query := s.rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`)
	account, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return account, err
}

// ListAccountsByKeyPrefix 按 API Key 前缀查找候选账号（再由调用方校验哈希）
func (s *Store) ListAccountsByKeyPrefix(ctx context.Context, prefix string) ([]*model.Account, error) {
	query := s.rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE api_key_prefix = $1`)
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func scanAccount(row scanner) (*model.Account, error) {
	a := &model.Account{}
	err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.AuthType, &a.APIKeyPrefix, &a.APIKeyHash,
		&a.MaxConcurrentWorkers, &a.ActiveWorkers, &a.MaxCostPerDay, &a.TotalCost,
		&a.MaxConcurrentSessions, &a.ActiveSessions, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// === Grant 操作 ===

// UpsertGrant 创建或更新工作区授权
func (s *Store) UpsertGrant(ctx context.Context, grant *model.AccountWorkspaceGrant) error {
	query := s.rebind(`
		INSERT INTO account_workspaces (account_id, workspace_id, can_claim, can_create)
		VALUES ($1, $2, $3, $4)
		` + s.dialect.UpsertConflict("account_id, workspace_id", []string{
		"can_claim = EXCLUDED.can_claim",
		"can_create = EXCLUDED.can_create",
	}))
	_, err := s.db.ExecContext(ctx, query, grant.AccountID, grant.WorkspaceID, grant.CanClaim, grant.CanCreate)
	return err
}

// ListGrants 列出账号的全部授权
func (s *Store) ListGrants(ctx context.Context, accountID string) ([]*model.AccountWorkspaceGrant, error) {
	query := s.rebind(`SELECT account_id, workspace_id, can_claim, can_create
		FROM account_workspaces WHERE account_id = $1 ORDER BY workspace_id`)
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []*model.AccountWorkspaceGrant
	for rows.Next() {
		g := &model.AccountWorkspaceGrant{}
		if err := rows.Scan(&g.AccountID, &g.WorkspaceID, &g.CanClaim, &g.CanCreate); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ClaimableWorkspaces 返回账号可认领的工作区
func (s *Store) ClaimableWorkspaces(ctx context.Context, accountID string) ([]string, error) {
	query := s.rebind(`SELECT workspace_id FROM account_workspaces
		WHERE account_id = $1 AND can_claim = $2 ORDER BY workspace_id`)
	rows, err := s.db.QueryContext(ctx, query, accountID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CanCreate 账号是否可在工作区创建任务
func (s *Store) CanCreate(ctx context.Context, accountID, workspaceID string) (bool, error) {
	query := s.rebind(`SELECT can_create FROM account_workspaces WHERE account_id = $1 AND workspace_id = $2`)
	var ok bool
	err := s.db.QueryRowContext(ctx, query, accountID, workspaceID).Scan(&ok)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return ok, err
}
