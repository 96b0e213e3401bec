// Package storetest 为各业务包测试提供基于 SQLite 临时文件的 Store 和数据构造函数
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/shared/model"
	sqlitedriver "agents-dispatch/internal/shared/storage/driver/sqlite"
	"agents-dispatch/internal/shared/storage/repository"
)

// NewStore 创建迁移完成的 SQLite Store，测试结束时关闭
func NewStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// AccountOption 修改账号默认值
type AccountOption func(a *model.Account)

// WithMaxWorkers 设置并发上限
func WithMaxWorkers(n int) AccountOption {
	return func(a *model.Account) { a.MaxConcurrentWorkers = n }
}

// WithActiveWorkers 设置已占用槽位
func WithActiveWorkers(n int) AccountOption {
	return func(a *model.Account) { a.ActiveWorkers = n }
}

// WithType 设置账号类型
func WithType(t model.AccountType) AccountOption {
	return func(a *model.Account) { a.Type = t }
}

// WithCostLimit 设置花费上限与已花费
func WithCostLimit(limit, spent float64) AccountOption {
	return func(a *model.Account) {
		a.AuthType = model.AuthTypeAPI
		a.MaxCostPerDay = &limit
		a.TotalCost = spent
	}
}

// WithSessionLimit 设为 OAuth 账号并设置会话上限
func WithSessionLimit(limit, active int) AccountOption {
	return func(a *model.Account) {
		a.AuthType = model.AuthTypeOAuth
		a.MaxConcurrentSessions = &limit
		a.ActiveSessions = active
	}
}

// WithAPIKey 设置 API Key 查找前缀与哈希
func WithAPIKey(lookup, hash string) AccountOption {
	return func(a *model.Account) {
		a.APIKeyPrefix = lookup
		a.APIKeyHash = hash
	}
}

// CreateAccount 创建账号并授权 workspaces（can_claim + can_create）
func CreateAccount(t *testing.T, s *repository.Store, id string, workspaces []string, opts ...AccountOption) *model.Account {
	t.Helper()
	now := time.Now().UTC()
	a := &model.Account{
		ID:                   id,
		Name:                 id,
		Type:                 model.AccountTypeService,
		AuthType:             model.AuthTypeAPI,
		MaxConcurrentWorkers: 3,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, opt := range opts {
		opt(a)
	}
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, a))
	for _, ws := range workspaces {
		require.NoError(t, s.UpsertGrant(ctx, &model.AccountWorkspaceGrant{
			AccountID: id, WorkspaceID: ws, CanClaim: true, CanCreate: true,
		}))
	}
	return a
}

// TaskOption 修改任务默认值
type TaskOption func(task *model.Task)

// WithPriority 设置优先级
func WithPriority(p int) TaskOption {
	return func(task *model.Task) { task.Priority = p }
}

// WithCapabilities 设置所需能力
func WithCapabilities(caps ...string) TaskOption {
	return func(task *model.Task) { task.RequiredCapabilities = caps }
}

// WithRunner 设置执行者偏好
func WithRunner(r model.RunnerPreference) TaskOption {
	return func(task *model.Task) { task.RunnerPreference = r }
}

// WithCreatedAt 设置创建时间
func WithCreatedAt(at time.Time) TaskOption {
	return func(task *model.Task) {
		task.CreatedAt = at.UTC()
		task.UpdatedAt = at.UTC()
	}
}

// WithSchedule 标记为调度产生的任务
func WithSchedule(scheduleID string) TaskOption {
	return func(task *model.Task) {
		task.ScheduleID = &scheduleID
		task.CreationSource = model.CreationSourceSchedule
	}
}

// WithLease 写入认领信息但保持 pending（模拟租约尚未清理的任务）
func WithLease(accountID string, expiresAt time.Time) TaskOption {
	return func(task *model.Task) {
		claimedAt := expiresAt.Add(-15 * time.Minute).UTC()
		expires := expiresAt.UTC()
		task.ClaimedBy = &accountID
		task.ClaimedAt = &claimedAt
		task.ExpiresAt = &expires
	}
}

// CreateTask 创建 pending 任务
func CreateTask(t *testing.T, s *repository.Store, id, workspaceID string, opts ...TaskOption) *model.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &model.Task{
		ID:                   id,
		WorkspaceID:          workspaceID,
		Title:                "Task " + id,
		Status:               model.TaskStatusPending,
		RunnerPreference:     model.RunnerAny,
		RequiredCapabilities: []string{},
		CreationSource:       model.CreationSourceAPI,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, opt := range opts {
		opt(task)
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}
