// Package model 定义核心数据模型
//
// account.go 包含账号相关的数据模型定义：
//   - Account：拉取任务的调用方账号（并发、花费、会话限额）
//   - AccountType / AuthType：账号类型与认证方式
//   - AccountWorkspaceGrant：账号对工作区的授权
package model

import "time"

// ============================================================================
// AccountType / AuthType
// ============================================================================

// AccountType 账号类型，与 Task.RunnerPreference 匹配
type AccountType string

const (
	// AccountTypeUser 个人账号，可认领任意偏好的任务
	AccountTypeUser    AccountType = "user"
	AccountTypeService AccountType = "service"
	AccountTypeAction  AccountType = "action"
)

// AuthType 账号认证方式，决定准入检查类型
type AuthType string

const (
	// AuthTypeAPI 按花费限额（totalCost < maxCostPerDay）
	AuthTypeAPI AuthType = "api"

	// AuthTypeOAuth 按会话限额（activeSessions < maxConcurrentSessions）
	AuthTypeOAuth AuthType = "oauth"
)

// ============================================================================
// Account - 调用方账号
// ============================================================================

// Account 调用方账号
//
// ActiveWorkers / ActiveSessions / TotalCost 是反范式计数器，
// 只通过存储层的增量条件写修改，不在应用内存中读改写。
type Account struct {
	ID                    string      `json:"id" db:"id"`
	Name                  string      `json:"name" db:"name"`
	Type                  AccountType `json:"type" db:"type"`
	AuthType              AuthType    `json:"authType" db:"auth_type"`
	APIKeyPrefix          string      `json:"-" db:"api_key_prefix"`
	APIKeyHash            string      `json:"-" db:"api_key_hash"`
	MaxConcurrentWorkers  int         `json:"maxConcurrentWorkers" db:"max_concurrent_workers"`
	ActiveWorkers         int         `json:"activeWorkers" db:"active_workers"`
	MaxCostPerDay         *float64    `json:"maxCostPerDay,omitempty" db:"max_cost_per_day"`
	TotalCost             float64     `json:"totalCost" db:"total_cost"`
	MaxConcurrentSessions *int        `json:"maxConcurrentSessions,omitempty" db:"max_concurrent_sessions"`
	ActiveSessions        int         `json:"activeSessions" db:"active_sessions"`
	CreatedAt             time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time   `json:"updatedAt" db:"updated_at"`
}

// AvailableSlots 剩余可用并发槽位（不小于 0）
func (a *Account) AvailableSlots() int {
	n := a.MaxConcurrentWorkers - a.ActiveWorkers
	if n < 0 {
		return 0
	}
	return n
}

// ============================================================================
// AccountWorkspaceGrant - 工作区授权
// ============================================================================

// AccountWorkspaceGrant 账号对某工作区的授权
type AccountWorkspaceGrant struct {
	AccountID   string `json:"accountId" db:"account_id"`
	WorkspaceID string `json:"workspaceId" db:"workspace_id"`
	CanClaim    bool   `json:"canClaim" db:"can_claim"`
	CanCreate   bool   `json:"canCreate" db:"can_create"`
}
