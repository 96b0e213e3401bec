// Package account 账号与工作区授权 - HTTP 处理
//
// 账号由管理员创建；API Key 明文只在创建响应中返回一次。
package account

import (
	"context"
	"errors"
	"net/http"
	"time"

	z "github.com/Oudwins/zog"
	"github.com/google/uuid"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

// Store 账号处理器依赖的存储接口
type Store interface {
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	UpsertGrant(ctx context.Context, grant *model.AccountWorkspaceGrant) error
	ListGrants(ctx context.Context, accountID string) ([]*model.AccountWorkspaceGrant, error)
}

// GrantRequest 工作区授权
type GrantRequest struct {
	WorkspaceID string `json:"workspaceId" zog:"workspaceId"`
	CanClaim    bool   `json:"canClaim" zog:"canClaim"`
	CanCreate   bool   `json:"canCreate" zog:"canCreate"`
}

// CreateRequest POST /api/v1/accounts 请求体
type CreateRequest struct {
	ID                    string            `json:"id" zog:"id"`
	Name                  string            `json:"name" zog:"name"`
	Type                  model.AccountType `json:"type" zog:"type"`
	AuthType              model.AuthType    `json:"authType" zog:"authType"`
	MaxConcurrentWorkers  int               `json:"maxConcurrentWorkers" zog:"maxConcurrentWorkers"`
	MaxCostPerDay         *float64          `json:"maxCostPerDay" zog:"maxCostPerDay"`
	MaxConcurrentSessions *int              `json:"maxConcurrentSessions" zog:"maxConcurrentSessions"`
	Grants                []GrantRequest    `json:"grants" zog:"grants"`
}

// CreateResponse 创建结果，APIKey 只出现这一次
type CreateResponse struct {
	Account *model.Account                 `json:"account"`
	Grants  []*model.AccountWorkspaceGrant `json:"grants"`
	APIKey  string                         `json:"apiKey"`
}

var grantSchema = z.Struct(z.Shape{
	"WorkspaceID": z.String().Required().Trim(),
})

var createSchema = z.Struct(z.Shape{
	"ID":   z.String().Optional().Trim().Max(64),
	"Name": z.String().Required().Trim().Max(200),
	"Type": z.StringLike[model.AccountType]().Required().OneOf([]model.AccountType{
		model.AccountTypeUser, model.AccountTypeService, model.AccountTypeAction,
	}),
	"AuthType": z.StringLike[model.AuthType]().Required().OneOf([]model.AuthType{
		model.AuthTypeAPI, model.AuthTypeOAuth,
	}),
	"MaxConcurrentWorkers":  z.Int().GTE(1).LTE(1000),
	"MaxCostPerDay":         z.Ptr(z.Float64().GTE(0)),
	"MaxConcurrentSessions": z.Ptr(z.Int().GTE(0)),
	"Grants":                z.Slice(grantSchema).Optional(),
})

// Handler 账号 HTTP 处理器
type Handler struct {
	store Store
	guard *auth.Guard
	log   *logging.Logger
	now   func() time.Time
}

// NewHandler 创建处理器
func NewHandler(store Store, guard *auth.Guard) *Handler {
	return &Handler{store: store, guard: guard, log: logging.Default("account"), now: time.Now}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/accounts", h.guard.Admin(h.Create))
	mux.HandleFunc("GET /api/v1/accounts/me", h.guard.Account(h.Me))
	mux.HandleFunc("GET /api/v1/accounts/{id}", h.guard.Admin(h.Get))
	mux.HandleFunc("GET /api/v1/accounts/{id}/grants", h.guard.Admin(h.ListGrants))
	mux.HandleFunc("PUT /api/v1/accounts/{id}/grants/{workspaceId}", h.guard.Admin(h.PutGrant))
}

// Create POST /api/v1/accounts
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxConcurrentWorkers == 0 {
		req.MaxConcurrentWorkers = 1
	}
	if issues := createSchema.Validate(&req); len(issues) > 0 {
		httpx.WriteIssues(w, z.Issues.Flatten(issues))
		return
	}

	key, lookup, hash, err := auth.GenerateAPIKey()
	if err != nil {
		h.internalError(w, err)
		return
	}
	now := h.now().UTC()
	a := &model.Account{
		ID:                    req.ID,
		Name:                  req.Name,
		Type:                  req.Type,
		AuthType:              req.AuthType,
		APIKeyPrefix:          lookup,
		APIKeyHash:            hash,
		MaxConcurrentWorkers:  req.MaxConcurrentWorkers,
		MaxCostPerDay:         req.MaxCostPerDay,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := h.store.CreateAccount(r.Context(), a); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			httpx.WriteError(w, http.StatusConflict, "account already exists")
			return
		}
		h.internalError(w, err)
		return
	}

	grants := make([]*model.AccountWorkspaceGrant, 0, len(req.Grants))
	for _, g := range req.Grants {
		grant := &model.AccountWorkspaceGrant{
			AccountID: a.ID, WorkspaceID: g.WorkspaceID, CanClaim: g.CanClaim, CanCreate: g.CanCreate,
		}
		if err := h.store.UpsertGrant(r.Context(), grant); err != nil {
			h.internalError(w, err)
			return
		}
		grants = append(grants, grant)
	}

	h.log.WithAccountID(a.ID).Info("account.created", "type", a.Type, "auth_type", a.AuthType, "grants", len(grants))
	httpx.WriteJSON(w, http.StatusCreated, CreateResponse{Account: a, Grants: grants, APIKey: key})
}

// Me GET /api/v1/accounts/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	h.writeAccount(w, r, auth.PrincipalFrom(r.Context()).AccountID())
}

// Get GET /api/v1/accounts/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.writeAccount(w, r, r.PathValue("id"))
}

func (h *Handler) writeAccount(w http.ResponseWriter, r *http.Request, id string) {
	a, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if a == nil {
		httpx.WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	grants, err := h.store.ListGrants(r.Context(), id)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if grants == nil {
		grants = []*model.AccountWorkspaceGrant{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"account": a, "grants": grants})
}

// ListGrants GET /api/v1/accounts/{id}/grants
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.store.ListGrants(r.Context(), r.PathValue("id"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	if grants == nil {
		grants = []*model.AccountWorkspaceGrant{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

// PutGrant PUT /api/v1/accounts/{id}/grants/{workspaceId}
//
// 两个权限都为 false 时保留记录，效果等同撤销。
func (h *Handler) PutGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	accountID := r.PathValue("id")
	a, err := h.store.GetAccount(r.Context(), accountID)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if a == nil {
		httpx.WriteError(w, http.StatusNotFound, "account not found")
		return
	}

	grant := &model.AccountWorkspaceGrant{
		AccountID:   accountID,
		WorkspaceID: r.PathValue("workspaceId"),
		CanClaim:    req.CanClaim,
		CanCreate:   req.CanCreate,
	}
	if err := h.store.UpsertGrant(r.Context(), grant); err != nil {
		h.internalError(w, err)
		return
	}
	h.log.WithAccountID(accountID).Info("account.grant.updated",
		"workspace_id", grant.WorkspaceID, "can_claim", grant.CanClaim, "can_create", grant.CanCreate)
	httpx.WriteJSON(w, http.StatusOK, grant)
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.log.WithError(err).Error("account.request.failed")
	httpx.WriteError(w, http.StatusInternalServerError, "internal error")
}
