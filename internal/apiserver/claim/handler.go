package claim

import (
	"errors"
	"net/http"

	z "github.com/Oudwins/zog"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/pkg/logging"
)

// ClaimRequest POST /api/v1/workers/claim 请求体
type ClaimRequest struct {
	WorkspaceID  string   `json:"workspaceId" zog:"workspaceId"`
	Capabilities []string `json:"capabilities" zog:"capabilities"`
	MaxTasks     *int     `json:"maxTasks" zog:"maxTasks"`
}

var claimRequestSchema = z.Struct(z.Shape{
	"WorkspaceID":  z.String().Optional().Trim(),
	"Capabilities": z.Slice(z.String().Trim().Min(1)).Optional(),
	"MaxTasks":     z.Ptr(z.Int().GTE(0).LTE(100)),
})

// Handler 认领相关 HTTP 接口
type Handler struct {
	engine *Engine
	guard  *auth.Guard
	log    *logging.Logger
}

// NewHandler 创建 Handler
func NewHandler(engine *Engine, guard *auth.Guard) *Handler {
	return &Handler{engine: engine, guard: guard, log: logging.Default("claim")}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workers/claim", h.guard.Account(h.Claim))
	mux.HandleFunc("POST /api/v1/tasks/{id}/release", h.guard.Account(h.Release))
}

// Claim POST /api/v1/workers/claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if issues := claimRequestSchema.Validate(&req); len(issues) > 0 {
		httpx.WriteIssues(w, z.Issues.Flatten(issues))
		return
	}
	maxTasks := 1
	if req.MaxTasks != nil {
		maxTasks = *req.MaxTasks
	}

	accountID := auth.PrincipalFrom(r.Context()).AccountID()
	result, err := h.engine.Claim(r.Context(), accountID, Request{
		WorkspaceID:  req.WorkspaceID,
		Capabilities: req.Capabilities,
		MaxTasks:     maxTasks,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// Release POST /api/v1/tasks/{id}/release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	accountID := auth.PrincipalFrom(r.Context()).AccountID()
	if err := h.engine.Release(r.Context(), accountID, taskID); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"taskId": taskID, "status": "pending"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAdmissionDenied):
		httpx.WriteError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrAccountNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotAssigned):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		h.log.WithError(err).Error("claim.request.failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
