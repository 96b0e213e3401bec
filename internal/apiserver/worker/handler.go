package worker

import (
	"errors"
	"net/http"

	z "github.com/Oudwins/zog"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

var workerStatuses = []model.WorkerStatus{
	model.WorkerStatusIdle,
	model.WorkerStatusRunning,
	model.WorkerStatusWaitingInput,
	model.WorkerStatusAwaitingApproval,
	model.WorkerStatusCompleted,
	model.WorkerStatusFailed,
}

// progress 超出 0..100 时由状态机截断，这里不限制
var updateSchema = z.Struct(z.Shape{
	"Status":       z.Ptr(z.StringLike[model.WorkerStatus]().OneOf(workerStatuses)),
	"Progress":     z.Ptr(z.Int()),
	"Error":        z.Ptr(z.String().Max(4000)),
	"CommitCount":  z.Ptr(z.Int().GTE(0)),
	"FilesChanged": z.Ptr(z.Int().GTE(0)),
	"LinesAdded":   z.Ptr(z.Int().GTE(0)),
	"LinesRemoved": z.Ptr(z.Int().GTE(0)),
	"InputTokens":  z.Ptr(z.Int64().GTE(0)),
	"OutputTokens": z.Ptr(z.Int64().GTE(0)),
	"CostUSD":      z.Ptr(z.Float64().GTE(0)),
})

var waitingForSchema = z.Struct(z.Shape{
	"Type":   z.String().Required().OneOf([]string{"question", "plan_approval", "confirmation"}),
	"Prompt": z.String().Optional().Max(4000),
})

// Handler Worker 相关 HTTP 接口
type Handler struct {
	svc   *Service
	guard *auth.Guard
	log   *logging.Logger
}

// NewHandler 创建 Handler
func NewHandler(svc *Service, guard *auth.Guard) *Handler {
	return &Handler{svc: svc, guard: guard, log: logging.Default("worker")}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workers/{id}", h.guard.AccountOrAdmin(h.Get))
	mux.HandleFunc("PATCH /api/v1/workers/{id}", h.guard.Account(h.Update))
}

// Get GET /api/v1/workers/{id}
//
// 账号只能读取自己的 Worker，管理员不受限。
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	accountID := auth.PrincipalFrom(r.Context()).AccountID()
	worker, err := h.svc.Get(r.Context(), accountID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, worker)
}

// Update PATCH /api/v1/workers/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var u Update
	if err := httpx.DecodeJSON(w, r, &u); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if issues := updateSchema.Validate(&u); len(issues) > 0 {
		httpx.WriteIssues(w, z.Issues.Flatten(issues))
		return
	}
	if u.WaitingFor.Value != nil {
		if issues := waitingForSchema.Validate(u.WaitingFor.Value); len(issues) > 0 {
			httpx.WriteIssues(w, z.Issues.Flatten(issues))
			return
		}
	}

	accountID := auth.PrincipalFrom(r.Context()).AccountID()
	worker, err := h.svc.Update(r.Context(), accountID, r.PathValue("id"), u)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, worker)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, "worker was modified concurrently, retry")
	default:
		h.log.WithError(err).Error("worker.request.failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
