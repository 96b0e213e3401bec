package schedule

import (
	"encoding/json"
	"errors"
	"net/http"

	z "github.com/Oudwins/zog"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

// TemplateRequest 任务模板
type TemplateRequest struct {
	Title                string                 `json:"title" zog:"title"`
	Description          string                 `json:"description" zog:"description"`
	Priority             int                    `json:"priority" zog:"priority"`
	RunnerPreference     model.RunnerPreference `json:"runnerPreference" zog:"runnerPreference"`
	RequiredCapabilities []string               `json:"requiredCapabilities" zog:"requiredCapabilities"`
	Context              json.RawMessage        `json:"context"`
}

// CreateRequest POST /api/v1/schedules 请求体
type CreateRequest struct {
	WorkspaceID               string          `json:"workspaceId" zog:"workspaceId"`
	Name                      string          `json:"name" zog:"name"`
	CronExpression            string          `json:"cronExpression" zog:"cronExpression"`
	Timezone                  string          `json:"timezone" zog:"timezone"`
	TaskTemplate              TemplateRequest `json:"taskTemplate" zog:"taskTemplate"`
	Enabled                   *bool           `json:"enabled" zog:"enabled"`
	PauseAfterFailures        *int            `json:"pauseAfterFailures" zog:"pauseAfterFailures"`
	MaxConcurrentFromSchedule *int            `json:"maxConcurrentFromSchedule" zog:"maxConcurrentFromSchedule"`
}

// defaultPauseAfterFailures 未指定时连续失败 5 次自动停用
const defaultPauseAfterFailures = 5

var createSchema = z.Struct(z.Shape{
	"WorkspaceID":    z.String().Required().Trim(),
	"Name":           z.String().Required().Trim().Max(200),
	"CronExpression": z.String().Required().Trim(),
	"Timezone":       z.String().Optional().Trim(),
	"TaskTemplate": z.Struct(z.Shape{
		"Title":       z.String().Required().Trim().Max(200),
		"Description": z.String().Optional().Max(20000),
		"Priority":    z.Int().GTE(-1000).LTE(1000),
		"RunnerPreference": z.StringLike[model.RunnerPreference]().Optional().OneOf([]model.RunnerPreference{
			model.RunnerAny, model.RunnerUser, model.RunnerService, model.RunnerAction,
		}),
		"RequiredCapabilities": z.Slice(z.String().Trim().Min(1)).Optional(),
	}),
	"Enabled":                   z.Ptr(z.Bool()),
	"PauseAfterFailures":        z.Ptr(z.Int().GTE(0)),
	"MaxConcurrentFromSchedule": z.Ptr(z.Int().GTE(0)),
})

// Handler 周期任务 HTTP 接口
type Handler struct {
	engine *Engine
	guard  *auth.Guard
	log    *logging.Logger
}

// NewHandler 创建 Handler
func NewHandler(engine *Engine, guard *auth.Guard) *Handler {
	return &Handler{engine: engine, guard: guard, log: logging.Default("schedule")}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/schedules/tick", h.guard.Cron(h.Tick))
	mux.HandleFunc("POST /api/v1/schedules", h.guard.Admin(h.Create))
	mux.HandleFunc("GET /api/v1/schedules", h.guard.Admin(h.List))
	mux.HandleFunc("GET /api/v1/schedules/{id}", h.guard.Admin(h.Get))
	mux.HandleFunc("POST /api/v1/schedules/{id}/enable", h.guard.Admin(h.setEnabled(true)))
	mux.HandleFunc("POST /api/v1/schedules/{id}/disable", h.guard.Admin(h.setEnabled(false)))
}

// Tick POST /api/v1/schedules/tick
//
// 由外部定时器调用，返回 {processed, created, skipped, errors}。
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Tick(r.Context())
	if err != nil {
		h.log.WithError(err).Error("schedule.tick.failed")
		httpx.WriteError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// Create POST /api/v1/schedules
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if issues := createSchema.Validate(&req); len(issues) > 0 {
		httpx.WriteIssues(w, z.Issues.Flatten(issues))
		return
	}

	sc := &model.TaskSchedule{
		WorkspaceID:    req.WorkspaceID,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		TaskTemplate: model.TaskTemplate{
			Title:                req.TaskTemplate.Title,
			Description:          req.TaskTemplate.Description,
			Priority:             req.TaskTemplate.Priority,
			RunnerPreference:     req.TaskTemplate.RunnerPreference,
			RequiredCapabilities: req.TaskTemplate.RequiredCapabilities,
			Context:              req.TaskTemplate.Context,
		},
		Enabled:            req.Enabled == nil || *req.Enabled,
		PauseAfterFailures: defaultPauseAfterFailures,
	}
	if req.PauseAfterFailures != nil {
		sc.PauseAfterFailures = *req.PauseAfterFailures
	}
	if req.MaxConcurrentFromSchedule != nil {
		sc.MaxConcurrentFromSchedule = *req.MaxConcurrentFromSchedule
	}

	if err := h.engine.Create(r.Context(), sc); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sc)
}

// Get GET /api/v1/schedules/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sc, err := h.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sc)
}

// List GET /api/v1/schedules?workspaceId=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.List(r.Context(), r.URL.Query().Get("workspaceId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*model.TaskSchedule{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"schedules": list, "count": len(list)})
}

func (h *Handler) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := h.engine.SetEnabled(r.Context(), r.PathValue("id"), enabled)
		if err != nil {
			h.writeError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, sc)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		httpx.WriteError(w, http.StatusConflict, "schedule already exists")
	default:
		h.log.WithError(err).Error("schedule.request.failed")
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
