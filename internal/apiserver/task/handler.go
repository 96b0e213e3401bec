// Package task 任务领域 - HTTP 处理
package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	z "github.com/Oudwins/zog"
	"github.com/google/uuid"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

// Store 任务处理器依赖的存储接口
type Store interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, workspaceID string, status model.TaskStatus, limit, offset int) ([]*model.Task, error)
	ListWorkersByTask(ctx context.Context, taskID string) ([]*model.Worker, error)
	ListGrants(ctx context.Context, accountID string) ([]*model.AccountWorkspaceGrant, error)
	CanCreate(ctx context.Context, accountID, workspaceID string) (bool, error)
}

// Handler 任务领域 HTTP 处理器
type Handler struct {
	store    Store
	notifier eventbus.TaskNotifier
	guard    *auth.Guard
	metrics  *metrics.Metrics
	log      *logging.Logger
	now      func() time.Time
}

// NewHandler 创建任务处理器，notifier 可为 nil
func NewHandler(store Store, notifier eventbus.TaskNotifier, guard *auth.Guard) *Handler {
	if notifier == nil {
		notifier = eventbus.NewNoOpNotifier()
	}
	return &Handler{
		store:    store,
		notifier: notifier,
		guard:    guard,
		log:      logging.Default("task"),
		now:      time.Now,
	}
}

// SetMetrics 指定指标
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// SetClock 注入时钟（测试用）
func (h *Handler) SetClock(now func() time.Time) { h.now = now }

// RegisterRoutes 注册任务相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tasks", h.guard.AccountOrAdmin(h.List))
	mux.HandleFunc("POST /api/v1/tasks", h.guard.AccountOrAdmin(h.Create))
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.guard.AccountOrAdmin(h.Get))
	mux.HandleFunc("GET /api/v1/tasks/{id}/workers", h.guard.AccountOrAdmin(h.ListWorkers))
}

// ============================================================================
// 请求体
// ============================================================================

// CreateRequest 创建任务的请求体
type CreateRequest struct {
	WorkspaceID          string                 `json:"workspaceId" zog:"workspaceId"`
	Title                string                 `json:"title" zog:"title"`
	Description          string                 `json:"description" zog:"description"`
	Priority             int                    `json:"priority" zog:"priority"`
	RunnerPreference     model.RunnerPreference `json:"runnerPreference" zog:"runnerPreference"`
	RequiredCapabilities []string               `json:"requiredCapabilities" zog:"requiredCapabilities"`
	Context              json.RawMessage        `json:"context"`
}

var runnerPreferences = []model.RunnerPreference{
	model.RunnerAny, model.RunnerUser, model.RunnerService, model.RunnerAction,
}

var createSchema = z.Struct(z.Shape{
	"WorkspaceID":          z.String().Required().Trim(),
	"Title":                z.String().Required().Trim().Max(200),
	"Description":          z.String().Optional().Max(20000),
	"Priority":             z.Int().GTE(-1000).LTE(1000),
	"RunnerPreference":     z.StringLike[model.RunnerPreference]().Optional().OneOf(runnerPreferences),
	"RequiredCapabilities": z.Slice(z.String().Trim().Min(1)).Optional(),
})

// ============================================================================
// HTTP 处理函数
// ============================================================================

// Create 创建任务
// POST /api/v1/tasks
//
// 账号需要目标工作区的 can_create 授权，管理员不受限。
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
	if err := validateContext(req.Context); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := auth.PrincipalFrom(r.Context())
	if !p.Admin {
		ok, err := h.store.CanCreate(r.Context(), p.AccountID(), req.WorkspaceID)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if !ok {
			httpx.WriteError(w, http.StatusForbidden, "no create grant on workspace")
			return
		}
	}

	task := newTask(req, h.now().UTC())
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			httpx.WriteError(w, http.StatusConflict, "task already exists")
			return
		}
		h.internalError(w, err)
		return
	}
	h.log.WithTaskID(task.ID).Info("task.created", "workspace", task.WorkspaceID, "priority", task.Priority)

	if err := h.notifier.NotifyTask(r.Context(), &eventbus.TaskEvent{
		Type:        eventbus.EventTaskAvailable,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		AccountID:   p.AccountID(),
		Timestamp:   task.CreatedAt,
	}); err != nil {
		h.metrics.RecordNotifyFailure()
		h.log.WithTaskID(task.ID).WithError(err).Warn("task.notify.failed")
	}

	httpx.WriteJSON(w, http.StatusCreated, task)
}

// Get 获取任务
// GET /api/v1/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

// ListWorkers 列出任务的全部 Worker（含历史）
// GET /api/v1/tasks/{id}/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	workers, err := h.store.ListWorkersByTask(r.Context(), task.ID)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if workers == nil {
		workers = []*model.Worker{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

// List 列出任务
// GET /api/v1/tasks?workspaceId=&status=&limit=&offset=
//
// 账号必须指定有授权的 workspaceId。
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	status := model.TaskStatus(q.Get("status"))
	limit := min(httpx.QueryInt(r, "limit", 50), 200)
	offset := httpx.QueryInt(r, "offset", 0)

	p := auth.PrincipalFrom(r.Context())
	if !p.Admin {
		if workspaceID == "" {
			httpx.WriteError(w, http.StatusBadRequest, "workspaceId is required")
			return
		}
		ok, err := h.hasGrant(r.Context(), p.AccountID(), workspaceID)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if !ok {
			httpx.WriteError(w, http.StatusForbidden, "no grant on workspace")
			return
		}
	}

	tasks, err := h.store.ListTasks(r.Context(), workspaceID, status, limit, offset)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// newTask 由请求构造 pending 任务
func newTask(req CreateRequest, now time.Time) *model.Task {
	runner := req.RunnerPreference
	if runner == "" {
		runner = model.RunnerAny
	}
	caps := req.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	return &model.Task{
		ID:                   uuid.NewString(),
		WorkspaceID:          req.WorkspaceID,
		Title:                req.Title,
		Description:          req.Description,
		Status:               model.TaskStatusPending,
		Priority:             req.Priority,
		RunnerPreference:     runner,
		RequiredCapabilities: caps,
		CreationSource:       model.CreationSourceAPI,
		Context:              normalizeContext(req.Context),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
