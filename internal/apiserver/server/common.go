// Package server 组装 HTTP API 与后台周期任务
//
// 文件组织：
//   - common.go: Handler 定义、依赖组装、健康检查
//   - handler.go: 路由与中间件链
//   - metrics.go: HTTP 指标与日志中间件
//   - openapi.go: 基于 OpenAPI 文档的请求校验
//   - background.go: 周期 tick 与陈旧 Worker 回收
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/claim"
	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/internal/apiserver/schedule"
	"agents-dispatch/internal/apiserver/stale"
	"agents-dispatch/internal/apiserver/worker"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/pkg/logging"
)

// Options 组装参数
type Options struct {
	Claim        claim.Config
	SweepOnClaim bool

	StaleThreshold time.Duration
	StaleBatchSize int

	ScheduleBatchSize int

	Auth auth.Config

	// Registry 为 nil 时不导出指标
	Registry *prometheus.Registry
	// ValidateRequests 按 OpenAPI 文档校验请求
	ValidateRequests bool
	Logger           *logging.Logger
}

// Handler API 处理器
//
// 持有全部引擎实例；HTTP 路由和 CLI 子命令共用同一套引擎。
type Handler struct {
	store    storage.PersistentStore
	notifier eventbus.TaskNotifier
	opts     Options

	guard     *auth.Guard
	claims    *claim.Engine
	workers   *worker.Service
	detector  *stale.Detector
	schedules *schedule.Engine

	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewHandler 创建 Handler 实例，notifier 可为 nil
func NewHandler(store storage.PersistentStore, notifier eventbus.TaskNotifier, opts Options) *Handler {
	if notifier == nil {
		notifier = eventbus.NewNoOpNotifier()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default("apiserver")
	}
	var m *metrics.Metrics
	if opts.Registry != nil {
		m = metrics.New("dispatch", opts.Registry)
	}

	h := &Handler{
		store:    store,
		notifier: notifier,
		opts:     opts,
		metrics:  m,
		log:      log,
	}

	h.detector = stale.NewDetector(store, notifier, opts.StaleThreshold, opts.StaleBatchSize)
	h.detector.SetMetrics(m)
	h.detector.SetLogger(log.Named("stale"))

	claimOpts := []claim.Option{claim.WithMetrics(m), claim.WithLogger(log.Named("claim"))}
	if opts.SweepOnClaim {
		claimOpts = append(claimOpts, claim.WithSweeper(h.detector))
	}
	h.claims = claim.NewEngine(store, notifier, opts.Claim, claimOpts...)

	h.workers = worker.NewService(store, notifier, m)
	h.workers.SetLogger(log.Named("worker"))

	h.schedules = schedule.NewEngine(store, notifier, opts.ScheduleBatchSize)
	h.schedules.SetMetrics(m)
	h.schedules.SetLogger(log.Named("schedule"))

	h.guard = auth.NewGuard(opts.Auth, store)
	h.guard.SetLogger(log.Named("auth"))
	return h
}

// Schedules 返回周期任务引擎
func (h *Handler) Schedules() *schedule.Engine { return h.schedules }

// Detector 返回陈旧 Worker 回收器
func (h *Handler) Detector() *stale.Detector { return h.detector }

// Health 健康检查接口
//
// 路由: GET /health
//
// 数据库不可达时返回 503。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.WithError(err).Warn("health.db.unreachable")
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": "down"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
