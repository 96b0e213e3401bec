package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agents-dispatch/api"
	"agents-dispatch/internal/apiserver/account"
	"agents-dispatch/internal/apiserver/claim"
	"agents-dispatch/internal/apiserver/schedule"
	"agents-dispatch/internal/apiserver/task"
	"agents-dispatch/internal/apiserver/worker"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 公开:
//   - GET  /health                  - 健康检查（含数据库连通性）
//   - GET  /metrics                 - Prometheus 指标
//   - GET  /api/openapi.yaml        - OpenAPI 文档
//
// 账号（Bearer bld_ API Key）:
//   - POST  /api/v1/workers/claim         - 认领任务
//   - POST  /api/v1/tasks/{id}/release    - 释放任务
//   - GET   /api/v1/workers/{id}          - 读取 Worker
//   - PATCH /api/v1/workers/{id}          - 上报 Worker 状态
//   - GET   /api/v1/accounts/me           - 当前账号
//
// 账号或管理员:
//   - GET/POST /api/v1/tasks, GET /api/v1/tasks/{id}, GET /api/v1/tasks/{id}/workers
//
// 管理员（JWT，JWT_SECRET 为空时放行）:
//   - /api/v1/accounts..., /api/v1/schedules...
//
// 定时器（CRON_SECRET）:
//   - POST /api/v1/schedules/tick
func (h *Handler) Router() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	if h.opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Registry, promhttp.HandlerOpts{Registry: h.opts.Registry}))
	}
	mux.HandleFunc("GET /api/openapi.yaml", serveSpec)

	claim.NewHandler(h.claims, h.guard).RegisterRoutes(mux)
	worker.NewHandler(h.workers, h.guard).RegisterRoutes(mux)
	schedule.NewHandler(h.schedules, h.guard).RegisterRoutes(mux)
	account.NewHandler(h.store, h.guard).RegisterRoutes(mux)

	taskHandler := task.NewHandler(h.store, h.notifier, h.guard)
	taskHandler.SetMetrics(h.metrics)
	taskHandler.RegisterRoutes(mux)

	var handler http.Handler = mux
	if h.opts.ValidateRequests {
		spec, err := api.DispatchSpec()
		if err != nil {
			return nil, fmt.Errorf("read openapi spec: %w", err)
		}
		validate, err := NewRequestValidator(spec)
		if err != nil {
			return nil, err
		}
		handler = validate(handler)
	}

	// 中间件链：CORS → 日志 → 指标 → 校验 → 路由
	handler = metricsMiddleware(h.metrics, handler)
	handler = loggingMiddleware(h.log.Named("http"), handler)
	return corsMiddleware(handler), nil
}

func serveSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := api.DispatchSpec()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(spec)
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Cron-Secret")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
