// Package metrics Prometheus 指标定义
//
// 所有 Record* 方法对 nil *Metrics 安全，业务包不需要判断是否启用指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 包含全部指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 认领指标
	ClaimRequestsTotal *prometheus.CounterVec
	ClaimOutcomesTotal *prometheus.CounterVec
	ClaimDuration      prometheus.Histogram

	// Worker 指标
	WorkerTransitionsTotal *prometheus.CounterVec
	StaleReclaimedTotal    prometheus.Counter

	// 调度指标
	ScheduleTicksTotal   prometheus.Counter
	ScheduleResultsTotal *prometheus.CounterVec
	ScheduleTickDuration prometheus.Histogram

	// 通知指标
	NotifyFailuresTotal prometheus.Counter
}

// New 在 reg 上注册并创建指标实例
//
// reg 为 nil 时使用 prometheus.DefaultRegisterer。测试中传入独立的 Registry，
// 避免重复注册 panic。
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ClaimRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_requests_total",
				Help:      "Claim calls by result (ok, empty, denied, error)",
			},
			[]string{"result"},
		),
		ClaimOutcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_task_outcomes_total",
				Help:      "Per-task claim attempts by outcome",
			},
			[]string{"outcome"},
		),
		ClaimDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_duration_seconds",
				Help:      "Claim call duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		WorkerTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_transitions_total",
				Help:      "Worker status transitions",
			},
			[]string{"from", "to"},
		),
		StaleReclaimedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_workers_reclaimed_total",
				Help:      "Stale workers failed and their tasks returned to pending",
			},
		),
		ScheduleTicksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_ticks_total",
				Help:      "Total schedule ticks",
			},
		),
		ScheduleResultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_results_total",
				Help:      "Schedule evaluations by result (created, skipped, error)",
			},
			[]string{"result"},
		),
		ScheduleTickDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "schedule_tick_duration_seconds",
				Help:      "Schedule tick duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		NotifyFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_failures_total",
				Help:      "Task notifications that failed to publish",
			},
		),
	}
}

// RecordHTTP 记录 HTTP 请求
func (m *Metrics) RecordHTTP(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordClaim 记录一次 Claim 调用
func (m *Metrics) RecordClaim(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ClaimRequestsTotal.WithLabelValues(result).Inc()
	m.ClaimDuration.Observe(d.Seconds())
}

// RecordClaimOutcome 记录单个任务的认领结果
func (m *Metrics) RecordClaimOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ClaimOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition 记录 Worker 状态变化
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.WorkerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordStaleReclaimed 记录回收数量
func (m *Metrics) RecordStaleReclaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.StaleReclaimedTotal.Add(float64(n))
}

// RecordScheduleTick 记录一次调度 tick
func (m *Metrics) RecordScheduleTick(d time.Duration, created, skipped, errors int) {
	if m == nil {
		return
	}
	m.ScheduleTicksTotal.Inc()
	m.ScheduleTickDuration.Observe(d.Seconds())
	m.ScheduleResultsTotal.WithLabelValues("created").Add(float64(created))
	m.ScheduleResultsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.ScheduleResultsTotal.WithLabelValues("error").Add(float64(errors))
}

// RecordNotifyFailure 记录通知失败
func (m *Metrics) RecordNotifyFailure() {
	if m == nil {
		return
	}
	m.NotifyFailuresTotal.Inc()
}
