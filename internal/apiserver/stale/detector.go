// Package stale 陈旧 Worker 回收
//
// 非终态 Worker 超过阈值没有上报即视为陈旧：置为 failed 并把任务放回 pending。
// 默认在每次认领前顺带执行；配置 stale.interval 时 serve 另起定时器执行。
package stale

import (
	"context"
	"fmt"
	"time"

	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/pkg/logging"
)

// Reason 回收时写入 Worker.error 的说明
const Reason = "stale: no progress reported within threshold"

// Store 回收依赖的存储接口
type Store interface {
	ListStaleWorkers(ctx context.Context, cutoff time.Time, limit int) ([]*model.Worker, error)
	ReclaimStaleWorker(ctx context.Context, w *model.Worker, cutoff, now time.Time, reason string) (bool, error)
}

// Detector 陈旧 Worker 检测器
type Detector struct {
	store     Store
	notifier  eventbus.TaskNotifier
	metrics   *metrics.Metrics
	log       *logging.Logger
	threshold time.Duration
	batchSize int
	now       func() time.Time
}

// NewDetector 创建检测器，threshold / batchSize 非正时使用 15 分钟 / 50
func NewDetector(store Store, notifier eventbus.TaskNotifier, threshold time.Duration, batchSize int) *Detector {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if notifier == nil {
		notifier = eventbus.NewNoOpNotifier()
	}
	return &Detector{
		store:     store,
		notifier:  notifier,
		log:       logging.Default("stale"),
		threshold: threshold,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SetMetrics 记录回收指标
func (d *Detector) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// SetLogger 指定日志器
func (d *Detector) SetLogger(l *logging.Logger) { d.log = l }

// SetClock 注入时钟（测试用）
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Sweep 回收一批陈旧 Worker，返回实际回收数量
//
// 每个 Worker 的回收都是带 updated_at < cutoff 条件的单独事务，
// 多个进程同时扫描或 Worker 刚好恢复上报时，条件不成立的会被跳过。
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	now := d.now().UTC()
	cutoff := now.Add(-d.threshold)

	workers, err := d.store.ListStaleWorkers(ctx, cutoff, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale workers: %w", err)
	}

	reclaimed := 0
	for _, w := range workers {
		ok, err := d.store.ReclaimStaleWorker(ctx, w, cutoff, now, Reason)
		if err != nil {
			d.log.WithWorkerID(w.ID).WithError(err).Error("stale.reclaim.failed")
			continue
		}
		if !ok {
			continue
		}
		reclaimed++
		d.log.WithWorkerID(w.ID).WithTaskID(w.TaskID).Info("stale.reclaimed",
			"account_id", w.AccountID, "last_update", w.UpdatedAt)

		if err := d.notifier.NotifyTask(ctx, &eventbus.TaskEvent{
			Type:        eventbus.EventTaskReleased,
			WorkspaceID: w.WorkspaceID,
			TaskID:      w.TaskID,
			WorkerID:    w.ID,
			AccountID:   w.AccountID,
			Timestamp:   now,
		}); err != nil {
			d.metrics.RecordNotifyFailure()
			d.log.WithTaskID(w.TaskID).WithError(err).Warn("stale.notify.failed")
		}
	}

	d.metrics.RecordStaleReclaimed(reclaimed)
	return reclaimed, nil
}

// Run 按固定周期执行 Sweep，直到 ctx 取消
func (d *Detector) Run(ctx context.Context, interval time.Duration) error {
	d.log.Info("stale.loop.start", "interval", interval, "threshold", d.threshold)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("stale.loop.stop")
			return nil
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.log.WithError(err).Error("stale.sweep.failed")
			}
		}
	}
}
