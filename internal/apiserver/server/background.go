package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"agents-dispatch/internal/config"
)

// StartBackground 按配置启动周期 tick 与陈旧 Worker 回收
//
// 两个间隔都为 0 时立即返回；否则阻塞到 ctx 取消。
func (h *Handler) StartBackground(ctx context.Context, scheduleCfg config.ScheduleConfig, staleCfg config.StaleConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	if scheduleCfg.TickInterval > 0 {
		h.log.Info("background.schedule.started", "interval", scheduleCfg.TickInterval)
		g.Go(func() error { return h.schedules.Run(ctx, scheduleCfg.TickInterval) })
	}
	if staleCfg.Interval > 0 {
		h.log.Info("background.stale.started", "interval", staleCfg.Interval)
		g.Go(func() error { return h.detector.Run(ctx, staleCfg.Interval) })
	}
	return g.Wait()
}
