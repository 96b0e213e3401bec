package infra

import (
	"context"
	"fmt"

	"agents-dispatch/internal/config"
	"agents-dispatch/internal/shared/eventbus"
	eventbusnats "agents-dispatch/internal/shared/eventbus/nats"
	eventbusredis "agents-dispatch/internal/shared/eventbus/redis"
	"agents-dispatch/pkg/logging"
)

// NewNotifier 按 notifier.drivers 创建通知器
//
// 多个后端时返回 eventbus.Multi；未配置时返回 NoOpNotifier。
func NewNotifier(ctx context.Context, cfg *config.Config, log *logging.Logger) (eventbus.TaskNotifier, error) {
	var notifiers eventbus.Multi
	for _, driver := range cfg.Notifier.Drivers {
		switch driver {
		case "redis":
			n, err := eventbusredis.NewNotifier(ctx, cfg.RedisURL)
			if err != nil {
				notifiers.Close()
				return nil, fmt.Errorf("redis notifier: %w", err)
			}
			log.Info("notifier.connected", "driver", "redis")
			notifiers = append(notifiers, n)
		case "nats":
			n, err := eventbusnats.NewNotifier(cfg.NATSURL, "agents-dispatch")
			if err != nil {
				notifiers.Close()
				return nil, fmt.Errorf("nats notifier: %w", err)
			}
			log.Info("notifier.connected", "driver", "nats", "url", cfg.NATSURL)
			notifiers = append(notifiers, n)
		case "none":
		}
	}

	switch len(notifiers) {
	case 0:
		return eventbus.NewNoOpNotifier(), nil
	case 1:
		return eventbus.WithTimeout(notifiers[0], cfg.Notifier.Timeout), nil
	}
	return eventbus.WithTimeout(notifiers, cfg.Notifier.Timeout), nil
}
