// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：持久化存储（PostgreSQL / SQLite）
//   - Notifier：任务通知（Redis Streams / NATS）
package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agents-dispatch/internal/config"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/internal/shared/storage/dbutil"
	pgdriver "agents-dispatch/internal/shared/storage/driver/postgres"
	sqlitedriver "agents-dispatch/internal/shared/storage/driver/sqlite"
	"agents-dispatch/internal/shared/storage/repository"
	"agents-dispatch/pkg/logging"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储
	Storage storage.PersistentStore

	// Notifier 任务通知，未配置后端时为 NoOpNotifier
	Notifier eventbus.TaskNotifier
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var errs []error
	if i.Notifier != nil {
		if err := i.Notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New 按配置打开存储并创建通知器
//
// migrate 为 true 时先执行 goose 迁移。通知后端连接失败视为启动错误。
func New(ctx context.Context, cfg *config.Config, migrate bool, log *logging.Logger) (*Infrastructure, error) {
	store, err := OpenStore(cfg, migrate)
	if err != nil {
		return nil, err
	}
	notifier, err := NewNotifier(ctx, cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Infrastructure{Storage: store, Notifier: notifier}, nil
}

// OpenStore 按驱动类型打开数据库并创建 repository.Store
func OpenStore(cfg *config.Config, migrate bool) (*repository.Store, error) {
	var dialect dbutil.Dialect
	var err error
	var db *sql.DB

	switch cfg.DatabaseDriver {
	case "postgres":
		opts := pgdriver.DefaultPoolOptions
		if cfg.Database.MaxOpenConns > 0 {
			opts.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			opts.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			opts.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		db, err = pgdriver.Open(cfg.DatabaseURL, opts)
		dialect = pgdriver.NewDialect()
	case "sqlite":
		db, err = sqlitedriver.Open(cfg.DatabaseURL)
		dialect = sqlitedriver.NewDialect()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, err
	}

	if migrate {
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return repository.NewStore(db, dialect), nil
}
