// Package migrations 内嵌各数据库方言的 goose 迁移文件
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Up 执行 dir（postgres / sqlite）下的全部未应用迁移
func Up(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		return fmt.Errorf("migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Status 返回每个迁移文件的应用状态，供 CLI 输出
func Status(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) ([]*goose.MigrationStatus, error) {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return nil, err
	}
	return provider.Status(ctx)
}
