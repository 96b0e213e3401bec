// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"agents-dispatch/internal/shared/storage/dbutil"
	"agents-dispatch/internal/shared/storage/migrations"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) UpsertConflict(conflictColumns string, updateExprs []string) string {
	return dbutil.UpsertClause(conflictColumns, updateExprs)
}

// LockClause SQLite 写事务本身串行，不需要行锁
func (d *Dialect) LockClause() string {
	return ""
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	return migrations.Up(context.Background(), db, goose.DialectSQLite3, "sqlite")
}

// pragmas 每个连接都会带上的参数
//
// busy_timeout 让并发写等待锁而不是立刻返回 SQLITE_BUSY；
// _time_format=sqlite 让 time.Time 以可按字典序比较的文本写入。
var pragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
	"_time_format=sqlite",
}

// withPragmas 把 pragma 参数追加到 dsn 上（已存在的同名参数不重复追加）
func withPragmas(dsn string) string {
	if dsn == ":memory:" {
		dsn = "file::memory:"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	var extra []string
	for _, p := range pragmas {
		if !strings.Contains(dsn, p) {
			extra = append(extra, p)
		}
	}
	if len(extra) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(extra, "&")
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "dispatch.db"、"file:/var/lib/dispatch.db?mode=rwc"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// 单写者：所有语句串行经过同一个连接，事务内不能再使用 db
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// ParsePath 从 dsn 中提取文件路径（日志用）
func ParsePath(dsn string) string {
	u, err := url.Parse(withPragmas(dsn))
	if err != nil {
		return dsn
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}
