// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// 约束：
//   - 时间一律以 UTC 写入，保证 SQLite 文本比较与 PostgreSQL 一致
//   - 事务内只使用 tx，不能再访问 s.db（SQLite 只有一个连接）
//   - 多行写入的加锁顺序固定为 worker → account → task
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/internal/shared/storage/dbutil"
)

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// withTx 在事务中执行 fn
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return dbutil.WithTx(ctx, s.db, fn)
}

// utc 统一写入时间的时区
func utc(t time.Time) time.Time {
	return t.UTC()
}

// utcPtr 可空时间的 UTC 版本
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// scanner 是 *sql.Row 与 *sql.Rows 的公共子集
type scanner interface {
	Scan(dest ...interface{}) error
}

// NullableJSON 用于安全扫描可能为 NULL 的 JSON 字段
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要通过 *[]byte 中间变量
type NullableJSON struct {
	Data *[]byte
}

// Value 返回 json.RawMessage（如果非 NULL）
func (n *NullableJSON) Value() json.RawMessage {
	if n.Data != nil && len(*n.Data) > 0 && string(*n.Data) != "null" {
		return json.RawMessage(*n.Data)
	}
	return nil
}

// jsonText 把任意值编码为 TEXT 列内容，nil 写入 NULL
func jsonText(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

// isUniqueViolation 判断是否为唯一键冲突
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}

// mapInsertErr 把唯一键冲突转换为 storage.ErrDuplicate
func mapInsertErr(err error) error {
	if isUniqueViolation(err) {
		return errors.Join(storage.ErrDuplicate, err)
	}
	return err
}

// affected 返回影响行数
func affected(res sql.Result) (int64, error) {
	return res.RowsAffected()
}
