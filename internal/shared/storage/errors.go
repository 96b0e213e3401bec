// Package storage 存储层接口、领域错误与条件写入结果类型
//
// 业务层只依赖这里的接口和错误；repository 把 database/sql 与驱动错误
// 转换为下面的领域错误。认领、释放等高频路径用结果枚举而不是错误表达
// “没抢到”，错误只留给真正的异常。
package storage

import "errors"

var (
	// ErrNotFound 按 ID 操作的记录不存在
	ErrNotFound = errors.New("record not found")

	// ErrConflict 条件更新影响 0 行：比较值已被其他请求改掉
	ErrConflict = errors.New("conditional update lost: state changed concurrently")

	// ErrDuplicate 插入时主键或唯一索引冲突
	ErrDuplicate = errors.New("record already exists")
)
