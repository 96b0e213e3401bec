// Package main 调度服务入口
//
// 子命令：
//   - serve:   启动 HTTP API（可选内置 tick / 陈旧回收循环）
//   - migrate: 执行数据库迁移
//   - tick:    执行一次周期任务 tick
//   - sweep:   执行一次陈旧 Worker 回收
//   - token:   签发管理员 JWT
//   - version: 打印版本
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
