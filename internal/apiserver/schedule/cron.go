package schedule

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // 最小化镜像中没有系统时区库

	"github.com/robfig/cron/v3"
)

// Spec 解析后的 cron 表达式及其时区
type Spec struct {
	schedule cron.Schedule
	loc      *time.Location
}

// ParseSpec 解析标准 5 段 cron 表达式（支持 @daily 等描述符）
//
// tz 为空时按 UTC 计算。表达式自带 CRON_TZ= / TZ= 前缀时拒绝，时区只由 tz 决定。
func ParseSpec(expr, tz string) (*Spec, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return nil, fmt.Errorf("cron expression must not carry a timezone prefix, use the timezone field")
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &Spec{schedule: sched, loc: loc}, nil
}

// Next 返回严格晚于 after 的下一次触发时刻（UTC）
//
// 在 schedule 的时区内计算，夏令时切换按该时区的墙上时间处理。
func (s *Spec) Next(after time.Time) time.Time {
	return s.schedule.Next(after.In(s.loc)).UTC()
}
