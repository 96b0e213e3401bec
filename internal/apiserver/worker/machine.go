// Package worker Worker 状态机
//
// 状态流转：
//
//	idle → running ⇄ waiting_input / awaiting_approval → {completed | failed}
//
// idle 只在认领时进入一次；completed / failed 为终态，之后不接受任何更新。
// WaitingFor 由目标状态决定：目标不是阻塞状态时一律清空，调用方不需要显式传 null。
package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agents-dispatch/internal/shared/model"
)

var (
	// ErrTerminal Worker 已处于终态
	ErrTerminal = errors.New("worker is in a terminal state")

	// ErrInvalidTransition 不允许的状态转换
	ErrInvalidTransition = errors.New("invalid worker status transition")

	// ErrForbidden Worker 不属于调用方账号
	ErrForbidden = errors.New("worker belongs to another account")

	// ErrNotFound Worker 不存在
	ErrNotFound = errors.New("worker not found")
)

// OptionalWaitingFor 区分“未传”“显式 null”“传了对象”三种情况
type OptionalWaitingFor struct {
	Set   bool
	Value *model.WaitingFor
}

// UnmarshalJSON 字段出现时才会被调用，null 表示显式清空
func (o *OptionalWaitingFor) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v model.WaitingFor
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// Update 一次状态上报，nil 字段表示不修改
type Update struct {
	Status       *model.WorkerStatus `json:"status,omitempty" zog:"status"`
	Progress     *int                `json:"progress,omitempty" zog:"progress"`
	WaitingFor   OptionalWaitingFor  `json:"waitingFor"`
	Error        *string             `json:"error,omitempty" zog:"error"`
	CommitCount  *int                `json:"commitCount,omitempty" zog:"commitCount"`
	FilesChanged *int                `json:"filesChanged,omitempty" zog:"filesChanged"`
	LinesAdded   *int                `json:"linesAdded,omitempty" zog:"linesAdded"`
	LinesRemoved *int                `json:"linesRemoved,omitempty" zog:"linesRemoved"`
	InputTokens  *int64              `json:"inputTokens,omitempty" zog:"inputTokens"`
	OutputTokens *int64              `json:"outputTokens,omitempty" zog:"outputTokens"`
	CostUSD      *float64            `json:"costUsd,omitempty" zog:"costUsd"`
}

// CanTransition 判断 from → to 是否合法
//
// 终态不可离开；idle 不可重新进入，只能进入 running 或直接失败
// （idle → idle 表示只上报统计、不改状态）；其余非终态之间、以及进入终态都允许。
func CanTransition(from, to model.WorkerStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if from == model.WorkerStatusIdle {
		return to == model.WorkerStatusIdle || to == model.WorkerStatusRunning || to == model.WorkerStatusFailed
	}
	return to != model.WorkerStatusIdle
}

// Apply 计算 current 应用 u 之后的新状态，不修改 current
//
// CostUSD 是累计值，只增不减；返回的 costDelta 为本次新增部分，回退的上报被忽略。
func Apply(current *model.Worker, u Update, now time.Time) (next *model.Worker, costDelta float64, err error) {
	if current.Status.IsTerminal() {
		return nil, 0, fmt.Errorf("%w: %s", ErrTerminal, current.Status)
	}

	target := current.Status
	if u.Status != nil {
		target = *u.Status
	}
	if !CanTransition(current.Status, target) {
		return nil, 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
	}

	w := *current
	w.Status = target
	w.UpdatedAt = now
	w.Version = current.Version + 1

	// WaitingFor 只跟随目标状态
	switch {
	case !target.IsBlocked():
		w.WaitingFor = nil
	case u.WaitingFor.Set:
		w.WaitingFor = u.WaitingFor.Value
	case !current.Status.IsBlocked():
		w.WaitingFor = nil
	}

	if u.Progress != nil {
		w.Progress = min(max(*u.Progress, 0), 100)
	}
	if u.Error != nil {
		w.Error = u.Error
	}
	if u.CommitCount != nil {
		w.CommitCount = *u.CommitCount
	}
	if u.FilesChanged != nil {
		w.FilesChanged = *u.FilesChanged
	}
	if u.LinesAdded != nil {
		w.LinesAdded = *u.LinesAdded
	}
	if u.LinesRemoved != nil {
		w.LinesRemoved = *u.LinesRemoved
	}
	if u.InputTokens != nil {
		w.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil {
		w.OutputTokens = *u.OutputTokens
	}
	if u.CostUSD != nil {
		if *u.CostUSD > current.CostUSD {
			costDelta = *u.CostUSD - current.CostUSD
			w.CostUSD = *u.CostUSD
		}
	}

	if current.Status == model.WorkerStatusIdle && target != model.WorkerStatusIdle && w.StartedAt == nil {
		startedAt := now
		w.StartedAt = &startedAt
	}
	if target.IsTerminal() {
		completedAt := now
		w.CompletedAt = &completedAt
		if target == model.WorkerStatusCompleted {
			w.Progress = 100
		}
	}

	return &w, costDelta, nil
}
