package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agents-dispatch/internal/shared/model"
)

// Instantiate 按调度模板生成一个 pending 任务
//
// 任务上下文在模板 context 的基础上写入 scheduleId，用于统计同一调度的活跃任务。
func Instantiate(sc *model.TaskSchedule, now time.Time) (*model.Task, error) {
	tpl := sc.TaskTemplate
	if tpl.Title == "" {
		return nil, fmt.Errorf("template: title is empty")
	}

	ctxJSON, err := stampContext(tpl.Context, sc.ID)
	if err != nil {
		return nil, err
	}

	runner := tpl.RunnerPreference
	if runner == "" {
		runner = model.RunnerAny
	}
	caps := tpl.RequiredCapabilities
	if caps == nil {
		caps = []string{}
	}
	scheduleID := sc.ID

	return &model.Task{
		ID:                   uuid.NewString(),
		WorkspaceID:          sc.WorkspaceID,
		Title:                tpl.Title,
		Description:          tpl.Description,
		Status:               model.TaskStatusPending,
		Priority:             tpl.Priority,
		RunnerPreference:     runner,
		RequiredCapabilities: caps,
		CreationSource:       model.CreationSourceSchedule,
		ScheduleID:           &scheduleID,
		Context:              ctxJSON,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// stampContext 合并模板 context 与 scheduleId
func stampContext(raw json.RawMessage, scheduleID string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("template: context must be a JSON object: %w", err)
		}
	}
	fields["scheduleId"] = scheduleID
	return json.Marshal(fields)
}

func validateContext(raw json.RawMessage) error {
	_, err := stampContext(raw, "")
	return err
}
