package model

import (
	"encoding/json"
	"testing"
)

func TestTaskStatus(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   string
		active bool
	}{
		{TaskStatusPending, "pending", true},
		{TaskStatusAssigned, "assigned", true},
		{TaskStatusCompleted, "completed", false},
		{TaskStatusFailed, "failed", false},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.want {
			t.Errorf("TaskStatus = %v, want %v", tt.status, tt.want)
		}
		if tt.status.IsActive() != tt.active {
			t.Errorf("%v.IsActive() = %v, want %v", tt.status, !tt.active, tt.active)
		}
	}
}

func TestWorkerStatus(t *testing.T) {
	tests := []struct {
		status   WorkerStatus
		terminal bool
		blocked  bool
	}{
		{WorkerStatusIdle, false, false},
		{WorkerStatusRunning, false, false},
		{WorkerStatusWaitingInput, false, true},
		{WorkerStatusAwaitingApproval, false, true},
		{WorkerStatusCompleted, true, false},
		{WorkerStatusFailed, true, false},
	}

	for _, tt := range tests {
		if !tt.status.Valid() {
			t.Errorf("%v should be valid", tt.status)
		}
		if tt.status.IsTerminal() != tt.terminal {
			t.Errorf("%v.IsTerminal() = %v, want %v", tt.status, !tt.terminal, tt.terminal)
		}
		if tt.status.IsBlocked() != tt.blocked {
			t.Errorf("%v.IsBlocked() = %v, want %v", tt.status, !tt.blocked, tt.blocked)
		}
	}
	if WorkerStatus("paused").Valid() {
		t.Error("unknown status should be invalid")
	}
	if len(NonTerminalWorkerStatuses) != 4 {
		t.Errorf("NonTerminalWorkerStatuses = %v", NonTerminalWorkerStatuses)
	}
}

// 空闲 Worker 序列化时 waitingFor 显式为 null
func TestWorkerJSON_WaitingForNull(t *testing.T) {
	w := &Worker{ID: "w-1", Status: WorkerStatusIdle}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal worker: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}
	if string(raw["waitingFor"]) != "null" {
		t.Errorf("waitingFor = %s, want null", raw["waitingFor"])
	}
	if _, ok := raw["error"]; ok {
		t.Error("error should be omitted when nil")
	}
}
