package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/shared/model"
)

func status(s model.WorkerStatus) *model.WorkerStatus { return &s }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.WorkerStatus
		want     bool
	}{
		{model.WorkerStatusIdle, model.WorkerStatusRunning, true},
		{model.WorkerStatusIdle, model.WorkerStatusIdle, true},
		{model.WorkerStatusIdle, model.WorkerStatusFailed, true},
		{model.WorkerStatusIdle, model.WorkerStatusCompleted, false},
		{model.WorkerStatusIdle, model.WorkerStatusWaitingInput, false},
		{model.WorkerStatusIdle, model.WorkerStatusAwaitingApproval, false},
		{model.WorkerStatusRunning, model.WorkerStatusWaitingInput, true},
		{model.WorkerStatusWaitingInput, model.WorkerStatusRunning, true},
		{model.WorkerStatusRunning, model.WorkerStatusAwaitingApproval, true},
		{model.WorkerStatusRunning, model.WorkerStatusCompleted, true},
		{model.WorkerStatusRunning, model.WorkerStatusIdle, false},
		{model.WorkerStatusWaitingInput, model.WorkerStatusIdle, false},
		{model.WorkerStatusCompleted, model.WorkerStatusRunning, false},
		{model.WorkerStatusFailed, model.WorkerStatusFailed, false},
		{model.WorkerStatusRunning, "paused", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestApply_WaitingForClearedImplicitly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := &model.Worker{
		ID:         "w-1",
		Status:     model.WorkerStatusWaitingInput,
		WaitingFor: &model.WaitingFor{Type: "question", Prompt: "Which DB?"},
	}

	next, _, err := Apply(current, Update{Status: status(model.WorkerStatusRunning)}, now)
	require.NoError(t, err)
	assert.Nil(t, next.WaitingFor)
	assert.NotNil(t, current.WaitingFor, "current must not be modified")

	// 显式 null 等价
	var u Update
	require.NoError(t, json.Unmarshal([]byte(`{"status":"running","waitingFor":null}`), &u))
	next, _, err = Apply(current, u, now)
	require.NoError(t, err)
	assert.Nil(t, next.WaitingFor)
}

func TestApply_WaitingForKeptWhileBlocked(t *testing.T) {
	now := time.Now()
	current := &model.Worker{Status: model.WorkerStatusRunning}

	var u Update
	require.NoError(t, json.Unmarshal([]byte(`{"status":"waiting_input","waitingFor":{"type":"question","prompt":"ok?"}}`), &u))
	assert.True(t, u.WaitingFor.Set)

	next, _, err := Apply(current, u, now)
	require.NoError(t, err)
	require.NotNil(t, next.WaitingFor)
	assert.Equal(t, "ok?", next.WaitingFor.Prompt)

	// 阻塞状态下只更新进度，WaitingFor 保持不变
	next2, _, err := Apply(next, Update{Progress: intPtr(40)}, now)
	require.NoError(t, err)
	require.NotNil(t, next2.WaitingFor)
	assert.Equal(t, 40, next2.Progress)

	// 非阻塞状态传入 WaitingFor 被忽略
	next3, _, err := Apply(current, decodeUpdate(`{"progress":10,"waitingFor":{"type":"question","prompt":"x"}}`), now)
	require.NoError(t, err)
	assert.Nil(t, next3.WaitingFor)
}

func TestApply_TerminalRejected(t *testing.T) {
	for _, s := range []model.WorkerStatus{model.WorkerStatusCompleted, model.WorkerStatusFailed} {
		_, _, err := Apply(&model.Worker{Status: s}, Update{Status: status(model.WorkerStatusRunning)}, time.Now())
		assert.ErrorIs(t, err, ErrTerminal)

		_, _, err = Apply(&model.Worker{Status: s}, Update{Progress: intPtr(5)}, time.Now())
		assert.ErrorIs(t, err, ErrTerminal)
	}
}

func TestApply_IdleNotReentered(t *testing.T) {
	_, _, err := Apply(&model.Worker{Status: model.WorkerStatusRunning}, Update{Status: status(model.WorkerStatusIdle)}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_TimestampsAndCost(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := &model.Worker{Status: model.WorkerStatusIdle, CostUSD: 1.5}

	cost := 2.0
	next, delta, err := Apply(current, Update{Status: status(model.WorkerStatusRunning), CostUSD: &cost}, t0)
	require.NoError(t, err)
	require.NotNil(t, next.StartedAt)
	assert.Equal(t, t0, *next.StartedAt)
	assert.InDelta(t, 0.5, delta, 1e-9)
	assert.Nil(t, next.CompletedAt)
	assert.Equal(t, current.Version+1, next.Version)

	lower := 1.0
	t1 := t0.Add(time.Minute)
	done, delta, err := Apply(next, Update{Status: status(model.WorkerStatusCompleted), CostUSD: &lower}, t1)
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Equal(t, 2.0, done.CostUSD)
	assert.Equal(t, t0, *done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, t1, *done.CompletedAt)
	assert.Equal(t, 100, done.Progress)
}

func TestApply_ProgressClamped(t *testing.T) {
	next, _, err := Apply(&model.Worker{Status: model.WorkerStatusRunning}, Update{Progress: intPtr(150)}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 100, next.Progress)
}

func intPtr(v int) *int { return &v }

func decodeUpdate(body string) Update {
	var u Update
	if err := json.Unmarshal([]byte(body), &u); err != nil {
		panic(err)
	}
	return u
}
