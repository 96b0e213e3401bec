package server_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/apiserver/server"
	"agents-dispatch/internal/config"
	"agents-dispatch/internal/shared/storage/storetest"
	"agents-dispatch/pkg/logging"
)

func TestStartBackground_NoIntervalsReturns(t *testing.T) {
	h := server.NewHandler(storetest.NewStore(t), nil, server.Options{Logger: logging.Discard()})
	assert.NoError(t, h.StartBackground(t.Context(), config.ScheduleConfig{}, config.StaleConfig{}))
}

func TestStartBackground_FiresDueSchedules(t *testing.T) {
	s := storetest.NewStore(t)
	h := server.NewHandler(s, nil, server.Options{Logger: logging.Discard()})
	router, err := h.Router()
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	h.Schedules().SetClock(func() time.Time { return start })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", bytes.NewBufferString(
		`{"workspaceId":"ws-1","name":"every minute","cronExpression":"* * * * *","taskTemplate":{"title":"poll"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// 时钟越过 nextRunAt，后台循环应在下一次 tick 时创建任务
	h.Schedules().SetClock(func() time.Time { return start.Add(90 * time.Second) })

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- h.StartBackground(ctx, config.ScheduleConfig{TickInterval: 10 * time.Millisecond}, config.StaleConfig{})
	}()

	require.Eventually(t, func() bool {
		tasks, err := s.ListTasks(context.Background(), "ws-1", "", 10, 0)
		return err == nil && len(tasks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("background loops did not stop")
	}

	tasks, err := s.ListTasks(context.Background(), "ws-1", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
