package schedule_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/schedule"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage/storetest"
)

func newScheduleMux(t *testing.T, c *clock) (*http.ServeMux, *schedule.Engine) {
	t.Helper()
	s := storetest.NewStore(t)
	e := newEngine(s, nil, c)
	mux := http.NewServeMux()
	// JWT_SECRET 为空：管理接口无认证模式
	guard := auth.NewGuard(auth.Config{CronSecret: "tick-secret"}, s)
	schedule.NewHandler(e, guard).RegisterRoutes(mux)
	return mux, e
}

func send(mux http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndGet(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	mux, _ := newScheduleMux(t, c)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing cron", `{"workspaceId":"ws-1","name":"n","taskTemplate":{"title":"t"}}`, http.StatusBadRequest},
		{"missing template title", `{"workspaceId":"ws-1","name":"n","cronExpression":"0 9 * * *","taskTemplate":{}}`, http.StatusBadRequest},
		{"bad cron", `{"workspaceId":"ws-1","name":"n","cronExpression":"every day","taskTemplate":{"title":"t"}}`, http.StatusBadRequest},
		{"bad timezone", `{"workspaceId":"ws-1","name":"n","cronExpression":"0 9 * * *","timezone":"Mars/Base","taskTemplate":{"title":"t"}}`, http.StatusBadRequest},
		{"negative pause", `{"workspaceId":"ws-1","name":"n","cronExpression":"0 9 * * *","pauseAfterFailures":-1,"taskTemplate":{"title":"t"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, send(mux, http.MethodPost, "/api/v1/schedules", tt.body).Code)
		})
	}

	rec := send(mux, http.MethodPost, "/api/v1/schedules", `{
		"workspaceId": "ws-1",
		"name": "morning triage",
		"cronExpression": "0 9 * * 1-5",
		"timezone": "Asia/Shanghai",
		"maxConcurrentFromSchedule": 1,
		"taskTemplate": {"title": "Triage inbox", "priority": 2, "context": {"queue": "support"}}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.TaskSchedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Enabled)
	assert.Equal(t, 5, created.PauseAfterFailures)
	assert.Equal(t, 1, created.MaxConcurrentFromSchedule)
	require.NotNil(t, created.NextRunAt)
	// 2026-03-02 周一 09:00 上海时间
	assert.Equal(t, time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC), created.NextRunAt.UTC())

	rec = send(mux, http.MethodGet, "/api/v1/schedules/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, send(mux, http.MethodGet, "/api/v1/schedules/missing", "").Code)

	rec = send(mux, http.MethodGet, "/api/v1/schedules?workspaceId=ws-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = send(mux, http.MethodPost, "/api/v1/schedules/"+created.ID+"/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var disabled model.TaskSchedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disabled))
	assert.False(t, disabled.Enabled)
}

func TestHandler_Tick(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	mux, e := newScheduleMux(t, c)
	require.NoError(t, e.Create(t.Context(), newSchedule("0 9 * * *")))

	t.Run("requires secret", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, send(mux, http.MethodPost, "/api/v1/schedules/tick", "").Code)
		assert.Equal(t, http.StatusUnauthorized, send(mux, http.MethodPost, "/api/v1/schedules/tick", "", "X-Cron-Secret", "nope").Code)
	})

	t.Run("nothing due", func(t *testing.T) {
		rec := send(mux, http.MethodPost, "/api/v1/schedules/tick", "", "X-Cron-Secret", "tick-secret")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"processed":0,"created":0,"skipped":0,"errors":0}`, rec.Body.String())
	})

	t.Run("fires once", func(t *testing.T) {
		c.Set(time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC))
		rec := send(mux, http.MethodPost, "/api/v1/schedules/tick", "", "Authorization", "Bearer tick-secret")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"processed":1,"created":1,"skipped":0,"errors":0}`, rec.Body.String())

		rec = send(mux, http.MethodPost, "/api/v1/schedules/tick", "", "X-Cron-Secret", "tick-secret")
		assert.JSONEq(t, `{"processed":0,"created":0,"skipped":0,"errors":0}`, rec.Body.String())
	})
}
