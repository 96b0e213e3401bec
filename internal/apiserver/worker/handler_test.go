package worker_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/worker"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage/repository"
	"agents-dispatch/internal/shared/storage/storetest"
)

func accountWithKey(t *testing.T, s *repository.Store, id string, workspaces []string) string {
	t.Helper()
	auth.KeyHashCost = bcrypt.MinCost
	key, lookup, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	storetest.CreateAccount(t, s, id, workspaces, storetest.WithAPIKey(lookup, hash))
	return key
}

func request(mux http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeWorker(t *testing.T, rec *httptest.ResponseRecorder) *model.Worker {
	t.Helper()
	var w model.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	return &w
}

func TestHandler_UpdateFlow(t *testing.T) {
	s := storetest.NewStore(t)
	owner := accountWithKey(t, s, "acc-1", []string{"ws-1"})
	other := accountWithKey(t, s, "acc-2", []string{"ws-2"})
	storetest.CreateTask(t, s, "task-1", "ws-1")
	w := claimOne(t, s, "acc-1")

	mux := http.NewServeMux()
	guard := auth.NewGuard(auth.Config{JWTSecret: "secret"}, s)
	worker.NewHandler(newService(s, nil), guard).RegisterRoutes(mux)
	path := "/api/v1/workers/" + w.ID

	t.Run("owner reads worker", func(t *testing.T) {
		rec := request(mux, http.MethodGet, path, owner, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, model.WorkerStatusIdle, decodeWorker(t, rec).Status)
	})

	t.Run("other account forbidden", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, request(mux, http.MethodGet, path, other, "").Code)
		assert.Equal(t, http.StatusForbidden, request(mux, http.MethodPatch, path, other, `{"status":"running"}`).Code)
	})

	t.Run("unknown worker", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, request(mux, http.MethodPatch, "/api/v1/workers/nope", owner, `{}`).Code)
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, request(mux, http.MethodPatch, path, owner, `{"status":"paused"}`).Code)
	})

	t.Run("negative counters rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, request(mux, http.MethodPatch, path, owner, `{"commitCount":-1}`).Code)
	})

	t.Run("idle must start running first", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, request(mux, http.MethodPatch, path, owner, `{"status":"completed"}`).Code)
		assert.Equal(t, http.StatusConflict, request(mux, http.MethodPatch, path, owner, `{"status":"waiting_input"}`).Code)
	})

	t.Run("blocked with waitingFor", func(t *testing.T) {
		require.Equal(t, http.StatusOK, request(mux, http.MethodPatch, path, owner, `{"status":"running"}`).Code)
		rec := request(mux, http.MethodPatch, path, owner,
			`{"status":"waiting_input","progress":140,"waitingFor":{"type":"question","prompt":"Which branch?"}}`)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeWorker(t, rec)
		assert.Equal(t, model.WorkerStatusWaitingInput, got.Status)
		assert.Equal(t, 100, got.Progress)
		require.NotNil(t, got.WaitingFor)
		assert.Equal(t, "Which branch?", got.WaitingFor.Prompt)
	})

	t.Run("invalid waitingFor type rejected", func(t *testing.T) {
		rec := request(mux, http.MethodPatch, path, owner, `{"waitingFor":{"type":"poll"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("idle cannot be re-entered", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, request(mux, http.MethodPatch, path, owner, `{"status":"idle"}`).Code)
	})

	t.Run("terminal rejects further updates", func(t *testing.T) {
		rec := request(mux, http.MethodPatch, path, owner, `{"status":"failed","error":"boom"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeWorker(t, rec)
		assert.Nil(t, got.WaitingFor)
		require.NotNil(t, got.Error)
		assert.Equal(t, "boom", *got.Error)

		assert.Equal(t, http.StatusConflict, request(mux, http.MethodPatch, path, owner, `{"status":"running"}`).Code)
	})
}
