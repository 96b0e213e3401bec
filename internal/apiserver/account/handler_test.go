package account_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"agents-dispatch/internal/apiserver/account"
	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage/repository"
	"agents-dispatch/internal/shared/storage/storetest"
)

const jwtSecret = "test-secret"

func setup(t *testing.T) (*repository.Store, *http.ServeMux, string) {
	t.Helper()
	auth.KeyHashCost = bcrypt.MinCost
	s := storetest.NewStore(t)
	cfg := auth.Config{JWTSecret: jwtSecret}
	mux := http.NewServeMux()
	account.NewHandler(s, auth.NewGuard(cfg, s)).RegisterRoutes(mux)
	token, err := auth.GenerateAccessToken(cfg, "ops", auth.RoleAdmin)
	require.NoError(t, err)
	return s, mux, token
}

func call(mux http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAccount(t *testing.T) {
	s, mux, admin := setup(t)

	t.Run("requires admin", func(t *testing.T) {
		rec := call(mux, http.MethodPost, "/api/v1/accounts", "", `{"name":"ci"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("validation", func(t *testing.T) {
		rec := call(mux, http.MethodPost, "/api/v1/accounts", admin, `{"name":"ci","type":"robot","authType":"api"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "issues")
	})

	rec := call(mux, http.MethodPost, "/api/v1/accounts", admin, `{
		"id": "acc-ci",
		"name": "CI runner",
		"type": "service",
		"authType": "api",
		"maxConcurrentWorkers": 4,
		"maxCostPerDay": 25,
		"grants": [{"workspaceId": "ws-1", "canClaim": true}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res account.CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, auth.IsAPIKey(res.APIKey))
	assert.Equal(t, "acc-ci", res.Account.ID)
	assert.NotContains(t, rec.Body.String(), "apiKeyHash")
	require.Len(t, res.Grants, 1)

	// 返回的 Key 可以解析回同一账号
	resolved, err := auth.ResolveAPIKey(t.Context(), s, res.APIKey)
	require.NoError(t, err)
	assert.Equal(t, "acc-ci", resolved.ID)
	assert.Equal(t, 4, resolved.MaxConcurrentWorkers)

	ws, err := s.ClaimableWorkspaces(t.Context(), "acc-ci")
	require.NoError(t, err)
	assert.Equal(t, []string{"ws-1"}, ws)

	t.Run("duplicate id", func(t *testing.T) {
		rec := call(mux, http.MethodPost, "/api/v1/accounts", admin, `{"id":"acc-ci","name":"again","type":"user","authType":"oauth"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("me with api key", func(t *testing.T) {
		rec := call(mux, http.MethodGet, "/api/v1/accounts/me", res.APIKey, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"acc-ci"`)
	})
}

func TestPutGrant(t *testing.T) {
	s, mux, admin := setup(t)
	storetest.CreateAccount(t, s, "acc-1", nil)

	assert.Equal(t, http.StatusNotFound,
		call(mux, http.MethodPut, "/api/v1/accounts/missing/grants/ws-1", admin, `{"canClaim":true}`).Code)

	rec := call(mux, http.MethodPut, "/api/v1/accounts/acc-1/grants/ws-1", admin, `{"canClaim":true,"canCreate":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ok, err := s.CanCreate(t.Context(), "acc-1", "ws-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 撤销创建权限
	rec = call(mux, http.MethodPut, "/api/v1/accounts/acc-1/grants/ws-1", admin, `{"canClaim":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ok, err = s.CanCreate(t.Context(), "acc-1", "ws-1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec = call(mux, http.MethodGet, "/api/v1/accounts/acc-1/grants", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Grants []model.AccountWorkspaceGrant `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Grants, 1)
	assert.True(t, body.Grants[0].CanClaim)
}
