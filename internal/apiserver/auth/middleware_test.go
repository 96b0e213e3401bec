package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"agents-dispatch/internal/shared/model"
)

type fakeAccounts struct {
	accounts []*model.Account
}

func (f *fakeAccounts) ListAccountsByKeyPrefix(ctx context.Context, prefix string) ([]*model.Account, error) {
	var out []*model.Account
	for _, a := range f.accounts {
		if a.APIKeyPrefix == prefix {
			out = append(out, a)
		}
	}
	return out, nil
}

func newAccountWithKey(t *testing.T, id string) (*model.Account, string) {
	t.Helper()
	KeyHashCost = bcrypt.MinCost
	key, lookup, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	return &model.Account{ID: id, APIKeyPrefix: lookup, APIKeyHash: hash}, key
}

// echo 返回调用方身份
func echo(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	switch {
	case p == nil:
		w.Write([]byte("none"))
	case p.Admin:
		w.Write([]byte("admin"))
	default:
		w.Write([]byte("account:" + p.AccountID()))
	}
}

func do(h http.HandlerFunc, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/anything", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestGenerateAPIKey(t *testing.T) {
	a, key := newAccountWithKey(t, "acc-1")
	assert.True(t, IsAPIKey(key))
	assert.Equal(t, key[:lookupLen], a.APIKeyPrefix)
	assert.True(t, CheckAPIKey(key, a.APIKeyHash))
	assert.False(t, CheckAPIKey(key+"x", a.APIKeyHash))
}

func TestGuard_Account(t *testing.T) {
	a, key := newAccountWithKey(t, "acc-1")
	g := NewGuard(Config{JWTSecret: "s"}, &fakeAccounts{accounts: []*model.Account{a}})
	h := g.Account(echo)

	tests := []struct {
		name   string
		value  string
		status int
		body   string
	}{
		{"valid key", "Bearer " + key, http.StatusOK, "account:acc-1"},
		{"lowercase scheme", "bearer " + key, http.StatusOK, "account:acc-1"},
		{"wrong key same prefix", "Bearer " + key[:lookupLen] + "deadbeef", http.StatusUnauthorized, ""},
		{"not an api key", "Bearer abc", http.StatusUnauthorized, ""},
		{"basic scheme", "Basic " + key, http.StatusUnauthorized, ""},
		{"missing header", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := "Authorization"
			if tt.value == "" {
				header = ""
			}
			rec := do(h, header, tt.value)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestGuard_Admin(t *testing.T) {
	cfg := Config{JWTSecret: "test-secret"}
	g := NewGuard(cfg, &fakeAccounts{})
	h := g.Admin(echo)

	adminToken, err := GenerateAccessToken(cfg, "ops", RoleAdmin)
	require.NoError(t, err)
	userToken, err := GenerateAccessToken(cfg, "someone", "user")
	require.NoError(t, err)
	otherToken, err := GenerateAccessToken(Config{JWTSecret: "other"}, "ops", RoleAdmin)
	require.NoError(t, err)

	rec := do(h, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, do(h, "Authorization", "Bearer "+userToken).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "Authorization", "Bearer "+otherToken).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "", "").Code)
}

func TestGuard_AdminNoAuthMode(t *testing.T) {
	g := NewGuard(Config{}, &fakeAccounts{})
	rec := do(g.Admin(echo), "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", rec.Body.String())
}

func TestGuard_AccountOrAdmin(t *testing.T) {
	a, key := newAccountWithKey(t, "acc-2")
	cfg := Config{JWTSecret: "test-secret"}
	g := NewGuard(cfg, &fakeAccounts{accounts: []*model.Account{a}})
	h := g.AccountOrAdmin(echo)

	rec := do(h, "Authorization", "Bearer "+key)
	assert.Equal(t, "account:acc-2", rec.Body.String())

	adminToken, err := GenerateAccessToken(cfg, "ops", RoleAdmin)
	require.NoError(t, err)
	rec = do(h, "Authorization", "Bearer "+adminToken)
	assert.Equal(t, "admin", rec.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(h, "", "").Code)
}

func TestGuard_Cron(t *testing.T) {
	g := NewGuard(Config{CronSecret: "tick-secret"}, &fakeAccounts{})
	h := g.Cron(echo)

	assert.Equal(t, http.StatusOK, do(h, "X-Cron-Secret", "tick-secret").Code)
	assert.Equal(t, http.StatusOK, do(h, "Authorization", "Bearer tick-secret").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "X-Cron-Secret", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "", "").Code)

	// 未配置密钥时一律拒绝，包括空密钥
	closed := NewGuard(Config{}, &fakeAccounts{}).Cron(echo)
	assert.Equal(t, http.StatusUnauthorized, do(closed, "X-Cron-Secret", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(closed, "Authorization", "Bearer ").Code)
}
