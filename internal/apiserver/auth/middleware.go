package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"agents-dispatch/internal/apiserver/httpx"
	"agents-dispatch/pkg/logging"
)

// Guard 路由级认证包装
//
//   - Account：Bearer bld_ API Key
//   - Admin：Bearer 管理员 JWT；JWT_SECRET 为空时直接放行（无认证模式）
//   - AccountOrAdmin：按令牌形式选择上面两种之一
//   - Cron：X-Cron-Secret 或 Bearer CRON_SECRET；未配置密钥时拒绝所有请求
type Guard struct {
	cfg      Config
	accounts AccountLookup
	log      *logging.Logger
}

// NewGuard 创建 Guard
func NewGuard(cfg Config, accounts AccountLookup) *Guard {
	return &Guard{cfg: cfg, accounts: accounts, log: logging.Default("auth")}
}

// SetLogger 指定日志器
func (g *Guard) SetLogger(l *logging.Logger) { g.log = l }

// bearerToken 提取 Authorization: Bearer <token>
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// Account 账号 API Key 认证
func (g *Guard) Account(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		g.serveAccount(w, r, token, next)
	}
}

// Admin 管理员认证
func (g *Guard) Admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.cfg.Enabled() {
			next(w, r.WithContext(WithPrincipal(r.Context(), &Principal{Admin: true})))
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		g.serveAdmin(w, r, token, next)
	}
}

// AccountOrAdmin API Key 走账号认证，其他令牌走管理员认证
func (g *Guard) AccountOrAdmin(next http.HandlerFunc) http.HandlerFunc {
	admin := g.Admin(next)
	return func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok && IsAPIKey(token) {
			g.serveAccount(w, r, token, next)
			return
		}
		admin(w, r)
	}
}

// Cron 定时触发接口的共享密钥认证
func (g *Guard) Cron(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.CronSecret == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "cron secret not configured")
			return
		}
		secret := r.Header.Get("X-Cron-Secret")
		if secret == "" {
			secret, _ = bearerToken(r)
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(g.cfg.CronSecret)) != 1 {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid cron secret")
			return
		}
		next(w, r)
	}
}

func (g *Guard) serveAccount(w http.ResponseWriter, r *http.Request, token string, next http.HandlerFunc) {
	account, err := ResolveAPIKey(r.Context(), g.accounts, token)
	if err != nil {
		if !errors.Is(err, ErrInvalidAPIKey) {
			g.log.WithError(err).Error("auth.apikey.lookup.failed")
		}
		httpx.WriteError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	ctx := WithPrincipal(r.Context(), &Principal{Subject: account.ID, Account: account})
	ctx = logging.ContextWith(ctx, logging.AccountIDKey, account.ID)
	next(w, r.WithContext(ctx))
}

func (g *Guard) serveAdmin(w http.ResponseWriter, r *http.Request, token string, next http.HandlerFunc) {
	claims, err := ParseToken(g.cfg, token)
	if err != nil {
		g.log.WithError(err).Debug("auth.token.invalid")
		httpx.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	if claims.Type != "access" {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid token type")
		return
	}
	if claims.Role != RoleAdmin {
		httpx.WriteError(w, http.StatusForbidden, "admin access required")
		return
	}
	ctx := WithPrincipal(r.Context(), &Principal{Admin: true, Subject: claims.Subject})
	next(w, r.WithContext(ctx))
}
