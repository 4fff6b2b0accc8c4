package main

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sharehub/pkg/audit"
	"github.com/platinummonkey/sharehub/pkg/auth"
	"github.com/platinummonkey/sharehub/pkg/config"
	"github.com/platinummonkey/sharehub/pkg/rbac"
)

type testServer struct {
	router http.Handler
	tokens *auth.TokenManager
	authz  *rbac.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{
			Enabled:     true,
			Prefix:      "ratelimit",
			Window:      time.Minute,
			MaxRequests: 50,
			AuthWindow:  time.Minute,
			AuthMax:     2,
		},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
	}

	registry := prometheus.NewRegistry()
	auditStore, err := audit.NewSQLStore(db)
	require.NoError(t, err)
	require.NoError(t, auditStore.EnsureTable(ctx, "sqlite3"))
	trail := audit.NewTrail(auditStore, logger, registry)

	rbacConfig := rbac.DefaultConfig()
	rbacConfig.Dialect = rbac.DialectSQLite
	authz := rbac.NewManager(db, client, trail, registry, logger, rbacConfig)
	require.NoError(t, authz.Initialize(ctx))

	tokens := auth.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), "sharehub", time.Hour)
	return &testServer{
		router: newRouter(cfg, logger, registry, db, client, tokens, trail, authz),
		tokens: tokens,
		authz:  authz,
	}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID > 0 {
		token, err := s.tokens.Issue(userID, "")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicEndpoints(t *testing.T) {
	s := newTestServer(t)

	live := s.do(t, http.MethodGet, "/health/live", 0)
	assert.Equal(t, http.StatusOK, live.Code)
	assert.Empty(t, live.Header().Get("X-RateLimit-Limit"))

	ready := s.do(t, http.MethodGet, "/health/ready", 0)
	assert.Equal(t, http.StatusOK, ready.Code)

	metrics := s.do(t, http.MethodGet, "/metrics", 0)
	assert.Equal(t, http.StatusOK, metrics.Code)
}

func TestRouter_AuditRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.authz.Admin().SetUserRole(ctx, nil, 1, rbac.RoleAdmin, nil)
	require.NoError(t, err)
	_, err = s.authz.Admin().SetUserRole(ctx, nil, 2, rbac.RoleModerator, nil)
	require.NoError(t, err)

	anonymous := s.do(t, http.MethodGet, "/audit/logs", 0)
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Contains(t, anonymous.Body.String(), "AUTH_REQUIRED")

	moderator := s.do(t, http.MethodGet, "/audit/logs", 2)
	assert.Equal(t, http.StatusForbidden, moderator.Code)
	assert.Contains(t, moderator.Body.String(), "INSUFFICIENT_ROLE")

	admin := s.do(t, http.MethodGet, "/audit/logs", 1)
	assert.Equal(t, http.StatusOK, admin.Code)
	assert.Equal(t, "50", admin.Header().Get("X-RateLimit-Limit"))
}

func TestRouter_RBACRoutesAreRateLimited(t *testing.T) {
	s := newTestServer(t)
	_, err := s.authz.Admin().SetUserRole(context.Background(), nil, 1, rbac.RoleAdmin, nil)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/rbac/permissions", 1)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "49", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRouter_TokenRefreshUsesAuthLimit(t *testing.T) {
	s := newTestServer(t)

	anonymous := s.do(t, http.MethodPost, "/auth/refresh", 0)
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Equal(t, "2", anonymous.Header().Get("X-RateLimit-Limit"))

	// the auth budget is keyed by client address, not by user
	rec := s.do(t, http.MethodPost, "/auth/refresh", 5)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = s.do(t, http.MethodPost, "/auth/refresh", 6)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
