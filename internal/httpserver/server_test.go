package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlojensen/aigateway/internal/admin"
	"github.com/arlojensen/aigateway/internal/config"
	"github.com/arlojensen/aigateway/internal/keypool"
	"github.com/arlojensen/aigateway/internal/proxy"
	"github.com/arlojensen/aigateway/internal/ratelimit"
	"github.com/arlojensen/aigateway/pkg/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, policy config.Policy) (*Server, *keypool.Manager) {
	t.Helper()
	logger := testLogger()
	manager := keypool.NewManager(policy.Monitoring, nil, logger, nil)
	manager.Bootstrap([]config.CredentialConfig{{Name: "k1", Key: "k1-secret", Weight: 1}}, keypool.Snapshot{})

	dir := t.TempDir()
	src, err := config.NewSource(dir+"/policy.yaml", "", logger)
	require.NoError(t, err)

	registry := metrics.NewRegistry("test_httpserver")
	pipeline := proxy.NewPipeline(manager, nil, nil, logger, policy.Proxy.MaxPayloadSizeBytes)
	adminHandlers := admin.NewHandlers(manager, src, registry, logger)
	limiter := ratelimit.New(policy.RateLimit)

	srv := New(Deps{
		Policy:   policy,
		Pipeline: pipeline,
		Admin:    adminHandlers,
		Limiter:  limiter,
		Manager:  manager,
		Registry: registry,
		Logger:   logger,
	})
	return srv, manager
}

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.RateLimit.Enabled = false
	return p
}

func TestHealthz_ReportsOKWhenCredentialsActive(t *testing.T) {
	srv, _ := newTestServer(t, testPolicy())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHealthz_ReportsDegradedWithNoActiveCredentials(t *testing.T) {
	srv, manager := newTestServer(t, testPolicy())
	manager.DisableKey("k1")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRoutes_RequireTokenWhenConfigured(t *testing.T) {
	policy := testPolicy()
	policy.Proxy.AdminToken = "s3cret"
	srv, _ := newTestServer(t, policy)

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req2.Header.Set("Authorization", "Bearer s3cret")
	rec2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestV1Routes_RequireAuthWhenEnabled(t *testing.T) {
	policy := testPolicy()
	policy.Proxy.RequireAuth = true
	policy.Proxy.AccessTokens = []string{"tok"}
	srv, _ := newTestServer(t, policy)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestShutdown_StopsListener(t *testing.T) {
	srv, _ := newTestServer(t, testPolicy())
	err := srv.Shutdown(t.Context())
	assert.NoError(t, err)
}
