// Package httpserver assembles the gorilla/mux router for the public and
// admin surfaces and owns the listener's graceful lifecycle.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/arlojensen/aigateway/internal/admin"
	"github.com/arlojensen/aigateway/internal/config"
	"github.com/arlojensen/aigateway/internal/keypool"
	"github.com/arlojensen/aigateway/internal/proxy"
	"github.com/arlojensen/aigateway/internal/ratelimit"
	"github.com/arlojensen/aigateway/pkg/metrics"
)

// Server wraps an *http.Server with the gateway's route table and graceful
// shutdown behaviour: Shutdown stops the listener and waits for active
// requests up to a bounded grace period. Signal handling is left to the
// caller.
type Server struct {
	httpServer *http.Server
	manager    *keypool.Manager
	logger     *slog.Logger
	shutdownGrace time.Duration
}

// Deps bundles everything the router needs to wire handlers.
type Deps struct {
	Policy   config.Policy
	Pipeline *proxy.Pipeline
	Admin    *admin.Handlers
	Limiter  *ratelimit.Limiter
	Manager  *keypool.Manager
	Registry *metrics.Registry
	Logger   *slog.Logger
}

// New builds a Server ready to run, with the full middleware/route table
// wired for both the public and admin surfaces.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()

	// Rate limiting and request IDs apply before everything else: floods
	// must not reach auth or upstream credentials.
	router.Use(deps.Limiter.Middleware)
	router.Use(proxy.RequestIDMiddleware)
	router.Use(proxy.LoggingMiddleware(logger))

	router.HandleFunc("/healthz", healthzHandler(deps.Manager)).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(proxy.AuthMiddleware(deps.Policy.Proxy.RequireAuth, deps.Policy.Proxy.AccessTokens))

	withMetrics := func(endpoint string, h http.HandlerFunc) http.Handler {
		return proxy.MetricsMiddleware(deps.Registry, endpoint)(h)
	}

	v1.Handle("/chat/completions", withMetrics("chat_completions", deps.Pipeline.ChatCompletions)).Methods(http.MethodPost)
	v1.Handle("/models", withMetrics("models", deps.Pipeline.ListModels)).Methods(http.MethodGet)
	v1.Handle("/models/{id}", withMetrics("models", func(w http.ResponseWriter, r *http.Request) {
		deps.Pipeline.GetModel(w, r, mux.Vars(r)["id"])
	})).Methods(http.MethodGet)
	v1.Handle("/embeddings", withMetrics("embeddings", deps.Pipeline.Passthrough(proxy.EmbeddingsPath))).Methods(http.MethodPost)
	v1.Handle("/images/generations", withMetrics("images_generations", deps.Pipeline.Passthrough(proxy.ImageGenerationsPath))).Methods(http.MethodPost)

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(proxy.AdminAuthMiddleware(deps.Policy.Proxy.AdminToken))
	adminRouter.HandleFunc("/health", deps.Admin.Health).Methods(http.MethodGet)
	adminRouter.HandleFunc("/keys", deps.Admin.ListKeys).Methods(http.MethodGet)
	adminRouter.HandleFunc("/keys/{id}/enable", func(w http.ResponseWriter, r *http.Request) {
		deps.Admin.EnableKey(w, r, mux.Vars(r)["id"])
	}).Methods(http.MethodPost)
	adminRouter.HandleFunc("/keys/{id}/disable", func(w http.ResponseWriter, r *http.Request) {
		deps.Admin.DisableKey(w, r, mux.Vars(r)["id"])
	}).Methods(http.MethodPost)
	adminRouter.Handle("/metrics", deps.Admin.Metrics()).Methods(http.MethodGet)
	adminRouter.HandleFunc("/config/reload", deps.Admin.ConfigReload).Methods(http.MethodPost)

	return &Server{
		httpServer: &http.Server{
			Addr:         deps.Policy.Proxy.Host + ":" + strconv.Itoa(deps.Policy.Proxy.Port),
			Handler:      router,
			ReadTimeout:  deps.Policy.Proxy.ReadTimeout,
			WriteTimeout: deps.Policy.Proxy.WriteTimeout,
			IdleTimeout:  deps.Policy.Proxy.IdleTimeout,
		},
		manager:       deps.Manager,
		logger:        logger.With("component", "http_server"),
		shutdownGrace: deps.Policy.Proxy.GracefulShutdownTimeout,
	}
}

// ListenAndServe starts the listener; it returns when the server has
// stopped (either from an error, or after a clean Shutdown).
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func healthzHandler(manager *keypool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if manager.GetActiveKeyCount() > 0 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("degraded"))
	}
}
