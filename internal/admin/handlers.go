// Package admin serves the operational surface: health summaries,
// per-credential listing and overrides, a Prometheus scrape endpoint, and
// a forced config reload.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arlojensen/aigateway/internal/config"
	"github.com/arlojensen/aigateway/internal/keypool"
	"github.com/arlojensen/aigateway/pkg/metrics"
)

// Handlers wires the Key Manager, Config Source and metrics registry
// behind the admin routes.
type Handlers struct {
	manager   *keypool.Manager
	source    *config.Source
	registry  *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandlers builds the admin surface.
func NewHandlers(manager *keypool.Manager, source *config.Source, registry *metrics.Registry, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		manager:   manager,
		source:    source,
		registry:  registry,
		logger:    logger.With("component", "admin"),
		startedAt: time.Now(),
	}
}

// healthStatus is the overall derived status of the credential pool.
type healthStatus string

const (
	statusHealthy   healthStatus = "healthy"
	statusDegraded  healthStatus = "degraded"
	statusUnhealthy healthStatus = "unhealthy"
)

type healthCounts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

type healthResponse struct {
	Status       healthStatus `json:"status"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Counts       healthCounts `json:"counts"`
}

// Health implements GET /admin/health: unhealthy if no credential is
// currently healthy, degraded if any remaining credential is non-active
// and non-disabled (circuit open or half-open), healthy otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	keys := h.manager.ListKeys()

	counts := healthCounts{Total: len(keys)}
	nonActiveNonDisabled := 0
	for _, k := range keys {
		switch k.Status {
		case keypool.StatusActive:
			counts.Healthy++
		case keypool.StatusDisabled:
			counts.Disabled++
			counts.Unhealthy++
		default:
			counts.Unhealthy++
			nonActiveNonDisabled++
		}
	}

	status := statusHealthy
	switch {
	case counts.Healthy == 0:
		status = statusUnhealthy
	case nonActiveNonDisabled > 0:
		status = statusDegraded
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Counts:        counts,
	})
}

// ListKeys implements GET /admin/keys.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ListKeys())
}

// EnableKey implements POST /admin/keys/{id}/enable.
func (h *Handlers) EnableKey(w http.ResponseWriter, r *http.Request, id string) {
	h.setActive(w, id, h.manager.EnableKey)
}

// DisableKey implements POST /admin/keys/{id}/disable.
func (h *Handlers) DisableKey(w http.ResponseWriter, r *http.Request, id string) {
	h.setActive(w, id, h.manager.DisableKey)
}

func (h *Handlers) setActive(w http.ResponseWriter, id string, apply func(string) bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "credential id is required")
		return
	}
	if !apply(id) {
		writeJSONError(w, http.StatusNotFound, "unknown credential id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "ok"})
}

// Metrics implements GET /admin/metrics in Prometheus text format.
func (h *Handlers) Metrics() http.Handler {
	return promhttp.HandlerFor(h.registry.Gatherer(), promhttp.HandlerOpts{})
}

type reloadResponse struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

// ConfigReload implements POST /admin/config/reload: forces the Config
// Source to re-read both documents, reconciles the Key Manager against the
// new credential list, and reports the delta.
func (h *Handlers) ConfigReload(w http.ResponseWriter, r *http.Request) {
	before := map[string]bool{}
	for _, k := range h.manager.ListKeys() {
		before[k.ID] = true
	}

	if err := h.source.ForceReload(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "config reload failed: "+err.Error())
		return
	}

	view := h.source.Current()
	h.manager.UpdateMonitoringConfig(view.Policy.Monitoring)
	h.manager.Reconcile(view.Credentials)

	after := map[string]bool{}
	for _, c := range view.Credentials {
		after[c.Name] = true
	}

	resp := reloadResponse{}
	for id := range after {
		if before[id] {
			resp.Updated++
		} else {
			resp.Added++
		}
	}
	for id := range before {
		if !after[id] {
			resp.Removed++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
