package keypool

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arlojensen/aigateway/internal/config"
)

// MetricsSink receives best-effort observability callbacks. Manager calls
// are made outside the pool mutex: metric emission and logger calls must
// not be executed under the lock.
type MetricsSink interface {
	ObserveRequest(RequestMetric)
	SetHealthScore(credentialID string, score float64)
	SetCircuitState(credentialID string, state CircuitState)
}

// Status is the derived admin-facing status of a credential.
type Status string

const (
	StatusActive          Status = "active"
	StatusDisabled        Status = "disabled"
	StatusCircuitOpen     Status = "circuit_open"
	StatusCircuitHalfOpen Status = "circuit_half_open"
)

// deriveStatus maps (active, circuit state) onto the admin-facing status.
func deriveStatus(t Triple) Status {
	if !t.Record.Active {
		return StatusDisabled
	}
	switch t.Circuit.State {
	case CircuitOpen:
		return StatusCircuitOpen
	case CircuitHalfOpen:
		return StatusCircuitHalfOpen
	default:
		return StatusActive
	}
}

// KeySummary is the admin-facing view of one credential.
type KeySummary struct {
	ID         string
	Name       string
	Status     Status
	Score      float64
	LastUsedAt time.Time
	Failures   int
	NextRetry  time.Time
	Weight     int
}

// Manager is the sole mutator of the per-credential triples. All public
// operations are critical sections with respect to the whole pool; a
// single coarse mutex is sufficient at the scale this gateway targets
// (single-digit credentials, sub-millisecond operations).
type Manager struct {
	mu      sync.Mutex
	pool    map[string]Triple
	health  *HealthTracker
	circuit *CircuitBreaker
	store   Store
	logger  *slog.Logger
	metrics MetricsSink
}

// NewManager builds an empty Manager. Call Bootstrap before serving traffic.
func NewManager(monitoring config.MonitoringConfig, store Store, logger *slog.Logger, metrics MetricsSink) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pool:    make(map[string]Triple),
		health:  NewHealthTracker(monitoring.Window()),
		circuit: NewCircuitBreaker(monitoring.FailureThreshold, monitoring.RecoveryTime()),
		store:   store,
		logger:  logger.With("component", "key_manager"),
		metrics: metrics,
	}
}

// Bootstrap performs the one-shot startup reconciliation against persisted
// state: records present in both config and persistence adopt the
// persisted health/circuit; config-only records get defaults;
// persistence-only records are dropped.
func (m *Manager) Bootstrap(configKeys []config.CredentialConfig, loaded Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	persisted := make(map[string]Triple, len(loaded.Triples))
	for _, t := range loaded.Triples {
		persisted[t.Record.ID] = t
	}

	now := time.Now()
	m.pool = make(map[string]Triple, len(configKeys))
	for _, c := range configKeys {
		if prior, ok := persisted[c.Name]; ok {
			prior.Record.Secret = c.Key
			prior.Record.Weight = c.Weight
			prior.Record.Cooldown = c.Cooldown()
			m.pool[c.Name] = prior
			continue
		}
		m.pool[c.Name] = Triple{
			Record: CredentialRecord{
				ID:        c.Name,
				Secret:    c.Key,
				Weight:    c.Weight,
				Active:    true,
				CreatedAt: now,
				Cooldown:  c.Cooldown(),
			},
			Health:  HealthSnapshot{WindowStart: now, LastUpdated: now},
			Circuit: CircuitSnapshot{State: CircuitClosed},
		}
	}
}

// Reconcile applies a hot-reloaded credential list: adds new ids, updates
// mutable fields (weight, cooldown, secret) on existing ones while
// preserving their health/circuit and the admin `active` override, and
// prunes ids no longer present.
func (m *Manager) Reconcile(configKeys []config.CredentialConfig) {
	m.mu.Lock()

	now := time.Now()
	next := make(map[string]Triple, len(configKeys))
	for _, c := range configKeys {
		if prior, ok := m.pool[c.Name]; ok {
			prior.Record.Secret = c.Key
			prior.Record.Weight = c.Weight
			prior.Record.Cooldown = c.Cooldown()
			next[c.Name] = prior
			continue
		}
		next[c.Name] = Triple{
			Record: CredentialRecord{
				ID:        c.Name,
				Secret:    c.Key,
				Weight:    c.Weight,
				Active:    true,
				CreatedAt: now,
				Cooldown:  c.Cooldown(),
			},
			Health:  HealthSnapshot{WindowStart: now, LastUpdated: now},
			Circuit: CircuitSnapshot{State: CircuitClosed},
		}
	}
	m.pool = next

	triples := make([]Triple, 0, len(next))
	for _, t := range next {
		triples = append(triples, t)
	}
	m.mu.Unlock()

	m.flushAll(triples)
}

// SelectKey evaluates lazy circuit transitions for every candidate and
// returns a weighted pick among the eligible set.
func (m *Manager) SelectKey() (CredentialRecord, bool) {
	m.mu.Lock()
	now := time.Now()
	triples := make([]Triple, 0, len(m.pool))
	for id, t := range m.pool {
		t.Circuit = m.circuit.Evaluate(t.Circuit, now)
		m.pool[id] = t
		triples = append(triples, t)
	}
	m.mu.Unlock()

	picked, ok := Select(triples, now)
	if !ok {
		return CredentialRecord{}, false
	}
	return picked.Record, true
}

// RecordSuccess applies a successful call outcome: updates health,
// transitions HALF_OPEN→CLOSED, bumps lastUsedAt, emits a metric, and
// write-throughs to the Store. Unknown ids are a no-op.
func (m *Manager) RecordSuccess(id string, latencyMs float64) {
	m.mu.Lock()
	t, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	t.Health = m.health.RecordSuccess(t.Health, now)
	t.Circuit = m.circuit.RecordSuccess(t.Circuit, now)
	t.Record.LastUsedAt = now
	m.pool[id] = t
	m.mu.Unlock()

	m.flushOne(t)
	m.emit(RequestMetric{
		CredentialID: id,
		Timestamp:    now,
		RequestCount: 1,
		SuccessCount: 1,
		LatencyMs:    latencyMs,
	})
}

// RecordFailure applies a failed call outcome: updates health, advances
// the circuit (opening immediately on a rate-limit classified failure),
// emits a metric, and write-throughs to the Store. Unknown ids are a
// no-op.
func (m *Manager) RecordFailure(id string, isRateLimit bool, latencyMs float64) {
	m.mu.Lock()
	t, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	t.Health = m.health.RecordFailure(t.Health, now)
	t.Circuit = m.circuit.RecordFailure(t.Circuit, now, isRateLimit)
	m.pool[id] = t
	m.mu.Unlock()

	m.flushOne(t)
	m.emit(RequestMetric{
		CredentialID: id,
		Timestamp:    now,
		RequestCount: 1,
		ErrorCount:   1,
		LatencyMs:    latencyMs,
	})
}

// EnableKey flips the admin override on and resets circuit/health state.
// Returns false if id is unknown.
func (m *Manager) EnableKey(id string) bool {
	m.mu.Lock()
	t, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	t.Record.Active = true
	t.Circuit = CircuitSnapshot{State: CircuitClosed}
	t.Health = HealthSnapshot{WindowStart: now, LastUpdated: now}
	m.pool[id] = t
	m.mu.Unlock()

	m.flushOne(t)
	return true
}

// DisableKey flips the admin override off. Returns false if id is unknown.
func (m *Manager) DisableKey(id string) bool {
	m.mu.Lock()
	t, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	t.Record.Active = false
	m.pool[id] = t
	m.mu.Unlock()

	m.flushOne(t)
	return true
}

// UpdateMonitoringConfig reinstantiates the health tracker and circuit
// breaker with new parameters; existing triples (and therefore their
// accumulated counters) are retained.
func (m *Manager) UpdateMonitoringConfig(monitoring config.MonitoringConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = NewHealthTracker(monitoring.Window())
	m.circuit = NewCircuitBreaker(monitoring.FailureThreshold, monitoring.RecoveryTime())
}

// ListKeys returns a stable-ordered summary of every credential.
func (m *Manager) ListKeys() []KeySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]KeySummary, 0, len(m.pool))
	for _, t := range m.pool {
		out = append(out, KeySummary{
			ID:         t.Record.ID,
			Name:       t.Record.ID,
			Status:     deriveStatus(t),
			Score:      t.Health.Score(),
			LastUsedAt: t.Record.LastUsedAt,
			Failures:   t.Circuit.ConsecutiveFailures,
			NextRetry:  t.Circuit.NextAttempt,
			Weight:     t.Record.Weight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetActiveKeyCount returns the number of credentials currently in derived
// status "active", used to bound the proxy's retry budget.
func (m *Manager) GetActiveKeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for id, t := range m.pool {
		t.Circuit = m.circuit.Evaluate(t.Circuit, now)
		m.pool[id] = t
		if deriveStatus(t) == StatusActive {
			count++
		}
	}
	return count
}

// flushOne best-effort write-throughs a single triple to the Store,
// outside the pool mutex.
func (m *Manager) flushOne(t Triple) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertKey(t); err != nil {
		m.logger.Error("failed to persist credential state", "credential_id", t.Record.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.SetHealthScore(t.Record.ID, t.Health.Score())
		m.metrics.SetCircuitState(t.Record.ID, t.Circuit.State)
	}
}

// flushAll write-throughs every given triple. Callers must snapshot the
// triples under m.mu and call this only after releasing it, so metric
// emission and store calls never run while the pool mutex is held.
func (m *Manager) flushAll(triples []Triple) {
	for _, t := range triples {
		m.flushOne(t)
	}
}

// emit best-effort records a RequestMetric, outside the pool mutex.
func (m *Manager) emit(rm RequestMetric) {
	if m.store != nil {
		if err := m.store.RecordRequestMetrics(rm); err != nil {
			m.logger.Error("failed to persist request metric", "credential_id", rm.CredentialID, "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.ObserveRequest(rm)
	}
}
