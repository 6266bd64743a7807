package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arlojensen/aigateway/internal/keypool"
)

// fileDocument is the single JSON document persisted to disk, matching
// keypool.Snapshot shape plus a schema marker for forward compatibility.
type fileDocument struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Triples   []fileTriple             `json:"credentials"`
	Metrics   []fileRequestMetric      `json:"request_metrics"`
}

type fileTriple struct {
	ID                  string    `json:"id"`
	Secret              string    `json:"secret"`
	Weight              int       `json:"weight"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
	LastUsedAt          time.Time `json:"last_used_at,omitempty"`
	CooldownSeconds     float64   `json:"cooldown_seconds"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	WindowStart         time.Time `json:"window_start,omitempty"`
	HealthLastUpdated   time.Time `json:"health_last_updated,omitempty"`
	CircuitState        int       `json:"circuit_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	NextAttempt         time.Time `json:"next_attempt,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

type fileRequestMetric struct {
	CredentialID string    `json:"credential_id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int       `json:"request_count"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
	LatencyMs    float64   `json:"latency_ms"`
}

// FileStore persists the whole pool as one JSON document on disk. It is the
// fallback backend: simple, dependency-free, and adequate at the scale
// this service targets.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	doc  fileDocument
}

// NewFileStore builds a store rooted at path. Init must be called before use.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger.With("component", "file_store")}
}

// Init loads the document from disk if present, or starts with an empty one.
func (s *FileStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("file store: create data directory: %w", err)
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = fileDocument{Version: 1}
		return nil
	}
	if err != nil {
		return fmt.Errorf("file store: read document: %w", err)
	}
	if len(raw) == 0 {
		s.doc = fileDocument{Version: 1}
		return nil
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("file store: decode document: %w", err)
	}
	s.doc = doc
	return nil
}

// Load returns the full in-memory snapshot converted to keypool types.
func (s *FileStore) Load() (keypool.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fromDocument(s.doc), nil
}

// Save overwrites the entire document, both in memory and on disk.
func (s *FileStore) Save(snapshot keypool.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = toDocument(snapshot)
	return s.writeLocked()
}

// UpsertKey updates or inserts a single triple and persists the whole
// document: this backend is a single document on disk, so there is no
// partial-row update — every mutation rewrites it.
func (s *FileStore) UpsertKey(t keypool.Triple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := tripleToRow(t)
	for i, existing := range s.doc.Triples {
		if existing.ID == row.ID {
			s.doc.Triples[i] = row
			return s.writeLocked()
		}
	}
	s.doc.Triples = append(s.doc.Triples, row)
	return s.writeLocked()
}

// RecordRequestMetrics appends a metric row, capping retained history at
// maxRetainedMetrics by dropping the oldest entries.
func (s *FileStore) RecordRequestMetrics(rm keypool.RequestMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Metrics = append(s.doc.Metrics, fileRequestMetric{
		CredentialID: rm.CredentialID,
		Timestamp:    rm.Timestamp,
		RequestCount: rm.RequestCount,
		SuccessCount: rm.SuccessCount,
		ErrorCount:   rm.ErrorCount,
		LatencyMs:    rm.LatencyMs,
	})
	if len(s.doc.Metrics) > maxRetainedMetrics {
		s.doc.Metrics = s.doc.Metrics[len(s.doc.Metrics)-maxRetainedMetrics:]
	}
	return s.writeLocked()
}

// DailyUsageStats aggregates the last 24h of retained metrics per credential.
func (s *FileStore) DailyUsageStats() (map[string]keypool.UsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregate(s.doc.Metrics, 24*time.Hour), nil
}

// WeeklyUsageStats aggregates the last 7 days of retained metrics per credential.
func (s *FileStore) WeeklyUsageStats() (map[string]keypool.UsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregate(s.doc.Metrics, 7*24*time.Hour), nil
}

// writeLocked serializes and atomically replaces the document file.
// Callers must hold s.mu.
func (s *FileStore) writeLocked() error {
	s.doc.UpdatedAt = time.Now()
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("file store: write temp document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("file store: replace document: %w", err)
	}
	return nil
}

func tripleToRow(t keypool.Triple) fileTriple {
	return fileTriple{
		ID:                  t.Record.ID,
		Secret:              t.Record.Secret,
		Weight:              t.Record.Weight,
		Active:              t.Record.Active,
		CreatedAt:           t.Record.CreatedAt,
		LastUsedAt:          t.Record.LastUsedAt,
		CooldownSeconds:     t.Record.Cooldown.Seconds(),
		SuccessCount:        t.Health.SuccessCount,
		FailureCount:        t.Health.FailureCount,
		WindowStart:         t.Health.WindowStart,
		HealthLastUpdated:   t.Health.LastUpdated,
		CircuitState:        int(t.Circuit.State),
		ConsecutiveFailures: t.Circuit.ConsecutiveFailures,
		LastFailure:         t.Circuit.LastFailure,
		NextAttempt:         t.Circuit.NextAttempt,
		OpenedAt:            t.Circuit.OpenedAt,
	}
}

func rowToTriple(r fileTriple) keypool.Triple {
	return keypool.Triple{
		Record: keypool.CredentialRecord{
			ID:         r.ID,
			Secret:     r.Secret,
			Weight:     r.Weight,
			Active:     r.Active,
			CreatedAt:  r.CreatedAt,
			LastUsedAt: r.LastUsedAt,
			Cooldown:   time.Duration(r.CooldownSeconds * float64(time.Second)),
		},
		Health: keypool.HealthSnapshot{
			SuccessCount: r.SuccessCount,
			FailureCount: r.FailureCount,
			WindowStart:  r.WindowStart,
			LastUpdated:  r.HealthLastUpdated,
		},
		Circuit: keypool.CircuitSnapshot{
			State:               keypool.CircuitState(r.CircuitState),
			ConsecutiveFailures: r.ConsecutiveFailures,
			LastFailure:         r.LastFailure,
			NextAttempt:         r.NextAttempt,
			OpenedAt:            r.OpenedAt,
		},
	}
}

func toDocument(s keypool.Snapshot) fileDocument {
	doc := fileDocument{Version: 1}
	for _, t := range s.Triples {
		doc.Triples = append(doc.Triples, tripleToRow(t))
	}
	for _, m := range s.Metrics {
		doc.Metrics = append(doc.Metrics, fileRequestMetric{
			CredentialID: m.CredentialID,
			Timestamp:    m.Timestamp,
			RequestCount: m.RequestCount,
			SuccessCount: m.SuccessCount,
			ErrorCount:   m.ErrorCount,
			LatencyMs:    m.LatencyMs,
		})
	}
	return doc
}

func fromDocument(doc fileDocument) keypool.Snapshot {
	snap := keypool.Snapshot{}
	for _, r := range doc.Triples {
		snap.Triples = append(snap.Triples, rowToTriple(r))
	}
	for _, m := range doc.Metrics {
		snap.Metrics = append(snap.Metrics, keypool.RequestMetric{
			CredentialID: m.CredentialID,
			Timestamp:    m.Timestamp,
			RequestCount: m.RequestCount,
			SuccessCount: m.SuccessCount,
			ErrorCount:   m.ErrorCount,
			LatencyMs:    m.LatencyMs,
		})
	}
	return snap
}

func aggregate(rows []fileRequestMetric, window time.Duration) map[string]keypool.UsageStats {
	cutoff := time.Now().Add(-window)
	byCred := map[string][]fileRequestMetric{}
	for _, r := range rows {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		byCred[r.CredentialID] = append(byCred[r.CredentialID], r)
	}

	out := make(map[string]keypool.UsageStats, len(byCred))
	for id, group := range byCred {
		stats := keypool.UsageStats{CredentialID: id}
		latencies := make([]float64, 0, len(group))
		var sum float64
		for _, r := range group {
			stats.RequestCount += r.RequestCount
			stats.SuccessCount += r.SuccessCount
			stats.ErrorCount += r.ErrorCount
			sum += r.LatencyMs
			latencies = append(latencies, r.LatencyMs)
		}
		if len(group) > 0 {
			stats.AverageLatency = sum / float64(len(group))
		}
		stats.P95Latency = percentile95(latencies)
		out[id] = stats
	}
	return out
}

func percentile95(latencies []float64) float64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.95)
	return sorted[idx]
}
