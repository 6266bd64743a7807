package store

import (
	"log/slog"
	"sync/atomic"

	"github.com/arlojensen/aigateway/internal/keypool"
)

// ResilientStore decorates a primary store with a fallback, implementing
// one-way demotion semantics: once a write fails over to the fallback,
// every subsequent operation (reads included) targets the fallback until
// the process restarts. A read that fails over for a single call does NOT
// trigger demotion by itself — only a write failure demotes.
type ResilientStore struct {
	primary  keypool.Store
	fallback keypool.Store
	logger   *slog.Logger
	demoted  atomic.Bool
}

// NewResilientStore wraps primary with fallback.
func NewResilientStore(primary, fallback keypool.Store, logger *slog.Logger) *ResilientStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientStore{primary: primary, fallback: fallback, logger: logger.With("component", "resilient_store")}
}

// Init initializes both backends; the primary failing to initialize demotes
// immediately rather than surfacing a startup error, since the fallback is
// sufficient to serve traffic.
func (s *ResilientStore) Init() error {
	if err := s.fallback.Init(); err != nil {
		return err
	}
	if err := s.primary.Init(); err != nil {
		s.logger.Warn("primary store unavailable at startup, demoting to fallback", "error", err)
		s.demoted.Store(true)
	}
	return nil
}

// active returns the store handling reads/writes right now.
func (s *ResilientStore) active() keypool.Store {
	if s.demoted.Load() {
		return s.fallback
	}
	return s.primary
}

// Load reads from the currently active store. On a primary read failure it
// serves this single call from the fallback without demoting — demotion is
// write-triggered only.
func (s *ResilientStore) Load() (keypool.Snapshot, error) {
	if s.demoted.Load() {
		return s.fallback.Load()
	}
	snap, err := s.primary.Load()
	if err != nil {
		s.logger.Warn("primary store read failed, serving this read from fallback", "error", err)
		return s.fallback.Load()
	}
	return snap, nil
}

// Save writes through the active store, demoting on primary failure.
func (s *ResilientStore) Save(snapshot keypool.Snapshot) error {
	return s.write(func(st keypool.Store) error { return st.Save(snapshot) })
}

// UpsertKey writes through the active store, demoting on primary failure.
func (s *ResilientStore) UpsertKey(t keypool.Triple) error {
	return s.write(func(st keypool.Store) error { return st.UpsertKey(t) })
}

// RecordRequestMetrics writes through the active store, demoting on
// primary failure.
func (s *ResilientStore) RecordRequestMetrics(rm keypool.RequestMetric) error {
	return s.write(func(st keypool.Store) error { return st.RecordRequestMetrics(rm) })
}

func (s *ResilientStore) write(fn func(keypool.Store) error) error {
	if s.demoted.Load() {
		return fn(s.fallback)
	}
	if err := fn(s.primary); err != nil {
		s.logger.Error("primary store write failed, demoting to fallback for remainder of process", "error", err)
		s.demoted.Store(true)
		return fn(s.fallback)
	}
	return nil
}

// DailyUsageStats reads from the currently active store.
func (s *ResilientStore) DailyUsageStats() (map[string]keypool.UsageStats, error) {
	if s.demoted.Load() {
		return s.fallback.DailyUsageStats()
	}
	stats, err := s.primary.DailyUsageStats()
	if err != nil {
		s.logger.Warn("primary store read failed, serving this read from fallback", "error", err)
		return s.fallback.DailyUsageStats()
	}
	return stats, nil
}

// WeeklyUsageStats reads from the currently active store.
func (s *ResilientStore) WeeklyUsageStats() (map[string]keypool.UsageStats, error) {
	if s.demoted.Load() {
		return s.fallback.WeeklyUsageStats()
	}
	stats, err := s.primary.WeeklyUsageStats()
	if err != nil {
		s.logger.Warn("primary store read failed, serving this read from fallback", "error", err)
		return s.fallback.WeeklyUsageStats()
	}
	return stats, nil
}

// Demoted reports whether the store has permanently failed over, for
// admin/health surfacing.
func (s *ResilientStore) Demoted() bool {
	return s.demoted.Load()
}
