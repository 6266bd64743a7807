package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arlojensen/aigateway/internal/keypool"
)

// PostgresStore is the primary, indexed/transactional persistence backend.
// It holds four tables: credentials, health_snapshots, circuit_snapshots,
// request_metrics_history.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an already-connected pgxpool.Pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger.With("component", "postgres_store")}
}

// Init verifies connectivity. Schema migrations are applied separately via
// RunMigrations (run explicitly by the CLI's migrate subcommand).
func (s *PostgresStore) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	return nil
}

// Load reads every credential row joined with its health and circuit state,
// plus the newest maxRetainedMetrics rows of request metrics history.
func (s *PostgresStore) Load() (keypool.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.secret, c.weight, c.active, c.created_at, c.last_used_at, c.cooldown_seconds,
		       COALESCE(h.success_count, 0), COALESCE(h.failure_count, 0), h.window_start, h.last_updated,
		       COALESCE(cs.state, 0), COALESCE(cs.consecutive_failures, 0), cs.last_failure, cs.next_attempt, cs.opened_at
		FROM credentials c
		LEFT JOIN health_snapshots h ON h.credential_id = c.id
		LEFT JOIN circuit_snapshots cs ON cs.credential_id = c.id
	`)
	if err != nil {
		return keypool.Snapshot{}, &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()

	var snap keypool.Snapshot
	for rows.Next() {
		var t keypool.Triple
		var cooldownSeconds float64
		var circuitState int
		var lastUsedAt, windowStart, lastUpdated, lastFailure, nextAttempt, openedAt *time.Time
		if err := rows.Scan(
			&t.Record.ID, &t.Record.Secret, &t.Record.Weight, &t.Record.Active, &t.Record.CreatedAt, &lastUsedAt, &cooldownSeconds,
			&t.Health.SuccessCount, &t.Health.FailureCount, &windowStart, &lastUpdated,
			&circuitState, &t.Circuit.ConsecutiveFailures, &lastFailure, &nextAttempt, &openedAt,
		); err != nil {
			return keypool.Snapshot{}, fmt.Errorf("store: scan credential row: %w", err)
		}
		t.Record.Cooldown = time.Duration(cooldownSeconds * float64(time.Second))
		t.Circuit.State = keypool.CircuitState(circuitState)
		assignTime(&t.Record.LastUsedAt, lastUsedAt)
		assignTime(&t.Health.WindowStart, windowStart)
		assignTime(&t.Health.LastUpdated, lastUpdated)
		assignTime(&t.Circuit.LastFailure, lastFailure)
		assignTime(&t.Circuit.NextAttempt, nextAttempt)
		assignTime(&t.Circuit.OpenedAt, openedAt)
		snap.Triples = append(snap.Triples, t)
	}
	if err := rows.Err(); err != nil {
		return keypool.Snapshot{}, fmt.Errorf("store: iterate credential rows: %w", err)
	}

	metricRows, err := s.pool.Query(ctx, `
		SELECT credential_id, ts, request_count, success_count, error_count, latency_ms
		FROM request_metrics_history
		ORDER BY ts DESC
		LIMIT $1
	`, maxRetainedMetrics)
	if err != nil {
		return keypool.Snapshot{}, &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	defer metricRows.Close()
	for metricRows.Next() {
		var m keypool.RequestMetric
		if err := metricRows.Scan(&m.CredentialID, &m.Timestamp, &m.RequestCount, &m.SuccessCount, &m.ErrorCount, &m.LatencyMs); err != nil {
			return keypool.Snapshot{}, fmt.Errorf("store: scan metric row: %w", err)
		}
		snap.Metrics = append(snap.Metrics, m)
	}

	return snap, nil
}

func assignTime(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}

// Save replaces every row transactionally. Used for bulk restore/seed paths;
// the steady-state write path is UpsertKey/RecordRequestMetrics.
func (s *PostgresStore) Save(snapshot keypool.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE credentials, health_snapshots, circuit_snapshots, request_metrics_history CASCADE`); err != nil {
		return fmt.Errorf("store: truncate for save: %w", err)
	}
	for _, t := range snapshot.Triples {
		if err := upsertTripleTx(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, m := range snapshot.Metrics {
		if err := insertMetricTx(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit save: %w", err)
	}
	return nil
}

// UpsertKey writes one triple transactionally across the three tables.
func (s *PostgresStore) UpsertKey(t keypool.Triple) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	defer tx.Rollback(ctx)

	if err := upsertTripleTx(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit upsert: %w", err)
	}
	return nil
}

func upsertTripleTx(ctx context.Context, tx pgx.Tx, t keypool.Triple) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credentials (id, secret, weight, active, created_at, last_used_at, cooldown_seconds)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '0001-01-01 00:00:00+00'::timestamptz), $7)
		ON CONFLICT (id) DO UPDATE SET
			secret = EXCLUDED.secret,
			weight = EXCLUDED.weight,
			active = EXCLUDED.active,
			last_used_at = EXCLUDED.last_used_at,
			cooldown_seconds = EXCLUDED.cooldown_seconds
	`, t.Record.ID, t.Record.Secret, t.Record.Weight, t.Record.Active, t.Record.CreatedAt, t.Record.LastUsedAt, t.Record.Cooldown.Seconds())
	if err != nil {
		return fmt.Errorf("store: upsert credential: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO health_snapshots (credential_id, success_count, failure_count, window_start, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (credential_id) DO UPDATE SET
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			window_start = EXCLUDED.window_start,
			last_updated = EXCLUDED.last_updated
	`, t.Record.ID, t.Health.SuccessCount, t.Health.FailureCount, nullIfZero(t.Health.WindowStart), nullIfZero(t.Health.LastUpdated))
	if err != nil {
		return fmt.Errorf("store: upsert health snapshot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO circuit_snapshots (credential_id, state, consecutive_failures, last_failure, next_attempt, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (credential_id) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_failure = EXCLUDED.last_failure,
			next_attempt = EXCLUDED.next_attempt,
			opened_at = EXCLUDED.opened_at
	`, t.Record.ID, int(t.Circuit.State), t.Circuit.ConsecutiveFailures, nullIfZero(t.Circuit.LastFailure), nullIfZero(t.Circuit.NextAttempt), nullIfZero(t.Circuit.OpenedAt))
	if err != nil {
		return fmt.Errorf("store: upsert circuit snapshot: %w", err)
	}
	return nil
}

func nullIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// RecordRequestMetrics appends one metric row.
func (s *PostgresStore) RecordRequestMetrics(rm keypool.RequestMetric) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	defer tx.Rollback(ctx)

	if err := insertMetricTx(ctx, tx, rm); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertMetricTx(ctx context.Context, tx pgx.Tx, m keypool.RequestMetric) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO request_metrics_history (credential_id, ts, request_count, success_count, error_count, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.CredentialID, m.Timestamp, m.RequestCount, m.SuccessCount, m.ErrorCount, m.LatencyMs)
	if err != nil {
		return fmt.Errorf("store: insert request metric: %w", err)
	}
	return nil
}

// DailyUsageStats aggregates the trailing 24h window per credential.
func (s *PostgresStore) DailyUsageStats() (map[string]keypool.UsageStats, error) {
	return s.usageStats(24 * time.Hour)
}

// WeeklyUsageStats aggregates the trailing 7-day window per credential.
func (s *PostgresStore) WeeklyUsageStats() (map[string]keypool.UsageStats, error) {
	return s.usageStats(7 * 24 * time.Hour)
}

func (s *PostgresStore) usageStats(window time.Duration) (map[string]keypool.UsageStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT credential_id,
		       COALESCE(SUM(request_count), 0),
		       COALESCE(SUM(success_count), 0),
		       COALESCE(SUM(error_count), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms), 0)
		FROM request_metrics_history
		WHERE ts >= now() - make_interval(secs => $1)
		GROUP BY credential_id
	`, window.Seconds())
	if err != nil {
		return nil, &ErrUnavailable{Backend: "postgres", Cause: err}
	}
	defer rows.Close()

	out := map[string]keypool.UsageStats{}
	for rows.Next() {
		var u keypool.UsageStats
		if err := rows.Scan(&u.CredentialID, &u.RequestCount, &u.SuccessCount, &u.ErrorCount, &u.AverageLatency, &u.P95Latency); err != nil {
			return nil, fmt.Errorf("store: scan usage stats: %w", err)
		}
		out[u.CredentialID] = u
	}
	return out, nil
}
