// Package store persists model call outcomes and breaker transitions in SQLite so a
// restarted engine can warm-start model reliability from recent history.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/concord/pkg/registry"
	"github.com/zen-systems/concord/pkg/task"

	_ "modernc.org/sqlite"
)

// Store wraps an SQLite connection.
type Store struct {
	conn   *sql.DB
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// DefaultPath returns ~/.concord/outcomes.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".concord", "outcomes.db")
	}
	return filepath.Join(home, ".concord", "outcomes.db")
}

// Open opens (and migrates) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes writers.
	conn.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{conn: conn, path: path, logger: logger.With().Str("component", "store").Logger()}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

const migrationV1 = `
CREATE TABLE outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id    TEXT NOT NULL,
	success     INTEGER NOT NULL,
	latency_ms  INTEGER NOT NULL,
	cost        REAL NOT NULL,
	error       TEXT,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX idx_outcomes_model_time ON outcomes(model_id, recorded_at);
CREATE TABLE breaker_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id    TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
`

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1},
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// RecordOutcome stores one call outcome.
func (s *Store) RecordOutcome(modelID string, o registry.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errText sql.NullString
	if o.Err != nil {
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}
	success := 0
	if o.Success {
		success = 1
	}
	_, err := s.conn.Exec(
		"INSERT INTO outcomes (model_id, success, latency_ms, cost, error, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		modelID, success, o.Latency.Milliseconds(), o.Cost, errText, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// RecordTransition stores one breaker transition.
func (s *Store) RecordTransition(modelID string, from, to task.BreakerState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(
		"INSERT INTO breaker_transitions (model_id, from_state, to_state, recorded_at) VALUES (?, ?, ?, ?)",
		modelID, string(from), string(to), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ModelStats summarizes recent history for one model.
type ModelStats struct {
	ModelID     string
	Calls       int
	SuccessRate float64
	AvgLatency  time.Duration
	TotalCost   float64
}

// Stats aggregates outcomes recorded since the given time.
func (s *Store) Stats(since time.Time) ([]ModelStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(`
		SELECT model_id, COUNT(*), AVG(success), AVG(latency_ms), SUM(cost)
		FROM outcomes
		WHERE recorded_at >= ?
		GROUP BY model_id
		ORDER BY model_id
	`, unixNanos(since))
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var st ModelStats
		var latencyMs float64
		if err := rows.Scan(&st.ModelID, &st.Calls, &st.SuccessRate, &latencyMs, &st.TotalCost); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.AvgLatency = time.Duration(latencyMs * float64(time.Millisecond))
		out = append(out, st)
	}
	return out, rows.Err()
}

// unixNanos maps the zero time to 0 since UnixNano is undefined before 1678.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Transitions returns the recorded breaker transitions for a model, oldest first.
func (s *Store) Transitions(modelID string) ([]task.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query("SELECT to_state FROM breaker_transitions WHERE model_id = ? ORDER BY id", modelID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	var out []task.BreakerState
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		out = append(out, task.BreakerState(state))
	}
	return out, rows.Err()
}

// WarmStart seeds registry reliability from models with at least minCalls outcomes
// recorded since the given time. It returns the number of models seeded.
func (s *Store) WarmStart(reg *registry.Registry, since time.Time, minCalls int) (int, error) {
	stats, err := s.Stats(since)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, st := range stats {
		if st.Calls < minCalls {
			continue
		}
		if err := reg.Seed(st.ModelID, st.SuccessRate); err != nil {
			s.logger.Debug().Err(err).Str("model", st.ModelID).Msg("skipping warm start")
			continue
		}
		seeded++
	}
	return seeded, nil
}

// Listener adapts the store to registry.Listener. Write failures are logged, not returned.
func (s *Store) Listener() registry.Listener {
	return storeListener{s: s}
}

type storeListener struct {
	s *Store
}

func (l storeListener) OnOutcome(modelID string, o registry.Outcome) {
	if err := l.s.RecordOutcome(modelID, o, time.Now()); err != nil {
		l.s.logger.Error().Err(err).Str("model", modelID).Msg("record outcome")
	}
}

func (l storeListener) OnTransition(modelID string, from, to task.BreakerState, at time.Time) {
	if err := l.s.RecordTransition(modelID, from, to, at); err != nil {
		l.s.logger.Error().Err(err).Str("model", modelID).Msg("record transition")
	}
}
