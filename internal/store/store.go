package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/modelswarm/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the router write audit rows while the capability store reads;
	// the busy timeout makes writers wait instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to path, which must not
// exist yet.
func (s *Store) Snapshot(path string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS model_profiles (
			model_id          TEXT PRIMARY KEY,
			display_name      TEXT,
			provider          TEXT,
			overall_score     INTEGER NOT NULL DEFAULT 0,
			capabilities      TEXT NOT NULL DEFAULT '{}',
			fallback_model_id TEXT,
			enabled_tools     TEXT,
			placeholder       BOOLEAN DEFAULT FALSE,
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS prosthetics (
			model_id    TEXT PRIMARY KEY,
			content     TEXT NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS routing_runs (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT,
			mode                TEXT NOT NULL,
			main_model          TEXT NOT NULL,
			executor_model      TEXT,
			capability          TEXT,
			query               TEXT,
			phases              TEXT NOT NULL,
			tool_calls          TEXT,
			final_response      TEXT,
			error               TEXT,
			main_latency_ms     INTEGER DEFAULT 0,
			executor_latency_ms INTEGER DEFAULT 0,
			total_latency_ms    INTEGER DEFAULT 0,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_runs_created ON routing_runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS disqualifications (
			session_id  TEXT NOT NULL,
			model_id    TEXT NOT NULL,
			capability  TEXT NOT NULL,
			reason      TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, model_id, capability)
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id    TEXT,
			category    TEXT NOT NULL,
			tool        TEXT,
			error       TEXT NOT NULL,
			query       TEXT,
			session_id  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_category ON failures(category, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
