// Package store is the durable shared state behind the session registry,
// the interrupt gate, and the controller's suspend/resume checkpoints.
//
// The backing database must be reachable by every service instance that can
// handle a reconnect; a single sqlite file on shared storage satisfies that
// for the deployments this service targets.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the shared sqlite database.
type Store struct {
	db *sql.DB
}

const defaultDBName = "patchwork.db"

// Open opens (creating if needed) the shared database under stateDir.
func Open(stateDir string) (*Store, error) {
	if stateDir == "" {
		stateDir = "."
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	path := filepath.Join(stateDir, defaultDBName)
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an isolated in-memory database. Intended for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// A single conn keeps the :memory: database alive across queries.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		project_id   TEXT PRIMARY KEY,
		slug         TEXT NOT NULL DEFAULT '',
		owner        TEXT NOT NULL DEFAULT '',
		kind         TEXT NOT NULL DEFAULT '',
		env_identity TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS locks (
		project_id       TEXT PRIMARY KEY,
		connection_token TEXT NOT NULL,
		owner_identity   TEXT NOT NULL,
		acquired_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS interrupts (
		interrupt_id TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		requests     TEXT NOT NULL,
		reviews      TEXT NOT NULL,
		checkpoint   BLOB NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS interrupts_project ON interrupts(project_id)`,
	`CREATE TABLE IF NOT EXISTS run_states (
		project_id       TEXT PRIMARY KEY,
		run_id           TEXT NOT NULL,
		round_index      INTEGER NOT NULL,
		request          TEXT NOT NULL,
		pending_guidance TEXT NOT NULL DEFAULT '',
		environment_id   TEXT NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		project_id   TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		round_index  INTEGER NOT NULL,
		ended_reason TEXT NOT NULL,
		duration_ms  INTEGER NOT NULL,
		ended_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, round_index)
	)`,
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
