// Package store persists the supervisor's configuration blob. The entire
// runtime-relevant configuration is a single JSON document; the store keeps
// exactly one row and replaces it on every save.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"warden/internal/models"
)

const timeFormat = "2006-01-02 15:04:05"

// Store wraps the sqlite handle holding the state blob.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu sync.Mutex // serializes Save; sqlite writes are single-writer anyway
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		blob       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save serializes state and replaces the stored blob. LastSync is stamped
// on the state before writing so a reload observes it.
func (s *Store) Save(state *models.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.LastSync = time.Now().UTC()

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO state (id, blob, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			blob       = excluded.blob,
			updated_at = excluded.updated_at
	`, string(blob), state.LastSync.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Load reads the stored blob. A missing row yields a fresh default state;
// missing sub-fields are replaced with documented defaults.
func (s *Store) Load() (*models.State, error) {
	var blob string
	err := s.db.QueryRow(`SELECT blob FROM state WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		s.logger.Info("no persisted state, starting fresh")
		return models.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	state := &models.State{}
	if err := json.Unmarshal([]byte(blob), state); err != nil {
		return nil, fmt.Errorf("decode state blob: %w", err)
	}
	state.ApplyDefaults()
	return state, nil
}
