package offsetstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database so resume offsets survive
// viewer restarts: a relaunched viewer picks up exactly where the previous
// run's contiguous watermark left off instead of re-replaying history.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenSQLite creates or opens a SQLite-backed store at the given path.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads: the engine persists the
	// watermark on every applied chunk.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &SQLite{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying offset store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the resume_offsets table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_offsets (
			subject_id TEXT PRIMARY KEY,
			offset INTEGER NOT NULL
		)
	`)
	return err
}

// Get returns the stored offset for a subject, if any.
func (s *SQLite) Get(subjectID string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var offset uint64
	err := s.db.QueryRow("SELECT offset FROM resume_offsets WHERE subject_id = ?", subjectID).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get resume offset: %w", err)
	}
	return offset, true, nil
}

// Set records offset as the new resume point for a subject.
func (s *SQLite) Set(subjectID string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO resume_offsets (subject_id, offset) VALUES (?, ?)",
		subjectID, offset,
	)
	if err != nil {
		return fmt.Errorf("set resume offset: %w", err)
	}
	return nil
}

// Drop removes a subject's entry.
func (s *SQLite) Drop(subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM resume_offsets WHERE subject_id = ?", subjectID)
	if err != nil {
		return fmt.Errorf("drop resume offset: %w", err)
	}
	return nil
}

// Prune removes every entry whose subject is not in keep.
func (s *SQLite) Prune(keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(keep) == 0 {
		if _, err := s.db.Exec("DELETE FROM resume_offsets"); err != nil {
			return fmt.Errorf("prune resume offsets: %w", err)
		}
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ")
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	_, err := s.db.Exec(
		"DELETE FROM resume_offsets WHERE subject_id NOT IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("prune resume offsets: %w", err)
	}
	return nil
}
