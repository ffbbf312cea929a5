// Package threadstore persists the mapping from working directories to
// agent thread ids, so a later session in the same directory resumes its
// conversation instead of starting over.
package threadstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tetherlab/tether/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	work_dir   TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// ErrNotFound is returned when no thread is recorded for a directory.
var ErrNotFound = errors.New("no thread recorded")

// Entry is one recorded thread.
type Entry struct {
	WorkDir   string
	ThreadID  string
	UpdatedAt time.Time
}

// Store is a sqlite-backed thread registry.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the registry at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening thread store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing thread store: %w", err)
	}

	log.Debug(log.CatStore, "thread store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// OpenInMemory opens an ephemeral registry. Used by tests and by runs
// where no store path is configured.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: ":memory:"}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup returns the thread id recorded for workDir.
func (s *Store) Lookup(workDir string) (string, error) {
	var threadID string
	err := s.db.QueryRow(
		`SELECT thread_id FROM threads WHERE work_dir = ?`, workDir,
	).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up thread: %w", err)
	}
	return threadID, nil
}

// Record upserts the thread id for workDir, refreshing its timestamp.
func (s *Store) Record(workDir, threadID string) error {
	_, err := s.db.Exec(`
		INSERT INTO threads (work_dir, thread_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(work_dir) DO UPDATE SET
			thread_id = excluded.thread_id,
			updated_at = CURRENT_TIMESTAMP`,
		workDir, threadID)
	if err != nil {
		return fmt.Errorf("recording thread: %w", err)
	}
	log.Debug(log.CatStore, "thread recorded", "workDir", workDir, "threadId", threadID)
	return nil
}

// Forget removes the recorded thread for workDir. Forgetting an unknown
// directory is not an error.
func (s *Store) Forget(workDir string) error {
	if _, err := s.db.Exec(`DELETE FROM threads WHERE work_dir = ?`, workDir); err != nil {
		return fmt.Errorf("forgetting thread: %w", err)
	}
	return nil
}

// List returns all recorded threads, most recently used first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT work_dir, thread_id, updated_at FROM threads ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.WorkDir, &e.ThreadID, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
