package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hostkit/hostkit/pkg/log"
)

const (
	// busyRetries bounds how many times a write transaction is retried
	// when another hostkit process holds the write lock.
	busyRetries = 10

	// busyPause is the delay between write-lock retries.
	busyPause = 250 * time.Millisecond
)

// Store is the process-wide relational record of every hostkit entity.
// Multiple hostkit processes may open the same file concurrently; sqlite's
// file locking plus the bounded busy policy serializes writers.
type Store struct {
	db     *sqlx.DB
	path   string
	logger zerolog.Logger
}

// Open opens (creating if needed) the metadata store at path and applies
// pending schema migrations. A migration failure is fatal to the caller:
// no command may run against a half-migrated store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// sqlite allows one writer; a single pooled connection avoids
	// in-process lock contention entirely.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: log.WithComponent("store"),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction runs fn with exclusive write access. Every write inside fn
// commits atomically or not at all. Busy errors from concurrent processes
// are retried a bounded number of times before surfacing.
func (s *Store) Transaction(fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		tx, err := s.db.Beginx()
		if err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(busyPause)
				continue
			}
			return err
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				time.Sleep(busyPause)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(busyPause)
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("store busy after %d attempts: %w", busyRetries, lastErr)
}

// View runs fn against a read-only snapshot of the store.
func (s *Store) View(fn func(db *sqlx.DB) error) error {
	return fn(s.db)
}

// DB exposes the handle for read queries. Mutations must go through
// Transaction so event emission stays atomic with them.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
