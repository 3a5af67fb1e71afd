// Package store implements hive's embedded Knowledge Store (spec component
// C1): a single SQLite-compatible file holding every conversation, pipeline
// stage output, curator truth, and memory artifact. Grounded on the
// teacher's internal/store/local_core.go for connection setup (WAL,
// synchronous=NORMAL, busy_timeout, sqlite-vec detection) and
// internal/store/migrations.go for the schema-versioning idiom, generalized
// here to proper up/down migrations instead of additive-only ALTERs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"hive/internal/errs"
	"hive/internal/logging"
)

// Store is the embedded Knowledge Store. One process holds one Store for the
// lifetime of the CLI invocation or daemon.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	vecExt bool
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas for crash-safe concurrent access, and runs any pending migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("opening knowledge store at %s", path)

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.Wrap(errs.KindStorageError, "create store directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "open sqlite database", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL for our
	// low-concurrency, mostly-append workload.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed %q: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindFatalStorage, "run migrations", err)
	}

	s.vecExt = detectVecExtension(db)
	if s.vecExt {
		logging.Store("sqlite-vec extension detected; semantic search enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension unavailable; semantic search falls back to FTS only")
	}

	logging.Store("knowledge store ready (schema v%d)", CurrentSchemaVersion)
	return s, nil
}

// detectVecExtension probes for sqlite-vec's vec_version() function. Modeled
// on the teacher's detectVecExtension probe in local_core.go.
func detectVecExtension(db *sql.DB) bool {
	var version string
	err := db.QueryRow("SELECT vec_version()").Scan(&version)
	return err == nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.Store("closing knowledge store")
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the on-disk path of the store.
func (s *Store) Path() string { return s.path }

// HasVectorSearch reports whether sqlite-vec is available for embedding
// similarity search.
func (s *Store) HasVectorSearch() bool { return s.vecExt }
