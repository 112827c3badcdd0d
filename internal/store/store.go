// Package store provides the local SQLite database holding batches, items and
// inventory entries.
//
// The database is versioned through PRAGMA user_version. Opening an older
// database runs the additive migrations in migrations.go; before it does so it
// publishes a CloseRequest so other Store instances on the same file release
// their handle and reopen lazily on their next call.
//
// A database that cannot be opened or migrated for a structural reason is
// deleted and rebuilt, at most maxHealRetries times. After that Open returns
// ErrDatabase and the only recovery is a full local reset.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
)

const (
	driverName     = "sqlite3"
	maxHealRetries = 2
)

var (
	// ErrDatabase is the storage-fatal error returned once self-healing gives up.
	ErrDatabase = errors.NewStd("database error")
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.NewStd("store is closed")
)

// Store is the local database. It is safe for concurrent use.
type Store struct {
	path        string
	instanceID  string
	logger      *slog.Logger
	bus         Bus
	ownsBus     bool
	migrations  []migration
	unsubscribe func()

	mu       sync.RWMutex
	db       *sqlx.DB
	closed   bool
	releases int
}

// Option configures a Store
type Option func(*Store)

// WithBus sets the channel used to exchange close requests with sibling instances.
func WithBus(bus Bus) Option {
	return func(s *Store) {
		s.bus = bus
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func withMigrations(m []migration) Option {
	return func(s *Store) {
		s.migrations = m
	}
}

// Open opens (creating if needed) the database at path and brings its schema
// up to date.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:       path,
		instanceID: uuid.NewString(),
		logger:     slog.Default(),
		migrations: migrations,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bus == nil {
		fileBus, err := NewFileBus(path, s.logger)
		if err != nil {
			s.logger.Warn("Close-request watcher unavailable, upgrades will not notify other processes", "path", path, "err", err)
			s.bus = NewLocalBus()
		} else {
			s.bus = fileBus
		}
		s.ownsBus = true
	}

	if err := s.initialize(ctx); err != nil {
		if s.ownsBus {
			_ = s.bus.Close()
		}
		return nil, err
	}

	s.unsubscribe = s.bus.Subscribe(path, s.onCloseRequest)
	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion is the version this build migrates to.
func (s *Store) SchemaVersion() int {
	return len(s.migrations)
}

// Releases returns how many times the handle was released for another instance's upgrade.
func (s *Store) Releases() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releases
}

// initialize opens the database, healing it when needed. Callers hold s.mu
// or have exclusive access to s.
func (s *Store) initialize(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= maxHealRetries; attempt++ {
		db, err := s.openAndMigrate(ctx)
		if err == nil {
			s.db = db
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt == maxHealRetries {
			break
		}

		if isTransient(err) {
			s.logger.Warn("Store is busy, retrying", "path", s.path, "attempt", attempt+1, "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			}
			continue
		}

		s.logger.Warn("Store failed to initialize, rebuilding it from scratch", "path", s.path, "attempt", attempt+1, "err", err)
		if rmErr := Destroy(s.path); rmErr != nil {
			lastErr = errors.Join(err, rmErr)
			break
		}
	}

	return errors.New(fmt.Errorf("%w: %w", ErrDatabase, lastErr)).
		Component("store").
		Category(errors.CategoryDatabase).
		Priority(errors.PriorityCritical).
		Context("path", s.path).
		Build()
}

func (s *Store) openAndMigrate(ctx context.Context) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open(driverName, dsn(s.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	version, err := schemaVersion(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	target := len(s.migrations)
	if version < target {
		if version > 0 {
			req := CloseRequest{
				Path:        s.path,
				From:        s.instanceID,
				FromVersion: version,
				ToVersion:   target,
				At:          time.Now().UTC(),
			}
			if err := s.bus.Publish(req); err != nil {
				s.logger.Warn("Failed to publish close request", "path", s.path, "err", err)
			}
		}
		if err := s.migrate(ctx, db, version); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=foreign_keys(on)" +
		"&_txlock=immediate"
}

func isTransient(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.BUSY, sqlite3.LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// onCloseRequest releases the handle when another instance upgrades the file.
func (s *Store) onCloseRequest(req CloseRequest) {
	if req.From == s.instanceID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return
	}

	s.logger.Info("Releasing store handle for schema upgrade", "path", s.path, "from_version", req.FromVersion, "to_version", req.ToVersion)
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Failed to close released handle", "path", s.path, "err", err)
	}
	s.db = nil
	s.releases++
}

// withDB runs fn with the live handle, reopening it if it was released.
func (s *Store) withDB(ctx context.Context, fn func(db *sqlx.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if s.db == nil {
		s.mu.RUnlock()
		if err := s.reopen(ctx); err != nil {
			return err
		}
		s.mu.RLock()
		if s.db == nil {
			s.mu.RUnlock()
			return ErrClosed
		}
	}
	defer s.mu.RUnlock()
	return fn(s.db)
}

func (s *Store) reopen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}
	s.logger.Info("Reopening store", "path", s.path)
	return s.initialize(ctx)
}

// Reset deletes every local record by rebuilding the database file.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	if err := Destroy(s.path); err != nil {
		return fmt.Errorf("failed to remove database: %w", err)
	}
	s.logger.Warn("Local store reset", "path", s.path)
	return s.initialize(ctx)
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.db
	s.db = nil
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	// bus callbacks take s.mu, so the bus is shut down without holding it
	if unsubscribe != nil {
		unsubscribe()
	}

	var err error
	if db != nil {
		if _, cerr := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
			s.logger.Debug("WAL checkpoint failed", "err", cerr)
		}
		err = db.Close()
	}
	if s.ownsBus {
		if berr := s.bus.Close(); berr != nil && err == nil {
			err = berr
		}
	}
	return err
}

// Destroy removes the database file and its WAL companions.
func Destroy(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func notFound(kind string, key any) error {
	return errors.Newf("%s %v not found", kind, key).
		Component("store").
		Category(errors.CategoryNotFound).
		Build()
}
