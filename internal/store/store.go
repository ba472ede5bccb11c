// Package store opens the SQLite database that backs orchestration state
// and applies the embedded schema migrations.
//
// The database holds tasks, memory records, approvals, project artifacts,
// phase transitions and context snapshots. Each domain package (queue,
// approval, scribe, memory, orchestrator) owns its own queries against the
// shared *sql.DB; this package only manages the connection and schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// Config controls how the database is opened.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Store owns the database handle.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the database at cfg.Path and migrates it to the
// latest schema version.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("store path required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("store opened", zap.String("path", cfg.Path))
	return s, nil
}

// dsn builds a modernc DSN. Pragmas given as _pragma parameters apply to
// every pooled connection, not only the first. _txlock=immediate makes write
// transactions take the reserved lock up front so concurrent upserts queue
// on busy_timeout instead of failing with SQLITE_BUSY at commit.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RetryOnBusy retries fn while SQLite reports BUSY or LOCKED, with bounded
// exponential backoff on top of the driver's busy_timeout.
func RetryOnBusy(ctx context.Context, maxRetries int, fn func() error) error {
	const (
		baseDelay = 25 * time.Millisecond
		maxDelay  = 400 * time.Millisecond
	)

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil || !IsBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay/2 + rand.N(delay/2+1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// IsBusy reports whether err is a SQLite BUSY or LOCKED error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// IsConstraint reports whether err is a constraint or trigger abort.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// Now returns the timestamp representation used in every table.
func Now() int64 {
	return time.Now().UTC().UnixNano()
}

// Time converts a stored timestamp back to time.Time.
func Time(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// NullTime converts a nullable stored timestamp.
func NullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := Time(v.Int64)
	return &t
}
