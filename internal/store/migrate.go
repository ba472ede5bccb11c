package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending up migrations.
func (s *Store) Migrate(ctx context.Context) error {
	m, closeSrc, err := s.migrator()
	if err != nil {
		return err
	}
	defer closeSrc()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	s.logger.Debug("schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return ctx.Err()
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, closeSrc, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	defer closeSrc()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrator builds a migrate instance over the shared handle. The returned
// cleanup closes only the source driver: closing the migrate instance would
// also close s.db.
func (s *Store) migrator() (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, func() { _ = src.Close() }, nil
}
