package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/radarhub/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateUp brings the schema to the newest embedded migration. Being
// current already is not an error.
func (s *Store) MigrateUp() error {
	return s.migrate("up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown reverts one migration.
func (s *Store) MigrateDown() error {
	return s.migrate("down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// MigrateVersion reports the applied schema version; 0 on a fresh file.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (s *Store) migrate(direction string, step func(*migrate.Migrate) error) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	// m.Close would close s.db as well, so the instance is dropped instead
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}
	return nil
}

func (s *Store) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLog{}
	return m, nil
}

type migrateLog struct{}

func (migrateLog) Printf(format string, v ...interface{}) {
	monitoring.Debugf("[migrate] "+format, v...)
}

func (migrateLog) Verbose() bool { return false }
