package repository

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationStatus is the schema version after a migration run.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func newMigrate(connString, dir string) (*migrate.Migrate, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations dir: %w", err)
	}
	m, err := migrate.New("file://"+filepath.ToSlash(abs), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m, nil
}

// MigrateUp applies every pending migration in dir.
func MigrateUp(connString, dir string) (MigrationStatus, error) {
	return runMigration(connString, dir, (*migrate.Migrate).Up)
}

// MigrateDown rolls back steps migrations.
func MigrateDown(connString, dir string, steps int) (MigrationStatus, error) {
	if steps <= 0 {
		steps = 1
	}
	return runMigration(connString, dir, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func runMigration(connString, dir string, run func(*migrate.Migrate) error) (MigrationStatus, error) {
	m, err := newMigrate(connString, dir)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()

	if err := run(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationStatus{}, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}
