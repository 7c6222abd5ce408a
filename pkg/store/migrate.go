package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// migrate brings the schema up to the latest embedded version. The
// migrate instance is not closed: closing it would close s.db.
func (s *SQLStore) migrate() error {
	var (
		driver database.Driver
		dir    string
		err    error
	)
	switch s.dialect.name {
	case sqliteDialect.name:
		dir = "migrations/sqlite"
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	case postgresDialect.name:
		dir = "migrations/postgres"
		driver, err = postgres.WithInstance(s.db, &postgres.Config{})
	default:
		return fmt.Errorf("no migrations for dialect %q", s.dialect.name)
	}
	if err != nil {
		return fmt.Errorf("could not create %s migration driver: %w", s.dialect.name, err)
	}

	src, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("could not read embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.name, driver)
	if err != nil {
		return fmt.Errorf("migration instance creation failed: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
