// Package postgres is the PostgreSQL-backed implementation of the Task
// Engine's persistence contract, grounded on internal/platform/database's
// lib/pq connection helper and on the embedded-migrations shape the pack's
// whisper-darkly-sticky-dvr repo uses (backend/store/postgres/postgres.go),
// adapted here to golang-migrate's lib/pq-compatible postgres driver instead
// of pgx since that is the driver the rest of this tree already links.
package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending up-migrations against db. Safe to call more
// than once: ErrNoChange is treated as success.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("taskengine/postgres: iofs source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("taskengine/postgres: driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("taskengine/postgres: migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("taskengine/postgres: migrate up: %w", err)
	}
	return nil
}
