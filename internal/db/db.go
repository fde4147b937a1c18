// Package db wires the Postgres connection pool that backs the Queue Store,
// Progress Recorder, Completion Handler, and Deck store.
package db

import (
	"context"
	"embed"
	"fmt"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/halbzeit/reviewqueue/internal/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Connect opens a sqlx pool over pgx's stdlib driver and applies pool sizing
// from config. pgx is used as the driver rather than lib/pq so pool
// management stays in one place (database/sql) without pulling in pgxpool's
// separate connection-string parsing.
func Connect(cfg config.PostgresConfig) (*sqlx.DB, error) {
	sqlDB, err := sqlx.Connect("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return sqlDB, nil
}

// Migrate applies every embedded migration in lexical filename order inside
// a single transaction per file. Migrations are idempotent (IF NOT EXISTS)
// since there is no migration-version bookkeeping table yet.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("db: read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		contents, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("db: read migration %s: %w", name, err)
		}

		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("db: begin migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			tx.Rollback()
			return fmt.Errorf("db: apply migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("db: commit migration %s: %w", name, err)
		}
	}

	return nil
}
