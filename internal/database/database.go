// Package database manages the PostgreSQL connection pool and schema
// migrations for sitebrain.
//
// Migrations are embedded in the binary and applied on startup via
// golang-migrate; the schema requires the pgvector extension for the local
// vector backend.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// requiredTables are the tables the health check treats as critical.
// A missing table means the schema migrations have not run.
var requiredTables = []string{
	"documents",
	"chunks",
	"embeddings",
	"conversations",
	"messages",
	"chatbots",
	"content_relationships",
	"ingest_queue",
	"app_state",
}

// Connect opens a pgx connection pool and verifies connectivity.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Migrate applies all pending schema migrations against the database at
// connString. It opens its own short-lived database/sql connection because
// golang-migrate drives a *sql.DB, not a pgx pool.
func Migrate(connString string) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// CheckSchema verifies that every required table exists. A missing table is
// fatal: the caller should refuse to serve traffic (health status
// "critical").
func CheckSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const query = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	)`

	var missing []string
	for _, table := range requiredTables {
		var exists bool
		if err := pool.QueryRow(ctx, query, table).Scan(&exists); err != nil {
			return fmt.Errorf("checking table %q: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tables: %v (run migrations)", missing)
	}
	return nil
}
