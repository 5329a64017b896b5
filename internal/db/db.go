// Package db is the PostgreSQL persistence layer for sandbox records and
// chat history. Schema changes ship as embedded SQL files applied at startup.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"sort"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB is a live PostgreSQL handle with the agentbox schema applied.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and brings the
// schema up to date before returning the handle.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := &DB{DB: sqlDB}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// A migration is one embedded schema step, keyed by file name. Names sort
// lexicographically, so files carry a zero-padded numeric prefix.
type migration struct {
	Name string
	SQL  string
}

// loadMigrations reads every embedded migration in apply order.
func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	steps := make([]migration, 0, len(entries))
	for _, entry := range entries {
		content, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		steps = append(steps, migration{Name: entry.Name(), SQL: string(content)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Name < steps[j].Name })
	return steps, nil
}

// migrate applies any embedded migrations the database has not seen yet.
// Each step runs in its own transaction together with the row that records
// it, so a failed step leaves no partial schema behind.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	steps, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, step := range steps {
		if applied[step.Name] {
			continue
		}
		if err := db.applyMigration(ctx, step); err != nil {
			return err
		}
		log.Printf("Applied migration %s", step.Name)
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, step migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", step.Name, err)
	}
	if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", step.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", step.Name); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", step.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", step.Name, err)
	}
	return nil
}
