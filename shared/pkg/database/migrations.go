package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const createSchemaHistory = `
	CREATE TABLE IF NOT EXISTS schema_history (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// Migrate applies the migrations that have not been recorded in
// schema_history yet. Migration i has version i+1 and runs in its own
// transaction together with its history row.
func Migrate(ctx context.Context, db *DB, migrations []string) (int, error) {
	if _, err := db.ExecContext(ctx, createSchemaHistory); err != nil {
		return 0, fmt.Errorf("failed to create schema_history: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_history`).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for i := current; i < len(migrations); i++ {
		version := i + 1
		start := time.Now()

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_history (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		applied++
		db.logger.WithFields(logrus.Fields{
			"version":     version,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Applied migration")
	}

	db.logger.WithFields(logrus.Fields{
		"applied": applied,
		"version": current + applied,
	}).Info("Database schema up to date")
	return applied, nil
}
