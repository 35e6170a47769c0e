// Package postgres implements the persistence interfaces on PostgreSQL via
// sqlx. Every call applies a per-operation timeout; JSON payloads are stored
// as JSONB; duplicate-key violations map to persistence.ErrDuplicate.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"

	"github.com/quantfolio/riskd/internal/persistence"
)

const uniqueViolation = "23505"

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// mapError translates driver errors into repo sentinel errors.
func mapError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", persistence.ErrDuplicate, pqErr.Constraint)
	}
	return err
}
