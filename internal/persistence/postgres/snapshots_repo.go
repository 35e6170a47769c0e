package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfolio/riskd/internal/persistence"
)

// snapshotRepo implements persistence.SnapshotRepo for PostgreSQL.
type snapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotRepo creates a PostgreSQL snapshot repository.
func NewSnapshotRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotRepo {
	return &snapshotRepo{db: db, timeout: timeout}
}

// Upsert writes a snapshot keyed by (portfolio_id, calculation_date).
func (r *snapshotRepo) Upsert(ctx context.Context, snap *persistence.PortfolioSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO portfolio_snapshots
			(id, portfolio_id, calculation_date, total_value, long_exposure,
			 short_exposure, gross_exposure, net_exposure, position_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (portfolio_id, calculation_date) DO UPDATE SET
			total_value = EXCLUDED.total_value,
			long_exposure = EXCLUDED.long_exposure,
			short_exposure = EXCLUDED.short_exposure,
			gross_exposure = EXCLUDED.gross_exposure,
			net_exposure = EXCLUDED.net_exposure,
			position_count = EXCLUDED.position_count
		RETURNING created_at`

	err := r.db.QueryRowxContext(ctx, query,
		snap.ID, snap.PortfolioID, snap.CalculationDate, snap.TotalValue,
		snap.LongExposure, snap.ShortExposure, snap.GrossExposure,
		snap.NetExposure, snap.PositionCount).
		Scan(&snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", mapError(err))
	}
	return nil
}

// Latest returns the most recent snapshot dated on or before asOf.
func (r *snapshotRepo) Latest(ctx context.Context, portfolioID uuid.UUID, asOf time.Time) (*persistence.PortfolioSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, portfolio_id, calculation_date, total_value, long_exposure,
		       short_exposure, gross_exposure, net_exposure, position_count, created_at
		FROM portfolio_snapshots
		WHERE portfolio_id = $1 AND calculation_date <= $2
		ORDER BY calculation_date DESC
		LIMIT 1`

	var snap persistence.PortfolioSnapshot
	err := r.db.QueryRowxContext(ctx, query, portfolioID, asOf).Scan(
		&snap.ID, &snap.PortfolioID, &snap.CalculationDate, &snap.TotalValue,
		&snap.LongExposure, &snap.ShortExposure, &snap.GrossExposure,
		&snap.NetExposure, &snap.PositionCount, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &snap, nil
}
