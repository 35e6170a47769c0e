package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

// positionRepo implements persistence.PositionRepo for PostgreSQL. The
// deleted_at filter lives here so no caller can forget it.
type positionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionRepo creates a PostgreSQL position repository.
func NewPositionRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionRepo {
	return &positionRepo{db: db, timeout: timeout}
}

// GetPortfolio fetches portfolio identity.
func (r *positionRepo) GetPortfolio(ctx context.Context, id uuid.UUID) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var p domain.Portfolio
	err := r.db.QueryRowxContext(ctx,
		`SELECT id, name, currency, created_at FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Currency, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return &p, nil
}

// ListPortfolios returns all portfolios for pipeline fan-out.
func (r *positionRepo) ListPortfolios(ctx context.Context) ([]domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, name, currency, created_at FROM portfolios ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var portfolios []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.Currency, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		portfolios = append(portfolios, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio rows: %w", err)
	}
	return portfolios, nil
}

// ListActivePositions returns non-deleted positions for a portfolio. This
// is the single accessor that applies the soft-delete filter.
func (r *positionRepo) ListActivePositions(ctx context.Context, portfolioID uuid.UUID) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, portfolio_id, symbol, position_type, quantity, entry_price,
		       last_price, multiplier, strike, expiry, deleted_at, created_at
		FROM positions
		WHERE portfolio_id = $1 AND deleted_at IS NULL
		ORDER BY symbol`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var typeRaw string
		err := rows.Scan(
			&p.ID, &p.PortfolioID, &p.Symbol, &typeRaw, &p.Quantity,
			&p.EntryPrice, &p.LastPrice, &p.Multiplier, &p.Strike,
			&p.Expiry, &p.DeletedAt, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		ptype, err := domain.ParsePositionType(typeRaw)
		if err != nil {
			return nil, err
		}
		p.PositionType = ptype
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// UpdateLastPrice refreshes a position's last traded price.
func (r *positionRepo) UpdateLastPrice(ctx context.Context, positionID uuid.UUID, price decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE positions SET last_price = $2 WHERE id = $1 AND deleted_at IS NULL`,
		positionID, price)
	if err != nil {
		return fmt.Errorf("failed to update last price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
