package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfolio/riskd/internal/persistence"
)

// marketDataRepo implements persistence.MarketDataRepo for PostgreSQL.
type marketDataRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMarketDataRepo creates a PostgreSQL market data repository.
func NewMarketDataRepo(db *sqlx.DB, timeout time.Duration) persistence.MarketDataRepo {
	return &marketDataRepo{db: db, timeout: timeout}
}

// UpsertPrices writes price records in one transaction, overwriting
// same-dated rows so re-runs never duplicate.
func (r *marketDataRepo) UpsertPrices(ctx context.Context, records []persistence.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data_cache (symbol, price_date, close, provider, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, price_date) DO UPDATE SET
			close = EXCLUDED.close,
			provider = EXCLUDED.provider,
			fetched_at = EXCLUDED.fetched_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare price upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Symbol, rec.PriceDate, rec.Close, rec.Provider, rec.FetchedAt); err != nil {
			return fmt.Errorf("failed to upsert price for %s: %w", rec.Symbol, mapError(err))
		}
	}
	return tx.Commit()
}

// LatestPrices returns the most recent price per symbol dated on or before
// asOf. Symbols without any price are absent from the map.
func (r *marketDataRepo) LatestPrices(ctx context.Context, symbols []string, asOf time.Time) (map[string]persistence.PriceRecord, error) {
	if len(symbols) == 0 {
		return map[string]persistence.PriceRecord{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (symbol)
		       symbol, price_date, close, provider, fetched_at
		FROM market_data_cache
		WHERE symbol = ANY($1) AND price_date <= $2
		ORDER BY symbol, price_date DESC`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(symbols), asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]persistence.PriceRecord, len(symbols))
	for rows.Next() {
		var rec persistence.PriceRecord
		if err := rows.Scan(&rec.Symbol, &rec.PriceDate, &rec.Close, &rec.Provider, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price record: %w", err)
		}
		prices[rec.Symbol] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price rows: %w", err)
	}
	return prices, nil
}

// PriceHistory returns prices per symbol within [from, to], ascending by
// date, for return-series regression.
func (r *marketDataRepo) PriceHistory(ctx context.Context, symbols []string, from, to time.Time) (map[string][]persistence.PriceRecord, error) {
	if len(symbols) == 0 {
		return map[string][]persistence.PriceRecord{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, price_date, close, provider, fetched_at
		FROM market_data_cache
		WHERE symbol = ANY($1) AND price_date >= $2 AND price_date <= $3
		ORDER BY symbol, price_date ASC`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(symbols), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	history := make(map[string][]persistence.PriceRecord, len(symbols))
	for rows.Next() {
		var rec persistence.PriceRecord
		if err := rows.Scan(&rec.Symbol, &rec.PriceDate, &rec.Close, &rec.Provider, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price record: %w", err)
		}
		history[rec.Symbol] = append(history[rec.Symbol], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price history rows: %w", err)
	}
	return history, nil
}
