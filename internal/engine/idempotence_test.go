package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

// The keyed fakes store rows under their natural key, the same key the
// SQL layer upserts on, so a duplicate insert shows up as an unchanged
// row count.

type keyedGreeksRepo struct {
	rows map[string]persistence.GreeksRecord
}

func (r *keyedGreeksRepo) Upsert(_ context.Context, records []persistence.GreeksRecord) error {
	for _, rec := range records {
		key := rec.PositionID.String() + "|" + rec.CalculationDate.Format("2006-01-02")
		r.rows[key] = rec
	}
	return nil
}

func (r *keyedGreeksRepo) ListByPortfolio(context.Context, uuid.UUID, time.Time) ([]persistence.GreeksRecord, error) {
	return nil, nil
}

type keyedSnapshotRepo struct {
	rows map[string]persistence.PortfolioSnapshot
}

func (r *keyedSnapshotRepo) Upsert(_ context.Context, snap *persistence.PortfolioSnapshot) error {
	key := snap.PortfolioID.String() + "|" + snap.CalculationDate.Format("2006-01-02")
	r.rows[key] = *snap
	return nil
}

func (r *keyedSnapshotRepo) Latest(context.Context, uuid.UUID, time.Time) (*persistence.PortfolioSnapshot, error) {
	return nil, persistence.ErrNotFound
}

type staticPositionRepo struct {
	positions []domain.Position
}

func (r *staticPositionRepo) GetPortfolio(context.Context, uuid.UUID) (*domain.Portfolio, error) {
	return nil, persistence.ErrNotFound
}

func (r *staticPositionRepo) ListPortfolios(context.Context) ([]domain.Portfolio, error) {
	return nil, nil
}

func (r *staticPositionRepo) ListActivePositions(context.Context, uuid.UUID) ([]domain.Position, error) {
	return r.positions, nil
}

func (r *staticPositionRepo) UpdateLastPrice(context.Context, uuid.UUID, decimal.Decimal) error {
	return nil
}

func TestGreeksEngine_RerunKeepsOneRowPerPositionDate(t *testing.T) {
	greeks := &keyedGreeksRepo{rows: make(map[string]persistence.GreeksRecord)}
	positions := &staticPositionRepo{positions: []domain.Position{
		position(domain.PositionLong, "10", "100"),
		position(domain.PositionShort, "4", "50"),
	}}
	eng := NewGreeksEngine(Deps{Positions: positions, Greeks: greeks, Logger: zerolog.Nop()})

	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	portfolioID := uuid.New()

	for i := 0; i < 2; i++ {
		res, err := eng.Run(context.Background(), portfolioID, asOf)
		require.NoError(t, err)
		assert.Equal(t, 2, res.RecordsProcessed)
	}
	assert.Len(t, greeks.rows, 2, "re-running the same date must overwrite, not duplicate")

	// A different date is a different key.
	_, err := eng.Run(context.Background(), portfolioID, asOf.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, greeks.rows, 4)
}

func TestSnapshotEngine_RerunKeepsOneRowPerPortfolioDate(t *testing.T) {
	snaps := &keyedSnapshotRepo{rows: make(map[string]persistence.PortfolioSnapshot)}
	positions := &staticPositionRepo{positions: []domain.Position{
		position(domain.PositionLong, "10", "100"),
	}}
	eng := NewSnapshotEngine(Deps{Positions: positions, Snapshots: snaps, Logger: zerolog.Nop()})

	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	portfolioID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := eng.Run(context.Background(), portfolioID, asOf)
		require.NoError(t, err)
	}
	require.Len(t, snaps.rows, 1, "re-running the same date must overwrite, not duplicate")

	for _, snap := range snaps.rows {
		assert.True(t, snap.GrossExposure.Equal(dec("1000")))
	}
}
