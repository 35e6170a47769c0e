package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/riskd/internal/domain"
	"github.com/quantfolio/riskd/internal/persistence"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func position(pt domain.PositionType, qty, price string) domain.Position {
	return domain.Position{
		ID:           uuid.New(),
		PositionType: pt,
		Quantity:     dec(qty),
		LastPrice:    dec(price),
		Multiplier:   decimal.NewFromInt(1),
	}
}

func TestAggregateExposures_SignedDollarSum(t *testing.T) {
	// A $1000 long with beta 0.5 and a $400 short with beta 1.2 net to a
	// dollar exposure of 1000*0.5 + (-400)*1.2 = 20.
	long := position(domain.PositionLong, "10", "100")  // mv 1000
	short := position(domain.PositionShort, "4", "100") // mv 400, signed -400

	factor := domain.Factor{ID: uuid.New(), Name: "market"}
	betas := map[uuid.UUID]map[uuid.UUID]decimal.Decimal{
		long.ID:  {factor.ID: dec("0.5")},
		short.ID: {factor.ID: dec("1.2")},
	}

	rows := AggregateExposures(uuid.New(), time.Now(),
		[]domain.Position{long, short}, []domain.Factor{factor}, betas)
	require.Len(t, rows, 1)

	assert.True(t, rows[0].DollarExposure.Equal(dec("20")),
		"got %s", rows[0].DollarExposure)

	// Portfolio beta weights by unsigned market value:
	// (1000*0.5 + 400*1.2) / 1400 = 0.7
	assert.True(t, rows[0].Beta.Equal(dec("0.7")), "got %s", rows[0].Beta)
}

func TestAggregateExposures_NotBetaTimesGross(t *testing.T) {
	long := position(domain.PositionLong, "10", "100")
	short := position(domain.PositionShort, "4", "100")
	factor := domain.Factor{ID: uuid.New(), Name: "market"}
	betas := map[uuid.UUID]map[uuid.UUID]decimal.Decimal{
		long.ID:  {factor.ID: dec("0.5")},
		short.ID: {factor.ID: dec("1.2")},
	}

	rows := AggregateExposures(uuid.New(), time.Now(),
		[]domain.Position{long, short}, []domain.Factor{factor}, betas)
	require.Len(t, rows, 1)

	gross := dec("1400")
	betaTimesGross := rows[0].Beta.Mul(gross)
	assert.False(t, rows[0].DollarExposure.Equal(betaTimesGross),
		"dollar exposure must be the signed contribution sum, not beta*gross")
}

func TestAggregateExposures_MissingBetaSkipsPosition(t *testing.T) {
	long := position(domain.PositionLong, "10", "100")
	unpriced := position(domain.PositionLong, "5", "200")
	factor := domain.Factor{ID: uuid.New(), Name: "market"}
	betas := map[uuid.UUID]map[uuid.UUID]decimal.Decimal{
		long.ID: {factor.ID: dec("1")},
	}

	rows := AggregateExposures(uuid.New(), time.Now(),
		[]domain.Position{long, unpriced}, []domain.Factor{factor}, betas)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].DollarExposure.Equal(dec("1000")))
}

func TestAggregateExposures_EmptyPortfolio(t *testing.T) {
	factor := domain.Factor{ID: uuid.New(), Name: "market"}
	rows := AggregateExposures(uuid.New(), time.Now(), nil, []domain.Factor{factor}, nil)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Beta.IsZero())
	assert.True(t, rows[0].DollarExposure.IsZero())
}

func TestRegressBeta(t *testing.T) {
	day := func(i int) time.Time {
		return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}

	t.Run("perfectly correlated at 2x", func(t *testing.T) {
		factor := map[time.Time]float64{}
		pos := map[time.Time]float64{}
		moves := []float64{0.01, -0.02, 0.015, 0.005, -0.01}
		for i, m := range moves {
			factor[day(i)] = m
			pos[day(i)] = 2 * m
		}
		beta, n := regressBeta(pos, factor)
		assert.Equal(t, 5, n)
		assert.InDelta(t, 2.0, beta, 1e-9)
	})

	t.Run("only overlapping dates count", func(t *testing.T) {
		factor := map[time.Time]float64{day(0): 0.01, day(1): 0.02, day(9): 0.05}
		pos := map[time.Time]float64{day(0): 0.01, day(1): 0.02}
		_, n := regressBeta(pos, factor)
		assert.Equal(t, 2, n)
	})

	t.Run("insufficient overlap yields zero", func(t *testing.T) {
		factor := map[time.Time]float64{day(0): 0.01}
		pos := map[time.Time]float64{day(0): 0.03}
		beta, n := regressBeta(pos, factor)
		assert.Equal(t, 1, n)
		assert.Zero(t, beta)
	})

	t.Run("flat factor yields zero", func(t *testing.T) {
		factor := map[time.Time]float64{day(0): 0, day(1): 0, day(2): 0}
		pos := map[time.Time]float64{day(0): 0.01, day(1): -0.01, day(2): 0.02}
		beta, _ := regressBeta(pos, factor)
		assert.Zero(t, beta)
	})
}

func TestDailyReturns(t *testing.T) {
	date := func(i int) time.Time {
		return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	recs := []persistence.PriceRecord{
		{Symbol: "AAPL", PriceDate: date(0), Close: dec("100")},
		{Symbol: "AAPL", PriceDate: date(1), Close: dec("110")},
		{Symbol: "AAPL", PriceDate: date(2), Close: dec("99")},
	}

	returns := dailyReturns(recs)
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[date(1)], 1e-9)
	assert.InDelta(t, -0.10, returns[date(2)], 1e-9)
}
