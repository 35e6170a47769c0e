package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/quantfolio/riskd/internal/domain"
)

func TestComputeGreeks_Stock(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	t.Run("long stock", func(t *testing.T) {
		p := position(domain.PositionLong, "10", "100")
		rec := computeGreeks(p, asOf)

		assert.True(t, rec.Delta.Equal(dec("1")), "got %s", rec.Delta)
		assert.True(t, rec.Gamma.IsZero())
		assert.True(t, rec.Theta.IsZero())
		// 10 shares * delta 1 * $100.
		assert.True(t, rec.DollarDelta.Equal(dec("1000")), "got %s", rec.DollarDelta)
	})

	t.Run("short stock flips sign", func(t *testing.T) {
		p := position(domain.PositionShort, "4", "100")
		rec := computeGreeks(p, asOf)

		assert.True(t, rec.Delta.Equal(dec("-1")))
		assert.True(t, rec.DollarDelta.Equal(dec("-400")), "got %s", rec.DollarDelta)
	})
}

func TestComputeGreeks_Options(t *testing.T) {
	asOf := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	expiry := asOf.AddDate(0, 3, 0)

	option := func(pt domain.PositionType, spot, strike string) domain.Position {
		p := position(pt, "2", spot)
		p.Multiplier = decimal.NewFromInt(100)
		p.Strike = dec(strike)
		p.Expiry = &expiry
		return p
	}

	t.Run("itm call delta approaches one", func(t *testing.T) {
		rec := computeGreeks(option(domain.PositionLongCall, "150", "100"), asOf)
		d, _ := rec.Delta.Float64()
		assert.Greater(t, d, 0.9)
		assert.LessOrEqual(t, d, 1.0)
	})

	t.Run("otm call delta approaches zero", func(t *testing.T) {
		rec := computeGreeks(option(domain.PositionLongCall, "60", "100"), asOf)
		d, _ := rec.Delta.Float64()
		assert.Less(t, d, 0.1)
		assert.GreaterOrEqual(t, d, 0.0)
	})

	t.Run("put delta is call delta minus one", func(t *testing.T) {
		call := computeGreeks(option(domain.PositionLongCall, "100", "100"), asOf)
		put := computeGreeks(option(domain.PositionLongPut, "100", "100"), asOf)
		c, _ := call.Delta.Float64()
		p, _ := put.Delta.Float64()
		assert.InDelta(t, c-1, p, 1e-3)
	})

	t.Run("short call flips greek signs", func(t *testing.T) {
		long := computeGreeks(option(domain.PositionLongCall, "110", "100"), asOf)
		short := computeGreeks(option(domain.PositionShortCall, "110", "100"), asOf)
		assert.True(t, short.Delta.Equal(long.Delta.Neg()))
		assert.True(t, short.Vega.Equal(long.Vega.Neg()))
		assert.True(t, short.DollarDelta.Equal(long.DollarDelta.Neg()))
	})

	t.Run("theta decays long options", func(t *testing.T) {
		rec := computeGreeks(option(domain.PositionLongCall, "100", "100"), asOf)
		assert.True(t, rec.Theta.IsNegative(), "got %s", rec.Theta)
	})

	t.Run("greeks carry 4dp scale", func(t *testing.T) {
		rec := computeGreeks(option(domain.PositionLongCall, "103", "100"), asOf)
		assert.LessOrEqual(t, int(-rec.Delta.Exponent()), domain.ScaleGreek)
		assert.LessOrEqual(t, int(-rec.Vega.Exponent()), domain.ScaleGreek)
		assert.LessOrEqual(t, int(-rec.DollarDelta.Exponent()), domain.ScaleCurrency)
	})
}
