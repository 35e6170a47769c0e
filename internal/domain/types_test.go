package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobCompletedWithWarnings, JobFailed, JobCancelled}

	t.Run("queued may run or cancel", func(t *testing.T) {
		assert.True(t, JobQueued.CanTransitionTo(JobRunning))
		assert.True(t, JobQueued.CanTransitionTo(JobCancelled))
		assert.False(t, JobQueued.CanTransitionTo(JobCompleted))
		assert.False(t, JobQueued.CanTransitionTo(JobFailed))
	})

	t.Run("running may reach any terminal", func(t *testing.T) {
		for _, next := range terminal {
			assert.True(t, JobRunning.CanTransitionTo(next), "running -> %s", next)
		}
		assert.False(t, JobRunning.CanTransitionTo(JobQueued))
	})

	t.Run("terminal states are frozen", func(t *testing.T) {
		for _, s := range terminal {
			assert.True(t, s.Terminal())
			for _, next := range []JobStatus{JobQueued, JobRunning, JobCompleted, JobFailed} {
				assert.False(t, s.CanTransitionTo(next), "%s -> %s", s, next)
			}
		}
	})
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus("completed_with_warnings")
	require.NoError(t, err)
	assert.Equal(t, JobCompletedWithWarnings, s)

	_, err = ParseJobStatus("exploded")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestParsePositionType(t *testing.T) {
	for _, valid := range []string{"LONG", "SHORT", "LC", "LP", "SC", "SP"} {
		_, err := ParsePositionType(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParsePositionType("long")
	assert.Error(t, err)
}

func TestPositionTypePredicates(t *testing.T) {
	assert.False(t, PositionLong.Short())
	assert.True(t, PositionShort.Short())
	assert.True(t, PositionShortPut.Short())
	assert.False(t, PositionLong.Option())
	assert.True(t, PositionLongCall.Option())
}

func TestMarketValue(t *testing.T) {
	tests := []struct {
		name   string
		pos    Position
		market string
		signed string
	}{
		{
			name: "long equity",
			pos: Position{
				PositionType: PositionLong,
				Quantity:     decimal.NewFromInt(10),
				LastPrice:    decimal.NewFromInt(100),
				Multiplier:   decimal.NewFromInt(1),
			},
			market: "1000",
			signed: "1000",
		},
		{
			name: "short equity negative signed",
			pos: Position{
				PositionType: PositionShort,
				Quantity:     decimal.NewFromInt(4),
				LastPrice:    decimal.NewFromInt(100),
				Multiplier:   decimal.NewFromInt(1),
			},
			market: "400",
			signed: "-400",
		},
		{
			name: "option defaults multiplier to 100",
			pos: Position{
				PositionType: PositionLongCall,
				Quantity:     decimal.NewFromInt(2),
				LastPrice:    decimal.RequireFromString("3.50"),
			},
			market: "700",
			signed: "700",
		},
		{
			name: "negative quantity treated as magnitude",
			pos: Position{
				PositionType: PositionShort,
				Quantity:     decimal.NewFromInt(-4),
				LastPrice:    decimal.NewFromInt(100),
				Multiplier:   decimal.NewFromInt(1),
			},
			market: "400",
			signed: "-400",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.pos.MarketValue().Equal(decimal.RequireFromString(tt.market)),
				"market value: got %s", tt.pos.MarketValue())
			assert.True(t, tt.pos.SignedMarketValue().Equal(decimal.RequireFromString(tt.signed)),
				"signed: got %s", tt.pos.SignedMarketValue())
		})
	}
}

func TestMarketValueRoundsToCurrencyScale(t *testing.T) {
	p := Position{
		PositionType: PositionLong,
		Quantity:     decimal.RequireFromString("3.333"),
		LastPrice:    decimal.RequireFromString("10.01"),
		Multiplier:   decimal.NewFromInt(1),
	}
	assert.Equal(t, int32(-ScaleCurrency), p.MarketValue().Exponent())
}
