package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/riskd/internal/persistence"
)

func scenario(id string, shockConfig map[string]interface{}) persistence.StressTestScenario {
	return persistence.StressTestScenario{
		ScenarioID:  id,
		Name:        id,
		Category:    "historical",
		Severity:    "severe",
		ShockConfig: shockConfig,
		Active:      true,
		Version:     1,
	}
}

func TestEvaluateScenario_DirectOnly(t *testing.T) {
	exposures := map[string]decimal.Decimal{
		"market": dec("1000"),
		"growth": dec("500"),
	}
	s := scenario("market_crash", map[string]interface{}{
		"shocks": map[string]interface{}{"market": -0.25},
	})

	res, err := evaluateScenario(uuid.New(), s, time.Now(), exposures)
	require.NoError(t, err)

	assert.True(t, res.DirectPnL.Equal(dec("-250")), "got %s", res.DirectPnL)
	assert.True(t, res.CorrelatedPnL.Equal(dec("-250")))
	assert.True(t, res.CorrelationEffect.IsZero())
	assert.True(t, res.FactorImpacts["market"].Equal(dec("-250")))
}

func TestEvaluateScenario_CorrelationPropagation(t *testing.T) {
	exposures := map[string]decimal.Decimal{
		"market": dec("1000"),
		"growth": dec("400"),
	}
	s := scenario("market_crash", map[string]interface{}{
		"shocks":       map[string]interface{}{"market": -0.25},
		"correlations": map[string]interface{}{"growth": map[string]interface{}{"market": 0.9}},
	})

	res, err := evaluateScenario(uuid.New(), s, time.Now(), exposures)
	require.NoError(t, err)

	// Direct: 1000 * -0.25 = -250.
	// Propagated to growth: 400 * (-0.25 * 0.9) = -90.
	assert.True(t, res.DirectPnL.Equal(dec("-250")), "got %s", res.DirectPnL)
	assert.True(t, res.CorrelatedPnL.Equal(dec("-340")), "got %s", res.CorrelatedPnL)
	assert.True(t, res.CorrelationEffect.Equal(dec("-90")), "got %s", res.CorrelationEffect)
	assert.True(t, res.FactorImpacts["growth"].Equal(dec("-90")))
}

func TestEvaluateScenario_CorrelationEffectInvariant(t *testing.T) {
	exposures := map[string]decimal.Decimal{
		"market": dec("1200"),
		"growth": dec("-300"),
		"value":  dec("800"),
	}
	s := scenario("rotation", map[string]interface{}{
		"shocks": map[string]interface{}{"market": -0.1, "value": 0.05},
		"correlations": map[string]interface{}{
			"growth": map[string]interface{}{"market": 0.8, "value": -0.3},
		},
	})

	res, err := evaluateScenario(uuid.New(), s, time.Now(), exposures)
	require.NoError(t, err)
	assert.True(t, res.CorrelationEffect.Equal(res.CorrelatedPnL.Sub(res.DirectPnL)))
}

func TestEvaluateScenario_UnknownFactorSkipped(t *testing.T) {
	exposures := map[string]decimal.Decimal{"market": dec("1000")}
	s := scenario("rates", map[string]interface{}{
		"shocks": map[string]interface{}{"market": -0.1, "rates": 0.01},
	})

	res, err := evaluateScenario(uuid.New(), s, time.Now(), exposures)
	require.NoError(t, err)
	assert.True(t, res.DirectPnL.Equal(dec("-100")), "factors outside the model contribute nothing")
	assert.NotContains(t, res.FactorImpacts, "rates")
}

func TestEvaluateScenario_BadConfig(t *testing.T) {
	exposures := map[string]decimal.Decimal{"market": dec("1000")}

	t.Run("no shocks", func(t *testing.T) {
		_, err := evaluateScenario(uuid.New(), scenario("empty", map[string]interface{}{}), time.Now(), exposures)
		assert.Error(t, err)
	})

	t.Run("non-numeric shock", func(t *testing.T) {
		s := scenario("bad", map[string]interface{}{
			"shocks": map[string]interface{}{"market": "big"},
		})
		_, err := evaluateScenario(uuid.New(), s, time.Now(), exposures)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not numeric")
	})

	t.Run("correlations not an object", func(t *testing.T) {
		s := scenario("bad", map[string]interface{}{
			"shocks":       map[string]interface{}{"market": -0.1},
			"correlations": "tight",
		})
		_, err := evaluateScenario(uuid.New(), s, time.Now(), exposures)
		assert.Error(t, err)
	})
}
