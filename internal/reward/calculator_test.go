package reward

import (
	"testing"

	"github.com/arcade-ledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator(map[string]string{
		"brain-age": "2.0",
		"snake":     "1.0",
		"memory":    "1.25",
	})
	require.NoError(t, err)
	return calc
}

func TestComputeBrainAgeAccuracyScenario(t *testing.T) {
	calc := newTestCalculator(t)

	tokens, parts := calc.Compute("brain-age", 12000, domain.Metadata{"accuracy": 95.0})

	assert.Equal(t, int64(360), tokens)
	assert.Equal(t, int64(120), parts.Base)
	assert.Equal(t, "2", parts.GameMultiplier)
	assert.Equal(t, "1.5", parts.AccuracyMultiplier)
	assert.Equal(t, "1", parts.PerfectMultiplier)
	assert.Zero(t, parts.SpeedBonus)
}

func TestComputeStacksInFixedOrder(t *testing.T) {
	calc := newTestCalculator(t)

	// floor(1999/100)=19 -> *1.25 -> *1.5 -> *2 = 71.25 -> 71, +50
	tokens := calc.Tokens("memory", 1999, domain.Metadata{
		"accuracy":     91,
		"perfectRound": true,
		"speedBonus":   true,
	})
	assert.Equal(t, int64(121), tokens)
}

func TestComputeThresholdsAreStrict(t *testing.T) {
	calc := newTestCalculator(t)

	assert.Equal(t, int64(10), calc.Tokens("snake", 1000, domain.Metadata{"accuracy": 90.0}))
	assert.Equal(t, int64(10), calc.Tokens("snake", 1000, domain.Metadata{"perfectRound": false}))
	assert.Equal(t, int64(0), calc.Tokens("snake", 99, nil))
	assert.Equal(t, int64(50), calc.Tokens("snake", 0, domain.Metadata{"speedBonus": true}))
}

func TestComputeUnknownGameDefaultsToOne(t *testing.T) {
	calc := newTestCalculator(t)

	assert.False(t, calc.KnownGame("pong"))
	assert.Equal(t, int64(7), calc.Tokens("pong", 799, nil))
}

func TestComputeIsDeterministic(t *testing.T) {
	calc := newTestCalculator(t)
	other := newTestCalculator(t)
	meta := domain.Metadata{"accuracy": 97.5, "perfectRound": 1, "combo": 12}

	first, firstParts := calc.Compute("memory", 123456, meta)
	for i := 0; i < 100; i++ {
		got, parts := calc.Compute("memory", 123456, meta)
		require.Equal(t, first, got)
		require.Equal(t, firstParts, parts)
	}
	assert.Equal(t, first, other.Tokens("memory", 123456, meta))
}

func TestNewCalculatorRejectsBadMultiplier(t *testing.T) {
	_, err := NewCalculator(map[string]string{"snake": "fast"})
	require.Error(t, err)

	_, err = NewCalculator(map[string]string{"snake": "-1"})
	require.Error(t, err)
}

func TestDailyBonusFor(t *testing.T) {
	assert.Equal(t, int64(DailyBonus), DailyBonusFor(true))
	assert.Zero(t, DailyBonusFor(false))
}
