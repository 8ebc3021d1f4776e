// Package reward implements the deterministic token reward formula shared by
// the device ledger and the backend.
package reward

import (
	"fmt"
	"sort"

	"github.com/arcade-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	// ScoreDivisor converts raw points into base tokens.
	ScoreDivisor = 100
	// AccuracyThreshold is the accuracy (percent) above which the accuracy
	// multiplier applies.
	AccuracyThreshold = 90
	// SpeedBonus is the flat bonus added after multipliers.
	SpeedBonus = 50
	// DailyBonus is credited for the first accepted score of a calendar day.
	DailyBonus = 100
)

var (
	one                = decimal.NewFromInt(1)
	accuracyMultiplier = decimal.RequireFromString("1.5")
	perfectMultiplier  = decimal.RequireFromString("2.0")
)

// Calculator maps a score to tokens. It holds only immutable configuration,
// so a single instance may be shared freely.
type Calculator struct {
	multipliers map[string]decimal.Decimal
}

// NewCalculator builds a calculator from game id -> decimal multiplier strings.
// The set of keys is also the set of known games.
func NewCalculator(games map[string]string) (*Calculator, error) {
	multipliers := make(map[string]decimal.Decimal, len(games))
	for game, raw := range games {
		m, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing multiplier for %s: %w", game, err)
		}
		if m.IsNegative() {
			return nil, fmt.Errorf("multiplier for %s must not be negative", game)
		}
		multipliers[game] = m
	}
	return &Calculator{multipliers: multipliers}, nil
}

// KnownGame reports whether gameID is in the catalogue.
func (c *Calculator) KnownGame(gameID string) bool {
	_, ok := c.multipliers[gameID]
	return ok
}

// Games returns the catalogue in sorted order.
func (c *Calculator) Games() []string {
	games := make([]string, 0, len(c.multipliers))
	for game := range c.multipliers {
		games = append(games, game)
	}
	sort.Strings(games)
	return games
}

// Multiplier returns the per-game multiplier, defaulting to 1.0.
func (c *Calculator) Multiplier(gameID string) decimal.Decimal {
	if m, ok := c.multipliers[gameID]; ok {
		return m
	}
	return one
}

// Compute returns the token amount for a score together with the formula
// terms that produced it. rawScore must already be validated as non-negative.
func (c *Calculator) Compute(gameID string, rawScore int64, meta domain.Metadata) (int64, domain.RewardComponents) {
	base := rawScore / ScoreDivisor
	gameMul := c.Multiplier(gameID)

	amount := decimal.NewFromInt(base).Mul(gameMul)

	accMul := one
	if acc, ok := meta.Float("accuracy"); ok && acc > AccuracyThreshold {
		accMul = accuracyMultiplier
		amount = amount.Mul(accMul)
	}

	perfMul := one
	if meta.Truthy("perfectRound") {
		perfMul = perfectMultiplier
		amount = amount.Mul(perfMul)
	}

	tokens := amount.Floor().IntPart()

	var speed int64
	if meta.Truthy("speedBonus") {
		speed = SpeedBonus
		tokens += speed
	}

	return tokens, domain.RewardComponents{
		Base:               base,
		GameMultiplier:     gameMul.String(),
		AccuracyMultiplier: accMul.String(),
		PerfectMultiplier:  perfMul.String(),
		SpeedBonus:         speed,
	}
}

// Tokens is Compute without the component breakdown.
func (c *Calculator) Tokens(gameID string, rawScore int64, meta domain.Metadata) int64 {
	tokens, _ := c.Compute(gameID, rawScore, meta)
	return tokens
}

// DailyBonusFor returns the first-score-of-day bonus.
func DailyBonusFor(firstOfDay bool) int64 {
	if firstOfDay {
		return DailyBonus
	}
	return 0
}
