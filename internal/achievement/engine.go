package achievement

import (
	"fmt"
	"time"

	"github.com/arcade-ledger/internal/domain"
)

// Engine evaluates a catalogue. It keeps no per-player state of its own: the
// unlocked set comes from the ledger, which enforces at-most-once per pair.
type Engine struct {
	catalogue []Definition
	byID      map[string]Definition
}

// NewEngine validates the catalogue and builds an engine over it.
func NewEngine(catalogue []Definition) (*Engine, error) {
	byID := make(map[string]Definition, len(catalogue))
	for _, def := range catalogue {
		if def.ID == "" || def.Satisfied == nil {
			return nil, fmt.Errorf("achievement definition %q is incomplete", def.ID)
		}
		if def.Reward < 0 {
			return nil, fmt.Errorf("achievement %s has a negative reward", def.ID)
		}
		if _, dup := byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate achievement id %s", def.ID)
		}
		byID[def.ID] = def
	}
	return &Engine{catalogue: catalogue, byID: byID}, nil
}

// Evaluate returns the definitions satisfied by stats that are not already
// in unlocked, in catalogue order.
func (e *Engine) Evaluate(stats domain.PlayerStats, unlocked map[string]bool) []Definition {
	var satisfied []Definition
	for _, def := range e.catalogue {
		if unlocked[def.ID] {
			continue
		}
		if def.Satisfied(stats) {
			satisfied = append(satisfied, def)
		}
	}
	return satisfied
}

// Unlocks converts newly satisfied definitions into unlock records.
func (e *Engine) Unlocks(playerID string, stats domain.PlayerStats, unlocked map[string]bool, at time.Time) []domain.AchievementUnlock {
	defs := e.Evaluate(stats, unlocked)
	if len(defs) == 0 {
		return nil
	}
	out := make([]domain.AchievementUnlock, 0, len(defs))
	for _, def := range defs {
		out = append(out, domain.AchievementUnlock{
			PlayerID:      playerID,
			AchievementID: def.ID,
			Reward:        def.Reward,
			UnlockedAt:    at,
		})
	}
	return out
}

// Lookup returns the definition for id.
func (e *Engine) Lookup(id string) (Definition, bool) {
	def, ok := e.byID[id]
	return def, ok
}

// Catalogue returns the definitions in evaluation order.
func (e *Engine) Catalogue() []Definition {
	return e.catalogue
}
