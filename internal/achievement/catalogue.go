// Package achievement evaluates the fixed achievement catalogue against a
// player's cumulative statistics.
package achievement

import "github.com/arcade-ledger/internal/domain"

// Predicate is a pure test over a statistics snapshot.
type Predicate func(stats domain.PlayerStats) bool

// Definition is one catalogue entry.
type Definition struct {
	ID          string
	Name        string
	Description string
	Reward      int64
	Satisfied   Predicate
}

// DefaultCatalogue is the shipped achievement set. Order is the evaluation
// and reporting order.
var DefaultCatalogue = []Definition{
	{
		ID:          "first_game",
		Name:        "First Steps",
		Description: "Finish your first game",
		Reward:      25,
		Satisfied:   func(s domain.PlayerStats) bool { return s.TotalGames >= 1 },
	},
	{
		ID:          "high_score_10000",
		Name:        "Five Digits",
		Description: "Score 10,000 points in a single game",
		Reward:      200,
		Satisfied:   func(s domain.PlayerStats) bool { return s.BestScore >= 10000 },
	},
	{
		ID:          "high_score_50000",
		Name:        "High Roller",
		Description: "Score 50,000 points in a single game",
		Reward:      500,
		Satisfied:   func(s domain.PlayerStats) bool { return s.BestScore >= 50000 },
	},
	{
		ID:          "total_score_100000",
		Name:        "Point Hoarder",
		Description: "Accumulate 100,000 points across all games",
		Reward:      300,
		Satisfied:   func(s domain.PlayerStats) bool { return s.TotalScore >= 100000 },
	},
	{
		ID:          "combo_50",
		Name:        "Combo Breaker",
		Description: "Reach a 50 hit combo",
		Reward:      150,
		Satisfied:   func(s domain.PlayerStats) bool { return s.MaxCombo >= 50 },
	},
	{
		ID:          "perfect_round",
		Name:        "Flawless",
		Description: "Finish a perfect round",
		Reward:      100,
		Satisfied:   func(s domain.PlayerStats) bool { return s.PerfectRounds >= 1 },
	},
	{
		ID:          "win_streak_5",
		Name:        "On Fire",
		Description: "Win five games in a row",
		Reward:      150,
		Satisfied:   func(s domain.PlayerStats) bool { return s.BestWinStreak >= 5 },
	},
	{
		ID:          "explorer_5",
		Name:        "Explorer",
		Description: "Play five different games",
		Reward:      100,
		Satisfied:   func(s domain.PlayerStats) bool { return s.UniqueGames >= 5 },
	},
	{
		ID:          "marathon_1h",
		Name:        "Marathon",
		Description: "Play for a total of one hour",
		Reward:      150,
		Satisfied:   func(s domain.PlayerStats) bool { return s.PlaytimeSeconds >= 3600 },
	},
	{
		ID:          "veteran_100",
		Name:        "Veteran",
		Description: "Finish 100 games",
		Reward:      250,
		Satisfied:   func(s domain.PlayerStats) bool { return s.TotalGames >= 100 },
	},
}
