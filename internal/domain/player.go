package domain

import "time"

// Player represents a player as seen by the local ledger
type Player struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name,omitempty"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	Balance     int64       `json:"balance"`
	Stats       PlayerStats `json:"stats"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Profile is the display metadata supplied by the identity collaborator.
type Profile struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PlayerStats is the cumulative statistics snapshot achievements are
// evaluated against.
type PlayerStats struct {
	TotalGames      int64            `json:"total_games"`
	TotalScore      int64            `json:"total_score"`
	BestScore       int64            `json:"best_score"`
	HighScores      map[string]int64 `json:"high_scores"`
	WinStreak       int64            `json:"win_streak"`
	BestWinStreak   int64            `json:"best_win_streak"`
	UniqueGames     int64            `json:"unique_games"`
	PlaytimeSeconds int64            `json:"playtime_seconds"`
	MaxCombo        int64            `json:"max_combo"`
	PerfectRounds   int64            `json:"perfect_rounds"`
	LastPlayedAt    time.Time        `json:"last_played_at"`
}

// Clone returns a deep copy so snapshots can be handed out safely.
func (s PlayerStats) Clone() PlayerStats {
	out := s
	out.HighScores = make(map[string]int64, len(s.HighScores))
	for game, score := range s.HighScores {
		out.HighScores[game] = score
	}
	return out
}

// Apply folds one accepted entry into the statistics and returns the result.
// The receiver is not modified.
func (s PlayerStats) Apply(entry ScoreEntry) PlayerStats {
	next := s.Clone()
	next.TotalGames++
	next.TotalScore += entry.Score
	if entry.Score > next.BestScore {
		next.BestScore = entry.Score
	}
	if prev, played := next.HighScores[entry.GameID]; !played {
		next.UniqueGames++
		next.HighScores[entry.GameID] = entry.Score
	} else if entry.Score > prev {
		next.HighScores[entry.GameID] = entry.Score
	}

	meta := entry.Metadata
	if streak, ok := meta.Int("winStreak"); ok {
		next.WinStreak = streak
	} else if won, ok := meta.Bool("won"); ok {
		if won {
			next.WinStreak++
		} else {
			next.WinStreak = 0
		}
	}
	if next.WinStreak > next.BestWinStreak {
		next.BestWinStreak = next.WinStreak
	}
	if secs, ok := meta.Int("levelTime"); ok && secs > 0 {
		next.PlaytimeSeconds += secs
	}
	if combo, ok := meta.Int("combo"); ok && combo > next.MaxCombo {
		next.MaxCombo = combo
	}
	if meta.Truthy("perfectRound") {
		next.PerfectRounds++
	}
	next.LastPlayedAt = entry.CreatedAt
	return next
}

// BalanceMerge describes a reconciliation of the local balance against the
// backend's.
type BalanceMerge struct {
	Local   int64 `json:"local"`
	Backend int64 `json:"backend"`
	Balance int64 `json:"balance"`
	Applied bool  `json:"applied"`
}
