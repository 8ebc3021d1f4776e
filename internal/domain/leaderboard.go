package domain

import "time"

// GlobalBoard is the board key for the global leaderboard.
const GlobalBoard = "global"

// LeaderboardEntry represents a single entry in the leaderboard
type LeaderboardEntry struct {
	Rank       int64     `json:"rank"`
	PlayerID   string    `json:"player_id"`
	Score      int64     `json:"score"`
	AchievedAt time.Time `json:"achieved_at"`
	Username   string    `json:"username,omitempty"`
}

// BoardID maps an optional game identifier to its board key.
func BoardID(gameID string) string {
	if gameID == "" {
		return GlobalBoard
	}
	return "game:" + gameID
}
