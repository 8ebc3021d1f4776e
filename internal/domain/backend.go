package domain

import "time"

// Submission is a score as the backend ledger records it. Reward is the
// backend's own recomputation; ClientReward is what the device claimed.
type Submission struct {
	EntryID        string
	PlayerID       string
	GameID         string
	Score          int64
	Metadata       Metadata
	IdempotencyKey string
	Reward         int64
	ClientReward   int64
	CreatedAt      time.Time
}

// RewardMismatch reports whether the device and backend disagree on the reward
func (s Submission) RewardMismatch() bool {
	return s.Reward != s.ClientReward
}

// SubmissionResult is what recording a submission produced. Best and Total
// carry the player's aggregate on the game board and the global board after
// the write; ranks are not filled in.
type SubmissionResult struct {
	Reward         int64
	Balance        int64
	Duplicate      bool
	RewardMismatch bool
	Best           LeaderboardEntry
	Total          LeaderboardEntry
}

// TokenAward credits tokens that do not come from a score
type TokenAward struct {
	PlayerID  string
	Key       string
	Source    RewardSource
	Amount    int64
	AwardedAt time.Time
}

// AwardResult is the outcome of recording a token award
type AwardResult struct {
	Balance   int64
	Duplicate bool
}

// BalanceResponse is the body of GET /players/{playerID}/balance
type BalanceResponse struct {
	PlayerID string `json:"playerId"`
	Balance  int64  `json:"balance"`
}
