package domain

import (
	"encoding/json"
	"math"
	"time"
)

// SyncStatus tracks whether the backend has acknowledged a score entry
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusRejected SyncStatus = "rejected"
)

// RewardSource tags where a reward record came from
type RewardSource string

const (
	RewardSourceScore          RewardSource = "score"
	RewardSourceAchievement    RewardSource = "achievement"
	RewardSourceDailyBonus     RewardSource = "daily_bonus"
	RewardSourceReconciliation RewardSource = "reconciliation"
)

// Metadata is the open performance map attached to a score.
type Metadata map[string]interface{}

// Float returns a numeric metadata value.
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Int returns a numeric metadata value truncated toward zero.
func (m Metadata) Int(key string) (int64, bool) {
	f, ok := m.Float(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Bool returns a boolean metadata value.
func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

// Truthy treats true booleans and non-zero numbers as set.
func (m Metadata) Truthy(key string) bool {
	if b, ok := m.Bool(key); ok {
		return b
	}
	if f, ok := m.Float(key); ok {
		return f != 0
	}
	return false
}

// ScoreEntry is an accepted score. It is immutable once created apart from
// its sync status.
type ScoreEntry struct {
	ID             string     `json:"id"`
	PlayerID       string     `json:"player_id"`
	GameID         string     `json:"game_id"`
	Score          int64      `json:"score"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	Sequence       uint64     `json:"sequence"`
	CreatedAt      time.Time  `json:"created_at"`
	SyncStatus     SyncStatus `json:"sync_status"`
}

// RewardComponents are the named terms of the reward formula.
type RewardComponents struct {
	Base               int64  `json:"base"`
	GameMultiplier     string `json:"game_multiplier"`
	AccuracyMultiplier string `json:"accuracy_multiplier"`
	PerfectMultiplier  string `json:"perfect_multiplier"`
	SpeedBonus         int64  `json:"speed_bonus"`
}

// RewardRecord is the audit row behind every token credited to a player.
type RewardRecord struct {
	ID         string            `json:"id"`
	PlayerID   string            `json:"player_id"`
	EntryID    string            `json:"entry_id,omitempty"`
	Source     RewardSource      `json:"source"`
	Reference  string            `json:"reference"`
	Amount     int64             `json:"amount"`
	Components *RewardComponents `json:"components,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// AchievementUnlock records that a player earned an achievement. At most one
// exists per (player, achievement).
type AchievementUnlock struct {
	PlayerID      string    `json:"player_id"`
	AchievementID string    `json:"achievement_id"`
	Reward        int64     `json:"reward"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// ScoreSubmission is what the UI hands to the ingestion pipeline
type ScoreSubmission struct {
	PlayerID       string   `json:"player_id"`
	GameID         string   `json:"game_id"`
	Score          float64  `json:"score"`
	Metadata       Metadata `json:"metadata,omitempty"`
	Sequence       uint64   `json:"sequence,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// SubmitResult is the locally-final outcome of an ingestion
type SubmitResult struct {
	EntryID         string              `json:"entry_id"`
	Reward          int64               `json:"reward"`
	BonusTokens     int64               `json:"bonus_tokens"`
	NewAchievements []AchievementUnlock `json:"new_achievements"`
	NewRank         *int64              `json:"new_rank"`
	GlobalRank      *int64              `json:"global_rank"`
	Balance         int64               `json:"balance"`
	Duplicate       bool                `json:"duplicate"`
}
