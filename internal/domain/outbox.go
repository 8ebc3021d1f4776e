package domain

import (
	"encoding/json"
	"time"
)

// OutboxKind identifies which backend call an outbox item replays
type OutboxKind string

const (
	OutboxKindScore      OutboxKind = "score"
	OutboxKindTokenAward OutboxKind = "token_award"
)

// OutboxState is the lifecycle state of a retry queue item
type OutboxState string

const (
	OutboxStateQueued       OutboxState = "queued"
	OutboxStateInFlight     OutboxState = "in_flight"
	OutboxStateDeadLettered OutboxState = "dead_lettered"
)

// OutboxItem is a durable pending mutation for the backend ledger.
// Acknowledged items are deleted rather than kept in a terminal state.
type OutboxItem struct {
	ID            string          `json:"id"`
	Kind          OutboxKind      `json:"kind"`
	PlayerID      string          `json:"player_id"`
	Reference     string          `json:"reference"`
	Payload       json.RawMessage `json:"payload"`
	State         OutboxState     `json:"state"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SubmitScoreRequest is the body of POST /scores/submit
type SubmitScoreRequest struct {
	EntryID        string    `json:"entryId"`
	PlayerID       string    `json:"playerId"`
	GameID         string    `json:"gameId"`
	Score          int64     `json:"score"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Reward         int64     `json:"reward"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SubmitScoreResponse is the backend's answer to a score submission
type SubmitScoreResponse struct {
	Accepted       bool   `json:"accepted"`
	Reward         int64  `json:"reward"`
	Rank           *int64 `json:"rank"`
	Balance        int64  `json:"balance"`
	Duplicate      bool   `json:"duplicate"`
	RewardMismatch bool   `json:"rewardMismatch,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// TokenAwardRequest is the body of POST /tokens/award
type TokenAwardRequest struct {
	PlayerID  string       `json:"playerId"`
	Amount    int64        `json:"amount"`
	Source    RewardSource `json:"source"`
	Key       string       `json:"key"`
	Timestamp time.Time    `json:"timestamp"`
}

// TokenAwardResponse is the backend's answer to a token award
type TokenAwardResponse struct {
	Accepted  bool   `json:"accepted"`
	Balance   int64  `json:"balance"`
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason,omitempty"`
}
