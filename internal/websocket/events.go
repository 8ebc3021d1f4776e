package websocket

import (
	"strings"
	"time"

	"github.com/arcade-ledger/internal/domain"
)

// Event types pushed to subscribers
const (
	EventSnapshot     = "leaderboard_snapshot"
	EventStanding     = "standing_update"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventPong         = "pong"
	EventError        = "error"
)

// Command types accepted from subscribers
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"
)

// Event is one frame written to a subscriber. Board is "global" or
// "game:<gameID>".
type Event struct {
	Type  string    `json:"type"`
	Board string    `json:"board,omitempty"`
	Data  any       `json:"data,omitempty"`
	At    time.Time `json:"timestamp"`
}

// Command is one frame read from a subscriber. Board may be a board key or
// a bare game id.
type Command struct {
	Type  string `json:"type"`
	Board string `json:"board,omitempty"`
}

// Snapshot is the top of a board, sent once right after subscribing
type Snapshot struct {
	Entries []domain.LeaderboardEntry `json:"entries"`
}

// StandingUpdate is a player's new place on a board. PreviousRank is nil
// the first time the hub sees the player on that board; Movement is
// positive when the player climbed.
type StandingUpdate struct {
	domain.LeaderboardEntry
	PreviousRank *int64 `json:"previous_rank,omitempty"`
	Movement     int64  `json:"movement"`
}

// normalizeBoard accepts a board key or a bare game id
func normalizeBoard(board string) string {
	if board == domain.GlobalBoard || strings.HasPrefix(board, "game:") {
		return board
	}
	return domain.BoardID(board)
}

// gameOf is the inverse of domain.BoardID
func gameOf(board string) string {
	if board == domain.GlobalBoard {
		return ""
	}
	return strings.TrimPrefix(board, "game:")
}
