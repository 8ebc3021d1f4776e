// Package leaderboard maintains the in-process ranked views over accepted
// score entries: one board per game keyed by high score and one global
// board keyed by total score.
package leaderboard

import (
	"context"
	"sync"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/google/btree"
)

const treeDegree = 32

// standing is one player's position on a board
type standing struct {
	playerID   string
	score      int64
	achievedAt time.Time
}

// less orders by score descending, then earliest achievement, then player id
func less(a, b standing) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.achievedAt.Equal(b.achievedAt) {
		return a.achievedAt.Before(b.achievedAt)
	}
	return a.playerID < b.playerID
}

type board struct {
	tree    *btree.BTreeG[standing]
	players map[string]standing
}

func newBoard() *board {
	return &board{
		tree:    btree.NewG[standing](treeDegree, less),
		players: make(map[string]standing),
	}
}

func (b *board) set(s standing) {
	if old, ok := b.players[s.playerID]; ok {
		b.tree.Delete(old)
	}
	b.players[s.playerID] = s
	b.tree.ReplaceOrInsert(s)
}

// rank counts the standings ahead of s. It walks only the prefix of the
// tree above s.
func (b *board) rank(s standing) int64 {
	var ahead int64
	b.tree.AscendLessThan(s, func(standing) bool {
		ahead++
		return true
	})
	return ahead + 1
}

// EntrySource replays accepted entries, used to rebuild the boards
type EntrySource interface {
	ForEachEntry(ctx context.Context, fn func(domain.ScoreEntry) error) error
}

// Aggregator owns every board of one process. Construct it once and pass it
// to whatever needs it.
type Aggregator struct {
	mu     sync.RWMutex
	boards map[string]*board
}

// New creates an empty aggregator
func New() *Aggregator {
	return &Aggregator{boards: make(map[string]*board)}
}

func (a *Aggregator) boardLocked(id string) *board {
	b, ok := a.boards[id]
	if !ok {
		b = newBoard()
		a.boards[id] = b
	}
	return b
}

// RecordAccepted folds an accepted entry into its game board and the global
// board and returns the player's rank on each.
func (a *Aggregator) RecordAccepted(entry domain.ScoreEntry, effectiveScore int64) (gameRank, globalRank int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordLocked(entry, effectiveScore)
}

// recordLocked gives the same boards whatever order entries arrive in: a
// high score keeps its earliest time and a total takes its latest.
func (a *Aggregator) recordLocked(entry domain.ScoreEntry, effectiveScore int64) (int64, int64) {
	game := a.boardLocked(domain.BoardID(entry.GameID))
	current, seen := game.players[entry.PlayerID]
	switch {
	case !seen || effectiveScore > current.score:
		current = standing{playerID: entry.PlayerID, score: effectiveScore, achievedAt: entry.CreatedAt}
		game.set(current)
	case effectiveScore == current.score && entry.CreatedAt.Before(current.achievedAt):
		current.achievedAt = entry.CreatedAt
		game.set(current)
	}
	gameRank := game.rank(current)

	global := a.boardLocked(domain.GlobalBoard)
	total, seen := global.players[entry.PlayerID]
	if !seen || effectiveScore > 0 {
		achievedAt := entry.CreatedAt
		if seen && total.achievedAt.After(achievedAt) {
			achievedAt = total.achievedAt
		}
		total = standing{playerID: entry.PlayerID, score: total.score + effectiveScore, achievedAt: achievedAt}
		global.set(total)
	}
	return gameRank, global.rank(total)
}

// TopN returns the first n standings of a board. An empty gameID selects the
// global board.
func (a *Aggregator) TopN(gameID string, n int) []domain.LeaderboardEntry {
	return a.Range(gameID, 0, n)
}

// Range returns up to n standings starting at the zero-based offset
func (a *Aggregator) Range(gameID string, offset, n int) []domain.LeaderboardEntry {
	if n <= 0 || offset < 0 {
		return []domain.LeaderboardEntry{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.boards[domain.BoardID(gameID)]
	if !ok {
		return []domain.LeaderboardEntry{}
	}

	entries := make([]domain.LeaderboardEntry, 0, min(n, b.tree.Len()))
	pos := 0
	b.tree.Ascend(func(s standing) bool {
		if pos >= offset {
			entries = append(entries, domain.LeaderboardEntry{
				Rank:       int64(pos + 1),
				PlayerID:   s.playerID,
				Score:      s.score,
				AchievedAt: s.achievedAt,
			})
		}
		pos++
		return len(entries) < n
	})
	return entries
}

// RankOf returns the player's one-based rank on a board
func (a *Aggregator) RankOf(playerID, gameID string) (int64, bool) {
	entry, ok := a.Standing(playerID, gameID)
	if !ok {
		return 0, false
	}
	return entry.Rank, true
}

// Standing returns the player's ranked entry on a board
func (a *Aggregator) Standing(playerID, gameID string) (domain.LeaderboardEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.boards[domain.BoardID(gameID)]
	if !ok {
		return domain.LeaderboardEntry{}, false
	}
	s, ok := b.players[playerID]
	if !ok {
		return domain.LeaderboardEntry{}, false
	}
	return domain.LeaderboardEntry{
		Rank:       b.rank(s),
		PlayerID:   playerID,
		Score:      s.score,
		AchievedAt: s.achievedAt,
	}, true
}

// Around returns the standings within count places of the player
func (a *Aggregator) Around(playerID, gameID string, count int) ([]domain.LeaderboardEntry, error) {
	entry, ok := a.Standing(playerID, gameID)
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	start := int(entry.Rank) - count - 1
	if start < 0 {
		start = 0
	}
	end := int(entry.Rank) + count
	return a.Range(gameID, start, end-start), nil
}

// Count returns the number of players on a board
func (a *Aggregator) Count(gameID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if b, ok := a.boards[domain.BoardID(gameID)]; ok {
		return b.tree.Len()
	}
	return 0
}

// Rebuild discards every board and replays the source in acceptance order
func (a *Aggregator) Rebuild(ctx context.Context, source EntrySource) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.boards = make(map[string]*board)
	replayed := 0
	err := source.ForEachEntry(ctx, func(entry domain.ScoreEntry) error {
		a.recordLocked(entry, entry.Score)
		replayed++
		return nil
	})
	if err != nil {
		a.boards = make(map[string]*board)
		return 0, err
	}
	return replayed, nil
}
