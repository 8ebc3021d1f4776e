// Package ingest is the single entry point for a finished game on the
// device: validate, reward, evaluate achievements, persist locally, queue
// for sync and update the leaderboards.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/arcade-ledger/internal/achievement"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/leaderboard"
	"github.com/arcade-ledger/internal/ledger"
	"github.com/arcade-ledger/internal/reward"
	"github.com/google/uuid"
)

// maxScore keeps scores exactly representable as JSON numbers
const maxScore = 1<<53 - 1

// keyNamespace scopes derived idempotency keys
var keyNamespace = uuid.MustParse("6f1c2a4e-8b57-4d0e-9f3a-2c7d5e1b9a60")

// Store is the ledger surface the pipeline needs
type Store interface {
	Append(ctx context.Context, entry domain.ScoreEntry, accrue ledger.AccrueFunc) (ledger.AppendResult, error)
	NextSequence(ctx context.Context, playerID, gameID string) (uint64, error)
	ForEachEntry(ctx context.Context, fn func(domain.ScoreEntry) error) error
}

// Notifier is told when new outbox items exist
type Notifier interface {
	Nudge()
}

// Pipeline orchestrates one score submission
type Pipeline struct {
	store      Store
	calculator *reward.Calculator
	engine     *achievement.Engine
	board      *leaderboard.Aggregator
	notifier   Notifier
	limits     config.LeaderboardConfig
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a pipeline. notifier may be nil when sync is disabled.
func New(
	store Store,
	calculator *reward.Calculator,
	engine *achievement.Engine,
	board *leaderboard.Aggregator,
	notifier Notifier,
	limits config.LeaderboardConfig,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		store:      store,
		calculator: calculator,
		engine:     engine,
		board:      board,
		notifier:   notifier,
		limits:     limits,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// IdempotencyKey derives the key of the sequence-th submission of a player
// for a game. The same triple always yields the same key.
func IdempotencyKey(playerID, gameID string, sequence uint64) string {
	name := playerID + "\x00" + gameID + "\x00" + strconv.FormatUint(sequence, 10)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// Validate checks a submission before anything is persisted
func (p *Pipeline) Validate(sub domain.ScoreSubmission) error {
	if sub.PlayerID == "" {
		return domain.NewValidationError("playerId", "is required", domain.ErrInvalidRequest)
	}
	if sub.GameID == "" {
		return domain.NewValidationError("gameId", "is required", domain.ErrUnknownGame)
	}
	if !p.calculator.KnownGame(sub.GameID) {
		return domain.NewValidationError("gameId", fmt.Sprintf("%q is not a known game", sub.GameID), domain.ErrUnknownGame)
	}
	if math.IsNaN(sub.Score) || math.IsInf(sub.Score, 0) {
		return domain.NewValidationError("score", "must be finite", domain.ErrInvalidScore)
	}
	if sub.Score < 0 {
		return domain.NewValidationError("score", "must not be negative", domain.ErrInvalidScore)
	}
	if sub.Score != math.Trunc(sub.Score) {
		return domain.NewValidationError("score", "must be a whole number", domain.ErrInvalidScore)
	}
	if sub.Score > maxScore {
		return domain.NewValidationError("score", "is too large", domain.ErrInvalidScore)
	}
	return nil
}

// SubmitScore accepts a finished game. The result is final locally: it
// never waits on the backend.
func (p *Pipeline) SubmitScore(ctx context.Context, sub domain.ScoreSubmission) (domain.SubmitResult, error) {
	if err := p.Validate(sub); err != nil {
		return domain.SubmitResult{}, err
	}

	key := sub.IdempotencyKey
	sequence := sub.Sequence
	if key == "" {
		if sequence == 0 {
			next, err := p.store.NextSequence(ctx, sub.PlayerID, sub.GameID)
			if err != nil {
				return domain.SubmitResult{}, err
			}
			sequence = next
		}
		key = IdempotencyKey(sub.PlayerID, sub.GameID, sequence)
	}

	entry := domain.ScoreEntry{
		ID:             uuid.NewString(),
		PlayerID:       sub.PlayerID,
		GameID:         sub.GameID,
		Score:          int64(sub.Score),
		Metadata:       sub.Metadata,
		IdempotencyKey: key,
		Sequence:       sequence,
		CreatedAt:      p.now(),
	}

	res, err := p.store.Append(ctx, entry, p.accrue)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	result := domain.SubmitResult{
		EntryID:         res.Entry.ID,
		Reward:          res.Reward.Amount,
		NewAchievements: res.Unlocks,
		Balance:         res.Balance,
		Duplicate:       res.Duplicate,
	}
	if res.Bonus != nil {
		result.BonusTokens = res.Bonus.Amount
	}
	if result.NewAchievements == nil {
		result.NewAchievements = []domain.AchievementUnlock{}
	}

	if res.Duplicate {
		if rank, ok := p.board.RankOf(res.Entry.PlayerID, res.Entry.GameID); ok {
			result.NewRank = &rank
		}
		if rank, ok := p.board.RankOf(res.Entry.PlayerID, ""); ok {
			result.GlobalRank = &rank
		}
		p.logger.Info("duplicate submission",
			"player_id", sub.PlayerID,
			"entry_id", res.Entry.ID,
			"idempotency_key", key,
		)
		return result, nil
	}

	gameRank, globalRank := p.board.RecordAccepted(res.Entry, res.Entry.Score)
	result.NewRank = &gameRank
	result.GlobalRank = &globalRank

	if p.notifier != nil {
		p.notifier.Nudge()
	}

	p.logger.Info("score accepted",
		"player_id", sub.PlayerID,
		"game_id", sub.GameID,
		"entry_id", res.Entry.ID,
		"score", res.Entry.Score,
		"reward", result.Reward,
		"bonus", result.BonusTokens,
		"achievements", len(res.Unlocks),
		"balance", res.Balance,
	)
	return result, nil
}

// accrue runs under the player's ledger lock with the post-append stats
func (p *Pipeline) accrue(state ledger.AppendState) (ledger.Accrual, error) {
	amount, components := p.calculator.Compute(state.Entry.GameID, state.Entry.Score, state.Entry.Metadata)
	return ledger.Accrual{
		Reward:     amount,
		Components: components,
		DailyBonus: reward.DailyBonusFor(state.FirstOfDay),
		Unlocks:    p.engine.Unlocks(state.Entry.PlayerID, state.After, state.Unlocked, state.Entry.CreatedAt),
	}, nil
}

// Leaderboard returns the top of a board. An empty gameID is the global
// board. limit is clamped to the configured bounds.
func (p *Pipeline) Leaderboard(gameID string, limit int) ([]domain.LeaderboardEntry, error) {
	if gameID != "" && !p.calculator.KnownGame(gameID) {
		return nil, domain.NewValidationError("gameId", fmt.Sprintf("%q is not a known game", gameID), domain.ErrUnknownGame)
	}
	return p.board.TopN(gameID, p.clamp(limit)), nil
}

// Standing returns a player's position on a board
func (p *Pipeline) Standing(playerID, gameID string) (domain.LeaderboardEntry, error) {
	entry, ok := p.board.Standing(playerID, gameID)
	if !ok {
		return domain.LeaderboardEntry{}, domain.ErrPlayerNotFound
	}
	return entry, nil
}

// Rebuild recomputes the leaderboards from the ledger
func (p *Pipeline) Rebuild(ctx context.Context) (int, error) {
	n, err := p.board.Rebuild(ctx, p.store)
	if err != nil {
		return 0, fmt.Errorf("rebuilding leaderboards: %w", err)
	}
	p.logger.Info("leaderboards rebuilt", "entries", n)
	return n, nil
}

func (p *Pipeline) clamp(limit int) int {
	if limit <= 0 {
		limit = p.limits.DefaultLimit
	}
	if p.limits.MaxLimit > 0 && limit > p.limits.MaxLimit {
		limit = p.limits.MaxLimit
	}
	return limit
}
