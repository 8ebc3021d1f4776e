// Package service holds the backend's business logic: the authoritative
// token ledger and the leaderboards derived from it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arcade-ledger/internal/achievement"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/reward"
	"github.com/google/uuid"
)

// rebuildPageSize is how many standings are copied per round trip
const rebuildPageSize = 1000

// Ledger is the durable backend store
type Ledger interface {
	RecordSubmission(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error)
	RecordAward(ctx context.Context, award domain.TokenAward) (domain.AwardResult, error)
	Balance(ctx context.Context, playerID string) (int64, error)
	Standings(ctx context.Context, gameID string, limit, offset int) ([]domain.LeaderboardEntry, error)
}

// Boards is the ranked cache in front of the ledger
type Boards interface {
	SetStanding(ctx context.Context, board string, entry domain.LeaderboardEntry) (bool, error)
	GetTopN(ctx context.Context, board string, n int) ([]domain.LeaderboardEntry, error)
	GetPlayerRank(ctx context.Context, board, playerID string) (*domain.LeaderboardEntry, error)
	GetAroundPlayer(ctx context.Context, board, playerID string, count int) ([]domain.LeaderboardEntry, error)
	GetCount(ctx context.Context, board string) (int64, error)
	ResetBoard(ctx context.Context, board string) error
	BatchSetStandings(ctx context.Context, board string, entries []domain.LeaderboardEntry) error
}

// Broadcaster fans standings out to live subscribers
type Broadcaster interface {
	PublishStanding(board string, entry domain.LeaderboardEntry)
}

// BatchReport summarizes a batch of submissions
type BatchReport struct {
	Accepted   int
	Duplicates int
	Rejected   int
	Failed     int
}

// LedgerService accepts score submissions and token awards from devices.
// Rewards are recomputed here; the device's claim is only compared.
type LedgerService struct {
	ledger     Ledger
	boards     Boards
	hub        Broadcaster
	calculator *reward.Calculator
	engine     *achievement.Engine
	config     *config.LeaderboardConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewLedgerService creates a new ledger service
func NewLedgerService(
	ledger Ledger,
	boards Boards,
	calculator *reward.Calculator,
	engine *achievement.Engine,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		ledger:     ledger,
		boards:     boards,
		calculator: calculator,
		engine:     engine,
		config:     cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetHub sets the broadcaster for live updates
func (s *LedgerService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// SetClock overrides the time source
func (s *LedgerService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *LedgerService) validateSubmission(req domain.SubmitScoreRequest) error {
	if req.PlayerID == "" {
		return domain.NewValidationError("playerId", "is required", domain.ErrInvalidRequest)
	}
	if req.IdempotencyKey == "" {
		return domain.NewValidationError("idempotencyKey", "is required", domain.ErrInvalidRequest)
	}
	if !s.calculator.KnownGame(req.GameID) {
		return domain.NewValidationError("gameId", fmt.Sprintf("%q is not a known game", req.GameID), domain.ErrUnknownGame)
	}
	if req.Score < 0 {
		return domain.NewValidationError("score", "must not be negative", domain.ErrInvalidScore)
	}
	return nil
}

// SubmitScore records a score once per idempotency key. Retries of the same
// key return the original reward and the current balance.
func (s *LedgerService) SubmitScore(ctx context.Context, req domain.SubmitScoreRequest) (domain.SubmitScoreResponse, error) {
	if err := s.validateSubmission(req); err != nil {
		return domain.SubmitScoreResponse{}, err
	}

	sub := domain.Submission{
		EntryID:        req.EntryID,
		PlayerID:       req.PlayerID,
		GameID:         req.GameID,
		Score:          req.Score,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		Reward:         s.calculator.Tokens(req.GameID, req.Score, req.Metadata),
		ClientReward:   req.Reward,
		CreatedAt:      req.CreatedAt,
	}
	if sub.EntryID == "" {
		sub.EntryID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}

	res, err := s.ledger.RecordSubmission(ctx, sub)
	if err != nil {
		if domain.IsValidationError(err) {
			return domain.SubmitScoreResponse{}, err
		}
		return domain.SubmitScoreResponse{}, domain.NewPersistenceError("record submission", err)
	}

	if res.RewardMismatch && !res.Duplicate {
		s.logger.Warn("reward mismatch",
			"player_id", sub.PlayerID,
			"game_id", sub.GameID,
			"idempotency_key", sub.IdempotencyKey,
			"client_reward", sub.ClientReward,
			"reward", res.Reward,
		)
	}

	gameBoard := domain.BoardID(sub.GameID)
	if !res.Duplicate {
		s.publish(ctx, gameBoard, res.Best)
		s.publish(ctx, domain.GlobalBoard, res.Total)
	}

	resp := domain.SubmitScoreResponse{
		Accepted:       true,
		Reward:         res.Reward,
		Balance:        res.Balance,
		Duplicate:      res.Duplicate,
		RewardMismatch: res.RewardMismatch,
	}
	if entry, err := s.boards.GetPlayerRank(ctx, gameBoard, sub.PlayerID); err == nil {
		rank := entry.Rank
		resp.Rank = &rank
	} else if !errors.Is(err, domain.ErrPlayerNotFound) {
		s.logger.Warn("failed to read rank", "player_id", sub.PlayerID, "board", gameBoard, "error", err)
	}

	s.logger.Info("score recorded",
		"player_id", sub.PlayerID,
		"game_id", sub.GameID,
		"score", sub.Score,
		"reward", res.Reward,
		"balance", res.Balance,
		"duplicate", res.Duplicate,
	)
	return resp, nil
}

// publish moves a player on a cached board. The ledger already committed, so
// a cache failure is logged and left for the next rebuild.
func (s *LedgerService) publish(ctx context.Context, board string, standing domain.LeaderboardEntry) {
	applied, err := s.boards.SetStanding(ctx, board, standing)
	if err != nil {
		s.logger.Warn("failed to update board", "board", board, "player_id", standing.PlayerID, "error", err)
		return
	}
	if !applied || s.hub == nil {
		return
	}
	if ranked, err := s.boards.GetPlayerRank(ctx, board, standing.PlayerID); err == nil {
		s.hub.PublishStanding(board, *ranked)
	}
}

// SubmitScoreBatch submits several scores, continuing past failures
func (s *LedgerService) SubmitScoreBatch(ctx context.Context, batch []domain.SubmitScoreRequest) BatchReport {
	var report BatchReport
	for _, req := range batch {
		resp, err := s.SubmitScore(ctx, req)
		switch {
		case err == nil && resp.Duplicate:
			report.Duplicates++
		case err == nil:
			report.Accepted++
		case domain.IsValidationError(err):
			report.Rejected++
			s.logger.Warn("rejected score in batch",
				"player_id", req.PlayerID,
				"idempotency_key", req.IdempotencyKey,
				"error", err,
			)
		default:
			report.Failed++
			s.logger.Error("failed to submit score in batch",
				"player_id", req.PlayerID,
				"idempotency_key", req.IdempotencyKey,
				"error", err,
			)
		}
	}
	return report
}

// validateAward checks a non-score award against the shared catalogue, so a
// device cannot credit itself more than the rules allow.
func (s *LedgerService) validateAward(req domain.TokenAwardRequest) error {
	if req.PlayerID == "" {
		return domain.NewValidationError("playerId", "is required", domain.ErrInvalidRequest)
	}
	if req.Amount < 0 {
		return domain.NewValidationError("amount", "must not be negative", domain.ErrInvalidRequest)
	}

	switch req.Source {
	case domain.RewardSourceAchievement:
		id, ok := strings.CutPrefix(req.Key, string(domain.RewardSourceAchievement)+":")
		if !ok {
			return domain.NewValidationError("key", "must name an achievement", domain.ErrInvalidRequest)
		}
		def, ok := s.engine.Lookup(id)
		if !ok {
			return domain.NewValidationError("key", fmt.Sprintf("%q is not a known achievement", id), domain.ErrInvalidRequest)
		}
		if req.Amount != def.Reward {
			return domain.NewValidationError("amount", fmt.Sprintf("achievement %s is worth %d", id, def.Reward), domain.ErrInvalidRequest)
		}
	case domain.RewardSourceDailyBonus:
		day, ok := strings.CutPrefix(req.Key, string(domain.RewardSourceDailyBonus)+":")
		if !ok {
			return domain.NewValidationError("key", "must name a day", domain.ErrInvalidRequest)
		}
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			return domain.NewValidationError("key", fmt.Sprintf("%q is not a day", day), domain.ErrInvalidRequest)
		}
		if req.Amount != reward.DailyBonus {
			return domain.NewValidationError("amount", fmt.Sprintf("the daily bonus is %d", reward.DailyBonus), domain.ErrInvalidRequest)
		}
	default:
		return domain.NewValidationError("source", fmt.Sprintf("%q cannot be awarded", req.Source), domain.ErrInvalidRequest)
	}
	return nil
}

// AwardTokens credits an achievement or daily bonus once per (player, key)
func (s *LedgerService) AwardTokens(ctx context.Context, req domain.TokenAwardRequest) (domain.TokenAwardResponse, error) {
	if err := s.validateAward(req); err != nil {
		return domain.TokenAwardResponse{}, err
	}

	awardedAt := req.Timestamp
	if awardedAt.IsZero() {
		awardedAt = s.now()
	}
	res, err := s.ledger.RecordAward(ctx, domain.TokenAward{
		PlayerID:  req.PlayerID,
		Key:       req.Key,
		Source:    req.Source,
		Amount:    req.Amount,
		AwardedAt: awardedAt,
	})
	if err != nil {
		return domain.TokenAwardResponse{}, domain.NewPersistenceError("record award", err)
	}

	s.logger.Info("tokens awarded",
		"player_id", req.PlayerID,
		"key", req.Key,
		"amount", req.Amount,
		"balance", res.Balance,
		"duplicate", res.Duplicate,
	)
	return domain.TokenAwardResponse{Accepted: true, Balance: res.Balance, Duplicate: res.Duplicate}, nil
}

// Balance returns the authoritative balance of a player
func (s *LedgerService) Balance(ctx context.Context, playerID string) (int64, error) {
	balance, err := s.ledger.Balance(ctx, playerID)
	if err != nil {
		if errors.Is(err, domain.ErrPlayerNotFound) {
			return 0, err
		}
		return 0, domain.NewPersistenceError("read balance", err)
	}
	return balance, nil
}

func (s *LedgerService) board(gameID string) (string, error) {
	if gameID != "" && !s.calculator.KnownGame(gameID) {
		return "", domain.NewValidationError("gameId", fmt.Sprintf("%q is not a known game", gameID), domain.ErrUnknownGame)
	}
	return domain.BoardID(gameID), nil
}

func (s *LedgerService) clamp(n int) int {
	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}
	return n
}

// GetTopN returns the top N players of a board. An empty gameID is the
// global board. When the cache fails the ledger answers instead.
func (s *LedgerService) GetTopN(ctx context.Context, gameID string, n int) ([]domain.LeaderboardEntry, error) {
	board, err := s.board(gameID)
	if err != nil {
		return nil, err
	}
	n = s.clamp(n)

	entries, err := s.boards.GetTopN(ctx, board, n)
	if err == nil {
		return entries, nil
	}
	s.logger.Warn("board cache unavailable, reading ledger", "board", board, "error", err)

	entries, err = s.ledger.Standings(ctx, gameID, n, 0)
	if err != nil {
		return nil, domain.NewPersistenceError("read standings", err)
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	return entries, nil
}

// GetPlayerRank returns a player's rank on a board
func (s *LedgerService) GetPlayerRank(ctx context.Context, gameID, playerID string) (*domain.LeaderboardEntry, error) {
	board, err := s.board(gameID)
	if err != nil {
		return nil, err
	}
	return s.boards.GetPlayerRank(ctx, board, playerID)
}

// GetAroundPlayer returns players around a specific player's rank
func (s *LedgerService) GetAroundPlayer(ctx context.Context, gameID, playerID string, count int) ([]domain.LeaderboardEntry, error) {
	board, err := s.board(gameID)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 5
	}
	if count > 50 {
		count = 50
	}
	return s.boards.GetAroundPlayer(ctx, board, playerID, count)
}

// GetCount returns the number of players on a board
func (s *LedgerService) GetCount(ctx context.Context, gameID string) (int64, error) {
	board, err := s.board(gameID)
	if err != nil {
		return 0, err
	}
	return s.boards.GetCount(ctx, board)
}

// RebuildLeaderboards reloads every cached board from the ledger
func (s *LedgerService) RebuildLeaderboards(ctx context.Context) (int, error) {
	total := 0
	gameIDs := append([]string{""}, s.calculator.Games()...)
	for _, gameID := range gameIDs {
		board := domain.BoardID(gameID)
		if err := s.boards.ResetBoard(ctx, board); err != nil {
			return total, fmt.Errorf("resetting %s: %w", board, err)
		}
		for offset := 0; ; offset += rebuildPageSize {
			page, err := s.ledger.Standings(ctx, gameID, rebuildPageSize, offset)
			if err != nil {
				return total, fmt.Errorf("reading %s standings: %w", board, err)
			}
			if err := s.boards.BatchSetStandings(ctx, board, page); err != nil {
				return total, fmt.Errorf("loading %s: %w", board, err)
			}
			total += len(page)
			if len(page) < rebuildPageSize {
				break
			}
		}
	}
	s.logger.Info("leaderboards rebuilt from ledger", "boards", len(gameIDs), "standings", total)
	return total, nil
}
