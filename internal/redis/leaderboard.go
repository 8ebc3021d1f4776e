package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic retries when two writers race on a player
const maxWatchRetries = 32

// LeaderboardService keeps the backend boards in Redis sorted sets. Members
// are encoded as "<inverted nanos>:<player id>" so that equal scores order
// by earliest achievement under ZREVRANGE. A hash per board maps each player
// to their current member.
type LeaderboardService struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboardService creates a new Redis leaderboard service
func NewLeaderboardService(cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewLeaderboardServiceFromClient(client, logger), nil
}

// NewLeaderboardServiceFromClient wraps an existing client
func NewLeaderboardServiceFromClient(client *redis.Client, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *LeaderboardService) Close() error {
	return s.client.Close()
}

// Ping checks Redis is reachable
func (s *LeaderboardService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// leaderboardKey returns the Redis key for a board's sorted set
func (s *LeaderboardService) leaderboardKey(board string) string {
	return fmt.Sprintf("leaderboard:%s:realtime", board)
}

// membersKey returns the Redis key mapping players to their members
func (s *LeaderboardService) membersKey(board string) string {
	return fmt.Sprintf("leaderboard:%s:members", board)
}

func encodeMember(playerID string, achievedAt time.Time) string {
	var nanos int64
	if !achievedAt.IsZero() {
		nanos = achievedAt.UnixNano()
	}
	return fmt.Sprintf("%019d:%s", math.MaxInt64-nanos, playerID)
}

func decodeMember(member string) (string, time.Time, error) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return "", time.Time{}, fmt.Errorf("malformed member %q", member)
	}
	inverted, err := strconv.ParseInt(member[:idx], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed member %q: %w", member, err)
	}
	return member[idx+1:], time.Unix(0, math.MaxInt64-inverted).UTC(), nil
}

func toEntry(z redis.Z, rank int64) (domain.LeaderboardEntry, error) {
	member, _ := z.Member.(string)
	playerID, achievedAt, err := decodeMember(member)
	if err != nil {
		return domain.LeaderboardEntry{}, err
	}
	return domain.LeaderboardEntry{
		Rank:       rank,
		PlayerID:   playerID,
		Score:      int64(z.Score),
		AchievedAt: achievedAt,
	}, nil
}

// SetStanding moves a player to the given aggregate on a board. Stale
// standings, lower or equal to what is stored, are ignored so that replays
// and reordered writes cannot move a player backwards. It reports whether
// the board changed.
func (s *LeaderboardService) SetStanding(ctx context.Context, board string, entry domain.LeaderboardEntry) (bool, error) {
	key := s.leaderboardKey(board)
	membersKey := s.membersKey(board)
	member := encodeMember(entry.PlayerID, entry.AchievedAt)

	var applied bool
	txf := func(tx *redis.Tx) error {
		applied = false
		old, err := tx.HGet(ctx, membersKey, entry.PlayerID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if old != "" {
			oldScore, err := tx.ZScore(ctx, key, old).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			case float64(entry.Score) < oldScore:
				return nil
			case float64(entry.Score) == oldScore && member <= old:
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != "" && old != member {
				pipe.ZRem(ctx, key, old)
			}
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(entry.Score), Member: member})
			pipe.HSet(ctx, membersKey, entry.PlayerID, member)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, membersKey)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("setting standing: %w", err)
	}
	return false, fmt.Errorf("setting standing: %w", redis.TxFailedErr)
}

// GetTopN returns the top N players of a board
func (s *LeaderboardService) GetTopN(ctx context.Context, board string, n int) ([]domain.LeaderboardEntry, error) {
	if n <= 0 {
		return []domain.LeaderboardEntry{}, nil
	}
	return s.GetRange(ctx, board, 0, n-1)
}

// GetPlayerRank returns a player's rank and aggregate
func (s *LeaderboardService) GetPlayerRank(ctx context.Context, board, playerID string) (*domain.LeaderboardEntry, error) {
	member, err := s.client.HGet(ctx, s.membersKey(board), playerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting player member: %w", err)
	}

	key := s.leaderboardKey(board)
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, key, member)
	scoreCmd := pipe.ZScore(ctx, key, member)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting rank result: %w", err)
	}
	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	entry, err := toEntry(redis.Z{Score: score, Member: member}, rank+1)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetAroundPlayer returns players around a specific player's rank
func (s *LeaderboardService) GetAroundPlayer(ctx context.Context, board, playerID string, count int) ([]domain.LeaderboardEntry, error) {
	playerEntry, err := s.GetPlayerRank(ctx, board, playerID)
	if err != nil {
		return nil, err
	}

	start := playerEntry.Rank - int64(count) - 1
	if start < 0 {
		start = 0
	}
	end := playerEntry.Rank + int64(count) - 1

	return s.GetRange(ctx, board, int(start), int(end))
}

// GetRange returns players within a specific rank range (0-indexed, inclusive)
func (s *LeaderboardService) GetRange(ctx context.Context, board string, start, end int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, s.leaderboardKey(board), int64(start), int64(end)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting range: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(results))
	for i, result := range results {
		entry, err := toEntry(result, int64(start+i+1))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetCount returns the total number of players on a board
func (s *LeaderboardService) GetCount(ctx context.Context, board string) (int64, error) {
	count, err := s.client.ZCard(ctx, s.leaderboardKey(board)).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// ResetBoard clears every entry of a board
func (s *LeaderboardService) ResetBoard(ctx context.Context, board string) error {
	err := s.client.Del(ctx, s.leaderboardKey(board), s.membersKey(board)).Err()
	if err != nil {
		return fmt.Errorf("resetting board: %w", err)
	}
	return nil
}

// BatchSetStandings loads standings into an empty board using pipelining
func (s *LeaderboardService) BatchSetStandings(ctx context.Context, board string, entries []domain.LeaderboardEntry) error {
	if len(entries) == 0 {
		return nil
	}
	key := s.leaderboardKey(board)
	membersKey := s.membersKey(board)
	pipe := s.client.Pipeline()

	for _, entry := range entries {
		member := encodeMember(entry.PlayerID, entry.AchievedAt)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(entry.Score),
			Member: member,
		})
		pipe.HSet(ctx, membersKey, entry.PlayerID, member)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("batch setting standings: %w", err)
	}
	return nil
}
