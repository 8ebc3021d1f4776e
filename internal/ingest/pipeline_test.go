package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcade-ledger/internal/achievement"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/leaderboard"
	"github.com/arcade-ledger/internal/ledger"
	"github.com/arcade-ledger/internal/reward"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Nudge() { c.n.Add(1) }

type fixture struct {
	pipeline *Pipeline
	store    *ledger.Store
	board    *leaderboard.Aggregator
	notifier *countingNotifier
	now      *time.Time
	mu       *sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), 5*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	calc, err := reward.NewCalculator(config.DefaultGames)
	require.NoError(t, err)
	engine, err := achievement.NewEngine(achievement.DefaultCatalogue)
	require.NoError(t, err)

	board := leaderboard.New()
	notifier := &countingNotifier{}
	limits := config.DefaultConfig().Leaderboard
	p := New(store, calc, engine, board, notifier, limits, logger)

	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	mu := &sync.Mutex{}
	p.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	})
	return &fixture{pipeline: p, store: store, board: board, notifier: notifier, now: &now, mu: mu}
}

func achievementIDs(unlocks []domain.AchievementUnlock) []string {
	out := make([]string, len(unlocks))
	for i, u := range unlocks {
		out[i] = u.AchievementID
	}
	return out
}

func TestBrainAgeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.SubmitScore(ctx, domain.ScoreSubmission{
		PlayerID: "p1",
		GameID:   "brain-age",
		Score:    12000,
		Metadata: domain.Metadata{"accuracy": 95.0},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(360), res.Reward)
	assert.Equal(t, int64(reward.DailyBonus), res.BonusTokens)
	assert.Equal(t, []string{"first_game", "high_score_10000"}, achievementIDs(res.NewAchievements))
	assert.Equal(t, int64(200), res.NewAchievements[1].Reward)
	assert.Equal(t, int64(360+100+25+200), res.Balance)
	require.NotNil(t, res.NewRank)
	assert.Equal(t, int64(1), *res.NewRank)
	require.NotNil(t, res.GlobalRank)
	assert.Equal(t, int64(1), *res.GlobalRank)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(1), f.notifier.n.Load())

	records, err := f.store.Rewards(ctx, "p1")
	require.NoError(t, err)
	var total int64
	var score *domain.RewardRecord
	for i := range records {
		total += records[i].Amount
		if records[i].Source == domain.RewardSourceScore {
			score = &records[i]
		}
	}
	assert.Equal(t, res.Balance, total)
	require.NotNil(t, score)
	require.NotNil(t, score.Components)
	assert.Equal(t, int64(120), score.Components.Base)
	assert.Equal(t, "2", score.Components.GameMultiplier)
	assert.Equal(t, "1.5", score.Components.AccuracyMultiplier)
}

func TestSameKeyTwiceYieldsOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := domain.ScoreSubmission{PlayerID: "p1", GameID: "snake", Score: 4200, IdempotencyKey: "click-1"}

	var wg sync.WaitGroup
	results := make([]domain.SubmitResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.pipeline.SubmitScore(ctx, sub)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, results[0].EntryID, results[1].EntryID)
	assert.Equal(t, results[0].Reward, results[1].Reward)
	assert.NotEqual(t, results[0].Duplicate, results[1].Duplicate)

	entries, err := f.store.Entries(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	stats, err := f.store.PlayerStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalGames)

	top := f.pipeline.board.TopN("", 10)
	require.Len(t, top, 1)
	assert.Equal(t, int64(4200), top[0].Score, "a duplicate does not add to the global total")
}

func TestSequenceDerivedKeysAreStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.SubmitScore(ctx, domain.ScoreSubmission{PlayerID: "p1", GameID: "snake", Score: 100, Sequence: 7})
	require.NoError(t, err)
	again, err := f.pipeline.SubmitScore(ctx, domain.ScoreSubmission{PlayerID: "p1", GameID: "snake", Score: 100, Sequence: 7})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.EntryID, again.EntryID)

	next, err := f.pipeline.SubmitScore(ctx, domain.ScoreSubmission{PlayerID: "p1", GameID: "snake", Score: 100})
	require.NoError(t, err)
	assert.False(t, next.Duplicate)

	entry, err := f.store.Entry(ctx, next.EntryID)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), entry.Sequence)
	assert.Equal(t, IdempotencyKey("p1", "snake", 8), entry.IdempotencyKey)

	assert.Equal(t, IdempotencyKey("p1", "snake", 1), IdempotencyKey("p1", "snake", 1))
	assert.NotEqual(t, IdempotencyKey("p1", "snake", 1), IdempotencyKey("p1", "tetris", 1))
}

func TestValidationRejectsBeforePersistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]domain.ScoreSubmission{
		"missing player": {GameID: "snake", Score: 1},
		"unknown game":   {PlayerID: "p1", GameID: "pong", Score: 1},
		"negative":       {PlayerID: "p1", GameID: "snake", Score: -5},
		"nan":            {PlayerID: "p1", GameID: "snake", Score: math.NaN()},
		"infinite":       {PlayerID: "p1", GameID: "snake", Score: math.Inf(1)},
		"fractional":     {PlayerID: "p1", GameID: "snake", Score: 10.5},
	}
	for name, sub := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.pipeline.SubmitScore(ctx, sub)
			require.Error(t, err)
			assert.True(t, domain.IsValidationError(err))
			assert.False(t, domain.IsRetryable(err))
		})
	}

	_, err := f.store.Player(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
	assert.Equal(t, int64(0), f.notifier.n.Load())
}

func TestLeaderboardTieScenarioAndRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, s := range []struct {
		player string
		score  float64
	}{{"p1", 500}, {"p2", 1500}, {"p3", 1500}} {
		_, err := f.pipeline.SubmitScore(ctx, domain.ScoreSubmission{PlayerID: s.player, GameID: "tetris", Score: s.score})
		require.NoError(t, err)
	}

	global, err := f.pipeline.Leaderboard("", 10)
	require.NoError(t, err)
	require.Len(t, global, 3)
	assert.Equal(t, []string{"p2", "p3", "p1"}, []string{global[0].PlayerID, global[1].PlayerID, global[2].PlayerID})

	game, err := f.pipeline.Leaderboard("tetris", 0)
	require.NoError(t, err)
	assert.Equal(t, global[0].PlayerID, game[0].PlayerID)

	_, err = f.pipeline.Leaderboard("pong", 10)
	assert.ErrorIs(t, err, domain.ErrUnknownGame)

	fresh := leaderboard.New()
	f.pipeline.board = fresh
	n, err := f.pipeline.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rebuilt, err := f.pipeline.Leaderboard("", 10)
	require.NoError(t, err)
	assert.Equal(t, global, rebuilt)

	standing, err := f.pipeline.Standing("p3", "tetris")
	require.NoError(t, err)
	assert.Equal(t, int64(2), standing.Rank)
}

// unavailableStore fails every call the way a locked or missing database does
type unavailableStore struct{}

var errDiskIO = errors.New("disk I/O error")

func (unavailableStore) Append(context.Context, domain.ScoreEntry, ledger.AccrueFunc) (ledger.AppendResult, error) {
	return ledger.AppendResult{}, domain.NewPersistenceError("append", errDiskIO)
}

func (unavailableStore) NextSequence(context.Context, string, string) (uint64, error) {
	return 0, domain.NewPersistenceError("next sequence", errDiskIO)
}

func (unavailableStore) ForEachEntry(context.Context, func(domain.ScoreEntry) error) error {
	return domain.NewPersistenceError("scan entries", errDiskIO)
}

func TestPersistenceFailureLeavesNoTrace(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calc, err := reward.NewCalculator(config.DefaultGames)
	require.NoError(t, err)
	engine, err := achievement.NewEngine(achievement.DefaultCatalogue)
	require.NoError(t, err)

	board := leaderboard.New()
	notifier := &countingNotifier{}
	p := New(unavailableStore{}, calc, engine, board, notifier, config.DefaultConfig().Leaderboard, logger)
	ctx := context.Background()

	submissions := []domain.ScoreSubmission{
		{PlayerID: "p1", GameID: "snake", Score: 1200, IdempotencyKey: "k1"},
		{PlayerID: "p1", GameID: "snake", Score: 1200, Sequence: 4},
		{PlayerID: "p1", GameID: "snake", Score: 1200},
	}
	for _, sub := range submissions {
		res, err := p.SubmitScore(ctx, sub)
		require.Error(t, err)
		assert.True(t, domain.IsPersistenceError(err))
		assert.ErrorIs(t, err, errDiskIO)
		assert.Empty(t, res.EntryID)
		assert.Nil(t, res.NewRank)
	}

	assert.Equal(t, 0, board.Count("snake"))
	assert.Equal(t, 0, board.Count(""))
	assert.Equal(t, int64(0), notifier.n.Load(), "nothing was queued for sync")

	_, err = p.Rebuild(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsPersistenceError(err))
}
