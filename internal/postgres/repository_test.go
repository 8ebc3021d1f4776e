package postgres

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepository connects to the database named by ARCADE_TEST_POSTGRES_*
// and skips when none is configured.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	var cfg config.PostgresConfig
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Prefix: "ARCADE_TEST_POSTGRES_"}))
	if cfg.Host == "" {
		t.Skip("ARCADE_TEST_POSTGRES_HOST not set")
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	cfg.MaxConnections = 10
	cfg.MinConnections = 1
	cfg.MaxConnLifetime = time.Minute
	cfg.MaxConnIdleTime = time.Minute

	repo, err := NewRepository(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.RunMigrations(context.Background()))
	return repo
}

func submission(playerID, gameID string, score, reward int64, at time.Time) domain.Submission {
	return domain.Submission{
		EntryID:        uuid.NewString(),
		PlayerID:       playerID,
		GameID:         gameID,
		Score:          score,
		IdempotencyKey: uuid.NewString(),
		Reward:         reward,
		ClientReward:   reward,
		CreatedAt:      at,
	}
}

func TestRecordSubmissionIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	player := "pg-" + uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	sub := submission(player, "brain-age", 12000, 360, at)
	sub.ClientReward = 460

	var wg sync.WaitGroup
	results := make([]domain.SubmissionResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = repo.RecordSubmission(ctx, sub)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(360), results[i].Reward)
		assert.True(t, results[i].RewardMismatch)
		assert.Equal(t, int64(12000), results[i].Best.Score)
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	balance, err := repo.Balance(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, int64(360), balance)

	other := sub
	other.PlayerID = "pg-" + uuid.NewString()
	_, err = repo.RecordSubmission(ctx, other)
	assert.True(t, domain.IsValidationError(err))
}

func TestRecordSubmissionAggregates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	player := "pg-" + uuid.NewString()
	at := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.RecordSubmission(ctx, submission(player, "tetris", 1500, 15, at))
	require.NoError(t, err)
	res, err := repo.RecordSubmission(ctx, submission(player, "tetris", 900, 9, at.Add(time.Second)))
	require.NoError(t, err)

	assert.Equal(t, int64(1500), res.Best.Score)
	assert.True(t, res.Best.AchievedAt.Equal(at))
	assert.Equal(t, int64(2400), res.Total.Score)
	assert.True(t, res.Total.AchievedAt.Equal(at.Add(time.Second)))
	assert.Equal(t, int64(24), res.Balance)
}

func TestRecordAwardIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	player := "pg-" + uuid.NewString()
	award := domain.TokenAward{
		PlayerID:  player,
		Key:       "achievement:first_game",
		Source:    domain.RewardSourceAchievement,
		Amount:    25,
		AwardedAt: time.Now().UTC(),
	}

	first, err := repo.RecordAward(ctx, award)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(25), first.Balance)

	again, err := repo.RecordAward(ctx, award)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(25), again.Balance)

	_, err = repo.Balance(ctx, "pg-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}
