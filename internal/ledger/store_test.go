package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(context.Background(), path, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	store.SetClock(func() time.Time { return testDay })
	return store
}

// simpleAccrue credits score/100, a daily bonus, and first_game once.
func simpleAccrue(state AppendState) (Accrual, error) {
	acc := Accrual{
		Reward:     state.Entry.Score / 100,
		Components: domain.RewardComponents{Base: state.Entry.Score / 100, GameMultiplier: "1"},
	}
	if state.FirstOfDay {
		acc.DailyBonus = 100
	}
	if !state.Unlocked["first_game"] && state.After.TotalGames >= 1 {
		acc.Unlocks = append(acc.Unlocks, domain.AchievementUnlock{
			PlayerID:      state.Entry.PlayerID,
			AchievementID: "first_game",
			Reward:        25,
			UnlockedAt:    state.Entry.CreatedAt,
		})
	}
	return acc, nil
}

func entry(player, key string, score int64, at time.Time) domain.ScoreEntry {
	return domain.ScoreEntry{
		PlayerID:       player,
		GameID:         "snake",
		Score:          score,
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

func sumRewards(t *testing.T, store *Store, player string) int64 {
	t.Helper()
	records, err := store.Rewards(context.Background(), player)
	require.NoError(t, err)
	var total int64
	for _, r := range records {
		total += r.Amount
	}
	return total
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestAppendCreditsRewardBonusAndUnlock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.Append(ctx, entry("p1", "k1", 1200, testDay), simpleAccrue)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(12), res.Reward.Amount)
	require.NotNil(t, res.Bonus)
	assert.Equal(t, int64(100), res.Bonus.Amount)
	require.Len(t, res.Unlocks, 1)
	assert.Equal(t, int64(137), res.Balance)
	assert.Equal(t, int64(137), res.Credited())
	assert.Equal(t, int64(1), res.Stats.TotalGames)

	balance, err := store.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(137), balance)
	assert.Equal(t, balance, sumRewards(t, store, "p1"))

	res, err = store.Append(ctx, entry("p1", "k2", 500, testDay.Add(time.Minute)), simpleAccrue)
	require.NoError(t, err)
	assert.Nil(t, res.Bonus, "daily bonus is credited once per day")
	assert.Empty(t, res.Unlocks)
	assert.Equal(t, int64(142), res.Balance)
}

func TestAppendEnqueuesOutboxInSameTransaction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.Append(ctx, entry("p1", "k1", 1200, testDay), simpleAccrue)
	require.NoError(t, err)

	db := store.DB()
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM outbox_items WHERE kind = 'score' AND reference = ?`, res.Entry.ID))
	assert.Equal(t, 2, countRows(t, db, `SELECT COUNT(*) FROM outbox_items WHERE kind = 'token_award'`))

	failing := func(AppendState) (Accrual, error) { return Accrual{}, errors.New("boom") }
	_, err = store.Append(ctx, entry("p1", "k2", 100, testDay), failing)
	require.Error(t, err)
	assert.Equal(t, 3, countRows(t, db, `SELECT COUNT(*) FROM outbox_items`), "a failed append leaves nothing behind")
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM score_entries`))
}

func TestAppendIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, entry("p1", "same-key", 1200, testDay), simpleAccrue)
	require.NoError(t, err)

	second, err := store.Append(ctx, entry("p1", "same-key", 1200, testDay.Add(time.Second)), simpleAccrue)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, first.Reward.ID, second.Reward.ID)
	assert.Equal(t, first.Reward.Amount, second.Reward.Amount)
	require.NotNil(t, second.Bonus)
	assert.Equal(t, first.Bonus.ID, second.Bonus.ID)
	assert.Len(t, second.Unlocks, 1)
	assert.Equal(t, first.Balance, second.Balance)

	db := store.DB()
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM score_entries`))
	assert.Equal(t, 1, countRows(t, db, `SELECT COUNT(*) FROM reward_records WHERE source = 'score'`))
}

func TestAppendRejectsKeyOwnedByAnotherSubmission(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, entry("p1", "shared", 1200, testDay), simpleAccrue)
	require.NoError(t, err)

	_, err = store.Append(ctx, entry("p2", "shared", 900, testDay), simpleAccrue)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))

	_, err = store.Balance(ctx, "p2")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound, "the other player gets nothing")

	other := entry("p1", "shared", 1200, testDay)
	other.GameID = "tetris"
	_, err = store.Append(ctx, other, simpleAccrue)
	assert.True(t, domain.IsValidationError(err))

	balance, err := store.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(137), balance)
	assert.Equal(t, 1, countRows(t, store.DB(), `SELECT COUNT(*) FROM score_entries`))
}

func TestConcurrentAppendsSamePlayerSerialize(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, entry("p1", fmt.Sprintf("k%d", i), 1000, testDay), simpleAccrue)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := store.PlayerStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats.TotalGames)
	assert.Equal(t, int64(n*1000), stats.TotalScore)

	balance, err := store.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(n*10+100+25), balance)
	assert.Equal(t, balance, sumRewards(t, store, "p1"))

	unlocks, err := store.Unlocks(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, unlocks, 1)
}

func TestConcurrentDuplicateKeyYieldsOneEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan AppendResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Append(ctx, entry("p1", "double-click", 1200, testDay), simpleAccrue)
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var ids []string
	duplicates := 0
	for res := range results {
		ids = append(ids, res.Entry.ID)
		if res.Duplicate {
			duplicates++
		}
	}
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, 1, countRows(t, store.DB(), `SELECT COUNT(*) FROM reward_records WHERE source = 'score'`))
}

func TestApplyUnlocksIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	unlock := domain.AchievementUnlock{PlayerID: "p1", AchievementID: "combo_50", Reward: 150, UnlockedAt: testDay}

	applied, err := store.ApplyUnlocks(ctx, "p1", []domain.AchievementUnlock{unlock})
	require.NoError(t, err)
	assert.Len(t, applied, 1)

	applied, err = store.ApplyUnlocks(ctx, "p1", []domain.AchievementUnlock{unlock})
	require.NoError(t, err)
	assert.Empty(t, applied)

	balance, err := store.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	_, err = store.ApplyUnlocks(ctx, "p1", []domain.AchievementUnlock{{PlayerID: "p2", AchievementID: "x"}})
	assert.True(t, domain.IsValidationError(err))
}

func TestMergeBackendBalanceIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, entry("p1", "k1", 1200, testDay), simpleAccrue)
	require.NoError(t, err)

	merge, err := store.MergeBackendBalance(ctx, "p1", 100)
	require.NoError(t, err)
	assert.False(t, merge.Applied)
	assert.Equal(t, int64(137), merge.Balance)

	merge, err = store.MergeBackendBalance(ctx, "p1", 137)
	require.NoError(t, err)
	assert.False(t, merge.Applied)

	merge, err = store.MergeBackendBalance(ctx, "p1", 200)
	require.NoError(t, err)
	assert.True(t, merge.Applied)
	assert.Equal(t, int64(200), merge.Balance)

	balance, err := store.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance)
	assert.Equal(t, balance, sumRewards(t, store, "p1"))

	_, err = store.MergeBackendBalance(ctx, "ghost", 10)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestNextSequenceAndSyncStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seq, err := store.NextSequence(ctx, "p1", "snake")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	seq, err = store.NextSequence(ctx, "p1", "snake")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	e := entry("p1", "k9", 100, testDay)
	e.Sequence = 9
	res, err := store.Append(ctx, e, simpleAccrue)
	require.NoError(t, err)

	seq, err = store.NextSequence(ctx, "p1", "snake")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), seq, "explicit sequences advance the counter")

	require.NoError(t, store.MarkEntrySynced(ctx, res.Entry.ID))
	got, err := store.Entry(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSynced, got.SyncStatus)

	assert.ErrorIs(t, store.MarkEntrySynced(ctx, "missing"), domain.ErrEntryNotFound)
}

func TestUpsertProfile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	player, err := store.UpsertProfile(ctx, domain.Profile{PlayerID: "p1", DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", player.DisplayName)
	assert.Equal(t, int64(0), player.Balance)

	_, err = store.Player(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}
