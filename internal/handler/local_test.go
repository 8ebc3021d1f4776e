package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	last     domain.ScoreSubmission
	lastGame string
}

func (f *fakePipeline) SubmitScore(_ context.Context, sub domain.ScoreSubmission) (domain.SubmitResult, error) {
	f.last = sub
	if sub.GameID == "pinball" {
		return domain.SubmitResult{}, domain.NewValidationError("gameId", `"pinball" is not a known game`, domain.ErrUnknownGame)
	}
	rank := int64(1)
	return domain.SubmitResult{EntryID: "e1", Reward: 360, BonusTokens: 150, NewRank: &rank, GlobalRank: &rank, Balance: 510}, nil
}

func (f *fakePipeline) Leaderboard(gameID string, limit int) ([]domain.LeaderboardEntry, error) {
	f.lastGame = gameID
	return []domain.LeaderboardEntry{{Rank: 1, PlayerID: "p1", Score: 1500}}, nil
}

func (f *fakePipeline) Standing(playerID, gameID string) (domain.LeaderboardEntry, error) {
	if playerID != "p1" {
		return domain.LeaderboardEntry{}, domain.ErrPlayerNotFound
	}
	return domain.LeaderboardEntry{Rank: 1, PlayerID: playerID, Score: 1500}, nil
}

type fakeLocalLedger struct {
	profiles map[string]domain.Profile
}

func (f *fakeLocalLedger) Player(_ context.Context, playerID string) (domain.Player, error) {
	if playerID != "p1" {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return domain.Player{ID: "p1", Balance: 510, Stats: domain.PlayerStats{TotalGames: 1}}, nil
}

func (f *fakeLocalLedger) UpsertProfile(_ context.Context, profile domain.Profile) (domain.Player, error) {
	f.profiles[profile.PlayerID] = profile
	return domain.Player{ID: profile.PlayerID, DisplayName: profile.DisplayName}, nil
}

func (f *fakeLocalLedger) Rewards(context.Context, string) ([]domain.RewardRecord, error) {
	return []domain.RewardRecord{{ID: "r1", Source: domain.RewardSourceScore, Amount: 360}}, nil
}

func (f *fakeLocalLedger) Unlocks(context.Context, string) ([]domain.AchievementUnlock, error) {
	return nil, nil
}

func (f *fakeLocalLedger) Ping(context.Context) error { return nil }

type fakeOutbox struct{}

func (fakeOutbox) DeadLetters(context.Context, int) ([]domain.OutboxItem, error) {
	return []domain.OutboxItem{{ID: "i1", Kind: domain.OutboxKindScore, State: domain.OutboxStateDeadLettered, Attempts: 8}}, nil
}

func (fakeOutbox) Counts(context.Context) (map[domain.OutboxState]int, error) {
	return map[domain.OutboxState]int{domain.OutboxStateQueued: 2}, nil
}

type fakeSyncer struct {
	reconcileErr error
}

func (f *fakeSyncer) Resync(context.Context) (int, error) { return 3, nil }

func (f *fakeSyncer) Reconcile(_ context.Context, playerID string) (domain.BalanceMerge, error) {
	if f.reconcileErr != nil {
		return domain.BalanceMerge{}, f.reconcileErr
	}
	return domain.BalanceMerge{Local: 100, Backend: 137, Balance: 137, Applied: true}, nil
}

func (f *fakeSyncer) Stats() worker.Stats {
	return worker.Stats{Running: true, Synced: 4, LastFlushAt: time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)}
}

func newLocal(pipeline *fakePipeline, syncer Syncer) (http.Handler, *fakeLocalLedger) {
	ledger := &fakeLocalLedger{profiles: make(map[string]domain.Profile)}
	return NewLocalHandler(pipeline, ledger, fakeOutbox{}, syncer, "p1", []string{"*"}, discard).Router(), ledger
}

func TestLocalSubmitDefaultsToConfiguredPlayer(t *testing.T) {
	pipeline := &fakePipeline{}
	h, _ := newLocal(pipeline, &fakeSyncer{})

	code, env := do(t, h, http.MethodPost, "/submit", `{"gameId":"brain-age","score":1500,"metadata":{"accuracy":0.95,"perfectRound":true}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "p1", pipeline.last.PlayerID)
	assert.Equal(t, float64(1500), pipeline.last.Score)
	assert.True(t, pipeline.last.Metadata.Truthy("perfectRound"))

	var result domain.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, int64(510), result.Balance)
	assert.Equal(t, int64(150), result.BonusTokens)

	code, env = do(t, h, http.MethodPost, "/submit", `{"gameId":"pinball","score":10}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "pinball")
}

func TestLocalReads(t *testing.T) {
	pipeline := &fakePipeline{}
	h, _ := newLocal(pipeline, &fakeSyncer{})

	code, env := do(t, h, http.MethodGet, "/balance", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"playerId":"p1","balance":510}`, string(env.Data))

	code, _ = do(t, h, http.MethodGet, "/balance?playerId=ghost", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, code)
	var stats struct {
		Player domain.Player              `json:"player"`
		Outbox map[domain.OutboxState]int `json:"outbox"`
		Sync   worker.Stats               `json:"sync"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(1), stats.Player.Stats.TotalGames)
	assert.Equal(t, 2, stats.Outbox[domain.OutboxStateQueued])
	assert.Equal(t, int64(4), stats.Sync.Synced)

	code, _ = do(t, h, http.MethodGet, "/leaderboard/games/snake", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "snake", pipeline.lastGame)

	code, _ = do(t, h, http.MethodGet, "/leaderboard/global", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "", pipeline.lastGame)

	code, env = do(t, h, http.MethodGet, "/leaderboard/global/me", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"rank":1`)

	code, env = do(t, h, http.MethodGet, "/deadletters", "")
	require.Equal(t, http.StatusOK, code)
	var items []domain.OutboxItem
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, domain.OutboxStateDeadLettered, items[0].State)
}

func TestLocalProfile(t *testing.T) {
	h, ledger := newLocal(&fakePipeline{}, nil)

	code, _ := do(t, h, http.MethodPut, "/profile", `{"display_name":"Ada"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ada", ledger.profiles["p1"].DisplayName)
}

func TestLocalSyncEndpoints(t *testing.T) {
	syncer := &fakeSyncer{}
	h, _ := newLocal(&fakePipeline{}, syncer)

	code, env := do(t, h, http.MethodPost, "/resync", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"requeued":3}`, string(env.Data))

	code, env = do(t, h, http.MethodPost, "/reconcile", "")
	require.Equal(t, http.StatusOK, code)
	var merge domain.BalanceMerge
	require.NoError(t, json.Unmarshal(env.Data, &merge))
	assert.True(t, merge.Applied)
	assert.Equal(t, int64(137), merge.Balance)

	syncer.reconcileErr = &domain.SyncFailure{Status: 503, Retryable: true, Err: errors.New("backend unavailable")}
	code, _ = do(t, h, http.MethodPost, "/reconcile", "")
	assert.Equal(t, http.StatusBadGateway, code)

	disabled, _ := newLocal(&fakePipeline{}, nil)
	code, env = do(t, disabled, http.MethodPost, "/resync", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "sync is disabled", env.Error)
}
