package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// errSyncDisabled is returned by sync endpoints when no backend is configured
var errSyncDisabled = errors.New("sync is disabled")

// Pipeline is the device ingestion pipeline
type Pipeline interface {
	SubmitScore(ctx context.Context, sub domain.ScoreSubmission) (domain.SubmitResult, error)
	Leaderboard(gameID string, limit int) ([]domain.LeaderboardEntry, error)
	Standing(playerID, gameID string) (domain.LeaderboardEntry, error)
}

// LocalLedger is the read side of the device ledger
type LocalLedger interface {
	Player(ctx context.Context, playerID string) (domain.Player, error)
	UpsertProfile(ctx context.Context, profile domain.Profile) (domain.Player, error)
	Rewards(ctx context.Context, playerID string) ([]domain.RewardRecord, error)
	Unlocks(ctx context.Context, playerID string) ([]domain.AchievementUnlock, error)
	Ping(ctx context.Context) error
}

// Outbox exposes the retry queue for inspection
type Outbox interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.OutboxItem, error)
	Counts(ctx context.Context) (map[domain.OutboxState]int, error)
}

// Syncer drives backend reconciliation
type Syncer interface {
	Resync(ctx context.Context) (int, error)
	Reconcile(ctx context.Context, playerID string) (domain.BalanceMerge, error)
	Stats() worker.Stats
}

// submitBody is what the game UI posts when a game finishes
type submitBody struct {
	PlayerID       string          `json:"playerId"`
	GameID         string          `json:"gameId"`
	Score          float64         `json:"score"`
	Metadata       domain.Metadata `json:"metadata"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// LocalHandler serves the device API to the game UI. Every write is final
// locally and never waits on the backend.
type LocalHandler struct {
	responder
	pipeline Pipeline
	ledger   LocalLedger
	outbox   Outbox
	syncer   Syncer
	playerID string
	origins  []string
}

// NewLocalHandler creates the device handler. syncer may be nil when sync
// is disabled. playerID is used when a request does not name a player.
func NewLocalHandler(
	pipeline Pipeline,
	ledger LocalLedger,
	outbox Outbox,
	syncer Syncer,
	playerID string,
	origins []string,
	logger *slog.Logger,
) *LocalHandler {
	return &LocalHandler{
		responder: responder{logger: logger},
		pipeline:  pipeline,
		ledger:    ledger,
		outbox:    outbox,
		syncer:    syncer,
		playerID:  playerID,
		origins:   origins,
	}
}

// Router creates the device router
func (h *LocalHandler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(newCORS(h.origins).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		h.writeSuccess(w, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", h.ReadyCheck)

	r.Post("/submit", h.Submit)
	r.Put("/profile", h.PutProfile)
	r.Get("/balance", h.GetBalance)
	r.Get("/stats", h.GetStats)
	r.Get("/rewards", h.GetRewards)
	r.Get("/achievements", h.GetAchievements)

	r.Route("/leaderboard", func(r chi.Router) {
		r.Get("/global", h.GetLeaderboard)
		r.Get("/global/me", h.GetStanding)
		r.Get("/games/{gameID}", h.GetLeaderboard)
		r.Get("/games/{gameID}/me", h.GetStanding)
	})

	r.Get("/deadletters", h.GetDeadLetters)
	r.Post("/resync", h.Resync)
	r.Post("/reconcile", h.Reconcile)

	return r
}

func (h *LocalHandler) player(r *http.Request) string {
	if id := r.URL.Query().Get("playerId"); id != "" {
		return id
	}
	return h.playerID
}

// ReadyCheck pings the local ledger
func (h *LocalHandler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Ping(r.Context()); err != nil {
		h.logger.Warn("ledger not ready", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, errors.New("not ready"))
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// Submit accepts a finished game
func (h *LocalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.PlayerID == "" {
		body.PlayerID = h.playerID
	}

	result, err := h.pipeline.SubmitScore(r.Context(), domain.ScoreSubmission{
		PlayerID:       body.PlayerID,
		GameID:         body.GameID,
		Score:          body.Score,
		Metadata:       body.Metadata,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, "submit", err)
		return
	}
	h.writeSuccess(w, result)
}

// PutProfile stores display metadata from the identity collaborator
func (h *LocalHandler) PutProfile(w http.ResponseWriter, r *http.Request) {
	var profile domain.Profile
	if !h.decode(w, r, &profile) {
		return
	}
	if profile.PlayerID == "" {
		profile.PlayerID = h.playerID
	}

	player, err := h.ledger.UpsertProfile(r.Context(), profile)
	if err != nil {
		h.writeServiceError(w, "put profile", err)
		return
	}
	h.writeSuccess(w, player)
}

// GetBalance returns the local balance
func (h *LocalHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	player, err := h.ledger.Player(r.Context(), h.player(r))
	if err != nil {
		h.writeServiceError(w, "get balance", err)
		return
	}
	h.writeSuccess(w, domain.BalanceResponse{PlayerID: player.ID, Balance: player.Balance})
}

// GetStats returns the player snapshot along with sync progress
func (h *LocalHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	player, err := h.ledger.Player(r.Context(), h.player(r))
	if err != nil {
		h.writeServiceError(w, "get stats", err)
		return
	}
	counts, err := h.outbox.Counts(r.Context())
	if err != nil {
		h.writeServiceError(w, "get stats", err)
		return
	}

	resp := map[string]interface{}{
		"player": player,
		"outbox": counts,
	}
	if h.syncer != nil {
		resp["sync"] = h.syncer.Stats()
	}
	h.writeSuccess(w, resp)
}

// GetRewards lists the reward audit trail
func (h *LocalHandler) GetRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.ledger.Rewards(r.Context(), h.player(r))
	if err != nil {
		h.writeServiceError(w, "get rewards", err)
		return
	}
	h.writeSuccess(w, rewards)
}

// GetAchievements lists unlocked achievements
func (h *LocalHandler) GetAchievements(w http.ResponseWriter, r *http.Request) {
	unlocks, err := h.ledger.Unlocks(r.Context(), h.player(r))
	if err != nil {
		h.writeServiceError(w, "get achievements", err)
		return
	}
	h.writeSuccess(w, unlocks)
}

// GetLeaderboard returns the top of the global or a game board
func (h *LocalHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.pipeline.Leaderboard(chi.URLParam(r, "gameID"), queryInt(r, "limit", 0))
	if err != nil {
		h.writeServiceError(w, "get leaderboard", err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetStanding returns the player's own position on a board
func (h *LocalHandler) GetStanding(w http.ResponseWriter, r *http.Request) {
	entry, err := h.pipeline.Standing(h.player(r), chi.URLParam(r, "gameID"))
	if err != nil {
		h.writeServiceError(w, "get standing", err)
		return
	}
	h.writeSuccess(w, entry)
}

// GetDeadLetters lists outbox items that ran out of retries
func (h *LocalHandler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.outbox.DeadLetters(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.writeServiceError(w, "get dead letters", err)
		return
	}
	h.writeSuccess(w, items)
}

// Resync requeues dead letters with a fresh retry budget
func (h *LocalHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, errSyncDisabled)
		return
	}
	n, err := h.syncer.Resync(r.Context())
	if err != nil {
		h.writeServiceError(w, "resync", err)
		return
	}
	h.writeSuccess(w, map[string]int{"requeued": n})
}

// Reconcile pulls the backend balance and merges it into the local one
func (h *LocalHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, errSyncDisabled)
		return
	}
	merge, err := h.syncer.Reconcile(r.Context(), h.player(r))
	if err != nil {
		var sf *domain.SyncFailure
		if errors.As(err, &sf) {
			h.logger.Warn("reconcile failed", "error", err)
			h.writeError(w, http.StatusBadGateway, err)
			return
		}
		h.writeServiceError(w, "reconcile", err)
		return
	}
	h.writeSuccess(w, merge)
}
