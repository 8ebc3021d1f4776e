package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/service"
	"github.com/arcade-ledger/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// LedgerService is the backend logic behind the HTTP API
type LedgerService interface {
	SubmitScore(ctx context.Context, req domain.SubmitScoreRequest) (domain.SubmitScoreResponse, error)
	SubmitScoreBatch(ctx context.Context, batch []domain.SubmitScoreRequest) service.BatchReport
	AwardTokens(ctx context.Context, req domain.TokenAwardRequest) (domain.TokenAwardResponse, error)
	Balance(ctx context.Context, playerID string) (int64, error)
	GetTopN(ctx context.Context, gameID string, n int) ([]domain.LeaderboardEntry, error)
	GetPlayerRank(ctx context.Context, gameID, playerID string) (*domain.LeaderboardEntry, error)
	GetAroundPlayer(ctx context.Context, gameID, playerID string, count int) ([]domain.LeaderboardEntry, error)
	RebuildLeaderboards(ctx context.Context) (int, error)
}

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// responder writes the APIResponse envelope
type responder struct {
	logger *slog.Logger
}

// writeJSON writes a JSON response
func (h responder) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h responder) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h responder) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a domain error onto a status code. Validation
// failures are the caller's fault and are never worth retrying; persistence
// failures are reported as unavailable so that clients retry later.
func (h responder) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsPersistenceError(err):
		h.logger.Error("persistence failure", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decode reads a JSON body, keeping numbers intact for metadata
func (h responder) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	})
}

// Handler provides the backend ledger API
type Handler struct {
	responder
	service LedgerService
	hub     *websocket.Hub
	ready   []Pinger
	origins []string
}

// NewHandler creates a new HTTP handler
func NewHandler(service LedgerService, hub *websocket.Hub, origins []string, logger *slog.Logger, ready ...Pinger) *Handler {
	return &Handler{
		responder: responder{logger: logger},
		service:   service,
		hub:       hub,
		ready:     ready,
		origins:   origins,
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(newCORS(h.origins).Handler)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)
	r.Get("/ws/stats", h.GetWebSocketStats)

	r.Post("/scores/submit", h.SubmitScore)
	r.Post("/scores/batch", h.SubmitScoreBatch)
	r.Post("/tokens/award", h.AwardTokens)
	r.Get("/players/{playerID}/balance", h.GetBalance)

	r.Route("/leaderboard", func(r chi.Router) {
		r.Route("/global", func(r chi.Router) {
			r.Get("/", h.GetTop)
			r.Get("/players/{playerID}", h.GetPlayerRank)
			r.Get("/around/{playerID}", h.GetAroundPlayer)
		})
		r.Route("/games/{gameID}", func(r chi.Router) {
			r.Get("/", h.GetTop)
			r.Get("/players/{playerID}", h.GetPlayerRank)
			r.Get("/around/{playerID}", h.GetAroundPlayer)
		})
	})

	r.Post("/admin/leaderboards/rebuild", h.RebuildLeaderboards)

	return r
}

// errLiveUpdatesDisabled is returned by /ws when no hub is configured
var errLiveUpdatesDisabled = errors.New("live updates are disabled")

// HandleWebSocket hands the connection to the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusServiceUnavailable, errLiveUpdatesDisabled)
		return
	}
	h.hub.ServeHTTP(w, r)
}

// GetWebSocketStats returns connections and subscribers per board
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeSuccess(w, websocket.Stats{Boards: map[string]int{}})
		return
	}
	h.writeSuccess(w, h.hub.Stats())
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once every dependency answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	for _, dep := range h.ready {
		if err := dep.Ping(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// SubmitScore handles score submission. Safe to retry with the same key.
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitScoreRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.SubmitScore(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "submit score", err)
		return
	}
	h.writeSuccess(w, resp)
}

// SubmitScoreBatch handles batch score submission
func (h *Handler) SubmitScoreBatch(w http.ResponseWriter, r *http.Request) {
	var batch []domain.SubmitScoreRequest
	if !h.decode(w, r, &batch) {
		return
	}
	if len(batch) == 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	report := h.service.SubmitScoreBatch(r.Context(), batch)
	h.writeSuccess(w, map[string]interface{}{
		"received":   len(batch),
		"accepted":   report.Accepted,
		"duplicates": report.Duplicates,
		"rejected":   report.Rejected,
		"failed":     report.Failed,
	})
}

// AwardTokens credits an achievement or daily bonus
func (h *Handler) AwardTokens(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenAwardRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.AwardTokens(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "award tokens", err)
		return
	}
	h.writeSuccess(w, resp)
}

// GetBalance returns a player's authoritative balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	balance, err := h.service.Balance(r.Context(), playerID)
	if err != nil {
		h.writeServiceError(w, "get balance", err)
		return
	}
	h.writeSuccess(w, domain.BalanceResponse{PlayerID: playerID, Balance: balance})
}

// GetTop returns the top N players of the global or a game board
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetTopN(r.Context(), chi.URLParam(r, "gameID"), queryInt(r, "limit", 0))
	if err != nil {
		h.writeServiceError(w, "get top", err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetPlayerRank returns a player's rank and aggregate
func (h *Handler) GetPlayerRank(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetPlayerRank(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeServiceError(w, "get player rank", err)
		return
	}
	h.writeSuccess(w, entry)
}

// GetAroundPlayer returns players around a specific player's rank
func (h *Handler) GetAroundPlayer(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetAroundPlayer(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "playerID"), queryInt(r, "range", 5))
	if err != nil {
		h.writeServiceError(w, "get around player", err)
		return
	}
	h.writeSuccess(w, entries)
}

// RebuildLeaderboards reloads the cached boards from the ledger
func (h *Handler) RebuildLeaderboards(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RebuildLeaderboards(r.Context())
	if err != nil {
		h.writeServiceError(w, "rebuild leaderboards", err)
		return
	}
	h.writeSuccess(w, map[string]int{"standings": n})
}
