package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// SnapshotSource reads the top of a board. An empty gameID is the global
// board.
type SnapshotSource interface {
	GetTopN(ctx context.Context, gameID string, n int) ([]domain.LeaderboardEntry, error)
}

// Options tunes a hub
type Options struct {
	// Origins allowed to open a socket. Empty allows any origin.
	Origins []string
	// SnapshotSize is how many entries a new subscriber receives
	SnapshotSize int
	// QueueSize bounds standings waiting to be fanned out
	QueueSize int
}

// Stats describes the hub's current audience
type Stats struct {
	Connections int            `json:"total_connections"`
	Boards      map[string]int `json:"boards"`
	Dropped     int64          `json:"dropped"`
}

type standingChange struct {
	board string
	entry domain.LeaderboardEntry
	at    time.Time
}

// Hub pushes leaderboard standings to the sockets subscribed to each board.
// Writers publish through PublishStanding; Run does the fan-out.
type Hub struct {
	source   SnapshotSource
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	members map[*subscriber]map[string]struct{}
	boards  map[string]map[*subscriber]struct{}

	standings chan standingChange
	// last rank sent per board and player, owned by Run
	lastRank map[string]int64
	dropped  atomic.Int64
}

// NewHub creates a hub. source may be nil, in which case subscribers get
// no snapshot.
func NewHub(source SnapshotSource, opts Options, logger *slog.Logger) *Hub {
	if opts.SnapshotSize <= 0 {
		opts.SnapshotSize = 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	policy := cors.New(cors.Options{AllowedOrigins: opts.Origins})

	return &Hub{
		source: source,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// non-browser clients send no Origin
				return r.Header.Get("Origin") == "" || policy.OriginAllowed(r)
			},
		},
		members:   make(map[*subscriber]map[string]struct{}),
		boards:    make(map[string]map[*subscriber]struct{}),
		standings: make(chan standingChange, opts.QueueSize),
		lastRank:  make(map[string]int64),
	}
}

// PublishStanding queues a player's new standing on a board. It never
// blocks; when the queue is full the update is dropped and counted.
func (h *Hub) PublishStanding(board string, entry domain.LeaderboardEntry) {
	select {
	case h.standings <- standingChange{board: board, entry: entry, at: time.Now()}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("standing queue full, dropping update", "board", board, "player_id", entry.PlayerID)
	}
}

// Run fans queued standings out until ctx is done, then disconnects every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			h.logger.Info("websocket hub stopped")
			return
		case change := <-h.standings:
			h.fanOut(change)
		}
	}
}

func (h *Hub) fanOut(change standingChange) {
	update := StandingUpdate{LeaderboardEntry: change.entry}
	key := change.board + "/" + change.entry.PlayerID
	if prev, ok := h.lastRank[key]; ok {
		update.PreviousRank = &prev
		update.Movement = prev - change.entry.Rank
	}
	h.lastRank[key] = change.entry.Rank

	frame, err := json.Marshal(Event{Type: EventStanding, Board: change.board, Data: update, At: change.at})
	if err != nil {
		h.logger.Error("failed to encode standing", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.boards[change.board] {
		if !s.enqueue(frame) {
			h.dropped.Add(1)
			h.logger.Warn("subscriber is behind, skipping update", "subscriber_id", s.id, "board", change.board)
		}
	}
}

// ServeHTTP upgrades the request and serves the socket until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s := newSubscriber(h, conn)
	h.join(s)
	h.logger.Debug("subscriber connected", "subscriber_id", s.id, "remote_addr", r.RemoteAddr)

	go s.writeLoop()
	go s.readLoop()
}

func (h *Hub) join(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[s] = make(map[string]struct{})
}

func (h *Hub) leave(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	boards, ok := h.members[s]
	if !ok {
		return
	}
	for board := range boards {
		h.removeLocked(s, board)
	}
	delete(h.members, s)
	s.close()
}

func (h *Hub) subscribe(s *subscriber, board string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	boards, ok := h.members[s]
	if !ok {
		return false
	}
	boards[board] = struct{}{}
	subs, ok := h.boards[board]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.boards[board] = subs
	}
	subs[s] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(s *subscriber, board string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if boards, ok := h.members[s]; ok {
		delete(boards, board)
	}
	h.removeLocked(s, board)
}

func (h *Hub) removeLocked(s *subscriber, board string) {
	subs, ok := h.boards[board]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.boards, board)
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.members {
		s.close()
	}
}

// snapshot reads the top of board for a new subscriber
func (h *Hub) snapshot(ctx context.Context, board string) (Snapshot, error) {
	entries, err := h.source.GetTopN(ctx, gameOf(board), h.opts.SnapshotSize)
	if err != nil {
		return Snapshot{}, err
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	return Snapshot{Entries: entries}, nil
}

// Subscribers returns the number of sockets subscribed to board
func (h *Hub) Subscribers(board string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[board])
}

// Stats reports connections and subscribers per board
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := Stats{
		Connections: len(h.members),
		Boards:      make(map[string]int, len(h.boards)),
		Dropped:     h.dropped.Load(),
	}
	for board, subs := range h.boards {
		stats.Boards[board] = len(subs)
	}
	return stats
}
