// Package ledger is the device-local durable store of players, score
// entries, reward records and achievement unlocks. It is authoritative for
// the player until the backend acknowledges a mutation.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/outbox"
	"github.com/puzpuzpuz/xsync/v4"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		balance INTEGER NOT NULL DEFAULT 0,
		stats TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS score_entries (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL REFERENCES players(id),
		game_id TEXT NOT NULL,
		score INTEGER NOT NULL CHECK (score >= 0),
		metadata TEXT NOT NULL DEFAULT '{}',
		idempotency_key TEXT NOT NULL UNIQUE,
		sequence INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		sync_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_player_time ON score_entries(player_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reward_records (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL REFERENCES players(id),
		entry_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		reference TEXT NOT NULL,
		amount INTEGER NOT NULL,
		components TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(player_id, source, reference)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rewards_entry ON reward_records(entry_id)`,
	`CREATE TABLE IF NOT EXISTS achievement_unlocks (
		player_id TEXT NOT NULL REFERENCES players(id),
		achievement_id TEXT NOT NULL,
		reward INTEGER NOT NULL,
		entry_id TEXT NOT NULL DEFAULT '',
		unlocked_at INTEGER NOT NULL,
		PRIMARY KEY (player_id, achievement_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sequences (
		player_id TEXT NOT NULL,
		game_id TEXT NOT NULL,
		last INTEGER NOT NULL,
		PRIMARY KEY (player_id, game_id)
	)`,
}

// Store is the SQLite-backed ledger. Writes for one player are serialized by
// an in-process mutex and, across processes sharing the file, by immediate
// write transactions.
type Store struct {
	db     *sql.DB
	locks  *xsync.Map[string, *sync.Mutex]
	logger *slog.Logger
	now    func() time.Time
}

// Open opens the ledger database at path and applies migrations for the
// ledger and its outbox.
func Open(ctx context.Context, path string, busyTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.Clean(path), busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("executing ledger migration: %w", err)
		}
	}
	if err := outbox.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("ledger opened", "path", path)

	return &Store{
		db:     db,
		locks:  xsync.NewMap[string, *sync.Mutex](),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB exposes the handle so the outbox queue can share it
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.NewPersistenceError("ping", err)
	}
	return nil
}

func (s *Store) lockFor(playerID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(playerID, &sync.Mutex{})
	return mu
}

// withPlayerTx runs fn in a write transaction while holding the player's lock.
func (s *Store) withPlayerTx(ctx context.Context, playerID, op string, fn func(tx *sql.Tx) error) error {
	mu := s.lockFor(playerID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewPersistenceError(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewPersistenceError(op, err)
	}
	return nil
}

func ensurePlayerTx(ctx context.Context, tx *sql.Tx, playerID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO players (id, balance, stats, created_at, updated_at)
VALUES (?, 0, '{}', ?, ?)
ON CONFLICT(id) DO NOTHING
`, playerID, at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return domain.NewPersistenceError("create player", err)
	}
	return nil
}
