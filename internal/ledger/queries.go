package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arcade-ledger/internal/domain"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const entryColumns = `id, player_id, game_id, score, metadata, idempotency_key, sequence, sync_status, created_at`

func scanEntry(row rowScanner) (domain.ScoreEntry, error) {
	var (
		entry     domain.ScoreEntry
		meta      string
		sequence  int64
		status    string
		createdAt int64
	)
	if err := row.Scan(
		&entry.ID,
		&entry.PlayerID,
		&entry.GameID,
		&entry.Score,
		&meta,
		&entry.IdempotencyKey,
		&sequence,
		&status,
		&createdAt,
	); err != nil {
		return domain.ScoreEntry{}, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &entry.Metadata); err != nil {
			return domain.ScoreEntry{}, fmt.Errorf("decoding metadata of %s: %w", entry.ID, err)
		}
	}
	entry.Sequence = uint64(sequence)
	entry.SyncStatus = domain.SyncStatus(status)
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	return entry, nil
}

func playerTx(ctx context.Context, q querier, playerID string) (domain.Player, error) {
	var (
		player               domain.Player
		stats                string
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
SELECT id, display_name, avatar_url, balance, stats, created_at, updated_at
FROM players WHERE id = ?
`, playerID).Scan(
		&player.ID,
		&player.DisplayName,
		&player.AvatarURL,
		&player.Balance,
		&stats,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	if err != nil {
		return domain.Player{}, domain.NewPersistenceError("load player", err)
	}
	if err := json.Unmarshal([]byte(stats), &player.Stats); err != nil {
		return domain.Player{}, domain.NewPersistenceError("decode stats", err)
	}
	if player.Stats.HighScores == nil {
		player.Stats.HighScores = map[string]int64{}
	}
	player.CreatedAt = time.UnixMilli(createdAt).UTC()
	player.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return player, nil
}

func unlockedSetTx(ctx context.Context, q querier, playerID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT achievement_id FROM achievement_unlocks WHERE player_id = ?`, playerID)
	if err != nil {
		return nil, domain.NewPersistenceError("load unlocks", err)
	}
	defer rows.Close()

	unlocked := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewPersistenceError("scan unlock", err)
		}
		unlocked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate unlocks", err)
	}
	return unlocked, nil
}

func queryRewards(ctx context.Context, q querier, where string, args ...any) ([]domain.RewardRecord, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, player_id, entry_id, source, reference, amount, components, created_at
FROM reward_records `+where, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("load rewards", err)
	}
	defer rows.Close()

	var records []domain.RewardRecord
	for rows.Next() {
		var (
			rec        domain.RewardRecord
			source     string
			components string
			createdAt  int64
		)
		if err := rows.Scan(&rec.ID, &rec.PlayerID, &rec.EntryID, &source, &rec.Reference, &rec.Amount, &components, &createdAt); err != nil {
			return nil, domain.NewPersistenceError("scan reward", err)
		}
		rec.Source = domain.RewardSource(source)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		if components != "" {
			var c domain.RewardComponents
			if err := json.Unmarshal([]byte(components), &c); err != nil {
				return nil, domain.NewPersistenceError("decode reward components", err)
			}
			rec.Components = &c
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate rewards", err)
	}
	return records, nil
}

func queryUnlocks(ctx context.Context, q querier, where string, args ...any) ([]domain.AchievementUnlock, error) {
	rows, err := q.QueryContext(ctx, `
SELECT player_id, achievement_id, reward, unlocked_at
FROM achievement_unlocks `+where, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("load unlocks", err)
	}
	defer rows.Close()

	var unlocks []domain.AchievementUnlock
	for rows.Next() {
		var u domain.AchievementUnlock
		var at int64
		if err := rows.Scan(&u.PlayerID, &u.AchievementID, &u.Reward, &at); err != nil {
			return nil, domain.NewPersistenceError("scan unlock", err)
		}
		u.UnlockedAt = time.UnixMilli(at).UTC()
		unlocks = append(unlocks, u)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate unlocks", err)
	}
	return unlocks, nil
}

// Player returns the player with balance and statistics
func (s *Store) Player(ctx context.Context, playerID string) (domain.Player, error) {
	return playerTx(ctx, s.db, playerID)
}

// Balance returns the player's token balance
func (s *Store) Balance(ctx context.Context, playerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM players WHERE id = ?`, playerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrPlayerNotFound
	}
	if err != nil {
		return 0, domain.NewPersistenceError("load balance", err)
	}
	return balance, nil
}

// PlayerStats returns the cumulative statistics snapshot
func (s *Store) PlayerStats(ctx context.Context, playerID string) (domain.PlayerStats, error) {
	player, err := playerTx(ctx, s.db, playerID)
	if err != nil {
		return domain.PlayerStats{}, err
	}
	return player.Stats, nil
}

// Rewards returns every reward record of a player, oldest first
func (s *Store) Rewards(ctx context.Context, playerID string) ([]domain.RewardRecord, error) {
	return queryRewards(ctx, s.db, `WHERE player_id = ? ORDER BY created_at ASC, id ASC`, playerID)
}

// Unlocks returns the player's achievement unlocks, oldest first
func (s *Store) Unlocks(ctx context.Context, playerID string) ([]domain.AchievementUnlock, error) {
	return queryUnlocks(ctx, s.db, `WHERE player_id = ? ORDER BY unlocked_at ASC, achievement_id ASC`, playerID)
}

// Entry loads a score entry by id
func (s *Store) Entry(ctx context.Context, entryID string) (domain.ScoreEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM score_entries WHERE id = ?`, entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScoreEntry{}, domain.ErrEntryNotFound
	}
	if err != nil {
		return domain.ScoreEntry{}, domain.NewPersistenceError("load entry", err)
	}
	return entry, nil
}

// Entries returns the player's most recent entries, newest first
func (s *Store) Entries(ctx context.Context, playerID string, limit int) ([]domain.ScoreEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM score_entries
WHERE player_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, playerID, limit)
	if err != nil {
		return nil, domain.NewPersistenceError("list entries", err)
	}
	defer rows.Close()

	var entries []domain.ScoreEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, domain.NewPersistenceError("scan entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate entries", err)
	}
	return entries, nil
}

// ForEachEntry calls fn for every accepted entry in acceptance order
func (s *Store) ForEachEntry(ctx context.Context, fn func(domain.ScoreEntry) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM score_entries ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return domain.NewPersistenceError("scan entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return domain.NewPersistenceError("scan entry", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return domain.NewPersistenceError("iterate entries", err)
	}
	return nil
}

// PendingEntries counts entries the backend has not acknowledged yet
func (s *Store) PendingEntries(ctx context.Context, playerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM score_entries WHERE player_id = ? AND sync_status = 'pending'`, playerID,
	).Scan(&n)
	if err != nil {
		return 0, domain.NewPersistenceError("count pending entries", err)
	}
	return n, nil
}

// NextSequence allocates the next client-local counter for a player and game
func (s *Store) NextSequence(ctx context.Context, playerID, gameID string) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO sequences (player_id, game_id, last) VALUES (?, ?, 1)
ON CONFLICT(player_id, game_id) DO UPDATE SET last = last + 1
RETURNING last
`, playerID, gameID).Scan(&next)
	if err != nil {
		return 0, domain.NewPersistenceError("allocate sequence", err)
	}
	return uint64(next), nil
}
