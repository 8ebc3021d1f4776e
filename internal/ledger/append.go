package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/outbox"
	"github.com/google/uuid"
)

// AppendState is the player's ledger view at the moment an entry is
// appended. After already has the entry folded in.
type AppendState struct {
	Entry      domain.ScoreEntry
	Before     domain.PlayerStats
	After      domain.PlayerStats
	Unlocked   map[string]bool
	FirstOfDay bool
}

// Accrual is what an append credits besides storing the entry
type Accrual struct {
	Reward     int64
	Components domain.RewardComponents
	DailyBonus int64
	Unlocks    []domain.AchievementUnlock
}

// AccrueFunc computes rewards and unlocks for an append. It runs while the
// player's lock is held, so it must not call back into the store.
type AccrueFunc func(state AppendState) (Accrual, error)

// AppendResult is the outcome of Append. For a duplicate it describes the
// original append.
type AppendResult struct {
	Entry     domain.ScoreEntry
	Reward    domain.RewardRecord
	Bonus     *domain.RewardRecord
	Unlocks   []domain.AchievementUnlock
	Balance   int64
	Stats     domain.PlayerStats
	Duplicate bool
}

// Credited is the total amount the append added to the balance
func (r AppendResult) Credited() int64 {
	total := r.Reward.Amount
	if r.Bonus != nil {
		total += r.Bonus.Amount
	}
	for _, u := range r.Unlocks {
		total += u.Reward
	}
	return total
}

// DailyKey is the idempotency key of the first-score-of-day bonus
func DailyKey(at time.Time) string {
	return "daily_bonus:" + at.UTC().Format("2006-01-02")
}

// AchievementKey is the idempotency key of an achievement award
func AchievementKey(achievementID string) string {
	return "achievement:" + achievementID
}

// Append stores entry, its reward record and any unlocks in one transaction
// together with the outbox items that replay them to the backend. An entry
// whose idempotency key is already stored is not appended again; the
// original result is returned with Duplicate set. A key already stored for
// another player or game is a validation error.
func (s *Store) Append(ctx context.Context, entry domain.ScoreEntry, accrue AccrueFunc) (AppendResult, error) {
	if entry.PlayerID == "" {
		return AppendResult{}, domain.NewValidationError("playerId", "is required", domain.ErrInvalidRequest)
	}
	if entry.IdempotencyKey == "" {
		return AppendResult{}, domain.NewValidationError("idempotencyKey", "is required", domain.ErrInvalidRequest)
	}
	if entry.Score < 0 {
		return AppendResult{}, domain.NewValidationError("score", "must not be negative", domain.ErrInvalidScore)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.SyncStatus = domain.SyncStatusPending

	var result AppendResult
	err := s.withPlayerTx(ctx, entry.PlayerID, "append", func(tx *sql.Tx) error {
		existing, found, err := entryByKeyTx(ctx, tx, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			if existing.PlayerID != entry.PlayerID || existing.GameID != entry.GameID {
				return domain.NewValidationError("idempotencyKey", "is already used by another submission", domain.ErrInvalidRequest)
			}
			result, err = replayTx(ctx, tx, existing)
			return err
		}

		if err := ensurePlayerTx(ctx, tx, entry.PlayerID, entry.CreatedAt); err != nil {
			return err
		}
		player, err := playerTx(ctx, tx, entry.PlayerID)
		if err != nil {
			return err
		}
		unlocked, err := unlockedSetTx(ctx, tx, entry.PlayerID)
		if err != nil {
			return err
		}
		firstOfDay, err := firstOfDayTx(ctx, tx, entry.PlayerID, entry.CreatedAt)
		if err != nil {
			return err
		}

		state := AppendState{
			Entry:      entry,
			Before:     player.Stats,
			After:      player.Stats.Apply(entry),
			Unlocked:   unlocked,
			FirstOfDay: firstOfDay,
		}
		accrual, err := accrue(state)
		if err != nil {
			return err
		}
		if accrual.Reward < 0 || accrual.DailyBonus < 0 {
			return fmt.Errorf("accrual for entry %s is negative", entry.ID)
		}

		if err := insertEntryTx(ctx, tx, entry); err != nil {
			return err
		}

		components := accrual.Components
		reward := domain.RewardRecord{
			ID:         uuid.NewString(),
			PlayerID:   entry.PlayerID,
			EntryID:    entry.ID,
			Source:     domain.RewardSourceScore,
			Reference:  entry.ID,
			Amount:     accrual.Reward,
			Components: &components,
			CreatedAt:  entry.CreatedAt,
		}
		if _, err := insertRewardTx(ctx, tx, reward); err != nil {
			return err
		}
		credited := reward.Amount

		var bonus *domain.RewardRecord
		if accrual.DailyBonus > 0 {
			rec := domain.RewardRecord{
				ID:        uuid.NewString(),
				PlayerID:  entry.PlayerID,
				EntryID:   entry.ID,
				Source:    domain.RewardSourceDailyBonus,
				Reference: DailyKey(entry.CreatedAt),
				Amount:    accrual.DailyBonus,
				CreatedAt: entry.CreatedAt,
			}
			inserted, err := insertRewardTx(ctx, tx, rec)
			if err != nil {
				return err
			}
			if inserted {
				bonus = &rec
				credited += rec.Amount
				if err := enqueueAwardTx(ctx, tx, rec); err != nil {
					return err
				}
			}
		}

		unlocks, unlockCredit, err := applyUnlocksTx(ctx, tx, entry.PlayerID, entry.ID, accrual.Unlocks)
		if err != nil {
			return err
		}
		credited += unlockCredit

		stats, err := json.Marshal(state.After)
		if err != nil {
			return fmt.Errorf("encoding stats: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE players SET balance = balance + ?, stats = ?, updated_at = ? WHERE id = ?
`, credited, string(stats), entry.CreatedAt.UnixMilli(), entry.PlayerID); err != nil {
			return domain.NewPersistenceError("update player", err)
		}

		if err := enqueueScoreTx(ctx, tx, entry, reward.Amount); err != nil {
			return err
		}

		result = AppendResult{
			Entry:   entry,
			Reward:  reward,
			Bonus:   bonus,
			Unlocks: unlocks,
			Balance: player.Balance + credited,
			Stats:   state.After,
		}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

// ApplyUnlocks records unlocks outside of a score append. Unlocks that
// already exist are skipped; the newly recorded ones are returned.
func (s *Store) ApplyUnlocks(ctx context.Context, playerID string, unlocks []domain.AchievementUnlock) ([]domain.AchievementUnlock, error) {
	if playerID == "" {
		return nil, domain.NewValidationError("playerId", "is required", domain.ErrInvalidRequest)
	}
	for _, u := range unlocks {
		if u.PlayerID != playerID {
			return nil, domain.NewValidationError("playerId", "unlock belongs to another player", domain.ErrInvalidRequest)
		}
	}

	var applied []domain.AchievementUnlock
	err := s.withPlayerTx(ctx, playerID, "apply unlocks", func(tx *sql.Tx) error {
		if err := ensurePlayerTx(ctx, tx, playerID, s.now()); err != nil {
			return err
		}
		var credit int64
		var err error
		applied, credit, err = applyUnlocksTx(ctx, tx, playerID, "", unlocks)
		if err != nil {
			return err
		}
		if credit == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE players SET balance = balance + ?, updated_at = ? WHERE id = ?`,
			credit, s.now().UnixMilli(), playerID,
		); err != nil {
			return domain.NewPersistenceError("update player", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// applyUnlocksTx inserts unlocks and their reward records, returning those
// that were new and the total they credit. The caller updates the balance.
func applyUnlocksTx(ctx context.Context, tx *sql.Tx, playerID, entryID string, unlocks []domain.AchievementUnlock) ([]domain.AchievementUnlock, int64, error) {
	var (
		applied []domain.AchievementUnlock
		credit  int64
	)
	for _, u := range unlocks {
		if u.Reward < 0 {
			return nil, 0, fmt.Errorf("achievement %s has a negative reward", u.AchievementID)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO achievement_unlocks (player_id, achievement_id, reward, entry_id, unlocked_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(player_id, achievement_id) DO NOTHING
`, playerID, u.AchievementID, u.Reward, entryID, u.UnlockedAt.UnixMilli())
		if err != nil {
			return nil, 0, domain.NewPersistenceError("insert unlock", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		rec := domain.RewardRecord{
			ID:        uuid.NewString(),
			PlayerID:  playerID,
			EntryID:   entryID,
			Source:    domain.RewardSourceAchievement,
			Reference: AchievementKey(u.AchievementID),
			Amount:    u.Reward,
			CreatedAt: u.UnlockedAt,
		}
		inserted, err := insertRewardTx(ctx, tx, rec)
		if err != nil {
			return nil, 0, err
		}
		if inserted {
			credit += rec.Amount
			if rec.Amount > 0 {
				if err := enqueueAwardTx(ctx, tx, rec); err != nil {
					return nil, 0, err
				}
			}
		}
		applied = append(applied, u)
	}
	return applied, credit, nil
}

func insertEntryTx(ctx context.Context, tx *sql.Tx, entry domain.ScoreEntry) error {
	meta := entry.Metadata
	if meta == nil {
		meta = domain.Metadata{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.NewValidationError("metadata", "is not serializable", domain.ErrInvalidRequest)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO score_entries (id, player_id, game_id, score, metadata, idempotency_key, sequence, sync_status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		entry.ID,
		entry.PlayerID,
		entry.GameID,
		entry.Score,
		string(metaJSON),
		entry.IdempotencyKey,
		int64(entry.Sequence),
		string(entry.SyncStatus),
		entry.CreatedAt.UnixMilli(),
	); err != nil {
		return domain.NewPersistenceError("insert entry", err)
	}

	if entry.Sequence > 0 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sequences (player_id, game_id, last) VALUES (?, ?, ?)
ON CONFLICT(player_id, game_id) DO UPDATE SET last = MAX(last, excluded.last)
`, entry.PlayerID, entry.GameID, int64(entry.Sequence)); err != nil {
			return domain.NewPersistenceError("advance sequence", err)
		}
	}
	return nil
}

// insertRewardTx reports whether the record was new. A record with the same
// player, source and reference is never written twice.
func insertRewardTx(ctx context.Context, tx *sql.Tx, rec domain.RewardRecord) (bool, error) {
	var components string
	if rec.Components != nil {
		raw, err := json.Marshal(rec.Components)
		if err != nil {
			return false, fmt.Errorf("encoding reward components: %w", err)
		}
		components = string(raw)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO reward_records (id, player_id, entry_id, source, reference, amount, components, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(player_id, source, reference) DO NOTHING
`,
		rec.ID,
		rec.PlayerID,
		rec.EntryID,
		string(rec.Source),
		rec.Reference,
		rec.Amount,
		components,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, domain.NewPersistenceError("insert reward", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func enqueueScoreTx(ctx context.Context, tx *sql.Tx, entry domain.ScoreEntry, reward int64) error {
	payload, err := json.Marshal(domain.SubmitScoreRequest{
		EntryID:        entry.ID,
		PlayerID:       entry.PlayerID,
		GameID:         entry.GameID,
		Score:          entry.Score,
		Metadata:       entry.Metadata,
		IdempotencyKey: entry.IdempotencyKey,
		Reward:         reward,
		CreatedAt:      entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding score payload: %w", err)
	}
	err = outbox.Enqueue(ctx, tx, domain.OutboxItem{
		Kind:      domain.OutboxKindScore,
		PlayerID:  entry.PlayerID,
		Reference: entry.ID,
		Payload:   payload,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return domain.NewPersistenceError("enqueue score", err)
	}
	return nil
}

func enqueueAwardTx(ctx context.Context, tx *sql.Tx, rec domain.RewardRecord) error {
	payload, err := json.Marshal(domain.TokenAwardRequest{
		PlayerID:  rec.PlayerID,
		Amount:    rec.Amount,
		Source:    rec.Source,
		Key:       rec.Reference,
		Timestamp: rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding award payload: %w", err)
	}
	err = outbox.Enqueue(ctx, tx, domain.OutboxItem{
		Kind:      domain.OutboxKindTokenAward,
		PlayerID:  rec.PlayerID,
		Reference: rec.Reference,
		Payload:   payload,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return domain.NewPersistenceError("enqueue award", err)
	}
	return nil
}

func firstOfDayTx(ctx context.Context, tx *sql.Tx, playerID string, at time.Time) (bool, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	var n int
	err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM score_entries
WHERE player_id = ? AND created_at >= ? AND created_at < ?
`, playerID, day.UnixMilli(), day.Add(24*time.Hour).UnixMilli()).Scan(&n)
	if err != nil {
		return false, domain.NewPersistenceError("count daily entries", err)
	}
	return n == 0, nil
}

func entryByKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.ScoreEntry, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM score_entries WHERE idempotency_key = ?`, key)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScoreEntry{}, false, nil
	}
	if err != nil {
		return domain.ScoreEntry{}, false, domain.NewPersistenceError("lookup idempotency key", err)
	}
	return entry, true, nil
}

// replayTx rebuilds the result of the append that created entry.
func replayTx(ctx context.Context, tx *sql.Tx, entry domain.ScoreEntry) (AppendResult, error) {
	result := AppendResult{Entry: entry, Duplicate: true}

	records, err := queryRewards(ctx, tx, `WHERE entry_id = ? ORDER BY created_at ASC, id ASC`, entry.ID)
	if err != nil {
		return AppendResult{}, err
	}
	for i := range records {
		switch records[i].Source {
		case domain.RewardSourceScore:
			result.Reward = records[i]
		case domain.RewardSourceDailyBonus:
			rec := records[i]
			result.Bonus = &rec
		}
	}

	unlocks, err := queryUnlocks(ctx, tx, `WHERE entry_id = ? ORDER BY unlocked_at ASC, achievement_id ASC`, entry.ID)
	if err != nil {
		return AppendResult{}, err
	}
	result.Unlocks = unlocks

	player, err := playerTx(ctx, tx, entry.PlayerID)
	if err != nil {
		return AppendResult{}, err
	}
	result.Balance = player.Balance
	result.Stats = player.Stats
	return result, nil
}
