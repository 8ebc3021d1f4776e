package ledger

import (
	"context"
	"database/sql"

	"github.com/arcade-ledger/internal/domain"
	"github.com/google/uuid"
)

// MergeBackendBalance raises the local balance to the backend's when the
// backend is ahead. A lagging backend never lowers the local balance. The
// raise is recorded as a reconciliation reward so that the balance stays
// equal to the sum of the player's reward records.
func (s *Store) MergeBackendBalance(ctx context.Context, playerID string, backend int64) (domain.BalanceMerge, error) {
	var merge domain.BalanceMerge
	err := s.withPlayerTx(ctx, playerID, "merge balance", func(tx *sql.Tx) error {
		player, err := playerTx(ctx, tx, playerID)
		if err != nil {
			return err
		}
		merge = domain.BalanceMerge{Local: player.Balance, Backend: backend, Balance: player.Balance}
		if backend <= player.Balance {
			return nil
		}

		now := s.now()
		delta := backend - player.Balance
		rec := domain.RewardRecord{
			ID:        uuid.NewString(),
			PlayerID:  playerID,
			Source:    domain.RewardSourceReconciliation,
			Reference: "reconciliation:" + uuid.NewString(),
			Amount:    delta,
			CreatedAt: now,
		}
		if _, err := insertRewardTx(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE players SET balance = balance + ?, updated_at = ? WHERE id = ?`,
			delta, now.UnixMilli(), playerID,
		); err != nil {
			return domain.NewPersistenceError("update player", err)
		}
		merge.Balance = backend
		merge.Applied = true
		return nil
	})
	if err != nil {
		return domain.BalanceMerge{}, err
	}
	if merge.Applied {
		s.logger.Info("merged backend balance",
			"player_id", playerID,
			"local", merge.Local,
			"backend", merge.Backend,
		)
	}
	return merge, nil
}

// UpsertProfile stores display metadata from the identity collaborator
func (s *Store) UpsertProfile(ctx context.Context, profile domain.Profile) (domain.Player, error) {
	if profile.PlayerID == "" {
		return domain.Player{}, domain.NewValidationError("playerId", "is required", domain.ErrInvalidRequest)
	}
	var player domain.Player
	err := s.withPlayerTx(ctx, profile.PlayerID, "upsert profile", func(tx *sql.Tx) error {
		now := s.now()
		if err := ensurePlayerTx(ctx, tx, profile.PlayerID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE players SET display_name = ?, avatar_url = ?, updated_at = ? WHERE id = ?
`, profile.DisplayName, profile.AvatarURL, now.UnixMilli(), profile.PlayerID); err != nil {
			return domain.NewPersistenceError("update profile", err)
		}
		var err error
		player, err = playerTx(ctx, tx, profile.PlayerID)
		return err
	})
	return player, err
}

// MarkEntrySynced records the backend's acknowledgement of an entry
func (s *Store) MarkEntrySynced(ctx context.Context, entryID string) error {
	return s.setSyncStatus(ctx, entryID, domain.SyncStatusSynced, "")
}

// MarkEntryRejected records that the backend refused an entry. The entry
// and its reward stay in the local ledger.
func (s *Store) MarkEntryRejected(ctx context.Context, entryID, reason string) error {
	return s.setSyncStatus(ctx, entryID, domain.SyncStatusRejected, reason)
}

func (s *Store) setSyncStatus(ctx context.Context, entryID string, status domain.SyncStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE score_entries SET sync_status = ?, sync_error = ? WHERE id = ?`,
		string(status), reason, entryID,
	)
	if err != nil {
		return domain.NewPersistenceError("update sync status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

