package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the backend's authoritative token ledger
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id VARCHAR(128) PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			total_score BIGINT NOT NULL DEFAULT 0,
			total_achieved_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS score_submissions (
			id BIGSERIAL PRIMARY KEY,
			entry_id VARCHAR(64) NOT NULL,
			player_id VARCHAR(128) NOT NULL,
			game_id VARCHAR(64) NOT NULL,
			score BIGINT NOT NULL,
			metadata JSONB,
			idempotency_key VARCHAR(128) NOT NULL UNIQUE,
			reward BIGINT NOT NULL,
			client_reward BIGINT NOT NULL,
			reward_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS game_bests (
			player_id VARCHAR(128) NOT NULL,
			game_id VARCHAR(64) NOT NULL,
			score BIGINT NOT NULL,
			achieved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (player_id, game_id)
		)`,
		`CREATE TABLE IF NOT EXISTS token_awards (
			player_id VARCHAR(128) NOT NULL,
			award_key VARCHAR(128) NOT NULL,
			source VARCHAR(32) NOT NULL,
			amount BIGINT NOT NULL,
			awarded_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (player_id, award_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_score_submissions_player ON score_submissions(player_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_game_bests_rank ON game_bests(game_id, score DESC, achieved_at ASC, player_id ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_players_total ON players(total_score DESC, total_achieved_at ASC, id ASC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// RecordSubmission stores a score exactly once per idempotency key and
// credits its reward. Replaying a key returns the stored outcome.
func (r *Repository) RecordSubmission(ctx context.Context, sub domain.Submission) (domain.SubmissionResult, error) {
	metadataJSON, err := json.Marshal(sub.Metadata)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("marshaling metadata: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO score_submissions
			(entry_id, player_id, game_id, score, metadata, idempotency_key, reward, client_reward, reward_mismatch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`,
		sub.EntryID,
		sub.PlayerID,
		sub.GameID,
		sub.Score,
		metadataJSON,
		sub.IdempotencyKey,
		sub.Reward,
		sub.ClientReward,
		sub.RewardMismatch(),
		sub.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.replaySubmission(ctx, tx, sub)
	}
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("inserting submission: %w", err)
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO players (id, balance, total_score, total_achieved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			balance = players.balance + EXCLUDED.balance,
			total_score = players.total_score + EXCLUDED.total_score,
			total_achieved_at = CASE
				WHEN EXCLUDED.total_score > 0 THEN GREATEST(players.total_achieved_at, EXCLUDED.total_achieved_at)
				ELSE players.total_achieved_at
			END,
			updated_at = EXCLUDED.updated_at
		RETURNING balance, total_score, total_achieved_at
	`, sub.PlayerID, sub.Reward, sub.Score, sub.CreatedAt, now)
	batch.Queue(`
		INSERT INTO game_bests (player_id, game_id, score, achieved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id, game_id) DO UPDATE SET
			score = EXCLUDED.score,
			achieved_at = EXCLUDED.achieved_at
		WHERE EXCLUDED.score > game_bests.score
			OR (EXCLUDED.score = game_bests.score AND EXCLUDED.achieved_at < game_bests.achieved_at)
	`, sub.PlayerID, sub.GameID, sub.Score, sub.CreatedAt)
	batch.Queue(`
		SELECT score, achieved_at FROM game_bests WHERE player_id = $1 AND game_id = $2
	`, sub.PlayerID, sub.GameID)

	result := domain.SubmissionResult{
		Reward:         sub.Reward,
		RewardMismatch: sub.RewardMismatch(),
		Best:           domain.LeaderboardEntry{PlayerID: sub.PlayerID},
		Total:          domain.LeaderboardEntry{PlayerID: sub.PlayerID},
	}

	br := tx.SendBatch(ctx, batch)
	if err := br.QueryRow().Scan(&result.Balance, &result.Total.Score, &result.Total.AchievedAt); err != nil {
		br.Close()
		return domain.SubmissionResult{}, fmt.Errorf("crediting player: %w", err)
	}
	if _, err := br.Exec(); err != nil {
		br.Close()
		return domain.SubmissionResult{}, fmt.Errorf("updating game best: %w", err)
	}
	if err := br.QueryRow().Scan(&result.Best.Score, &result.Best.AchievedAt); err != nil {
		br.Close()
		return domain.SubmissionResult{}, fmt.Errorf("reading game best: %w", err)
	}
	if err := br.Close(); err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("committing submission: %w", err)
	}
	return result, nil
}

// replaySubmission answers a repeated idempotency key from the stored row
func (r *Repository) replaySubmission(ctx context.Context, tx pgx.Tx, sub domain.Submission) (domain.SubmissionResult, error) {
	var (
		playerID string
		result   = domain.SubmissionResult{Duplicate: true}
	)
	err := tx.QueryRow(ctx, `
		SELECT player_id, reward, reward_mismatch FROM score_submissions WHERE idempotency_key = $1
	`, sub.IdempotencyKey).Scan(&playerID, &result.Reward, &result.RewardMismatch)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("reading submission: %w", err)
	}
	if playerID != sub.PlayerID {
		return domain.SubmissionResult{}, domain.NewValidationError("idempotencyKey", "is already used by another player", domain.ErrInvalidRequest)
	}

	err = tx.QueryRow(ctx, `
		SELECT p.balance, p.total_score, p.total_achieved_at, b.score, b.achieved_at
		FROM players p
		JOIN game_bests b ON b.player_id = p.id AND b.game_id = $2
		WHERE p.id = $1
	`, sub.PlayerID, sub.GameID).Scan(
		&result.Balance,
		&result.Total.Score,
		&result.Total.AchievedAt,
		&result.Best.Score,
		&result.Best.AchievedAt,
	)
	if err != nil {
		return domain.SubmissionResult{}, fmt.Errorf("reading player: %w", err)
	}
	result.Best.PlayerID = sub.PlayerID
	result.Total.PlayerID = sub.PlayerID
	return result, tx.Commit(ctx)
}

// RecordAward credits a non-score award once per (player, key)
func (r *Repository) RecordAward(ctx context.Context, award domain.TokenAward) (domain.AwardResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.AwardResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO token_awards (player_id, award_key, source, amount, awarded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (player_id, award_key) DO NOTHING
	`, award.PlayerID, award.Key, string(award.Source), award.Amount, award.AwardedAt)
	if err != nil {
		return domain.AwardResult{}, fmt.Errorf("inserting award: %w", err)
	}

	result := domain.AwardResult{Duplicate: tag.RowsAffected() == 0}
	if result.Duplicate {
		err = tx.QueryRow(ctx, `SELECT balance FROM players WHERE id = $1`, award.PlayerID).Scan(&result.Balance)
	} else {
		err = tx.QueryRow(ctx, `
			INSERT INTO players (id, balance, total_score, total_achieved_at, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $4, $4)
			ON CONFLICT (id) DO UPDATE SET
				balance = players.balance + EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at
			RETURNING balance
		`, award.PlayerID, award.Amount, award.AwardedAt, time.Now().UTC()).Scan(&result.Balance)
	}
	if err != nil {
		return domain.AwardResult{}, fmt.Errorf("crediting award: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.AwardResult{}, fmt.Errorf("committing award: %w", err)
	}
	return result, nil
}

// Balance returns the authoritative balance of a player
func (r *Repository) Balance(ctx context.Context, playerID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM players WHERE id = $1`, playerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrPlayerNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// Standings retrieves a ranked page of a board straight from the ledger.
// An empty gameID selects the global board.
func (r *Repository) Standings(ctx context.Context, gameID string, limit, offset int) ([]domain.LeaderboardEntry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if gameID == "" {
		rows, err = r.pool.Query(ctx, `
			SELECT id, total_score, total_achieved_at
			FROM players
			WHERE total_score > 0 OR EXISTS (SELECT 1 FROM game_bests b WHERE b.player_id = players.id)
			ORDER BY total_score DESC, total_achieved_at ASC, id ASC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT player_id, score, achieved_at
			FROM game_bests
			WHERE game_id = $3
			ORDER BY score DESC, achieved_at ASC, player_id ASC
			LIMIT $1 OFFSET $2
		`, limit, offset, gameID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying standings: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	rank := int64(offset)
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.PlayerID, &entry.Score, &entry.AchievedAt); err != nil {
			return nil, fmt.Errorf("scanning standing: %w", err)
		}
		rank++
		entry.Rank = rank
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
