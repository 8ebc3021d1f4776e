// Package outbox is the durable retry queue of ledger mutations that still
// have to reach the backend. It shares the device SQLite database with the
// ledger so that a mutation and its outbox row commit together.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/google/uuid"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS outbox_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		player_id TEXT NOT NULL,
		reference TEXT NOT NULL,
		payload BLOB NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(kind, player_id, reference)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_items(state, next_attempt_at)`,
}

// Migrate creates the outbox tables
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("executing outbox migration: %w", err)
		}
	}
	return nil
}

// Enqueue adds an item inside the caller's transaction. A second item with
// the same kind, player and reference is ignored.
func Enqueue(ctx context.Context, tx *sql.Tx, item domain.OutboxItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Kind == "" || item.PlayerID == "" || item.Reference == "" {
		return fmt.Errorf("outbox item requires kind, player and reference")
	}
	now := item.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next := item.NextAttemptAt
	if next.IsZero() {
		next = now
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO outbox_items (id, kind, player_id, reference, payload, state, attempts, next_attempt_at, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, '', ?, ?)
ON CONFLICT(kind, player_id, reference) DO NOTHING
`,
		item.ID,
		string(item.Kind),
		item.PlayerID,
		item.Reference,
		[]byte(item.Payload),
		next.UnixMilli(),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueueing outbox item: %w", err)
	}
	return nil
}

// Queue operates on the outbox table
type Queue struct {
	db     *sql.DB
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a queue over an already migrated database
func NewQueue(db *sql.DB, policy Policy, logger *slog.Logger) *Queue {
	return &Queue{
		db:     db,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Policy returns the retry policy in effect
func (q *Queue) Policy() Policy {
	return q.policy
}

const itemColumns = `id, kind, player_id, reference, payload, state, attempts, next_attempt_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.OutboxItem, error) {
	var (
		item                         domain.OutboxItem
		kind, state                  string
		payload                      []byte
		nextAt, createdAt, updatedAt int64
	)
	if err := row.Scan(
		&item.ID,
		&kind,
		&item.PlayerID,
		&item.Reference,
		&payload,
		&state,
		&item.Attempts,
		&nextAt,
		&item.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.OutboxItem{}, err
	}
	item.Kind = domain.OutboxKind(kind)
	item.State = domain.OutboxState(state)
	item.Payload = payload
	item.NextAttemptAt = time.UnixMilli(nextAt).UTC()
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return item, nil
}

// Claim moves up to limit due items from queued to in_flight and returns
// them, oldest first.
func (q *Queue) Claim(ctx context.Context, limit int) ([]domain.OutboxItem, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM outbox_items
WHERE state = 'queued' AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, created_at ASC
LIMIT ?
`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due items: %w", err)
	}

	var items []domain.OutboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning outbox item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating due items: %w", err)
	}
	rows.Close()

	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_items SET state = 'in_flight', updated_at = ? WHERE id = ?`,
			now.UnixMilli(), items[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claiming item %s: %w", items[i].ID, err)
		}
		items[i].State = domain.OutboxStateInFlight
		items[i].UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return items, nil
}

// Ack removes an acknowledged item
func (q *Queue) Ack(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM outbox_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acknowledging item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// Fail records a failed attempt. The item is rescheduled with backoff, or
// dead-lettered when the attempt budget is spent or retry is pointless.
// The returned DeadLetter is non-nil only in the latter case.
func (q *Queue) Fail(ctx context.Context, item domain.OutboxItem, cause error) (domain.OutboxItem, *domain.DeadLetter, error) {
	now := q.now()
	item.Attempts++
	item.LastError = truncate(errorText(cause), 512)
	item.UpdatedAt = now

	if q.policy.Exhausted(item.Attempts) || !domain.IsRetryable(cause) {
		item.State = domain.OutboxStateDeadLettered
	} else {
		item.State = domain.OutboxStateQueued
		item.NextAttemptAt = now.Add(q.policy.Delay(item.Attempts))
	}

	result, err := q.db.ExecContext(ctx, `
UPDATE outbox_items
SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
WHERE id = ?
`,
		string(item.State),
		item.Attempts,
		item.NextAttemptAt.UnixMilli(),
		item.LastError,
		now.UnixMilli(),
		item.ID,
	)
	if err != nil {
		return item, nil, fmt.Errorf("recording failed attempt: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return item, nil, domain.ErrItemNotFound
	}

	if item.State == domain.OutboxStateDeadLettered {
		return item, &domain.DeadLetter{Item: item, Reason: item.LastError}, nil
	}
	return item, nil, nil
}

// Get loads a single item
func (q *Queue) Get(ctx context.Context, id string) (domain.OutboxItem, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM outbox_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OutboxItem{}, domain.ErrItemNotFound
		}
		return domain.OutboxItem{}, fmt.Errorf("getting outbox item: %w", err)
	}
	return item, nil
}

// List returns items in a given state, oldest first
func (q *Queue) List(ctx context.Context, state domain.OutboxState, limit int) ([]domain.OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM outbox_items
WHERE state = ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("listing outbox items: %w", err)
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox items: %w", err)
	}
	return items, nil
}

// DeadLetters lists items whose retry budget is exhausted
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.OutboxItem, error) {
	return q.List(ctx, domain.OutboxStateDeadLettered, limit)
}

// RequeueDeadLetters gives every dead-lettered item a fresh attempt budget.
// This is the manual resync path.
func (q *Queue) RequeueDeadLetters(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	result, err := q.db.ExecContext(ctx, `
UPDATE outbox_items
SET state = 'queued', attempts = 0, next_attempt_at = ?, updated_at = ?
WHERE state = 'dead_lettered'
`, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeueing dead letters: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// RecoverInFlight returns items claimed by a process that died mid-sync to
// the queue. Replaying them is safe because the backend deduplicates.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	result, err := q.db.ExecContext(ctx, `
UPDATE outbox_items
SET state = 'queued', next_attempt_at = ?, updated_at = ?
WHERE state = 'in_flight'
`, now, now)
	if err != nil {
		return 0, fmt.Errorf("recovering in-flight items: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		q.logger.Info("recovered in-flight outbox items", "count", n)
	}
	return int(n), nil
}

// Counts returns the number of items per state
func (q *Queue) Counts(ctx context.Context) (map[domain.OutboxState]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM outbox_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting outbox items: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OutboxState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[domain.OutboxState(state)] = n
	}
	return counts, rows.Err()
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return strings.TrimSpace(err.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
