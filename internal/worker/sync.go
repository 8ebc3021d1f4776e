package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
)

// Backend is the remote ledger the outbox is replayed against
type Backend interface {
	SubmitScore(ctx context.Context, req domain.SubmitScoreRequest) (domain.SubmitScoreResponse, error)
	AwardTokens(ctx context.Context, req domain.TokenAwardRequest) (domain.TokenAwardResponse, error)
	Balance(ctx context.Context, playerID string) (int64, error)
}

// Queue is the durable outbox
type Queue interface {
	Claim(ctx context.Context, limit int) ([]domain.OutboxItem, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, item domain.OutboxItem, cause error) (domain.OutboxItem, *domain.DeadLetter, error)
	RecoverInFlight(ctx context.Context) (int, error)
	RequeueDeadLetters(ctx context.Context) (int, error)
}

// Ledger is the part of the local store reconciliation writes to
type Ledger interface {
	MarkEntrySynced(ctx context.Context, entryID string) error
	MarkEntryRejected(ctx context.Context, entryID, reason string) error
	MergeBackendBalance(ctx context.Context, playerID string, backend int64) (domain.BalanceMerge, error)
}

// DeadLetterSink receives items whose retry budget is spent
type DeadLetterSink interface {
	Publish(ctx context.Context, letter domain.DeadLetter) error
}

// LogSink surfaces dead letters in the log
type LogSink struct {
	Logger *slog.Logger
}

// Publish logs the dead letter at error level
func (s LogSink) Publish(_ context.Context, letter domain.DeadLetter) error {
	s.Logger.Error("outbox item dead-lettered",
		"item_id", letter.Item.ID,
		"kind", letter.Item.Kind,
		"player_id", letter.Item.PlayerID,
		"reference", letter.Item.Reference,
		"attempts", letter.Item.Attempts,
		"reason", letter.Reason,
	)
	return nil
}

// Report summarizes one flush
type Report struct {
	Claimed      int `json:"claimed"`
	Synced       int `json:"synced"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
}

// Stats are cumulative counters since start
type Stats struct {
	Running      bool      `json:"running"`
	Synced       int64     `json:"synced"`
	Retried      int64     `json:"retried"`
	DeadLettered int64     `json:"dead_lettered"`
	Merged       int64     `json:"merged"`
	LastFlushAt  time.Time `json:"last_flush_at"`
}

// SyncClient replays the outbox to the backend on a background loop and
// merges the backend's balances back into the local ledger. Ingestion never
// waits on it.
type SyncClient struct {
	backend Backend
	queue   Queue
	ledger  Ledger
	sinks   []DeadLetterSink
	config  *config.SyncConfig
	logger  *slog.Logger
	pool    pond.Pool

	stopCh  chan struct{}
	doneCh  chan struct{}
	nudgeCh chan struct{}
	mu      sync.Mutex
	flushMu sync.Mutex
	running bool

	synced       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	merged       atomic.Int64
	lastFlush    atomic.Int64
}

// NewSyncClient creates a sync client
func NewSyncClient(
	backend Backend,
	queue Queue,
	ledger Ledger,
	cfg *config.SyncConfig,
	logger *slog.Logger,
	sinks ...DeadLetterSink,
) *SyncClient {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if len(sinks) == 0 {
		sinks = []DeadLetterSink{LogSink{Logger: logger}}
	}
	return &SyncClient{
		backend: backend,
		queue:   queue,
		ledger:  ledger,
		sinks:   sinks,
		config:  cfg,
		logger:  logger,
		pool:    pond.NewPool(concurrency),
		nudgeCh: make(chan struct{}, 1),
	}
}

// Start recovers items a previous process left in flight and begins the
// background flush loop. A stopped client may be started again.
func (w *SyncClient) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		select {
		case <-w.doneCh:
			// the loop exited with its context
			w.running = false
		default:
			return nil
		}
	}

	if _, err := w.queue.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recovering outbox: %w", err)
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	w.logger.Info("sync client started", "interval", w.config.Interval, "concurrency", w.config.Concurrency)

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop stops the loop and waits for the current flush to finish
func (w *SyncClient) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}

	close(w.stopCh)
	<-w.doneCh
	w.running = false

	w.logger.Info("sync client stopped")
	return nil
}

// Close stops the loop and releases the worker pool. The client cannot be
// used afterwards.
func (w *SyncClient) Close() error {
	err := w.Stop()
	w.pool.StopAndWait()
	return err
}

// Nudge asks the loop to flush now instead of waiting for the next tick
func (w *SyncClient) Nudge() {
	select {
	case w.nudgeCh <- struct{}{}:
	default:
	}
}

// run is the main loop
func (w *SyncClient) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.flushLogged(ctx)
		case <-w.nudgeCh:
			w.flushLogged(ctx)
		}
	}
}

func (w *SyncClient) flushLogged(ctx context.Context) {
	report, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Error("outbox flush failed", "error", err)
		return
	}
	if report.Claimed > 0 {
		w.logger.Info("outbox flush completed",
			"claimed", report.Claimed,
			"synced", report.Synced,
			"retried", report.Retried,
			"dead_lettered", report.DeadLettered,
		)
	}
}

// RunOnce claims one batch of due items and replays them concurrently
func (w *SyncClient) RunOnce(ctx context.Context) (Report, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	batch := w.config.BatchSize
	if batch <= 0 {
		batch = 50
	}
	items, err := w.queue.Claim(ctx, batch)
	if err != nil {
		return Report{}, err
	}
	w.lastFlush.Store(time.Now().UnixMilli())
	if len(items) == 0 {
		return Report{}, nil
	}

	var synced, retried, dead atomic.Int64
	group := w.pool.NewGroupContext(ctx)
	for _, item := range items {
		item := item
		group.Submit(func() {
			switch w.process(group.Context(), item) {
			case outcomeSynced:
				synced.Add(1)
			case outcomeRetried:
				retried.Add(1)
			case outcomeDeadLettered:
				dead.Add(1)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return Report{}, err
	}

	return Report{
		Claimed:      len(items),
		Synced:       int(synced.Load()),
		Retried:      int(retried.Load()),
		DeadLettered: int(dead.Load()),
	}, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSynced
	outcomeRetried
	outcomeDeadLettered
)

// process replays one item. Failures never escape: they reschedule or
// dead-letter the item.
func (w *SyncClient) process(ctx context.Context, item domain.OutboxItem) outcome {
	callCtx := ctx
	if w.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.config.RequestTimeout)
		defer cancel()
	}

	var (
		balance int64
		err     error
	)
	switch item.Kind {
	case domain.OutboxKindScore:
		balance, err = w.replayScore(callCtx, item)
	case domain.OutboxKindTokenAward:
		balance, err = w.replayAward(callCtx, item)
	default:
		err = &domain.SyncFailure{ItemID: item.ID, Retryable: false, Err: fmt.Errorf("unknown outbox kind %q", item.Kind)}
	}
	if err != nil {
		return w.fail(ctx, item, err)
	}

	if err := w.queue.Ack(ctx, item.ID); err != nil && !errors.Is(err, domain.ErrItemNotFound) {
		w.logger.Error("failed to ack outbox item", "item_id", item.ID, "error", err)
	}
	if item.Kind == domain.OutboxKindScore {
		if err := w.ledger.MarkEntrySynced(ctx, item.Reference); err != nil {
			w.logger.Warn("failed to mark entry synced", "entry_id", item.Reference, "error", err)
		}
	}
	w.synced.Add(1)
	w.merge(ctx, item.PlayerID, balance)
	return outcomeSynced
}

func (w *SyncClient) replayScore(ctx context.Context, item domain.OutboxItem) (int64, error) {
	var req domain.SubmitScoreRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return 0, &domain.SyncFailure{ItemID: item.ID, Retryable: false, Err: fmt.Errorf("decoding payload: %w", err)}
	}
	resp, err := w.backend.SubmitScore(ctx, req)
	if err != nil {
		err = withItem(item.ID, err)
		var sf *domain.SyncFailure
		if errors.As(err, &sf) && refused(sf) {
			w.rejectEntry(ctx, item.Reference, sf.Err.Error())
		}
		return 0, err
	}
	if !resp.Accepted {
		reason := resp.Reason
		if reason == "" {
			reason = "rejected by backend"
		}
		w.rejectEntry(ctx, item.Reference, reason)
		return 0, &domain.SyncFailure{ItemID: item.ID, Retryable: false, Err: errors.New(reason)}
	}
	if resp.RewardMismatch {
		w.logger.Warn("backend recomputed a different reward",
			"entry_id", req.EntryID,
			"local", req.Reward,
			"backend", resp.Reward,
		)
	}
	if resp.Duplicate {
		w.logger.Debug("backend already had entry", "entry_id", req.EntryID)
	}
	return resp.Balance, nil
}

// refused reports whether the backend answered and turned the request down,
// as opposed to failing to process it
func refused(sf *domain.SyncFailure) bool {
	return !sf.Retryable && sf.Status >= 400 && sf.Status < 500
}

func (w *SyncClient) rejectEntry(ctx context.Context, entryID, reason string) {
	if err := w.ledger.MarkEntryRejected(ctx, entryID, reason); err != nil {
		w.logger.Warn("failed to mark entry rejected", "entry_id", entryID, "error", err)
	}
}

func (w *SyncClient) replayAward(ctx context.Context, item domain.OutboxItem) (int64, error) {
	var req domain.TokenAwardRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return 0, &domain.SyncFailure{ItemID: item.ID, Retryable: false, Err: fmt.Errorf("decoding payload: %w", err)}
	}
	resp, err := w.backend.AwardTokens(ctx, req)
	if err != nil {
		return 0, withItem(item.ID, err)
	}
	if !resp.Accepted {
		reason := resp.Reason
		if reason == "" {
			reason = "award rejected by backend"
		}
		return 0, &domain.SyncFailure{ItemID: item.ID, Retryable: false, Err: errors.New(reason)}
	}
	return resp.Balance, nil
}

func (w *SyncClient) fail(ctx context.Context, item domain.OutboxItem, cause error) outcome {
	updated, dead, err := w.queue.Fail(ctx, item, cause)
	if err != nil {
		w.logger.Error("failed to record sync failure", "item_id", item.ID, "error", err)
		return outcomeNone
	}
	if dead == nil {
		w.retried.Add(1)
		w.logger.Warn("sync attempt failed",
			"item_id", item.ID,
			"kind", item.Kind,
			"attempts", updated.Attempts,
			"next_attempt_at", updated.NextAttemptAt,
			"error", cause,
		)
		return outcomeRetried
	}

	w.deadLettered.Add(1)
	for _, sink := range w.sinks {
		if err := sink.Publish(ctx, *dead); err != nil {
			w.logger.Error("failed to publish dead letter", "item_id", item.ID, "error", err)
		}
	}
	return outcomeDeadLettered
}

// merge applies the backend balance monotonically
func (w *SyncClient) merge(ctx context.Context, playerID string, backend int64) {
	m, err := w.ledger.MergeBackendBalance(ctx, playerID, backend)
	if err != nil {
		w.logger.Warn("failed to merge backend balance", "player_id", playerID, "error", err)
		return
	}
	if m.Applied {
		w.merged.Add(1)
	}
}

// Reconcile pulls a player's authoritative balance and merges it
func (w *SyncClient) Reconcile(ctx context.Context, playerID string) (domain.BalanceMerge, error) {
	balance, err := w.backend.Balance(ctx, playerID)
	if err != nil {
		return domain.BalanceMerge{}, fmt.Errorf("fetching backend balance: %w", err)
	}
	m, err := w.ledger.MergeBackendBalance(ctx, playerID, balance)
	if err != nil {
		return domain.BalanceMerge{}, err
	}
	if m.Applied {
		w.merged.Add(1)
	}
	return m, nil
}

// Resync gives dead-lettered items a fresh retry budget and flushes
func (w *SyncClient) Resync(ctx context.Context) (int, error) {
	n, err := w.queue.RequeueDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	w.logger.Info("requeued dead letters", "count", n)
	w.Nudge()
	return n, nil
}

// IsRunning returns whether the loop is running
func (w *SyncClient) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns cumulative counters
func (w *SyncClient) Stats() Stats {
	s := Stats{
		Running:      w.IsRunning(),
		Synced:       w.synced.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Merged:       w.merged.Load(),
	}
	if ms := w.lastFlush.Load(); ms > 0 {
		s.LastFlushAt = time.UnixMilli(ms).UTC()
	}
	return s
}

func withItem(itemID string, err error) error {
	var sf *domain.SyncFailure
	if errors.As(err, &sf) {
		if sf.ItemID == "" {
			sf.ItemID = itemID
		}
		return sf
	}
	return &domain.SyncFailure{ItemID: itemID, Retryable: true, Err: err}
}
