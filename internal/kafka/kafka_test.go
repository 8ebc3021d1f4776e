package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
	"github.com/arcade-ledger/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingHandler struct {
	mu      sync.Mutex
	batches [][]domain.SubmitScoreRequest
	failed  int
}

func (h *recordingHandler) SubmitScoreBatch(_ context.Context, batch []domain.SubmitScoreRequest) service.BatchReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, append([]domain.SubmitScoreRequest(nil), batch...))
	failed := min(h.failed, len(batch))
	return service.BatchReport{Accepted: len(batch) - failed, Failed: failed}
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "score-submissions" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func message(t *testing.T, offset int64, req domain.SubmitScoreRequest) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(req)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Offset: offset, Value: value}
}

func TestConsumeClaimBatchesValidSubmissions(t *testing.T) {
	handler := &recordingHandler{}
	group := &consumerGroupHandler{
		config:  &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour},
		handler: handler,
		logger:  discard,
		ready:   make(chan bool),
	}
	session := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 5)}

	claim.messages <- message(t, 0, domain.SubmitScoreRequest{PlayerID: "p1", GameID: "snake", Score: 10, IdempotencyKey: "k1"})
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")}
	claim.messages <- message(t, 2, domain.SubmitScoreRequest{PlayerID: "p2", GameID: "snake", Score: 20, IdempotencyKey: "k2"})
	claim.messages <- message(t, 3, domain.SubmitScoreRequest{PlayerID: "p3", GameID: "snake", Score: 30})
	claim.messages <- message(t, 4, domain.SubmitScoreRequest{PlayerID: "p3", GameID: "tetris", Score: 40, IdempotencyKey: "k3"})
	close(claim.messages)

	require.NoError(t, group.ConsumeClaim(session, claim))

	require.Len(t, handler.batches, 2)
	assert.Equal(t, "k1", handler.batches[0][0].IdempotencyKey)
	assert.Equal(t, "k2", handler.batches[0][1].IdempotencyKey)
	require.Len(t, handler.batches[1], 1)
	assert.Equal(t, "k3", handler.batches[1][0].IdempotencyKey)

	// offsets are marked only after their batch was handed over
	assert.Equal(t, []int64{2, 4}, session.marked)
}

func TestConsumeClaimFlushesOnTimeout(t *testing.T) {
	handler := &recordingHandler{}
	group := &consumerGroupHandler{
		config:  &config.KafkaConfig{BatchSize: 100, BatchTimeout: 20 * time.Millisecond},
		handler: handler,
		logger:  discard,
		ready:   make(chan bool),
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(t, 7, domain.SubmitScoreRequest{PlayerID: "p1", GameID: "snake", Score: 10, IdempotencyKey: "k1"})

	done := make(chan error, 1)
	go func() { done <- group.ConsumeClaim(session, claim) }()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.batches) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, []int64{7}, session.marked)
}

func TestConsumeClaimLeavesOffsetsUnmarkedWhenStoreFails(t *testing.T) {
	handler := &recordingHandler{failed: 1}
	group := &consumerGroupHandler{
		config:  &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour},
		handler: handler,
		logger:  discard,
		ready:   make(chan bool),
	}
	session := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- message(t, 6, domain.SubmitScoreRequest{PlayerID: "p1", GameID: "snake", Score: 10, IdempotencyKey: "k1"})
	claim.messages <- message(t, 7, domain.SubmitScoreRequest{PlayerID: "p2", GameID: "snake", Score: 20, IdempotencyKey: "k2"})
	claim.messages <- message(t, 8, domain.SubmitScoreRequest{PlayerID: "p3", GameID: "snake", Score: 30, IdempotencyKey: "k3"})
	close(claim.messages)

	err := group.ConsumeClaim(session, claim)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 submissions failed")

	// the session ends at the failed batch so the group redelivers it
	assert.Len(t, handler.batches, 1)
	assert.Empty(t, session.marked)
}

func TestDeadLetterProducerPublishesKeyedRecord(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg DeadLetterMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.ItemID != "item-1" || msg.PlayerID != "p1" || msg.Attempts != 8 {
			return errors.New("unexpected dead letter body")
		}
		return nil
	})

	producer := NewDeadLetterProducerFromSync(sp, "score-dead-letters", discard)
	err := producer.Publish(context.Background(), domain.DeadLetter{
		Item: domain.OutboxItem{
			ID:        "item-1",
			Kind:      domain.OutboxKindScore,
			PlayerID:  "p1",
			Reference: "key-1",
			Payload:   json.RawMessage(`{"score":10}`),
			Attempts:  8,
		},
		Reason: "backend unavailable",
	})
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestDeadLetterProducerReportsSendFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewDeadLetterProducerFromSync(sp, "score-dead-letters", discard)
	err := producer.Publish(context.Background(), domain.DeadLetter{Item: domain.OutboxItem{ID: "item-2", PlayerID: "p1"}})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())
}
