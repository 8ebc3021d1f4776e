package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/arcade-ledger/internal/config"
	"github.com/arcade-ledger/internal/domain"
)

// DeadLetterMessage is the record published for an outbox item that ran
// out of retries
type DeadLetterMessage struct {
	ItemID         string            `json:"itemId"`
	Kind           domain.OutboxKind `json:"kind"`
	PlayerID       string            `json:"playerId"`
	Reference      string            `json:"reference"`
	Attempts       int               `json:"attempts"`
	Reason         string            `json:"reason"`
	Payload        json.RawMessage   `json:"payload"`
	DeadLetteredAt time.Time         `json:"deadLetteredAt"`
}

// DeadLetterProducer publishes dead letters to a Kafka topic so an operator
// can see and replay them off the device
type DeadLetterProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewDeadLetterProducer connects a synchronous producer to the brokers
func NewDeadLetterProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*DeadLetterProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating dead letter producer: %w", err)
	}
	return NewDeadLetterProducerFromSync(producer, cfg.DeadLetterTopic, logger), nil
}

// NewDeadLetterProducerFromSync wraps an existing producer
func NewDeadLetterProducerFromSync(producer sarama.SyncProducer, topic string, logger *slog.Logger) *DeadLetterProducer {
	return &DeadLetterProducer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Publish sends one dead letter keyed by player, keeping a player's letters
// on one partition in order
func (p *DeadLetterProducer) Publish(ctx context.Context, letter domain.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item := letter.Item
	value, err := json.Marshal(DeadLetterMessage{
		ItemID:         item.ID,
		Kind:           item.Kind,
		PlayerID:       item.PlayerID,
		Reference:      item.Reference,
		Attempts:       item.Attempts,
		Reason:         letter.Reason,
		Payload:        item.Payload,
		DeadLetteredAt: item.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding dead letter %s: %w", item.ID, err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(item.PlayerID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", item.ID, err)
	}

	p.logger.Debug("dead letter published",
		"item_id", item.ID,
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer
func (p *DeadLetterProducer) Close() error {
	return p.producer.Close()
}
