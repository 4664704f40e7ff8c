// Package kafka publishes transaction lifecycle events to a Kafka topic.
// It carries the same JSON payload as the NATS publisher, keyed by
// transaction id so events for one transaction stay ordered in a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vitrine/service/metrics"
	natspkg "github.com/brojonat/vitrine/service/nats"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "marketplace.transactions"

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes lifecycle events to Kafka. It satisfies nats.Publisher.
type Publisher struct {
	writer  messageWriter
	topic   string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ natspkg.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher writing to topic on the given brokers.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(brokers []string, topic string, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	logger.Info("Kafka publisher initialized", "brokers", brokers, "topic", topic)

	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}, topic, m, logger)
}

func newPublisher(w messageWriter, topic string, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer:  w,
		topic:   topic,
		metrics: m,
		logger:  logger,
	}
}

func (p *Publisher) message(event *natspkg.TransactionEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal transaction event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
		Time: event.OccurredAt,
	}, nil
}

// PublishTransaction publishes a single lifecycle event.
func (p *Publisher) PublishTransaction(ctx context.Context, event *natspkg.TransactionEvent) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.RecordEventPublish("kafka", p.topic, "error", time.Since(start).Seconds())
		return fmt.Errorf("failed to publish transaction event: %w", err)
	}
	p.metrics.RecordEventPublish("kafka", p.topic, "success", time.Since(start).Seconds())

	p.logger.Debug("published transaction event",
		"topic", p.topic,
		"event_id", event.EventID,
		"transaction_id", event.TransactionID,
	)
	return nil
}

// PublishTransactionBatch writes all events in one request.
func (p *Publisher) PublishTransactionBatch(ctx context.Context, events []*natspkg.TransactionEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := p.message(event)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.metrics.RecordEventPublish("kafka", p.topic, "error", time.Since(start).Seconds())
		return fmt.Errorf("failed to publish %d transaction events: %w", len(msgs), err)
	}
	p.metrics.RecordEventPublish("kafka", p.topic, "success", time.Since(start).Seconds())
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	p.logger.Info("Kafka publisher closed")
	return nil
}
