package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vitrine/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing transaction lifecycle events.
type Publisher interface {
	// PublishTransaction publishes a single lifecycle event.
	PublishTransaction(ctx context.Context, event *TransactionEvent) error

	// PublishTransactionBatch publishes multiple lifecycle events.
	PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error

	// Close closes the connection to the event bus.
	Close() error
}

// JetStreamPublisher publishes transaction events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for transaction events.
	StreamName = "TRANSACTIONS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "txns.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// streamConfig describes the TRANSACTIONS stream. It is applied with
// CreateOrUpdateStream so retention changes roll out on restart.
var streamConfig = jetstream.StreamConfig{
	Name:        StreamName,
	Description: "Marketplace transaction lifecycle events",
	Subjects:    []string{StreamSubjects},
	Retention:   jetstream.LimitsPolicy,
	MaxAge:      StreamRetention,
	Storage:     jetstream.FileStorage,
	Duplicates:  2 * time.Minute,
	Replicas:    1,
}

// NewPublisher connects to NATS and makes sure the stream exists.
// m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_publisher")

	nc, err := nats.Connect(natsURL,
		nats.Name("vitrine-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := js.CreateOrUpdateStream(ctx, streamConfig)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", StreamName, err)
	}
	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
		"messages", stream.CachedInfo().State.Msgs,
	)

	return &JetStreamPublisher{nc: nc, js: js, metrics: m, logger: logger}, nil
}

// PublishTransaction publishes one lifecycle event and waits for the ack.
// The event id doubles as the JetStream message id, so a retried publish
// inside the duplicate window is dropped by the server.
func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	data, subject, err := encode(event)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventID))
	p.record(subject, err, start)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.logger.DebugContext(ctx, "published transaction event",
		"subject", subject,
		"event_id", event.EventID,
		"transaction_id", event.TransactionID,
	)
	return nil
}

// PublishTransactionBatch publishes events asynchronously and then waits
// for every ack. All events are attempted; failures are joined.
func (p *JetStreamPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error {
	if len(events) == 0 {
		return nil
	}

	type pending struct {
		subject string
		ack     jetstream.PubAckFuture
	}
	start := time.Now()
	inflight := make([]pending, 0, len(events))
	var errs []error
	for _, event := range events {
		data, subject, err := encode(event)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ack, err := p.js.PublishAsync(subject, data, jetstream.WithMsgID(event.EventID))
		if err != nil {
			p.record(subject, err, start)
			errs = append(errs, fmt.Errorf("failed to publish %s: %w", subject, err))
			continue
		}
		inflight = append(inflight, pending{subject: subject, ack: ack})
	}

	for _, f := range inflight {
		select {
		case <-f.ack.Ok():
			p.record(f.subject, nil, start)
		case err := <-f.ack.Err():
			p.record(f.subject, err, start)
			errs = append(errs, fmt.Errorf("failed to publish %s: %w", f.subject, err))
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}

	p.logger.DebugContext(ctx, "published transaction event batch",
		"count", len(events),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// Close drains pending publishes and closes the connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	p.logger.Info("NATS publisher closed")
	return nil
}

func (p *JetStreamPublisher) record(subject string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordEventPublish("nats", subject, status, time.Since(start).Seconds())
}

func encode(event *TransactionEvent) ([]byte, string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal transaction event %s: %w", event.EventID, err)
	}
	return data, event.Subject(), nil
}
