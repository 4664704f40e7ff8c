// Package transaction orchestrates the marketplace purchase lifecycle:
// listing reservation, payment, shipping, delivery, cancellation and refunds.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/metrics"
	natspkg "github.com/brojonat/vitrine/service/nats"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the persistence the service needs: the query set plus a way to
// run several writes atomically.
type Store interface {
	db.Querier
	WithTx(ctx context.Context, fn func(q db.Querier) error) error
}

// PaymentGateway is the payment adapter the service delegates to.
// *payment.Service implements it.
type PaymentGateway interface {
	CalculateFees(amount decimal.Decimal, method payment.MethodType) (payment.Fees, error)
	ValidatePaymentMethod(m payment.Method) payment.ValidationResult
	ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error)
	RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error)
}

// SalesRecorder receives completed sales. *graph.SalesRecorder implements it.
type SalesRecorder interface {
	RecordSale(ctx context.Context, txn *db.Transaction) error
}

// Config holds the dependencies of a Service. Store and Payments are required.
type Config struct {
	Store     Store
	Payments  PaymentGateway
	Publisher natspkg.Publisher // optional
	Sales     SalesRecorder     // optional
	Metrics   *metrics.Metrics  // optional
	Logger    *slog.Logger
	Pix       payment.PixConfig
	Now       func() time.Time
}

// Service is the transaction orchestrator.
type Service struct {
	store     Store
	payments  PaymentGateway
	publisher natspkg.Publisher
	sales     SalesRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	pix       payment.PixConfig
	now       func() time.Time
}

// DefaultPixTimeout is how long a buyer has to pay a PIX charge.
const DefaultPixTimeout = 30 * time.Minute

// NewService creates a transaction service from its dependencies.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Payments == nil {
		return nil, errors.New("payment gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pix.Timeout <= 0 {
		cfg.Pix.Timeout = DefaultPixTimeout
	}

	return &Service{
		store:     cfg.Store,
		payments:  cfg.Payments,
		publisher: cfg.Publisher,
		sales:     cfg.Sales,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "transaction_service"),
		pix:       cfg.Pix,
		now:       cfg.Now,
	}, nil
}

// GetTransaction returns a transaction with its timeline.
func (s *Service) GetTransaction(ctx context.Context, id string) (*db.Transaction, error) {
	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withTimeline(ctx, txn)
}

// ListFilter selects transactions by seller or buyer.
type ListFilter struct {
	SellerID string
	BuyerID  string
	Status   db.TransactionStatus
	Limit    int32
	Offset   int32
}

// Pagination limits for ListTransactions.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListTransactions returns a page of a seller's or buyer's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, f ListFilter) ([]*db.Transaction, error) {
	var errs []string
	if f.SellerID == "" && f.BuyerID == "" {
		errs = append(errs, "seller_id or buyer_id is required")
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		errs = append(errs, fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Offset < 0 {
		errs = append(errs, "offset cannot be negative")
	}
	if len(errs) > 0 {
		return nil, newValidationError(errs...)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	txns, err := s.store.ListTransactions(ctx, db.ListTransactionsParams{
		SellerID: f.SellerID,
		BuyerID:  f.BuyerID,
		Status:   f.Status,
		Limit:    limit,
		Offset:   f.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if txns == nil {
		txns = []*db.Transaction{}
	}
	return txns, nil
}

// load fetches a transaction, mapping a missing row to ErrTransactionNotFound.
func (s *Service) load(ctx context.Context, id string) (*db.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return txn, nil
}

func (s *Service) withTimeline(ctx context.Context, txn *db.Transaction) (*db.Transaction, error) {
	events, err := s.store.ListEvents(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline: %w", err)
	}
	txn.Timeline = events
	return txn, nil
}

// appendEvent writes a lifecycle event inside the caller's store transaction.
func (s *Service) appendEvent(ctx context.Context, q db.Querier, txn *db.Transaction, eventType, message string, metadata map[string]string) (*db.Event, error) {
	ev, err := q.AppendEvent(ctx, db.CreateEventParams{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		Type:          eventType,
		Status:        txn.Status,
		Message:       message,
		Metadata:      metadata,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return ev, nil
}

// update applies a conditional write, translating a lost race into
// ErrConcurrentModification. Other persistence errors are returned unchanged.
func update(ctx context.Context, q db.Querier, params db.UpdateTransactionParams) (*db.Transaction, error) {
	txn, err := q.UpdateTransaction(ctx, params)
	if errors.Is(err, db.ErrConflict) {
		return nil, ErrConcurrentModification
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

// publish sends committed lifecycle events to the event bus. Failures are
// logged and never affect the committed state.
func (s *Service) publish(ctx context.Context, txn *db.Transaction, events []*db.Event, extra map[string]string) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	batch := make([]*natspkg.TransactionEvent, 0, len(events))
	for _, ev := range events {
		event := natspkg.FromDBEvent(txn, ev)
		if len(extra) > 0 {
			if event.Metadata == nil {
				event.Metadata = make(map[string]string, len(extra))
			}
			for k, v := range extra {
				event.Metadata[k] = v
			}
		}
		batch = append(batch, event)
	}
	if err := s.publisher.PublishTransactionBatch(ctx, batch); err != nil {
		s.logger.WarnContext(ctx, "failed to publish lifecycle events",
			"transaction_id", txn.ID,
			"count", len(batch),
			"error", err,
		)
	}
}

func statusPtr(s db.TransactionStatus) *db.TransactionStatus { return &s }
func stringPtr(s string) *string                             { return &s }
func boolPtr(b bool) *bool                                   { return &b }
func timePtr(t time.Time) *time.Time                         { return &t }
