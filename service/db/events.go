package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// AppendEvent adds a lifecycle event to a transaction's timeline.
func (s *Store) AppendEvent(ctx context.Context, params CreateEventParams) (*Event, error) {
	metadata, err := metadataToJSON(params.Metadata)
	if err != nil {
		return nil, err
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	start := time.Now()
	var (
		e   Event
		raw []byte
	)
	err = s.db.QueryRow(ctx, `
		INSERT INTO transaction_events (id, transaction_id, type, status, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, transaction_id, type, status, message, metadata, created_at`,
		params.ID,
		params.TransactionID,
		params.Type,
		params.Status,
		params.Message,
		metadata,
		createdAt,
	).Scan(&e.ID, &e.TransactionID, &e.Type, &e.Status, &e.Message, &raw, &e.CreatedAt)
	s.observe("insert", "transaction_events", start, err)
	if err != nil {
		return nil, translateError(err)
	}
	if e.Metadata, err = metadataFromJSON(raw); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns a transaction's timeline in the order events were appended.
func (s *Store) ListEvents(ctx context.Context, transactionID string) ([]Event, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, `
		SELECT id, transaction_id, type, status, message, metadata, created_at
		FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY created_at, seq`,
		transactionID,
	)
	if err != nil {
		s.observe("select", "transaction_events", start, err)
		return nil, translateError(err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e   Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Type, &e.Status, &e.Message, &raw, &e.CreatedAt); err != nil {
			return nil, translateError(err)
		}
		if e.Metadata, err = metadataFromJSON(raw); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	err = rows.Err()
	s.observe("select", "transaction_events", start, err)
	return events, translateError(err)
}

// CreateRefund records a refund. A second refund for the same transaction or
// idempotency key fails with ErrDuplicate.
func (s *Store) CreateRefund(ctx context.Context, params CreateRefundParams) (*Refund, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	start := time.Now()
	row := s.db.QueryRow(ctx, `
		INSERT INTO refunds (id, transaction_id, provider, provider_refund_id, amount, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, transaction_id, provider, provider_refund_id, amount, status, idempotency_key, created_at`,
		params.ID,
		params.TransactionID,
		params.Provider,
		params.ProviderRefundID,
		numericFromDecimal(params.Amount),
		params.Status,
		params.IdempotencyKey,
		createdAt,
	)
	r, err := scanRefund(row)
	s.observe("insert", "refunds", start, err)
	return r, err
}

// GetRefundByTransaction retrieves the refund recorded for a transaction.
func (s *Store) GetRefundByTransaction(ctx context.Context, transactionID string) (*Refund, error) {
	start := time.Now()
	row := s.db.QueryRow(ctx, `
		SELECT id, transaction_id, provider, provider_refund_id, amount, status, idempotency_key, created_at
		FROM refunds WHERE transaction_id = $1`,
		transactionID,
	)
	r, err := scanRefund(row)
	s.observe("select", "refunds", start, err)
	return r, err
}

func scanRefund(row interface{ Scan(dest ...any) error }) (*Refund, error) {
	var (
		r      Refund
		amount pgtype.Numeric
	)
	if err := row.Scan(
		&r.ID,
		&r.TransactionID,
		&r.Provider,
		&r.ProviderRefundID,
		&amount,
		&r.Status,
		&r.IdempotencyKey,
		&r.CreatedAt,
	); err != nil {
		return nil, translateError(err)
	}
	r.Amount = decimalFromNumeric(amount)
	return &r, nil
}
