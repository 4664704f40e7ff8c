package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/payment"
)

// PaymentOutcome is the result of a payment attempt. A declined payment is a
// PaymentOutcome with Success=false, not an error.
type PaymentOutcome struct {
	Success      bool            `json:"success"`
	PaymentID    string          `json:"payment_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Transaction  *db.Transaction `json:"transaction"`
}

// ProcessPayment charges the buyer for a pending transaction.
//
// On approval the transaction moves to payment_confirmed. On decline the
// listing reservation is released and the transaction stays pending so the
// buyer can retry. Gateway errors are returned wrapped and change nothing.
func (s *Service) ProcessPayment(ctx context.Context, id string, details payment.Details) (*PaymentOutcome, error) {
	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != db.StatusPendingPayment {
		return nil, ErrNotAwaitingPayment
	}

	if txn.PaymentExpiresAt != nil && !s.now().Before(*txn.PaymentExpiresAt) {
		_, err := s.expireTransaction(ctx, txn)
		switch {
		case err == nil:
			s.metrics.RecordExpired(1)
		case errors.Is(err, ErrConcurrentModification):
			// already moved on; the window is closed either way
		default:
			return nil, err
		}
		return nil, ErrPaymentExpired
	}

	method := payment.Method{Type: payment.MethodType(txn.PaymentMethod), Card: details.Card}
	if v := s.payments.ValidatePaymentMethod(method); !v.Valid {
		return nil, newValidationError(v.Errors...)
	}

	if !txn.ReservationHeld {
		if err := s.reacquireReservation(ctx, txn); err != nil {
			return nil, err
		}
	}

	result, err := s.payments.ProcessPayment(ctx, payment.Request{
		TransactionID: txn.ID,
		Method:        method,
		Amount:        txn.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("payment failed for transaction %s: %w", txn.ID, err)
	}

	if !result.Success {
		return s.declinePayment(ctx, txn, result)
	}
	return s.confirmPayment(ctx, txn, result)
}

// reacquireReservation takes the listing back after a previous decline released it.
func (s *Service) reacquireReservation(ctx context.Context, txn *db.Transaction) error {
	err := s.store.WithTx(ctx, func(q db.Querier) error {
		reserved, err := q.TransitionListing(ctx, txn.ListingID, db.ListingActive, db.ListingReserved)
		if err != nil {
			return fmt.Errorf("failed to reserve listing: %w", err)
		}
		if !reserved {
			return ErrListingUnavailable
		}
		updated, err := update(ctx, q, db.UpdateTransactionParams{
			ID:              txn.ID,
			ExpectedStatus:  db.StatusPendingPayment,
			ReservationHeld: boolPtr(true),
		})
		if err != nil {
			return err
		}
		*txn = *updated
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "listing reservation re-acquired",
		"transaction_id", txn.ID,
		"listing_id", txn.ListingID,
	)
	return nil
}

func (s *Service) confirmPayment(ctx context.Context, txn *db.Transaction, result *payment.Result) (*PaymentOutcome, error) {
	var (
		updated *db.Transaction
		ev      *db.Event
	)
	err := s.store.WithTx(ctx, func(q db.Querier) error {
		var err error
		updated, err = update(ctx, q, db.UpdateTransactionParams{
			ID:              txn.ID,
			ExpectedStatus:  db.StatusPendingPayment,
			Status:          statusPtr(db.StatusPaymentConfirmed),
			PaymentID:       stringPtr(result.PaymentID),
			PaymentProvider: stringPtr(result.Provider),
		})
		if err != nil {
			return err
		}
		ev, err = s.appendEvent(ctx, q, updated, EventPaymentConfirmed, "Payment confirmed", map[string]string{
			"payment_id": result.PaymentID,
			"provider":   result.Provider,
		})
		return err
	})
	if err != nil {
		// The money has been captured but the confirmation was not stored,
		// either because someone else moved the transaction or because the
		// write failed. Nothing durable points at the charge, so hand it back.
		s.compensateCharge(ctx, txn, result, err)
		return nil, err
	}

	s.metrics.RecordTransition(string(db.StatusPendingPayment), string(db.StatusPaymentConfirmed))
	s.logger.InfoContext(ctx, "payment confirmed",
		"transaction_id", updated.ID,
		"payment_id", result.PaymentID,
		"provider", result.Provider,
	)
	s.publish(ctx, updated, []*db.Event{ev}, nil)

	return &PaymentOutcome{
		Success:     true,
		PaymentID:   result.PaymentID,
		Transaction: updated,
	}, nil
}

func (s *Service) declinePayment(ctx context.Context, txn *db.Transaction, result *payment.Result) (*PaymentOutcome, error) {
	var (
		updated  *db.Transaction
		ev       *db.Event
		released bool
	)
	err := s.store.WithTx(ctx, func(q db.Querier) error {
		var err error
		released, err = q.TransitionListing(ctx, txn.ListingID, db.ListingReserved, db.ListingActive)
		if err != nil {
			return fmt.Errorf("failed to release listing: %w", err)
		}
		updated, err = update(ctx, q, db.UpdateTransactionParams{
			ID:              txn.ID,
			ExpectedStatus:  db.StatusPendingPayment,
			ReservationHeld: boolPtr(false),
		})
		if err != nil {
			return err
		}
		ev, err = s.appendEvent(ctx, q, updated, EventPaymentDeclined, "Payment declined", map[string]string{
			"provider": result.Provider,
			"reason":   result.ErrorMessage,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if released {
		s.metrics.RecordReservationReleased("payment_declined")
	}
	s.logger.InfoContext(ctx, "payment declined, reservation released",
		"transaction_id", updated.ID,
		"listing_id", updated.ListingID,
		"reason", result.ErrorMessage,
	)
	s.publish(ctx, updated, []*db.Event{ev}, nil)

	return &PaymentOutcome{
		Success:      false,
		ErrorMessage: result.ErrorMessage,
		Transaction:  updated,
	}, nil
}

func (s *Service) compensateCharge(ctx context.Context, txn *db.Transaction, result *payment.Result, cause error) {
	refund, err := s.payments.RefundPayment(ctx, payment.RefundRequest{
		Provider:       result.Provider,
		TransactionID:  txn.ID,
		PaymentID:      result.PaymentID,
		Amount:         txn.Amount,
		IdempotencyKey: "refund_" + result.PaymentID,
	})
	if err == nil && !refund.Success {
		err = fmt.Errorf("refund %s", refund.Status)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to refund charge that could not be confirmed",
			"transaction_id", txn.ID,
			"payment_id", result.PaymentID,
			"cause", cause,
			"error", err,
		)
		return
	}
	s.logger.WarnContext(ctx, "refunded charge that could not be confirmed",
		"transaction_id", txn.ID,
		"payment_id", result.PaymentID,
		"refund_id", refund.RefundID,
		"cause", cause,
	)
}
