package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/google/uuid"
)

// Update carries the seller-side changes to a transaction. Zero fields are left unchanged.
type Update struct {
	Status            db.TransactionStatus `json:"status,omitempty"`
	TrackingNumber    string               `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time           `json:"estimated_delivery,omitempty"`
	ShippingMethod    string               `json:"shipping_method,omitempty"`
	Note              string               `json:"note,omitempty"`
}

func (u Update) empty() bool {
	return u.Status == "" && u.TrackingNumber == "" && u.EstimatedDelivery == nil && u.ShippingMethod == ""
}

// UpdateTransaction applies operational changes. The only status change it
// accepts is payment_confirmed → shipped; delivery, completion and
// cancellation have their own operations.
func (s *Service) UpdateTransaction(ctx context.Context, id string, u Update) (*db.Transaction, error) {
	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(txn.Status) {
		return nil, ErrNotUpdatable
	}
	if u.empty() {
		return nil, newValidationError("no changes requested")
	}

	changingStatus := u.Status != "" && u.Status != txn.Status
	if changingStatus {
		if !ValidStatus(u.Status) {
			return nil, ErrInvalidTransition
		}
		if txn.Status != db.StatusPaymentConfirmed || u.Status != db.StatusShipped {
			return nil, ErrInvalidTransition
		}

		var missing []string
		if strings.TrimSpace(u.TrackingNumber) == "" && txn.TrackingNumber == nil {
			missing = append(missing, "tracking_number is required when shipping")
		}
		if u.EstimatedDelivery == nil && txn.EstimatedDelivery == nil {
			missing = append(missing, "estimated_delivery is required when shipping")
		}
		if len(missing) > 0 {
			return nil, newValidationError(missing...)
		}
	}

	params := db.UpdateTransactionParams{
		ID:                txn.ID,
		ExpectedStatus:    txn.Status,
		EstimatedDelivery: u.EstimatedDelivery,
	}
	if changingStatus {
		params.Status = statusPtr(u.Status)
	}
	if u.TrackingNumber != "" {
		params.TrackingNumber = stringPtr(u.TrackingNumber)
	}
	if u.ShippingMethod != "" {
		params.ShippingMethod = stringPtr(u.ShippingMethod)
	}

	eventType, message := EventUpdated, "Transaction updated"
	if changingStatus {
		eventType, message = EventShipped, "Item shipped"
	}
	if u.Note != "" {
		message = u.Note
	}

	var (
		updated *db.Transaction
		ev      *db.Event
	)
	err = s.store.WithTx(ctx, func(q db.Querier) error {
		var err error
		updated, err = update(ctx, q, params)
		if err != nil {
			return err
		}
		meta := map[string]string{}
		if updated.TrackingNumber != nil {
			meta["tracking_number"] = *updated.TrackingNumber
		}
		if updated.ShippingMethod != "" {
			meta["shipping_method"] = updated.ShippingMethod
		}
		ev, err = s.appendEvent(ctx, q, updated, eventType, message, meta)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changingStatus {
		s.metrics.RecordTransition(string(txn.Status), string(updated.Status))
	}
	s.logger.InfoContext(ctx, "transaction updated",
		"transaction_id", updated.ID,
		"status", updated.Status,
		"event_type", eventType,
	)
	s.publish(ctx, updated, []*db.Event{ev}, nil)

	return s.withTimeline(ctx, updated)
}

// ConfirmDelivery is called by the buyer once the item arrives. It records the
// delivery, completes the transaction and marks the listing sold in one step.
func (s *Service) ConfirmDelivery(ctx context.Context, id, callerID string) (*db.Transaction, error) {
	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID == "" || txn.BuyerID != callerID {
		return nil, ErrNotBuyer
	}
	if txn.Status != db.StatusShipped {
		return nil, ErrNotShipped
	}

	now := s.now()
	var (
		completed *db.Transaction
		events    []*db.Event
		sold      bool
	)
	err = s.store.WithTx(ctx, func(q db.Querier) error {
		delivered, err := update(ctx, q, db.UpdateTransactionParams{
			ID:             txn.ID,
			ExpectedStatus: db.StatusShipped,
			Status:         statusPtr(db.StatusDelivered),
			ActualDelivery: timePtr(now),
		})
		if err != nil {
			return err
		}
		ev, err := s.appendEvent(ctx, q, delivered, EventDelivered, "Delivery confirmed by buyer", nil)
		if err != nil {
			return err
		}
		events = append(events, ev)

		completed, err = update(ctx, q, db.UpdateTransactionParams{
			ID:              txn.ID,
			ExpectedStatus:  db.StatusDelivered,
			Status:          statusPtr(db.StatusCompleted),
			ReservationHeld: boolPtr(false),
		})
		if err != nil {
			return err
		}
		ev, err = s.appendEvent(ctx, q, completed, EventCompleted, "Transaction completed", nil)
		if err != nil {
			return err
		}
		events = append(events, ev)

		sold, err = q.TransitionListing(ctx, txn.ListingID, db.ListingReserved, db.ListingSold)
		if err != nil {
			return fmt.Errorf("failed to mark listing sold: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !sold {
		s.logger.WarnContext(ctx, "listing was not reserved at completion",
			"transaction_id", completed.ID,
			"listing_id", completed.ListingID,
		)
	}
	s.metrics.RecordTransition(string(db.StatusShipped), string(db.StatusDelivered))
	s.metrics.RecordTransition(string(db.StatusDelivered), string(db.StatusCompleted))
	s.logger.InfoContext(ctx, "transaction completed",
		"transaction_id", completed.ID,
		"listing_id", completed.ListingID,
	)
	s.publish(ctx, completed, events, nil)

	if s.sales != nil {
		if err := s.sales.RecordSale(ctx, completed); err != nil {
			s.logger.WarnContext(ctx, "failed to record sale", "transaction_id", completed.ID, "error", err)
		}
	}

	return s.withTimeline(ctx, completed)
}

// RefundIdempotencyKey is the provider idempotency key used when refunding a
// cancelled transaction. It is derived from the transaction id so retries of
// the same cancellation never credit the buyer twice.
func RefundIdempotencyKey(transactionID string) string {
	return "refund_" + transactionID
}

// CancelTransaction cancels a transaction that has not shipped. A paid
// transaction is refunded in full before it is marked cancelled; if the
// provider declines the refund the transaction is left untouched.
func (s *Service) CancelTransaction(ctx context.Context, id, reason string) (*db.Transaction, error) {
	txn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != db.StatusPendingPayment && txn.Status != db.StatusPaymentConfirmed {
		return nil, ErrNotCancellable
	}

	var refund *payment.RefundResult
	if txn.PaymentID != nil {
		refund, err = s.refund(ctx, txn)
		if err != nil {
			return nil, err
		}
	}

	var (
		cancelled *db.Transaction
		events    []*db.Event
		released  bool
	)
	err = s.store.WithTx(ctx, func(q db.Querier) error {
		if refund != nil {
			_, err := q.CreateRefund(ctx, db.CreateRefundParams{
				ID:               uuid.NewString(),
				TransactionID:    txn.ID,
				Provider:         providerOf(txn),
				ProviderRefundID: refund.RefundID,
				Amount:           refund.Amount,
				Status:           refund.Status,
				IdempotencyKey:   RefundIdempotencyKey(txn.ID),
				CreatedAt:        s.now(),
			})
			if errors.Is(err, db.ErrDuplicate) {
				return ErrConcurrentModification
			}
			if err != nil {
				return fmt.Errorf("failed to record refund: %w", err)
			}
		}

		var err error
		cancelled, err = update(ctx, q, db.UpdateTransactionParams{
			ID:              txn.ID,
			ExpectedStatus:  txn.Status,
			Status:          statusPtr(db.StatusCancelled),
			ReservationHeld: boolPtr(false),
			CancelReason:    stringPtr(reason),
		})
		if err != nil {
			return err
		}

		if txn.ReservationHeld {
			released, err = q.TransitionListing(ctx, txn.ListingID, db.ListingReserved, db.ListingActive)
			if err != nil {
				return fmt.Errorf("failed to release listing: %w", err)
			}
		}

		if refund != nil {
			ev, err := s.appendEvent(ctx, q, cancelled, EventRefunded, "Payment refunded", map[string]string{
				"refund_id": refund.RefundID,
				"amount":    refund.Amount.StringFixed(2),
			})
			if err != nil {
				return err
			}
			events = append(events, ev)
		}

		meta := map[string]string{}
		if reason != "" {
			meta["reason"] = reason
		}
		ev, err := s.appendEvent(ctx, q, cancelled, EventCancelled, "Transaction cancelled", meta)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		if refund != nil {
			s.logger.ErrorContext(ctx, "refund issued but cancellation failed",
				"transaction_id", txn.ID,
				"refund_id", refund.RefundID,
				"error", err,
			)
		}
		return nil, err
	}

	if released {
		s.metrics.RecordReservationReleased("cancelled")
	}
	s.metrics.RecordTransition(string(txn.Status), string(db.StatusCancelled))
	s.logger.InfoContext(ctx, "transaction cancelled",
		"transaction_id", cancelled.ID,
		"previous_status", txn.Status,
		"refunded", refund != nil,
	)
	s.publish(ctx, cancelled, events, nil)

	return s.withTimeline(ctx, cancelled)
}

// refund returns the full amount through the provider that captured the payment.
func (s *Service) refund(ctx context.Context, txn *db.Transaction) (*payment.RefundResult, error) {
	result, err := s.payments.RefundPayment(ctx, payment.RefundRequest{
		Provider:       providerOf(txn),
		TransactionID:  txn.ID,
		PaymentID:      *txn.PaymentID,
		Amount:         txn.Amount,
		IdempotencyKey: RefundIdempotencyKey(txn.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("refund failed for transaction %s: %w", txn.ID, err)
	}
	if !result.Success {
		s.logger.WarnContext(ctx, "refund declined",
			"transaction_id", txn.ID,
			"status", result.Status,
		)
		return nil, ErrRefundDeclined
	}
	if result.Amount.IsZero() {
		result.Amount = txn.Amount
	}
	return result, nil
}

// providerOf returns the provider that captured the payment. Older rows may
// lack it, in which case the provider name is the payment id prefix.
func providerOf(txn *db.Transaction) string {
	if txn.PaymentProvider != nil && *txn.PaymentProvider != "" {
		return *txn.PaymentProvider
	}
	if txn.PaymentID != nil {
		if i := strings.Index(*txn.PaymentID, "_"); i > 0 {
			return (*txn.PaymentID)[:i]
		}
	}
	return ""
}
