package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/vitrine/service/db"
)

// ExpiredReason is recorded on transactions cancelled because the PIX window lapsed.
const ExpiredReason = "pix payment expired"

// DefaultExpiryBatch bounds how many transactions one sweep examines.
const DefaultExpiryBatch = 100

// ExpiryResult reports what a sweep did.
type ExpiryResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ExpireReservations cancels unpaid transactions whose payment window closed
// at or before now and returns their listings to the catalogue. A transaction
// that changed status since it was scanned is skipped.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time, limit int32) (*ExpiryResult, error) {
	if limit <= 0 {
		limit = DefaultExpiryBatch
	}

	txns, err := s.store.ListExpiredPendingTransactions(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired transactions: %w", err)
	}

	result := &ExpiryResult{Scanned: len(txns)}
	for _, txn := range txns {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		_, err := s.expireTransaction(ctx, txn)
		switch {
		case err == nil:
			result.Expired++
		case errors.Is(err, ErrConcurrentModification):
			result.Skipped++
		default:
			result.Failed++
			s.logger.ErrorContext(ctx, "failed to expire transaction",
				"transaction_id", txn.ID,
				"error", err,
			)
		}
	}

	if result.Scanned > 0 {
		s.logger.InfoContext(ctx, "expiry sweep finished",
			"scanned", result.Scanned,
			"expired", result.Expired,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// expireTransaction cancels one pending transaction whose payment window closed.
func (s *Service) expireTransaction(ctx context.Context, txn *db.Transaction) (*db.Transaction, error) {
	var (
		expired  *db.Transaction
		ev       *db.Event
		released bool
	)
	err := s.store.WithTx(ctx, func(q db.Querier) error {
		var err error
		expired, err = update(ctx, q, db.UpdateTransactionParams{
			ID:              txn.ID,
			ExpectedStatus:  db.StatusPendingPayment,
			Status:          statusPtr(db.StatusCancelled),
			ReservationHeld: boolPtr(false),
			CancelReason:    stringPtr(ExpiredReason),
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

		ev, err = s.appendEvent(ctx, q, expired, EventExpired, "Payment window expired", map[string]string{
			"reason": ExpiredReason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if released {
		s.metrics.RecordReservationReleased("expired")
	}
	s.metrics.RecordTransition(string(db.StatusPendingPayment), string(db.StatusCancelled))
	s.logger.InfoContext(ctx, "transaction expired",
		"transaction_id", expired.ID,
		"listing_id", expired.ListingID,
	)
	s.publish(ctx, expired, []*db.Event{ev}, nil)
	return expired, nil
}
