package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/google/uuid"
)

// CreateRequest is a buyer's intent to purchase a listing.
type CreateRequest struct {
	ListingID       string         `json:"listing_id"`
	BuyerID         string         `json:"buyer_id"`
	ShippingAddress *db.Address    `json:"shipping_address,omitempty"`
	ShippingMethod  string         `json:"shipping_method,omitempty"`
	PaymentMethod   payment.Method `json:"payment_method"`
}

// CreateResult is the new transaction plus what the buyer must do next.
type CreateResult struct {
	Transaction         *db.Transaction       `json:"transaction"`
	PaymentRequired     bool                  `json:"payment_required"`
	PaymentInstructions *payment.Instructions `json:"payment_instructions,omitempty"`
}

// CreateTransaction reserves a listing for a buyer and opens a transaction
// awaiting payment. The reservation, the transaction row and its created event
// are written atomically; a listing can be reserved by at most one transaction.
func (s *Service) CreateTransaction(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var missing []string
	if req.ListingID == "" {
		missing = append(missing, "listing_id is required")
	}
	if req.BuyerID == "" {
		missing = append(missing, "buyer_id is required")
	}
	if len(missing) > 0 {
		return nil, newValidationError(missing...)
	}

	listing, err := s.store.GetListing(ctx, req.ListingID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	if listing.Status != db.ListingActive {
		return nil, ErrListingUnavailable
	}
	if listing.SellerID == req.BuyerID {
		return nil, ErrOwnListing
	}
	if !req.PaymentMethod.Type.Valid() {
		return nil, ErrInvalidPaymentMethod
	}

	amount := listing.Price.Add(listing.ShippingCost)
	if !amount.IsPositive() {
		return nil, newValidationError("listing total must be greater than zero")
	}

	fees, err := s.payments.CalculateFees(listing.Price, req.PaymentMethod.Type)
	if errors.Is(err, payment.ErrUnsupportedMethod) {
		return nil, ErrInvalidPaymentMethod
	}
	if err != nil {
		return nil, fmt.Errorf("failed to calculate fees: %w", err)
	}

	now := s.now()
	id := uuid.NewString()

	var (
		instructions *payment.Instructions
		expiresAt    *time.Time
	)
	if req.PaymentMethod.Type == payment.MethodPix {
		pix := payment.BuildPixInstructions(s.pix, id, amount, now)
		instructions = &pix
		expiresAt = timePtr(pix.ExpiresAt)
	}

	var (
		txn     *db.Transaction
		created *db.Event
	)
	err = s.store.WithTx(ctx, func(q db.Querier) error {
		reserved, err := q.TransitionListing(ctx, listing.ID, db.ListingActive, db.ListingReserved)
		if err != nil {
			return fmt.Errorf("failed to reserve listing: %w", err)
		}
		if !reserved {
			return ErrListingUnavailable
		}

		txn, err = q.CreateTransaction(ctx, db.CreateTransactionParams{
			ID:        id,
			ListingID: listing.ID,
			BuyerID:   req.BuyerID,
			SellerID:  listing.SellerID,
			ItemPrice: listing.Price,
			Amount:    amount,
			Fees: db.Fees{
				PlatformFee: fees.PlatformFee,
				PaymentFee:  fees.PaymentFee,
				ShippingFee: listing.ShippingCost,
			},
			NetAmount:        amount.Sub(fees.PlatformFee).Sub(fees.PaymentFee),
			Status:           db.StatusPendingPayment,
			PaymentMethod:    string(req.PaymentMethod.Type),
			PaymentExpiresAt: expiresAt,
			ReservationHeld:  true,
			ShippingMethod:   req.ShippingMethod,
			ShippingAddress:  req.ShippingAddress,
			CreatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		created, err = s.appendEvent(ctx, q, txn, EventCreated, "Transaction created, awaiting payment", map[string]string{
			"payment_method": txn.PaymentMethod,
			"amount":         txn.Amount.StringFixed(2),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTransactionCreated(txn.PaymentMethod)
	s.metrics.RecordFees(txn.PaymentMethod, fees.PlatformFee.InexactFloat64(), fees.PaymentFee.InexactFloat64())
	s.logger.InfoContext(ctx, "transaction created",
		"transaction_id", txn.ID,
		"listing_id", txn.ListingID,
		"buyer_id", txn.BuyerID,
		"payment_method", txn.PaymentMethod,
		"amount", txn.Amount.StringFixed(2),
	)

	s.publish(ctx, txn, []*db.Event{created}, s.buyerContact(ctx, txn.BuyerID))

	txn.Timeline = []db.Event{*created}
	return &CreateResult{
		Transaction:         txn,
		PaymentRequired:     txn.Status == db.StatusPendingPayment,
		PaymentInstructions: instructions,
	}, nil
}

// buyerContact looks up the buyer for event consumers that notify them.
// A missing user is not an error; the transaction does not depend on it.
func (s *Service) buyerContact(ctx context.Context, buyerID string) map[string]string {
	user, err := s.store.GetUser(ctx, buyerID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.WarnContext(ctx, "failed to load buyer contact", "buyer_id", buyerID, "error", err)
		}
		return nil
	}

	contact := map[string]string{
		"buyer_name":  user.Name,
		"buyer_email": user.Email,
	}
	if user.Phone != "" {
		contact["buyer_phone"] = user.Phone
	}
	return contact
}
