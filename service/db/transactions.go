package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const transactionColumns = `id, listing_id, buyer_id, seller_id,
	item_price, amount, platform_fee, payment_fee, shipping_fee, net_amount,
	status, payment_method, payment_provider, payment_id, payment_expires_at,
	reservation_held, tracking_number, shipping_method, shipping_address,
	estimated_delivery, actual_delivery, cancel_reason, created_at, updated_at`

// CreateTransaction inserts a new transaction.
func (s *Store) CreateTransaction(ctx context.Context, params CreateTransactionParams) (*Transaction, error) {
	address, err := addressToJSON(params.ShippingAddress)
	if err != nil {
		return nil, err
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	start := time.Now()
	row := s.db.QueryRow(ctx, `
		INSERT INTO transactions (
			id, listing_id, buyer_id, seller_id,
			item_price, amount, platform_fee, payment_fee, shipping_fee, net_amount,
			status, payment_method, payment_expires_at, reservation_held,
			shipping_method, shipping_address, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $17
		)
		RETURNING `+transactionColumns,
		params.ID,
		params.ListingID,
		params.BuyerID,
		params.SellerID,
		numericFromDecimal(params.ItemPrice),
		numericFromDecimal(params.Amount),
		numericFromDecimal(params.Fees.PlatformFee),
		numericFromDecimal(params.Fees.PaymentFee),
		numericFromDecimal(params.Fees.ShippingFee),
		numericFromDecimal(params.NetAmount),
		params.Status,
		params.PaymentMethod,
		params.PaymentExpiresAt,
		params.ReservationHeld,
		params.ShippingMethod,
		address,
		createdAt,
	)
	t, err := scanTransaction(row)
	s.observe("insert", "transactions", start, err)
	return t, err
}

// GetTransaction retrieves a transaction by id. The timeline is not loaded.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	start := time.Now()
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	s.observe("select", "transactions", start, err)
	return t, err
}

// ListTransactions retrieves transactions matching the filters, newest first.
func (s *Store) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	start := time.Now()
	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1::text = '' OR seller_id = $1)
		  AND ($2::text = '' OR buyer_id = $2)
		  AND ($3::text = '' OR status = $3)
		ORDER BY created_at DESC, id
		LIMIT $4 OFFSET $5`,
		params.SellerID,
		params.BuyerID,
		string(params.Status),
		limit,
		params.Offset,
	)
	if err != nil {
		s.observe("select", "transactions", start, err)
		return nil, translateError(err)
	}
	defer rows.Close()

	var transactions []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			s.observe("select", "transactions", start, err)
			return nil, err
		}
		transactions = append(transactions, t)
	}
	err = rows.Err()
	s.observe("select", "transactions", start, err)
	if err != nil {
		return nil, translateError(err)
	}
	return transactions, nil
}

// UpdateTransaction applies a conditional update. It returns ErrConflict if the
// transaction exists but is no longer in params.ExpectedStatus.
func (s *Store) UpdateTransaction(ctx context.Context, params UpdateTransactionParams) (*Transaction, error) {
	start := time.Now()
	row := s.db.QueryRow(ctx, `
		UPDATE transactions SET
			status             = COALESCE($3, status),
			payment_id         = COALESCE($4, payment_id),
			payment_provider   = COALESCE($5, payment_provider),
			reservation_held   = COALESCE($6, reservation_held),
			tracking_number    = COALESCE($7, tracking_number),
			shipping_method    = COALESCE($8, shipping_method),
			estimated_delivery = COALESCE($9, estimated_delivery),
			actual_delivery    = COALESCE($10, actual_delivery),
			cancel_reason      = COALESCE($11, cancel_reason),
			updated_at         = now()
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns,
		params.ID,
		params.ExpectedStatus,
		params.Status,
		params.PaymentID,
		params.PaymentProvider,
		params.ReservationHeld,
		params.TrackingNumber,
		params.ShippingMethod,
		params.EstimatedDelivery,
		params.ActualDelivery,
		params.CancelReason,
	)
	t, err := scanTransaction(row)
	s.observe("update", "transactions", start, err)
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if qerr := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, params.ID,
		).Scan(&exists); qerr != nil {
			return nil, translateError(qerr)
		}
		if exists {
			return nil, fmt.Errorf("%w: transaction %s is not %s", ErrConflict, params.ID, params.ExpectedStatus)
		}
		return nil, ErrNotFound
	}
	return t, err
}

// ListExpiredPendingTransactions returns never-paid transactions whose payment
// window closed at or before now, oldest first.
func (s *Store) ListExpiredPendingTransactions(ctx context.Context, now time.Time, limit int32) ([]*Transaction, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1
		  AND payment_id IS NULL
		  AND payment_expires_at IS NOT NULL
		  AND payment_expires_at <= $2
		ORDER BY payment_expires_at
		LIMIT $3`,
		StatusPendingPayment, now, limit,
	)
	if err != nil {
		s.observe("select", "transactions", start, err)
		return nil, translateError(err)
	}
	defer rows.Close()

	var transactions []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	err = rows.Err()
	s.observe("select", "transactions", start, err)
	return transactions, translateError(err)
}

// GetSellerStatusTotals aggregates a seller's transactions by status in one query.
func (s *Store) GetSellerStatusTotals(ctx context.Context, sellerID string) ([]StatusTotal, error) {
	start := time.Now()
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE seller_id = $1
		GROUP BY status
		ORDER BY status`,
		sellerID,
	)
	if err != nil {
		s.observe("select", "transactions", start, err)
		return nil, translateError(err)
	}
	defer rows.Close()

	var totals []StatusTotal
	for rows.Next() {
		var (
			st     StatusTotal
			amount pgtype.Numeric
		)
		if err := rows.Scan(&st.Status, &st.Count, &amount); err != nil {
			return nil, translateError(err)
		}
		st.Amount = decimalFromNumeric(amount)
		totals = append(totals, st)
	}
	err = rows.Err()
	s.observe("select", "transactions", start, err)
	return totals, translateError(err)
}

func scanTransaction(row interface{ Scan(dest ...any) error }) (*Transaction, error) {
	var (
		t                                  Transaction
		itemPrice, amount, platformFee     pgtype.Numeric
		paymentFee, shippingFee, netAmount pgtype.Numeric
		address                            []byte
	)
	if err := row.Scan(
		&t.ID,
		&t.ListingID,
		&t.BuyerID,
		&t.SellerID,
		&itemPrice,
		&amount,
		&platformFee,
		&paymentFee,
		&shippingFee,
		&netAmount,
		&t.Status,
		&t.PaymentMethod,
		&t.PaymentProvider,
		&t.PaymentID,
		&t.PaymentExpiresAt,
		&t.ReservationHeld,
		&t.TrackingNumber,
		&t.ShippingMethod,
		&address,
		&t.EstimatedDelivery,
		&t.ActualDelivery,
		&t.CancelReason,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, translateError(err)
	}

	t.ItemPrice = decimalFromNumeric(itemPrice)
	t.Amount = decimalFromNumeric(amount)
	t.Fees = Fees{
		PlatformFee: decimalFromNumeric(platformFee),
		PaymentFee:  decimalFromNumeric(paymentFee),
		ShippingFee: decimalFromNumeric(shippingFee),
	}
	t.NetAmount = decimalFromNumeric(netAmount)

	addr, err := addressFromJSON(address)
	if err != nil {
		return nil, err
	}
	t.ShippingAddress = addr
	return &t, nil
}
