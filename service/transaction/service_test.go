package transaction

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/db/memstore"
	"github.com/brojonat/vitrine/service/metrics"
	natspkg "github.com/brojonat/vitrine/service/nats"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway uses the sandbox gateway for everything except refunds, which
// are mocked so tests can count and inspect them.
type MockGateway struct {
	mock.Mock
	*payment.Service
}

func (m *MockGateway) RefundPayment(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.RefundResult), args.Error(1)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSales struct {
	mu       sync.Mutex
	recorded []string
	err      error
}

func (f *fakeSales) RecordSale(ctx context.Context, txn *db.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, txn.ID)
	return f.err
}

type fixture struct {
	svc     *Service
	store   *memstore.Store
	pub     *natspkg.Recorder
	sales   *fakeSales
	clock   *fakeClock
	gateway PaymentGateway
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sandbox(t *testing.T) *payment.Service {
	t.Helper()
	svc, err := payment.NewSandboxService(payment.DefaultFeePolicy(), nil, testLogger())
	require.NoError(t, err)
	return svc
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newFixture builds a service over a seeded memory store:
// listing-1 (seller-1, R$250 + R$15 shipping, active), listing-2 (seller-1,
// R$100, active), listing-sold (seller-1, sold), and users buyer-1 and buyer-2.
func newFixture(t *testing.T, gateway PaymentGateway) *fixture {
	t.Helper()
	return newWrappedFixture(t, gateway, nil)
}

// newWrappedFixture is newFixture with the service's store wrapped by wrap.
func newWrappedFixture(t *testing.T, gateway PaymentGateway, wrap func(*memstore.Store) Store) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	listings := []db.CreateListingParams{
		{ID: "listing-1", SellerID: "seller-1", Title: "Vintage denim jacket", Price: d("250"), ShippingCost: d("15")},
		{ID: "listing-2", SellerID: "seller-1", Title: "Silk scarf", Price: d("100")},
		{ID: "listing-sold", SellerID: "seller-1", Title: "Linen shirt", Price: d("80"), Status: db.ListingSold},
	}
	for _, l := range listings {
		_, err := store.CreateListing(ctx, l)
		require.NoError(t, err)
	}
	for _, u := range []db.CreateUserParams{
		{ID: "buyer-1", Name: "Ana Souza", Email: "ana@example.com", Phone: "+5511999990000"},
		{ID: "buyer-2", Name: "Bruno Lima", Email: "bruno@example.com"},
	} {
		_, err := store.CreateUser(ctx, u)
		require.NoError(t, err)
	}

	if gateway == nil {
		gateway = sandbox(t)
	}

	f := &fixture{
		store:   store,
		pub:     natspkg.NewRecorder(),
		sales:   &fakeSales{},
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		gateway: gateway,
	}

	var svcStore Store = store
	if wrap != nil {
		svcStore = wrap(store)
	}
	svc, err := NewService(Config{
		Store:     svcStore,
		Payments:  gateway,
		Publisher: f.pub,
		Sales:     f.sales,
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:    testLogger(),
		Pix: payment.PixConfig{
			Key:          "pix@vitrine.example",
			MerchantName: "Vitrine",
			MerchantCity: "Sao Paulo",
			Timeout:      30 * time.Minute,
		},
		Now: f.clock.Now,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) listingStatus(t *testing.T, id string) db.ListingStatus {
	t.Helper()
	l, err := f.store.GetListing(context.Background(), id)
	require.NoError(t, err)
	return l.Status
}

func (f *fixture) create(t *testing.T, listingID, buyerID string, method payment.MethodType) *db.Transaction {
	t.Helper()
	res, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:     listingID,
		BuyerID:       buyerID,
		PaymentMethod: payment.Method{Type: method},
	})
	require.NoError(t, err)
	return res.Transaction
}

func goodCard() *payment.CardDetails {
	return &payment.CardDetails{Number: "4242424242424242", ExpiryMonth: 12, ExpiryYear: 2030, CVV: "123"}
}

func card(number string) *payment.CardDetails {
	c := goodCard()
	c.Number = number
	return c
}

// paid creates a credit card transaction on listing-1 and pays it.
func (f *fixture) paid(t *testing.T) *db.Transaction {
	t.Helper()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)
	out, err := f.svc.ProcessPayment(context.Background(), txn.ID, payment.Details{Card: goodCard()})
	require.NoError(t, err)
	require.True(t, out.Success)
	return out.Transaction
}

func (f *fixture) shipped(t *testing.T) *db.Transaction {
	t.Helper()
	txn := f.paid(t)
	eta := f.clock.Now().Add(72 * time.Hour)
	shipped, err := f.svc.UpdateTransaction(context.Background(), txn.ID, Update{
		Status:            db.StatusShipped,
		TrackingNumber:    "BR123456789",
		EstimatedDelivery: &eta,
	})
	require.NoError(t, err)
	return shipped
}

func eventTypes(events []db.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Config{Payments: sandbox(t)})
	assert.ErrorContains(t, err, "store is required")

	_, err = NewService(Config{Store: memstore.New()})
	assert.ErrorContains(t, err, "payment gateway is required")
}

func TestCreateTransactionPix(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:       "listing-1",
		BuyerID:         "buyer-1",
		ShippingMethod:  "correios_sedex",
		ShippingAddress: &db.Address{Street: "Rua Augusta", City: "Sao Paulo", State: "SP", PostalCode: "01305-000"},
		PaymentMethod:   payment.Method{Type: payment.MethodPix},
	})
	require.NoError(t, err)

	txn := res.Transaction
	assert.Equal(t, db.StatusPendingPayment, txn.Status)
	assert.Equal(t, "seller-1", txn.SellerID)
	assert.Equal(t, "250.00", txn.ItemPrice.StringFixed(2))
	assert.Equal(t, "265.00", txn.Amount.StringFixed(2))
	assert.Equal(t, "12.50", txn.Fees.PlatformFee.StringFixed(2))
	assert.Equal(t, "2.50", txn.Fees.PaymentFee.StringFixed(2))
	assert.Equal(t, "15.00", txn.Fees.ShippingFee.StringFixed(2))
	assert.Equal(t, "250.00", txn.NetAmount.StringFixed(2))
	assert.True(t, txn.ReservationHeld)
	assert.Nil(t, txn.PaymentID)
	assert.Equal(t, "correios_sedex", txn.ShippingMethod)
	require.NotNil(t, txn.ShippingAddress)
	assert.Equal(t, "Rua Augusta", txn.ShippingAddress.Street)
	assert.Equal(t, []string{EventCreated}, eventTypes(txn.Timeline))

	assert.True(t, res.PaymentRequired)
	require.NotNil(t, res.PaymentInstructions)
	assert.Equal(t, payment.MethodPix, res.PaymentInstructions.Type)
	assert.Equal(t, "265.00", res.PaymentInstructions.Amount.StringFixed(2))
	assert.Contains(t, res.PaymentInstructions.QRCode, "5406265.00")
	assert.Equal(t, "pix@vitrine.example", res.PaymentInstructions.PixKey)

	wantExpiry := f.clock.Now().Add(30 * time.Minute)
	assert.Equal(t, wantExpiry, res.PaymentInstructions.ExpiresAt)
	require.NotNil(t, txn.PaymentExpiresAt)
	assert.Equal(t, wantExpiry, *txn.PaymentExpiresAt)

	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))

	published := f.pub.ForTransaction(txn.ID)
	require.Len(t, published, 1)
	assert.Equal(t, EventCreated, published[0].Type)
	assert.Equal(t, "ana@example.com", published[0].Metadata["buyer_email"])
	assert.Equal(t, "+5511999990000", published[0].Metadata["buyer_phone"])

	stored, err := f.store.ListEvents(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].Metadata, "buyer_email")
}

func TestCreateTransactionCardFees(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:     "listing-2",
		BuyerID:       "buyer-1",
		PaymentMethod: payment.Method{Type: payment.MethodCreditCard},
	})
	require.NoError(t, err)

	txn := res.Transaction
	assert.Equal(t, "100.00", txn.Amount.StringFixed(2))
	assert.Equal(t, "5.00", txn.Fees.PlatformFee.StringFixed(2))
	assert.Equal(t, "3.20", txn.Fees.PaymentFee.StringFixed(2))
	assert.Equal(t, "91.80", txn.NetAmount.StringFixed(2))
	assert.Nil(t, txn.PaymentExpiresAt)
	assert.Nil(t, res.PaymentInstructions)
	assert.True(t, res.PaymentRequired)
}

func TestCreateTransactionRejections(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{
			name: "unknown listing",
			req:  CreateRequest{ListingID: "nope", BuyerID: "buyer-1", PaymentMethod: payment.Method{Type: payment.MethodPix}},
			want: ErrListingNotFound,
		},
		{
			name: "sold listing",
			req:  CreateRequest{ListingID: "listing-sold", BuyerID: "buyer-1", PaymentMethod: payment.Method{Type: payment.MethodPix}},
			want: ErrListingUnavailable,
		},
		{
			name: "own listing",
			req:  CreateRequest{ListingID: "listing-1", BuyerID: "seller-1", PaymentMethod: payment.Method{Type: payment.MethodPix}},
			want: ErrOwnListing,
		},
		{
			name: "unknown payment method",
			req:  CreateRequest{ListingID: "listing-1", BuyerID: "buyer-1", PaymentMethod: payment.Method{Type: "crypto"}},
			want: ErrInvalidPaymentMethod,
		},
		{
			name: "missing payment method",
			req:  CreateRequest{ListingID: "listing-1", BuyerID: "buyer-1"},
			want: ErrInvalidPaymentMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)

			res, err := f.svc.CreateTransaction(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)

			txns, err := f.store.ListTransactions(context.Background(), db.ListTransactionsParams{SellerID: "seller-1"})
			require.NoError(t, err)
			assert.Empty(t, txns)
			assert.Zero(t, f.pub.Count())
		})
	}
}

func TestCreateTransactionSoldListingLeavesListingSold(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:     "listing-sold",
		BuyerID:       "buyer-1",
		PaymentMethod: payment.Method{Type: payment.MethodPix},
	})
	assert.EqualError(t, err, "Listing is not available for purchase")
	assert.Equal(t, db.ListingSold, f.listingStatus(t, "listing-sold"))
}

func TestCreateTransactionOwnListingKeepsListingActive(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:     "listing-1",
		BuyerID:       "seller-1",
		PaymentMethod: payment.Method{Type: payment.MethodPix},
	})
	assert.EqualError(t, err, "Cannot purchase your own listing")
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))
}

func TestCreateTransactionValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateTransaction(context.Background(), CreateRequest{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)
}

func TestCreateTransactionReservedListing(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "listing-1", "buyer-1", payment.MethodPix)

	_, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:     "listing-1",
		BuyerID:       "buyer-2",
		PaymentMethod: payment.Method{Type: payment.MethodPix},
	})
	assert.ErrorIs(t, err, ErrListingUnavailable)
}

func TestCreateTransactionConcurrentBuyers(t *testing.T) {
	f := newFixture(t, nil)

	const buyers = 10
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		succeeded   int
		unavailable int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
				ListingID:     "listing-1",
				BuyerID:       "buyer-" + string(rune('a'+i)),
				PaymentMethod: payment.Method{Type: payment.MethodPix},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrListingUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, buyers-1, unavailable)

	txns, err := f.store.ListTransactions(context.Background(), db.ListTransactionsParams{SellerID: "seller-1"})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestCreateTransactionPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.FailWith(errors.New("nats down"))

	res, err := f.svc.CreateTransaction(context.Background(), CreateRequest{
		ListingID:     "listing-1",
		BuyerID:       "buyer-1",
		PaymentMethod: payment.Method{Type: payment.MethodPix},
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingPayment, res.Transaction.Status)
}

func TestPixEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.CreateTransaction(ctx, CreateRequest{
		ListingID:     "listing-1",
		BuyerID:       "buyer-1",
		PaymentMethod: payment.Method{Type: payment.MethodPix},
	})
	require.NoError(t, err)
	assert.Equal(t, "265.00", res.Transaction.Amount.StringFixed(2))
	assert.Equal(t, "265.00", res.PaymentInstructions.Amount.StringFixed(2))

	out, err := f.svc.ProcessPayment(ctx, res.Transaction.ID, payment.Details{})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, strings.HasPrefix(out.PaymentID, "pix_"), out.PaymentID)
	assert.Equal(t, db.StatusPaymentConfirmed, out.Transaction.Status)
	require.NotNil(t, out.Transaction.PaymentProvider)
	assert.Equal(t, "pix", *out.Transaction.PaymentProvider)
	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))

	got, err := f.svc.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{EventCreated, EventPaymentConfirmed}, eventTypes(got.Timeline))
	assert.Equal(t, []string{EventCreated, EventPaymentConfirmed}, f.pub.Types())
}

func TestProcessPaymentDeclineReleasesListing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)

	out, err := f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: card("4000000000000002")})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "Your card was declined", out.ErrorMessage)
	assert.Equal(t, db.StatusPendingPayment, out.Transaction.Status)
	assert.False(t, out.Transaction.ReservationHeld)
	assert.Nil(t, out.Transaction.PaymentID)
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))

	got, err := f.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{EventCreated, EventPaymentDeclined}, eventTypes(got.Timeline))

	// a retry with a good card takes the listing back
	out, err = f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: goodCard()})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, strings.HasPrefix(out.PaymentID, "stripe_"), out.PaymentID)
	assert.Equal(t, db.StatusPaymentConfirmed, out.Transaction.Status)
	assert.True(t, out.Transaction.ReservationHeld)
	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))
}

func TestProcessPaymentRetryAfterListingTaken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)

	out, err := f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: card("4000000000009995")})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "Your card has insufficient funds", out.ErrorMessage)

	f.create(t, "listing-1", "buyer-2", payment.MethodPix)

	_, err = f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: goodCard()})
	assert.ErrorIs(t, err, ErrListingUnavailable)

	got, err := f.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingPayment, got.Status)
	assert.Nil(t, got.PaymentID)
}

func TestProcessPaymentGatewayError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)

	out, err := f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: card("4000000000000119")})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)

	got, err := f.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingPayment, got.Status)
	assert.True(t, got.ReservationHeld)
	assert.Equal(t, []string{EventCreated}, eventTypes(got.Timeline))
	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))
}

func TestProcessPaymentValidation(t *testing.T) {
	f := newFixture(t, nil)
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)

	_, err := f.svc.ProcessPayment(context.Background(), txn.ID, payment.Details{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Errors, "card details are required for credit_card payments")

	got, err := f.store.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPendingPayment, got.Status)
}

func TestProcessPaymentPreconditions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, "missing", payment.Details{})
	assert.EqualError(t, err, "Transaction not found")

	txn := f.paid(t)
	_, err = f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: goodCard()})
	assert.EqualError(t, err, "Transaction is not awaiting payment")
}

func TestProcessPaymentExpiredWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodPix)

	f.clock.Advance(30 * time.Minute)

	_, err := f.svc.ProcessPayment(ctx, txn.ID, payment.Details{})
	assert.ErrorIs(t, err, ErrPaymentExpired)

	got, err := f.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, ExpiredReason, *got.CancelReason)
	assert.Equal(t, []string{EventCreated, EventExpired}, eventTypes(got.Timeline))
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))

	_, err = f.svc.ProcessPayment(ctx, txn.ID, payment.Details{})
	assert.ErrorIs(t, err, ErrNotAwaitingPayment)
}

func TestUpdateTransactionShip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.paid(t)

	_, err := f.svc.UpdateTransaction(ctx, txn.ID, Update{Status: db.StatusShipped})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)

	eta := f.clock.Now().Add(48 * time.Hour)
	got, err := f.svc.UpdateTransaction(ctx, txn.ID, Update{
		Status:            db.StatusShipped,
		TrackingNumber:    "BR123456789",
		EstimatedDelivery: &eta,
		ShippingMethod:    "correios_pac",
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusShipped, got.Status)
	require.NotNil(t, got.TrackingNumber)
	assert.Equal(t, "BR123456789", *got.TrackingNumber)
	assert.Equal(t, "correios_pac", got.ShippingMethod)
	assert.Equal(t, []string{EventCreated, EventPaymentConfirmed, EventShipped}, eventTypes(got.Timeline))
	assert.Equal(t, "BR123456789", got.Timeline[2].Metadata["tracking_number"])

	// tracking can be corrected after shipping without a status change
	got, err = f.svc.UpdateTransaction(ctx, txn.ID, Update{TrackingNumber: "BR987654321", Note: "Carrier relabelled"})
	require.NoError(t, err)
	assert.Equal(t, db.StatusShipped, got.Status)
	assert.Equal(t, "BR987654321", *got.TrackingNumber)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, EventUpdated, last.Type)
	assert.Equal(t, "Carrier relabelled", last.Message)
}

func TestUpdateTransactionRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	eta := f.clock.Now().Add(48 * time.Hour)
	ship := Update{Status: db.StatusShipped, TrackingNumber: "BR1", EstimatedDelivery: &eta}

	pending := f.create(t, "listing-2", "buyer-1", payment.MethodPix)
	_, err := f.svc.UpdateTransaction(ctx, pending.ID, ship)
	assert.EqualError(t, err, "Invalid status transition")

	_, err = f.svc.UpdateTransaction(ctx, pending.ID, Update{Status: db.StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.UpdateTransaction(ctx, pending.ID, Update{Status: "teleported"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.UpdateTransaction(ctx, pending.ID, Update{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.CancelTransaction(ctx, pending.ID, "changed my mind")
	require.NoError(t, err)
	_, err = f.svc.UpdateTransaction(ctx, pending.ID, ship)
	assert.EqualError(t, err, "Transaction cannot be updated in current status")

	shipped := f.shipped(t)
	_, err = f.svc.UpdateTransaction(ctx, shipped.ID, Update{Status: db.StatusDelivered})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.UpdateTransaction(ctx, "missing", ship)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestConfirmDelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.shipped(t)

	got, err := f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
	require.NotNil(t, got.ActualDelivery)
	assert.Equal(t, f.clock.Now(), *got.ActualDelivery)
	assert.False(t, got.ReservationHeld)
	assert.Equal(t, []string{EventCreated, EventPaymentConfirmed, EventShipped, EventDelivered, EventCompleted}, eventTypes(got.Timeline))
	assert.Equal(t, db.ListingSold, f.listingStatus(t, "listing-1"))
	assert.Equal(t, []string{txn.ID}, f.sales.recorded)
}

func TestConfirmDeliveryRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.shipped(t)

	_, err := f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-2")
	assert.EqualError(t, err, "Only the buyer can confirm delivery")
	_, err = f.svc.ConfirmDelivery(ctx, txn.ID, "seller-1")
	assert.ErrorIs(t, err, ErrNotBuyer)

	got, err := f.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusShipped, got.Status)
	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))

	pending := f.create(t, "listing-2", "buyer-1", payment.MethodPix)
	_, err = f.svc.ConfirmDelivery(ctx, pending.ID, "buyer-1")
	assert.EqualError(t, err, "Transaction must be shipped to confirm delivery")

	assert.Empty(t, f.sales.recorded)
}

func TestConfirmDeliverySalesGraphFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.sales.err = errors.New("neo4j unavailable")
	txn := f.shipped(t)

	got, err := f.svc.ConfirmDelivery(context.Background(), txn.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
}

func newMockGatewayFixture(t *testing.T) (*fixture, *MockGateway) {
	t.Helper()
	gw := &MockGateway{Service: sandbox(t)}
	return newFixture(t, gw), gw
}

func TestCancelPaidTransactionRefundsOnce(t *testing.T) {
	f, gw := newMockGatewayFixture(t)
	ctx := context.Background()
	txn := f.paid(t)

	gw.On("RefundPayment", mock.Anything, payment.RefundRequest{
		Provider:       "stripe",
		TransactionID:  txn.ID,
		PaymentID:      *txn.PaymentID,
		Amount:         txn.Amount,
		IdempotencyKey: "refund_" + txn.ID,
	}).Run(func(args mock.Arguments) {
		// the refund happens while the transaction is still paid
		cur, err := f.store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, db.StatusPaymentConfirmed, cur.Status)
	}).Return(&payment.RefundResult{
		Success:  true,
		RefundID: "stripe_re_1",
		Amount:   txn.Amount,
		Status:   payment.StatusRefunded,
	}, nil).Once()

	got, err := f.svc.CancelTransaction(ctx, txn.ID, "seller out of stock")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "seller out of stock", *got.CancelReason)
	assert.Equal(t, []string{EventCreated, EventPaymentConfirmed, EventRefunded, EventCancelled}, eventTypes(got.Timeline))
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))

	refund, err := f.store.GetRefundByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "265.00", refund.Amount.StringFixed(2))
	assert.Equal(t, "stripe_re_1", refund.ProviderRefundID)
	assert.Equal(t, "refund_"+txn.ID, refund.IdempotencyKey)

	_, err = f.svc.CancelTransaction(ctx, txn.ID, "again")
	assert.ErrorIs(t, err, ErrNotCancellable)

	gw.AssertNumberOfCalls(t, "RefundPayment", 1)
	gw.AssertExpectations(t)
}

func TestCancelRefundDeclined(t *testing.T) {
	f, gw := newMockGatewayFixture(t)
	ctx := context.Background()
	txn := f.paid(t)

	gw.On("RefundPayment", mock.Anything, mock.Anything).
		Return(&payment.RefundResult{Success: false, Status: payment.StatusRejected}, nil).Once()

	_, err := f.svc.CancelTransaction(ctx, txn.ID, "buyer request")
	assert.EqualError(t, err, "Refund was declined by the payment provider")

	got, err := f.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaymentConfirmed, got.Status)
	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))
	assert.NotContains(t, eventTypes(got.Timeline), EventCancelled)

	_, err = f.store.GetRefundByTransaction(ctx, txn.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCancelRefundError(t *testing.T) {
	f, gw := newMockGatewayFixture(t)
	txn := f.paid(t)

	gw.On("RefundPayment", mock.Anything, mock.Anything).
		Return(nil, payment.ErrProviderUnavailable).Once()

	_, err := f.svc.CancelTransaction(context.Background(), txn.ID, "buyer request")
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)

	got, err := f.store.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaymentConfirmed, got.Status)
}

func TestCancelUnpaidTransaction(t *testing.T) {
	f, gw := newMockGatewayFixture(t)
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodPix)

	got, err := f.svc.CancelTransaction(ctx, txn.ID, "")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)
	assert.Equal(t, []string{EventCreated, EventCancelled}, eventTypes(got.Timeline))
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))

	gw.AssertNotCalled(t, "RefundPayment", mock.Anything, mock.Anything)
}

func TestCancelAfterDeclineDoesNotReleaseOtherReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)

	out, err := f.svc.ProcessPayment(ctx, first.ID, payment.Details{Card: card("4000000000000002")})
	require.NoError(t, err)
	require.False(t, out.Success)

	f.create(t, "listing-1", "buyer-2", payment.MethodPix)

	_, err = f.svc.CancelTransaction(ctx, first.ID, "gave up")
	require.NoError(t, err)
	assert.Equal(t, db.ListingReserved, f.listingStatus(t, "listing-1"))
}

func TestCancelCompletedTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.shipped(t)

	_, err := f.svc.CancelTransaction(ctx, txn.ID, "too late")
	assert.EqualError(t, err, "Transaction cannot be cancelled in current status")

	_, err = f.svc.ConfirmDelivery(ctx, txn.ID, "buyer-1")
	require.NoError(t, err)

	_, err = f.svc.CancelTransaction(ctx, txn.ID, "too late")
	assert.ErrorIs(t, err, ErrNotCancellable)

	got, err := f.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.create(t, "listing-1", "buyer-1", payment.MethodPix)
	f.create(t, "listing-2", "buyer-2", payment.MethodPix)

	_, err := f.svc.ListTransactions(ctx, ListFilter{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.ListTransactions(ctx, ListFilter{SellerID: "seller-1", Status: "bogus"})
	require.ErrorAs(t, err, &verr)

	all, err := f.svc.ListTransactions(ctx, ListFilter{SellerID: "seller-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.svc.ListTransactions(ctx, ListFilter{BuyerID: "buyer-2"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "listing-2", mine[0].ListingID)

	none, err := f.svc.ListTransactions(ctx, ListFilter{BuyerID: "buyer-1", Status: db.StatusCompleted})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestGetTransactionNotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

// flakyTxStore fails every WithTx once armed, the way a dropped database
// connection would. Reads still reach the underlying store.
type flakyTxStore struct {
	*memstore.Store
	mu  sync.Mutex
	err error
}

func (s *flakyTxStore) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *flakyTxStore) WithTx(ctx context.Context, fn func(q db.Querier) error) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.WithTx(ctx, fn)
}

func TestProcessPaymentStoreFailureRefundsCharge(t *testing.T) {
	gw := &MockGateway{Service: sandbox(t)}
	var flaky *flakyTxStore
	f := newWrappedFixture(t, gw, func(m *memstore.Store) Store {
		flaky = &flakyTxStore{Store: m}
		return flaky
	})
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodPix)

	var refunded payment.RefundRequest
	gw.On("RefundPayment", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { refunded = args.Get(1).(payment.RefundRequest) }).
		Return(&payment.RefundResult{Success: true, RefundID: "pix_re_1", Amount: txn.Amount, Status: payment.StatusRefunded}, nil).
		Once()

	flaky.fail(errors.New("connection reset by peer"))
	_, err := f.svc.ProcessPayment(ctx, txn.ID, payment.Details{})
	require.ErrorContains(t, err, "connection reset by peer")

	gw.AssertNumberOfCalls(t, "RefundPayment", 1)
	assert.True(t, strings.HasPrefix(refunded.PaymentID, "pix_"), refunded.PaymentID)
	assert.Equal(t, "refund_"+refunded.PaymentID, refunded.IdempotencyKey)
	assert.Equal(t, "265.00", refunded.Amount.StringFixed(2))

	// Once the window closes the sweep cancels it; the charge is already back.
	flaky.fail(nil)
	f.clock.Advance(time.Hour)
	res, err := f.svc.ExpireReservations(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := f.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)
	assert.Nil(t, got.PaymentID)
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))
	gw.AssertNumberOfCalls(t, "RefundPayment", 1)
}

// rendezvousGateway holds every charge until n callers are charging at once.
type rendezvousGateway struct {
	*MockGateway
	arrived sync.WaitGroup
}

func newRendezvousGateway(t *testing.T, n int) *rendezvousGateway {
	g := &rendezvousGateway{MockGateway: &MockGateway{Service: sandbox(t)}}
	g.arrived.Add(n)
	return g
}

func (g *rendezvousGateway) ProcessPayment(ctx context.Context, req payment.Request) (*payment.Result, error) {
	g.arrived.Done()
	g.arrived.Wait()
	return g.MockGateway.Service.ProcessPayment(ctx, req)
}

func TestProcessPaymentConcurrentChargesRefundLoser(t *testing.T) {
	gw := newRendezvousGateway(t, 2)
	f := newFixture(t, gw)
	ctx := context.Background()
	txn := f.create(t, "listing-1", "buyer-1", payment.MethodCreditCard)

	var (
		mu       sync.Mutex
		refunds  []payment.RefundRequest
		outcomes []*PaymentOutcome
		errs     []error
	)
	gw.On("RefundPayment", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			refunds = append(refunds, args.Get(1).(payment.RefundRequest))
			mu.Unlock()
		}).
		Return(&payment.RefundResult{Success: true, RefundID: "stripe_re_1", Amount: txn.Amount, Status: payment.StatusRefunded}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.ProcessPayment(ctx, txn.ID, payment.Details{Card: goodCard()})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			outcomes = append(outcomes, out)
		}()
	}
	wg.Wait()

	require.Len(t, outcomes, 1)
	require.Len(t, errs, 1)
	assert.True(t, outcomes[0].Success)
	assert.ErrorIs(t, errs[0], ErrConcurrentModification)

	require.Len(t, refunds, 1)
	assert.NotEqual(t, outcomes[0].PaymentID, refunds[0].PaymentID)
	assert.Equal(t, "refund_"+refunds[0].PaymentID, refunds[0].IdempotencyKey)

	got, err := f.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaymentConfirmed, got.Status)
	require.NotNil(t, got.PaymentID)
	assert.Equal(t, outcomes[0].PaymentID, *got.PaymentID)
}

func TestCancelPaidTransactionConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	txn := f.paid(t)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CancelTransaction(ctx, txn.ID, "buyer request")
			if err != nil {
				assert.True(t, errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrNotCancellable), err)
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)

	got, err := f.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)
	assert.Equal(t, []string{EventCreated, EventPaymentConfirmed, EventRefunded, EventCancelled}, eventTypes(got.Timeline))
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-1"))

	refund, err := f.store.GetRefundByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundIdempotencyKey(txn.ID), refund.IdempotencyKey)
}

func TestCreateTransactionRejectsFreeListing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.CreateListing(ctx, db.CreateListingParams{
		ID: "listing-free", SellerID: "seller-1", Title: "Giveaway box", Price: decimal.Zero,
	})
	require.NoError(t, err)

	_, err = f.svc.CreateTransaction(ctx, CreateRequest{
		ListingID:     "listing-free",
		BuyerID:       "buyer-1",
		PaymentMethod: payment.Method{Type: payment.MethodPix},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Errors, "listing total must be greater than zero")
	assert.Equal(t, db.ListingActive, f.listingStatus(t, "listing-free"))

	txns, err := f.store.ListTransactions(ctx, db.ListTransactionsParams{SellerID: "seller-1"})
	require.NoError(t, err)
	assert.Empty(t, txns)
}
