package graph

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	cypher string
	params map[string]any
	err    error
}

func (f *fakeWriter) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error {
	f.cypher = cypher
	f.params = params
	return f.err
}

func (f *fakeWriter) Close(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordSale(t *testing.T) {
	w := &fakeWriter{}
	r := newSalesRecorder(w, nil, testLogger())

	delivered := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	txn := &db.Transaction{
		ID:             "tx-1",
		ListingID:      "listing-1",
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		Amount:         decimal.RequireFromString("265.00"),
		PaymentMethod:  "pix",
		ActualDelivery: &delivered,
	}

	require.NoError(t, r.RecordSale(context.Background(), txn))
	assert.Contains(t, w.cypher, "BOUGHT")
	assert.Equal(t, "buyer-1", w.params["buyer_id"])
	assert.Equal(t, 265.0, w.params["amount"])
	assert.Equal(t, "2026-03-02T15:00:00Z", w.params["completed_at"])
}

func TestRecordSaleError(t *testing.T) {
	w := &fakeWriter{err: errors.New("unavailable")}
	r := newSalesRecorder(w, nil, testLogger())

	err := r.RecordSale(context.Background(), &db.Transaction{ID: "tx-1"})
	assert.ErrorContains(t, err, "failed to record sale tx-1")
}

func TestNewSalesRecorderRequiresURI(t *testing.T) {
	_, err := NewSalesRecorder(context.Background(), Options{}, nil, testLogger())
	assert.ErrorIs(t, err, ErrMissingURI)
}
