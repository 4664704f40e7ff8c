package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/db/memstore"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/brojonat/vitrine/service/server"
	"github.com/brojonat/vitrine/service/transaction"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects command output to a buffer for the test's duration.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

// run executes the CLI with args and returns what it wrote.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := captureOutput(t)
	err := newApp().Run(append([]string{"vitrine"}, args...))
	return buf.String(), err
}

// startTestServer serves the HTTP API over an in-memory store with one listing.
func startTestServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store := memstore.New()
	_, err := store.CreateListing(ctx, db.CreateListingParams{
		ID:           "listing-1",
		SellerID:     "seller-1",
		Title:        "Vintage denim jacket",
		Price:        decimal.RequireFromString("250"),
		ShippingCost: decimal.RequireFromString("15"),
	})
	require.NoError(t, err)

	payments, err := payment.NewSandboxService(payment.DefaultFeePolicy(), nil, logger)
	require.NoError(t, err)

	svc, err := transaction.NewService(transaction.Config{
		Store:    store,
		Payments: payments,
		Logger:   logger,
		Pix:      payment.PixConfig{Key: "pagamentos@vitrine.example", MerchantName: "Vitrine", MerchantCity: "Sao Paulo"},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.New(":0", svc, payments, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func firstLine(s string) string {
	return strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
}
