package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/vitrine/service/app"
	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/brojonat/vitrine/service/transaction"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema (idempotent)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "print",
				Usage: "Print the schema instead of applying it",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("print") {
				fmt.Fprint(stdout, db.Schema())
				return nil
			}

			dbURL, err := databaseURL(c)
			if err != nil {
				return err
			}
			pool, err := app.OpenPool(c.Context, dbURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(c.Context, pool); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "✓ Schema applied")
			return nil
		},
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Load users and listings from a JSON catalog",
		ArgsUsage: "<catalog.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: catalog file")
			}

			f, err := os.Open(c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to open catalog: %w", err)
			}
			defer f.Close()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			res, err := app.Seed(c.Context, store, f)
			if err != nil {
				return err
			}

			if jsonMode(c) {
				return output(c, res)
			}
			fmt.Fprintf(stdout, "Users:    %d created\n", res.Users)
			fmt.Fprintf(stdout, "Listings: %d created\n", res.Listings)
			fmt.Fprintf(stdout, "Existing: %d skipped\n", res.Existing)
			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List a seller's or buyer's transactions",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "seller",
				Usage: "Filter by seller id",
			},
			&cli.StringFlag{
				Name:  "buyer",
				Usage: "Filter by buyer id",
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   transaction.DefaultListLimit,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
		},
		Action: func(c *cli.Context) error {
			svc, closer, err := getService(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := svc.ListTransactions(c.Context, transaction.ListFilter{
				SellerID: c.String("seller"),
				BuyerID:  c.String("buyer"),
				Status:   db.TransactionStatus(c.String("status")),
				Limit:    int32(c.Int("limit")),
				Offset:   int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if jsonMode(c) {
				return output(c, txns)
			}
			printTransactionTable(stdout, txns)
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Show a transaction with its timeline and refund",
		Aliases:   []string{"get"},
		ArgsUsage: "<transaction_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}
			id := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			svc, err := newLocalService(store)
			if err != nil {
				return err
			}

			txn, err := svc.GetTransaction(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			refund, err := store.GetRefundByTransaction(c.Context, id)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("failed to get refund: %w", err)
			}

			if jsonMode(c) {
				return output(c, map[string]interface{}{
					"transaction": txn,
					"refund":      refund,
				})
			}
			printTransaction(stdout, txn)
			if refund != nil {
				fmt.Fprintf(stdout, "Refund:         %s %s (%s, %s)\n",
					refund.Amount.StringFixed(2), refund.Status, refund.Provider, refund.ProviderRefundID)
			}
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "Show a seller's sales statistics",
		ArgsUsage: "<seller_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: seller id")
			}

			svc, closer, err := getService(c)
			if err != nil {
				return err
			}
			defer closer()

			stats, err := svc.GetTransactionStats(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			if jsonMode(c) {
				return output(c, stats)
			}
			printStats(stdout, stats)
			return nil
		},
	}
}

func printTransactionTable(out io.Writer, txns []*db.Transaction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLISTING\tBUYER\tSTATUS\tMETHOD\tAMOUNT\tCREATED")
	for _, t := range txns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.ListingID,
			t.BuyerID,
			t.Status,
			t.PaymentMethod,
			t.Amount.StringFixed(2),
			t.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func printTransaction(out io.Writer, t *db.Transaction) {
	fmt.Fprintf(out, "ID:             %s\n", t.ID)
	fmt.Fprintf(out, "Status:         %s\n", t.Status)
	fmt.Fprintf(out, "Listing:        %s (seller %s)\n", t.ListingID, t.SellerID)
	fmt.Fprintf(out, "Buyer:          %s\n", t.BuyerID)
	fmt.Fprintf(out, "Item Price:     %s\n", t.ItemPrice.StringFixed(2))
	fmt.Fprintf(out, "Shipping:       %s\n", t.Fees.ShippingFee.StringFixed(2))
	fmt.Fprintf(out, "Amount:         %s\n", t.Amount.StringFixed(2))
	fmt.Fprintf(out, "Platform Fee:   %s\n", t.Fees.PlatformFee.StringFixed(2))
	fmt.Fprintf(out, "Payment Fee:    %s\n", t.Fees.PaymentFee.StringFixed(2))
	fmt.Fprintf(out, "Net Amount:     %s\n", t.NetAmount.StringFixed(2))
	fmt.Fprintf(out, "Payment Method: %s\n", t.PaymentMethod)
	if t.PaymentID != nil {
		fmt.Fprintf(out, "Payment ID:     %s\n", *t.PaymentID)
	}
	if t.PaymentExpiresAt != nil {
		fmt.Fprintf(out, "Pay Before:     %s\n", t.PaymentExpiresAt.Format(time.RFC3339))
	}
	if t.TrackingNumber != nil {
		fmt.Fprintf(out, "Tracking:       %s\n", *t.TrackingNumber)
	}
	if t.CancelReason != nil {
		fmt.Fprintf(out, "Cancelled:      %s\n", *t.CancelReason)
	}
	fmt.Fprintf(out, "Created:        %s\n", t.CreatedAt.Format(time.RFC3339))
	if len(t.Timeline) > 0 {
		fmt.Fprintf(out, "Timeline:\n")
		for _, e := range t.Timeline {
			fmt.Fprintf(out, "  %s  %-18s %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Message)
		}
	}
}

func printStats(out io.Writer, s *transaction.Stats) {
	fmt.Fprintf(out, "Seller:          %s\n", s.SellerID)
	fmt.Fprintf(out, "Transactions:    %d\n", s.TotalTransactions)
	fmt.Fprintf(out, "Completed:       %d\n", s.CompletedTransactions)
	fmt.Fprintf(out, "Revenue:         %s\n", s.TotalRevenue.StringFixed(2))
	fmt.Fprintf(out, "Avg Order Value: %s\n", s.AverageOrderValue.StringFixed(2))
	fmt.Fprintf(out, "Completion Rate: %.1f%%\n", s.CompletionRate*100)
	for _, st := range db.AllStatuses {
		fmt.Fprintf(out, "  %-18s %d\n", st, s.ByStatus[st])
	}
}

// databaseURL returns the --database-url flag or DATABASE_URL.
func databaseURL(c *cli.Context) (string, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return "", fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	return dbURL, nil
}

// getStore connects to the database.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL, err := databaseURL(c)
	if err != nil {
		return nil, nil, err
	}

	pool, err := app.OpenPool(context.Background(), dbURL)
	if err != nil {
		return nil, nil, err
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// getService builds a read-side transaction service over the database.
func getService(c *cli.Context) (*transaction.Service, func(), error) {
	store, closer, err := getStore(c)
	if err != nil {
		return nil, nil, err
	}
	svc, err := newLocalService(store)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return svc, closer, nil
}

func newLocalService(store transaction.Store) (*transaction.Service, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	payments, err := payment.NewSandboxService(payment.DefaultFeePolicy(), nil, logger)
	if err != nil {
		return nil, err
	}
	return transaction.NewService(transaction.Config{
		Store:    store,
		Payments: payments,
		Logger:   logger,
	})
}
