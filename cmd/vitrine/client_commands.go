package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/brojonat/vitrine/client"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Drive purchases through the HTTP API",
		Subcommands: []*cli.Command{
			createCommand(),
			payCommand(),
			shipCommand(),
			confirmCommand(),
			cancelCommand(),
			getCommand(),
			listCommand(),
			awaitCommand(),
		},
	}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Start a purchase of a listing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listing", Usage: "Listing id", Required: true},
			&cli.StringFlag{Name: "buyer", Usage: "Buyer id", Required: true},
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"m"},
				Usage:   "Payment method: pix, credit_card, bank_transfer",
				Value:   "pix",
			},
			&cli.StringFlag{Name: "shipping-method", Usage: "Shipping method (e.g. sedex)"},
			&cli.StringFlag{Name: "street", Usage: "Shipping address street"},
			&cli.StringFlag{Name: "city", Usage: "Shipping address city"},
			&cli.StringFlag{Name: "state", Usage: "Shipping address state"},
			&cli.StringFlag{Name: "postal-code", Usage: "Shipping address postal code"},
			&cli.BoolFlag{Name: "qr", Usage: "Render the PIX QR code in the terminal"},
		},
		Action: func(c *cli.Context) error {
			req := client.CreateRequest{
				ListingID:      c.String("listing"),
				BuyerID:        c.String("buyer"),
				ShippingMethod: c.String("shipping-method"),
				PaymentMethod:  client.PaymentMethod{Type: c.String("method")},
			}
			if c.String("street") != "" {
				req.ShippingAddress = &client.Address{
					Street:     c.String("street"),
					City:       c.String("city"),
					State:      c.String("state"),
					PostalCode: c.String("postal-code"),
				}
			}

			res, err := newHTTPClient(c).Create(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to create transaction: %w", err)
			}

			if jsonMode(c) {
				return output(c, res)
			}
			printClientTransaction(res.Transaction)
			if pi := res.PaymentInstructions; pi != nil {
				fmt.Fprintf(stdout, "\nPay %s with PIX before %s\n", pi.Amount.StringFixed(2), pi.ExpiresAt.Format(time.RFC3339))
				fmt.Fprintf(stdout, "PIX Key:  %s\n", pi.PixKey)
				fmt.Fprintf(stdout, "Copy/Paste:\n%s\n", pi.QRCode)
				if c.Bool("qr") {
					qr, err := qrcode.New(pi.QRCode, qrcode.Medium)
					if err != nil {
						return fmt.Errorf("failed to render QR code: %w", err)
					}
					fmt.Fprintln(stdout, qr.ToSmallString(false))
				}
			} else if res.PaymentRequired {
				fmt.Fprintf(stdout, "\nPayment required: vitrine client pay %s\n", res.Transaction.ID)
			}
			return nil
		},
	}
}

func payCommand() *cli.Command {
	return &cli.Command{
		Name:      "pay",
		Usage:     "Submit payment for a pending transaction",
		ArgsUsage: "<transaction_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "card-number", Usage: "Card number (card payments)"},
			&cli.StringFlag{Name: "card-holder", Usage: "Card holder name"},
			&cli.StringFlag{Name: "card-expiry", Usage: "Card expiry as MM/YYYY"},
			&cli.StringFlag{Name: "card-cvv", Usage: "Card CVV"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			var card *client.Card
			if c.String("card-number") != "" {
				month, year, err := parseExpiry(c.String("card-expiry"))
				if err != nil {
					return err
				}
				card = &client.Card{
					Number:      c.String("card-number"),
					HolderName:  c.String("card-holder"),
					ExpiryMonth: month,
					ExpiryYear:  year,
					CVV:         c.String("card-cvv"),
				}
			}

			outcome, err := newHTTPClient(c).Pay(c.Context, c.Args().First(), card)
			if err != nil {
				return fmt.Errorf("failed to process payment: %w", err)
			}

			if jsonMode(c) {
				return output(c, outcome)
			}
			if outcome.Success {
				fmt.Fprintf(stdout, "✓ Payment confirmed: %s\n", outcome.PaymentID)
			} else {
				fmt.Fprintf(stdout, "✗ Payment declined: %s\n", outcome.ErrorMessage)
			}
			printClientTransaction(outcome.Transaction)
			return nil
		},
	}
}

func shipCommand() *cli.Command {
	return &cli.Command{
		Name:      "ship",
		Usage:     "Mark a paid transaction as shipped",
		ArgsUsage: "<transaction_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tracking", Usage: "Carrier tracking number", Required: true},
			&cli.DurationFlag{Name: "eta", Usage: "Estimated time until delivery", Value: 5 * 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			txn, err := newHTTPClient(c).Ship(c.Context, c.Args().First(), c.String("tracking"), time.Now().Add(c.Duration("eta")))
			if err != nil {
				return fmt.Errorf("failed to ship transaction: %w", err)
			}
			return outputTransaction(c, txn)
		},
	}
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "Confirm delivery as the buyer, completing the sale",
		ArgsUsage: "<transaction_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "buyer", Usage: "Buyer id confirming the delivery", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			txn, err := newHTTPClient(c).ConfirmDelivery(c.Context, c.Args().First(), c.String("buyer"))
			if err != nil {
				return fmt.Errorf("failed to confirm delivery: %w", err)
			}
			return outputTransaction(c, txn)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a transaction, refunding any captured payment",
		ArgsUsage: "<transaction_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "Why the transaction is cancelled", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			txn, err := newHTTPClient(c).Cancel(c.Context, c.Args().First(), c.String("reason"))
			if err != nil {
				return fmt.Errorf("failed to cancel transaction: %w", err)
			}
			return outputTransaction(c, txn)
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a transaction",
		ArgsUsage: "<transaction_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}

			txn, err := newHTTPClient(c).Get(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			return outputTransaction(c, txn)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List a seller's or buyer's transactions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "seller", Usage: "Filter by seller id"},
			&cli.StringFlag{Name: "buyer", Usage: "Filter by buyer id"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Limit number of transactions"},
			&cli.IntFlag{Name: "offset", Usage: "Skip this many transactions"},
		},
		Action: func(c *cli.Context) error {
			txns, err := newHTTPClient(c).List(c.Context, client.ListOptions{
				SellerID: c.String("seller"),
				BuyerID:  c.String("buyer"),
				Status:   c.String("status"),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if jsonMode(c) {
				return output(c, txns)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tLISTING\tBUYER\tSTATUS\tMETHOD\tAMOUNT")
			for _, t := range txns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.ListingID, t.BuyerID, t.Status, t.PaymentMethod, t.Amount.StringFixed(2))
			}
			w.Flush()
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a transaction reaches a status",
		ArgsUsage: "<transaction_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Status to wait for",
				Value: "payment_confirmed",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: 2 * time.Second,
				Usage: "How often to poll the server",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction id")
			}
			id := c.Args().First()
			status := c.String("status")

			if !jsonMode(c) {
				fmt.Fprintf(os.Stderr, "Waiting for transaction %s to reach %s...\n", id, status)
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", c.Duration("timeout"))
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			txn, err := newHTTPClient(c).AwaitStatus(ctx, id, status, c.Duration("poll-interval"))
			if err != nil {
				return fmt.Errorf("failed to await transaction: %w", err)
			}
			return outputTransaction(c, txn)
		},
	}
}

func newHTTPClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: 30 * time.Second}, logger)
}

func outputTransaction(c *cli.Context, txn *client.Transaction) error {
	if jsonMode(c) {
		return output(c, txn)
	}
	printClientTransaction(txn)
	return nil
}

func printClientTransaction(txn *client.Transaction) {
	if txn == nil {
		return
	}
	fmt.Fprintf(stdout, "ID:           %s\n", txn.ID)
	fmt.Fprintf(stdout, "Status:       %s\n", txn.Status)
	fmt.Fprintf(stdout, "Listing:      %s (seller %s)\n", txn.ListingID, txn.SellerID)
	fmt.Fprintf(stdout, "Buyer:        %s\n", txn.BuyerID)
	fmt.Fprintf(stdout, "Amount:       %s (%s)\n", txn.Amount.StringFixed(2), txn.PaymentMethod)
	fmt.Fprintf(stdout, "Seller Net:   %s\n", txn.NetAmount.StringFixed(2))
	if txn.PaymentID != nil {
		fmt.Fprintf(stdout, "Payment ID:   %s\n", *txn.PaymentID)
	}
	if txn.TrackingNumber != nil {
		fmt.Fprintf(stdout, "Tracking:     %s\n", *txn.TrackingNumber)
	}
	if txn.CancelReason != nil {
		fmt.Fprintf(stdout, "Cancelled:    %s\n", *txn.CancelReason)
	}
	for _, e := range txn.Timeline {
		fmt.Fprintf(stdout, "  %s  %-18s %s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Message)
	}
}

// parseExpiry parses a card expiry written as MM/YYYY or MM/YY.
func parseExpiry(s string) (int, int, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid card expiry %q: expected MM/YYYY", s)
	}
	var month, year int
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &month, &year); err != nil {
		return 0, 0, fmt.Errorf("invalid card expiry %q: %w", s, err)
	}
	if year < 100 {
		year += 2000
	}
	return month, year, nil
}
