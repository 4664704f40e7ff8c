package main

import (
	"fmt"

	"github.com/brojonat/vitrine/service/payment"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Compute platform and payment fees for an item price",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Item price (e.g. 250.00)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"m"},
				Usage:   "Payment method: pix, credit_card, bank_transfer (all when empty)",
			},
		},
		Action: func(c *cli.Context) error {
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
			}
			if !amount.IsPositive() {
				return fmt.Errorf("amount must be positive")
			}

			methods := []payment.MethodType{payment.MethodPix, payment.MethodCreditCard, payment.MethodBankTransfer}
			if m := c.String("method"); m != "" {
				methods = []payment.MethodType{payment.MethodType(m)}
			}

			policy := payment.DefaultFeePolicy()
			quotes := make(map[payment.MethodType]payment.Fees, len(methods))
			for _, m := range methods {
				fees, err := policy.Calculate(amount, m)
				if err != nil {
					return err
				}
				quotes[m] = fees
			}

			if jsonMode(c) {
				return output(c, quotes)
			}

			w := newTable()
			fmt.Fprintln(w, "METHOD\tPLATFORM FEE\tPAYMENT FEE\tSELLER NET")
			for _, m := range methods {
				f := quotes[m]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m,
					f.PlatformFee.StringFixed(2),
					f.PaymentFee.StringFixed(2),
					f.NetAmount.StringFixed(2),
				)
			}
			return w.Flush()
		},
	}
}
