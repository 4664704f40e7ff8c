package payment

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeePolicy holds the rates used to compute platform and payment-method fees.
// Rates are fractions (0.05 == 5%); caps and fixed surcharges are currency amounts.
type FeePolicy struct {
	PlatformRate decimal.Decimal
	PixRate      decimal.Decimal
	PixCap       decimal.Decimal
	CardRate     decimal.Decimal
	CardFixed    decimal.Decimal
	BankRate     decimal.Decimal
}

// Fees is the outcome of applying a FeePolicy to an item price.
type Fees struct {
	PlatformFee decimal.Decimal `json:"platform_fee"`
	PaymentFee  decimal.Decimal `json:"payment_fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
}

// DefaultFeePolicy returns the marketplace's standard rates:
// 5% platform fee; PIX 1% capped at R$10; card 2.9% + R$0.30; bank transfer 1.5%.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		PlatformRate: decimal.RequireFromString("0.05"),
		PixRate:      decimal.RequireFromString("0.01"),
		PixCap:       decimal.RequireFromString("10.00"),
		CardRate:     decimal.RequireFromString("0.029"),
		CardFixed:    decimal.RequireFromString("0.30"),
		BankRate:     decimal.RequireFromString("0.015"),
	}
}

// Validate checks that no rate or amount in the policy is negative.
func (p FeePolicy) Validate() error {
	fields := map[string]decimal.Decimal{
		"platform rate":  p.PlatformRate,
		"pix rate":       p.PixRate,
		"pix cap":        p.PixCap,
		"card rate":      p.CardRate,
		"card fixed fee": p.CardFixed,
		"bank rate":      p.BankRate,
	}
	for name, v := range fields {
		if v.IsNegative() {
			return fmt.Errorf("%s cannot be negative: %s", name, v)
		}
	}
	if p.PlatformRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("platform rate must be below 1: %s", p.PlatformRate)
	}
	return nil
}

// Calculate computes the fees for an item price paid with the given method.
// Each fee is rounded to cents before the net amount is derived, so
// NetAmount == amount - PlatformFee - PaymentFee holds exactly.
func (p FeePolicy) Calculate(amount decimal.Decimal, method MethodType) (Fees, error) {
	if amount.IsNegative() {
		return Fees{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	paymentFee, err := p.PaymentFee(amount, method)
	if err != nil {
		return Fees{}, err
	}
	platformFee := p.PlatformFee(amount)

	return Fees{
		PlatformFee: platformFee,
		PaymentFee:  paymentFee,
		NetAmount:   amount.Sub(platformFee).Sub(paymentFee),
	}, nil
}

// PlatformFee is the marketplace's cut, identical for every payment method.
func (p FeePolicy) PlatformFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.PlatformRate).Round(2)
}

// PaymentFee is the processor's cut for the given method.
func (p FeePolicy) PaymentFee(amount decimal.Decimal, method MethodType) (decimal.Decimal, error) {
	switch method {
	case MethodPix:
		return decimal.Min(amount.Mul(p.PixRate), p.PixCap).Round(2), nil
	case MethodCreditCard:
		return amount.Mul(p.CardRate).Add(p.CardFixed).Round(2), nil
	case MethodBankTransfer:
		return amount.Mul(p.BankRate).Round(2), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}
