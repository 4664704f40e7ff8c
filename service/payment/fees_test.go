package payment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCalculateFees(t *testing.T) {
	policy := DefaultFeePolicy()

	tests := []struct {
		name        string
		amount      string
		method      MethodType
		platformFee string
		paymentFee  string
		netAmount   string
	}{
		{"pix 100", "100", MethodPix, "5.00", "1.00", "94.00"},
		{"card 100", "100", MethodCreditCard, "5.00", "3.20", "91.80"},
		{"bank 100", "100", MethodBankTransfer, "5.00", "1.50", "93.50"},
		{"card 250", "250", MethodCreditCard, "12.50", "7.55", "229.95"},
		{"pix capped at 10", "2500", MethodPix, "125.00", "10.00", "2365.00"},
		{"pix just below cap", "999.99", MethodPix, "50.00", "10.00", "939.99"},
		{"zero amount card", "0", MethodCreditCard, "0.00", "0.30", "-0.30"},
		{"half cent rounds up", "0.10", MethodPix, "0.01", "0.00", "0.09"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fees, err := policy.Calculate(d(tt.amount), tt.method)
			require.NoError(t, err)

			assert.True(t, d(tt.platformFee).Equal(fees.PlatformFee), "platform fee: got %s", fees.PlatformFee)
			assert.True(t, d(tt.paymentFee).Equal(fees.PaymentFee), "payment fee: got %s", fees.PaymentFee)
			assert.True(t, d(tt.netAmount).Equal(fees.NetAmount), "net amount: got %s", fees.NetAmount)
		})
	}
}

func TestCalculateFeesNetIsExact(t *testing.T) {
	policy := DefaultFeePolicy()
	amounts := []string{"0.01", "1.99", "17.33", "99.995", "123.45", "1000", "65432.10"}

	for _, method := range []MethodType{MethodPix, MethodCreditCard, MethodBankTransfer} {
		for _, a := range amounts {
			amount := d(a)
			fees, err := policy.Calculate(amount, method)
			require.NoError(t, err)

			want := amount.Sub(fees.PlatformFee).Sub(fees.PaymentFee)
			assert.True(t, want.Equal(fees.NetAmount), "%s %s: net %s != %s", method, a, fees.NetAmount, want)
			assert.True(t, fees.PlatformFee.Equal(fees.PlatformFee.Round(2)))
			assert.True(t, fees.PaymentFee.Equal(fees.PaymentFee.Round(2)))
		}
	}
}

func TestCalculateFeesErrors(t *testing.T) {
	policy := DefaultFeePolicy()

	_, err := policy.Calculate(d("-1"), MethodPix)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = policy.Calculate(d("10"), MethodType("boleto"))
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestFeePolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultFeePolicy().Validate())

	p := DefaultFeePolicy()
	p.CardFixed = d("-0.30")
	assert.Error(t, p.Validate())

	p = DefaultFeePolicy()
	p.PlatformRate = d("1")
	assert.Error(t, p.Validate())
}

func TestCustomFeePolicy(t *testing.T) {
	p := DefaultFeePolicy()
	p.PlatformRate = d("0.10")
	p.PixCap = d("2.00")

	fees, err := p.Calculate(d("500"), MethodPix)
	require.NoError(t, err)
	assert.Equal(t, "50.00", fees.PlatformFee.StringFixed(2))
	assert.Equal(t, "2.00", fees.PaymentFee.StringFixed(2))
	assert.Equal(t, "448.00", fees.NetAmount.StringFixed(2))
}
