package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validCard() *CardDetails {
	return &CardDetails{
		Number:      "4242 4242 4242 4242",
		HolderName:  "Ana Souza",
		ExpiryMonth: 12,
		ExpiryYear:  2030,
		CVV:         "123",
	}
}

func TestValidatePaymentMethod(t *testing.T) {
	tests := []struct {
		name      string
		method    Method
		wantValid bool
		wantErr   string
	}{
		{name: "pix", method: Method{Type: MethodPix}, wantValid: true},
		{name: "bank transfer", method: Method{Type: MethodBankTransfer}, wantValid: true},
		{name: "card", method: Method{Type: MethodCreditCard, Card: validCard()}, wantValid: true},
		{name: "missing type", method: Method{}, wantErr: "payment method type is required"},
		{name: "unknown type", method: Method{Type: "boleto"}, wantErr: `unsupported payment method type "boleto"`},
		{name: "card without details", method: Method{Type: MethodCreditCard}, wantErr: "card details are required for credit_card payments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidatePaymentMethod(tt.method)
			assert.Equal(t, tt.wantValid, result.Valid)
			if tt.wantErr != "" {
				assert.Contains(t, result.Errors, tt.wantErr)
			} else {
				assert.Empty(t, result.Errors)
			}
		})
	}
}

func TestValidateCardFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *CardDetails)
		wantErr string
	}{
		{"no number", func(c *CardDetails) { c.Number = "" }, "card number is required"},
		{"letters in number", func(c *CardDetails) { c.Number = "4242abcd" }, "card number must contain only digits"},
		{"no month", func(c *CardDetails) { c.ExpiryMonth = 0 }, "card expiry month is required"},
		{"month 13", func(c *CardDetails) { c.ExpiryMonth = 13 }, "card expiry month must be between 1 and 12"},
		{"no year", func(c *CardDetails) { c.ExpiryYear = 0 }, "card expiry year is required"},
		{"no cvv", func(c *CardDetails) { c.CVV = " " }, "card cvv is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := validCard()
			tt.mutate(card)

			result := ValidatePaymentMethod(Method{Type: MethodCreditCard, Card: card})
			assert.False(t, result.Valid)
			assert.Equal(t, []string{tt.wantErr}, result.Errors)
		})
	}
}

func TestValidateCardCollectsAllErrors(t *testing.T) {
	result := ValidatePaymentMethod(Method{Type: MethodCreditCard, Card: &CardDetails{}})
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 4)
}
