package payment

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MethodType identifies how the buyer pays.
type MethodType string

const (
	MethodPix          MethodType = "pix"
	MethodCreditCard   MethodType = "credit_card"
	MethodBankTransfer MethodType = "bank_transfer"
)

// Valid reports whether t is one of the accepted payment method types.
func (t MethodType) Valid() bool {
	switch t {
	case MethodPix, MethodCreditCard, MethodBankTransfer:
		return true
	}
	return false
}

var (
	// ErrUnsupportedMethod is returned for payment method types the platform does not accept.
	ErrUnsupportedMethod = errors.New("unsupported payment method")

	// ErrInvalidAmount is returned for negative or zero charge amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnknownProvider is returned when a refund names a provider that is not registered.
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrProviderUnavailable marks infrastructure failures talking to a provider.
	// Callers must not treat it as a decline: a charge may or may not be in flight.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// CardDetails carries the card payload for credit_card payments.
// It is only ever passed through to the provider and never persisted.
type CardDetails struct {
	Number      string `json:"number"`
	HolderName  string `json:"holder_name,omitempty"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVV         string `json:"cvv"`
}

// Method is a payment method payload as submitted by the buyer.
type Method struct {
	Type MethodType   `json:"type"`
	Card *CardDetails `json:"card,omitempty"`
}

// Details is the method-specific data supplied when paying an existing transaction.
type Details struct {
	Card *CardDetails `json:"card,omitempty"`
}

// Request asks the gateway to charge a transaction.
type Request struct {
	TransactionID string
	Method        Method
	Amount        decimal.Decimal
}

// Result is the uniform outcome of a charge, whatever provider handled it.
// A decline is a Result with Success=false, never an error.
type Result struct {
	Success        bool            `json:"success"`
	PaymentID      string          `json:"payment_id,omitempty"`
	Provider       string          `json:"provider"`
	Status         string          `json:"status"`
	TransactionFee decimal.Decimal `json:"transaction_fee"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// RefundRequest asks the provider that captured a payment to return it.
type RefundRequest struct {
	Provider       string
	TransactionID  string
	PaymentID      string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// RefundResult is the uniform outcome of a refund.
type RefundResult struct {
	Success  bool            `json:"success"`
	RefundID string          `json:"refund_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Status   string          `json:"status"`
}

// Charge and refund statuses reported in results.
const (
	StatusApproved = "approved"
	StatusDeclined = "declined"
	StatusRefunded = "refunded"
	StatusRejected = "rejected"
)
