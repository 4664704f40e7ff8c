package transaction

import (
	"errors"
	"strings"
)

// Domain errors. The messages are part of the API contract and are returned
// to clients verbatim, so they must not change.
var (
	ErrListingNotFound        = errors.New("Listing not found")
	ErrListingUnavailable     = errors.New("Listing is not available for purchase")
	ErrOwnListing             = errors.New("Cannot purchase your own listing")
	ErrInvalidPaymentMethod   = errors.New("Invalid payment method")
	ErrTransactionNotFound    = errors.New("Transaction not found")
	ErrNotAwaitingPayment     = errors.New("Transaction is not awaiting payment")
	ErrPaymentExpired         = errors.New("Payment window has expired")
	ErrNotUpdatable           = errors.New("Transaction cannot be updated in current status")
	ErrInvalidTransition      = errors.New("Invalid status transition")
	ErrConcurrentModification = errors.New("Transaction was modified concurrently")
	ErrNotBuyer               = errors.New("Only the buyer can confirm delivery")
	ErrNotShipped             = errors.New("Transaction must be shipped to confirm delivery")
	ErrNotCancellable         = errors.New("Transaction cannot be cancelled in current status")
	ErrRefundDeclined         = errors.New("Refund was declined by the payment provider")
)

// ValidationError reports invalid caller input. Nothing is written when it is returned.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

func newValidationError(errs ...string) *ValidationError {
	return &ValidationError{Errors: errs}
}
