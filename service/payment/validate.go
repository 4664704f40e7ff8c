package payment

import (
	"fmt"
	"strings"
)

// ValidationResult reports whether a payment method payload is acceptable.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidatePaymentMethod checks the method type and, for cards, the required card fields.
// PIX and bank transfers need nothing beyond the type.
func ValidatePaymentMethod(m Method) ValidationResult {
	var errs []string

	switch m.Type {
	case MethodPix, MethodBankTransfer:
	case MethodCreditCard:
		errs = append(errs, validateCard(m.Card)...)
	case "":
		errs = append(errs, "payment method type is required")
	default:
		errs = append(errs, fmt.Sprintf("unsupported payment method type %q", m.Type))
	}

	return ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

func validateCard(card *CardDetails) []string {
	if card == nil {
		return []string{"card details are required for credit_card payments"}
	}

	var errs []string
	if strings.TrimSpace(card.Number) == "" {
		errs = append(errs, "card number is required")
	} else if !isDigits(strings.ReplaceAll(card.Number, " ", "")) {
		errs = append(errs, "card number must contain only digits")
	}
	if card.ExpiryMonth == 0 {
		errs = append(errs, "card expiry month is required")
	} else if card.ExpiryMonth < 1 || card.ExpiryMonth > 12 {
		errs = append(errs, "card expiry month must be between 1 and 12")
	}
	if card.ExpiryYear == 0 {
		errs = append(errs, "card expiry year is required")
	}
	if strings.TrimSpace(card.CVV) == "" {
		errs = append(errs, "card cvv is required")
	}
	return errs
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
