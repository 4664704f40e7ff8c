package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/vitrine/service/metrics"
	"github.com/shopspring/decimal"
)

// Provider is a payment processor the gateway can route charges and refunds to.
// Implementations report business declines through ChargeResponse.Approved and
// return errors only for infrastructure failures (wrapping ErrProviderUnavailable).
type Provider interface {
	// Name is the provider identifier, also used as the payment id prefix.
	Name() string

	// Methods lists the payment method types this provider handles.
	Methods() []MethodType

	Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// ChargeRequest is what a provider receives for a charge.
type ChargeRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Method        Method
}

// ChargeResponse is a provider's raw answer to a charge.
type ChargeResponse struct {
	Approved      bool
	ProviderID    string
	Status        string
	DeclineReason string
}

// Service is the payment gateway adapter. It owns the fee policy and routes
// each payment method to the provider registered for it.
type Service struct {
	policy    FeePolicy
	routes    map[MethodType]Provider
	providers map[string]Provider
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService creates a gateway that routes to the given providers.
// Registering two providers for the same method is an error.
// If metrics is nil, no metrics will be recorded.
func NewService(policy FeePolicy, m *metrics.Metrics, logger *slog.Logger, providers ...Provider) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fee policy: %w", err)
	}

	s := &Service{
		policy:    policy,
		routes:    make(map[MethodType]Provider),
		providers: make(map[string]Provider),
		metrics:   m,
		logger:    logger.With("component", "payment_service"),
	}

	for _, p := range providers {
		if _, dup := s.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name())
		}
		s.providers[p.Name()] = p
		for _, method := range p.Methods() {
			if existing, ok := s.routes[method]; ok {
				return nil, fmt.Errorf("method %q already routed to provider %q", method, existing.Name())
			}
			s.routes[method] = p
		}
	}

	return s, nil
}

// Policy returns the fee policy used by the gateway.
func (s *Service) Policy() FeePolicy {
	return s.policy
}

// CalculateFees applies the gateway's fee policy to an item price.
func (s *Service) CalculateFees(amount decimal.Decimal, method MethodType) (Fees, error) {
	return s.policy.Calculate(amount, method)
}

// ValidatePaymentMethod checks a payment method payload.
func (s *Service) ValidatePaymentMethod(m Method) ValidationResult {
	result := ValidatePaymentMethod(m)
	if result.Valid {
		if _, ok := s.routes[m.Type]; !ok {
			return ValidationResult{
				Errors: []string{fmt.Sprintf("no provider configured for %q", m.Type)},
			}
		}
	}
	return result
}

// ProviderFor returns the name of the provider that handles the method.
func (s *Service) ProviderFor(method MethodType) (string, error) {
	p, ok := s.routes[method]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return p.Name(), nil
}

// ProcessPayment charges a transaction through the provider routed for its method.
// Invalid payloads and declines are reported in the Result; an error means the
// provider could not be reached or answered unexpectedly.
func (s *Service) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	provider, ok := s.routes[req.Method.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method.Type)
	}

	if v := ValidatePaymentMethod(req.Method); !v.Valid {
		return &Result{
			Success:      false,
			Provider:     provider.Name(),
			Status:       StatusDeclined,
			ErrorMessage: strings.Join(v.Errors, "; "),
		}, nil
	}

	fee, err := s.policy.PaymentFee(req.Amount, req.Method.Type)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "charging payment",
		"transaction_id", req.TransactionID,
		"provider", provider.Name(),
		"method", req.Method.Type,
		"amount", req.Amount.StringFixed(2),
	)

	start := time.Now()
	resp, err := provider.Charge(ctx, ChargeRequest{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Method:        req.Method,
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		s.metrics.RecordPaymentAttempt(provider.Name(), "error", duration)
		s.logger.ErrorContext(ctx, "payment provider error",
			"transaction_id", req.TransactionID,
			"provider", provider.Name(),
			"error", err,
		)
		return nil, fmt.Errorf("%s charge failed: %w", provider.Name(), err)
	}

	if !resp.Approved {
		s.metrics.RecordPaymentAttempt(provider.Name(), "declined", duration)
		s.logger.InfoContext(ctx, "payment declined",
			"transaction_id", req.TransactionID,
			"provider", provider.Name(),
			"reason", resp.DeclineReason,
		)
		status := resp.Status
		if status == "" {
			status = StatusDeclined
		}
		return &Result{
			Success:      false,
			Provider:     provider.Name(),
			Status:       status,
			ErrorMessage: resp.DeclineReason,
		}, nil
	}

	s.metrics.RecordPaymentAttempt(provider.Name(), "approved", duration)
	s.logger.InfoContext(ctx, "payment approved",
		"transaction_id", req.TransactionID,
		"provider", provider.Name(),
		"payment_id", resp.ProviderID,
	)

	status := resp.Status
	if status == "" {
		status = StatusApproved
	}
	return &Result{
		Success:        true,
		PaymentID:      prefixed(provider.Name(), resp.ProviderID),
		Provider:       provider.Name(),
		Status:         status,
		TransactionFee: fee,
	}, nil
}

// RefundPayment returns a captured payment through the provider that captured it.
func (s *Service) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	provider, ok := s.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	start := time.Now()
	result, err := provider.Refund(ctx, req)
	duration := time.Since(start).Seconds()
	if err != nil {
		s.metrics.RecordRefund(provider.Name(), "error", duration)
		s.logger.ErrorContext(ctx, "refund provider error",
			"transaction_id", req.TransactionID,
			"provider", provider.Name(),
			"error", err,
		)
		return nil, fmt.Errorf("%s refund failed: %w", provider.Name(), err)
	}

	outcome := "approved"
	if !result.Success {
		outcome = "declined"
	}
	s.metrics.RecordRefund(provider.Name(), outcome, duration)
	s.logger.InfoContext(ctx, "refund processed",
		"transaction_id", req.TransactionID,
		"provider", provider.Name(),
		"refund_id", result.RefundID,
		"success", result.Success,
		"amount", result.Amount.StringFixed(2),
	)

	if result.RefundID != "" {
		result.RefundID = prefixed(provider.Name(), result.RefundID)
	}
	return result, nil
}

// prefixed guarantees provider-scoped identifiers ("pix_…", "stripe_…").
func prefixed(provider, id string) string {
	if strings.HasPrefix(id, provider+"_") {
		return id
	}
	return provider + "_" + id
}
