package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/brojonat/vitrine/service/metrics"
	"github.com/google/uuid"
)

// Stripe-style test card suffixes recognised by the sandbox card provider.
const (
	CardSuffixDeclined          = "0002"
	CardSuffixInsufficientFunds = "9995"
	CardSuffixProcessingError   = "0119"
)

// refundLedger remembers refunds by idempotency key so a repeated request
// returns the first result instead of crediting twice.
type refundLedger struct {
	mu      sync.Mutex
	results map[string]RefundResult
}

func newRefundLedger() *refundLedger {
	return &refundLedger{results: make(map[string]RefundResult)}
}

func (l *refundLedger) refund(provider string, req RefundRequest) *RefundResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := req.IdempotencyKey
	if key != "" {
		if prev, ok := l.results[key]; ok {
			r := prev
			return &r
		}
	}

	result := RefundResult{
		Success:  true,
		RefundID: provider + "_re_" + uuid.NewString(),
		Amount:   req.Amount,
		Status:   StatusRefunded,
	}
	if key != "" {
		l.results[key] = result
	}
	return &result
}

// PixProvider is a sandbox PIX processor. Charges are accepted immediately;
// in production the confirmation would arrive from the PSP's webhook.
type PixProvider struct {
	refunds *refundLedger
}

func NewPixProvider() *PixProvider {
	return &PixProvider{refunds: newRefundLedger()}
}

func (p *PixProvider) Name() string          { return "pix" }
func (p *PixProvider) Methods() []MethodType { return []MethodType{MethodPix} }

func (p *PixProvider) Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return &ChargeResponse{
		Approved:   true,
		ProviderID: "pix_" + uuid.NewString(),
		Status:     StatusApproved,
	}, nil
}

func (p *PixProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return p.refunds.refund(p.Name(), req), nil
}

// StripeProvider is a sandbox card processor. Outcomes are keyed on the
// card number suffix, mirroring Stripe's test cards.
type StripeProvider struct {
	refunds *refundLedger
}

func NewStripeProvider() *StripeProvider {
	return &StripeProvider{refunds: newRefundLedger()}
}

func (p *StripeProvider) Name() string          { return "stripe" }
func (p *StripeProvider) Methods() []MethodType { return []MethodType{MethodCreditCard} }

func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if req.Method.Card == nil {
		return &ChargeResponse{Status: StatusDeclined, DeclineReason: "missing card details"}, nil
	}

	number := strings.ReplaceAll(req.Method.Card.Number, " ", "")
	switch {
	case strings.HasSuffix(number, CardSuffixDeclined):
		return &ChargeResponse{Status: StatusDeclined, DeclineReason: "Your card was declined"}, nil
	case strings.HasSuffix(number, CardSuffixInsufficientFunds):
		return &ChargeResponse{Status: StatusDeclined, DeclineReason: "Your card has insufficient funds"}, nil
	case strings.HasSuffix(number, CardSuffixProcessingError):
		return nil, fmt.Errorf("%w: processing error", ErrProviderUnavailable)
	}

	return &ChargeResponse{
		Approved:   true,
		ProviderID: "stripe_ch_" + uuid.NewString(),
		Status:     StatusApproved,
	}, nil
}

func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return p.refunds.refund(p.Name(), req), nil
}

// BankTransferProvider is a sandbox bank transfer processor.
type BankTransferProvider struct {
	refunds *refundLedger
}

func NewBankTransferProvider() *BankTransferProvider {
	return &BankTransferProvider{refunds: newRefundLedger()}
}

func (p *BankTransferProvider) Name() string          { return "bank" }
func (p *BankTransferProvider) Methods() []MethodType { return []MethodType{MethodBankTransfer} }

func (p *BankTransferProvider) Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return &ChargeResponse{
		Approved:   true,
		ProviderID: "bank_tr_" + uuid.NewString(),
		Status:     StatusApproved,
	}, nil
}

func (p *BankTransferProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return p.refunds.refund(p.Name(), req), nil
}

// NewSandboxService wires the three sandbox providers behind a gateway.
func NewSandboxService(policy FeePolicy, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	return NewService(policy, m, logger,
		NewPixProvider(),
		NewStripeProvider(),
		NewBankTransferProvider(),
	)
}
