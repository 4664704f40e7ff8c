// Package client is a typed HTTP client for the vitrine transaction API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Fees is the fee breakdown of a transaction or quote.
type Fees struct {
	PlatformFee decimal.Decimal `json:"platform_fee"`
	PaymentFee  decimal.Decimal `json:"payment_fee"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
}

// Address is a shipping address.
type Address struct {
	Street       string `json:"street"`
	Number       string `json:"number,omitempty"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country,omitempty"`
}

// Event is one entry of a transaction's timeline.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Transaction is a purchase as returned by the server.
type Transaction struct {
	ID                string          `json:"id"`
	ListingID         string          `json:"listing_id"`
	BuyerID           string          `json:"buyer_id"`
	SellerID          string          `json:"seller_id"`
	ItemPrice         decimal.Decimal `json:"item_price"`
	Amount            decimal.Decimal `json:"amount"`
	Fees              Fees            `json:"fees"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	Status            string          `json:"status"`
	PaymentMethod     string          `json:"payment_method"`
	PaymentProvider   *string         `json:"payment_provider,omitempty"`
	PaymentID         *string         `json:"payment_id,omitempty"`
	PaymentExpiresAt  *time.Time      `json:"payment_expires_at,omitempty"`
	TrackingNumber    *string         `json:"tracking_number,omitempty"`
	ShippingMethod    string          `json:"shipping_method,omitempty"`
	ShippingAddress   *Address        `json:"shipping_address,omitempty"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time      `json:"actual_delivery,omitempty"`
	CancelReason      *string         `json:"cancel_reason,omitempty"`
	Timeline          []Event         `json:"timeline,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Card holds credit card details.
type Card struct {
	Number      string `json:"number"`
	HolderName  string `json:"holder_name,omitempty"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVV         string `json:"cvv"`
}

// PaymentMethod selects how the buyer pays: "pix", "credit_card" or "bank_transfer".
type PaymentMethod struct {
	Type string `json:"type"`
	Card *Card  `json:"card,omitempty"`
}

// CreateRequest starts a purchase.
type CreateRequest struct {
	ListingID       string        `json:"listing_id"`
	BuyerID         string        `json:"buyer_id"`
	ShippingAddress *Address      `json:"shipping_address,omitempty"`
	ShippingMethod  string        `json:"shipping_method,omitempty"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
}

// PaymentInstructions tell a PIX buyer how to pay.
type PaymentInstructions struct {
	Type      string          `json:"type"`
	QRCode    string          `json:"qr_code"`
	QRCodePNG string          `json:"qr_code_png,omitempty"`
	PixKey    string          `json:"pix_key"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CreateResult is the server's answer to Create.
type CreateResult struct {
	Transaction         *Transaction         `json:"transaction"`
	PaymentRequired     bool                 `json:"payment_required"`
	PaymentInstructions *PaymentInstructions `json:"payment_instructions,omitempty"`
}

// PaymentOutcome is the result of a payment attempt. A decline is not an error.
type PaymentOutcome struct {
	Success      bool         `json:"success"`
	PaymentID    string       `json:"payment_id,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Transaction  *Transaction `json:"transaction"`
}

// Update changes shipping details or moves a transaction to shipped.
type Update struct {
	Status            string     `json:"status,omitempty"`
	TrackingNumber    string     `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ShippingMethod    string     `json:"shipping_method,omitempty"`
	Note              string     `json:"note,omitempty"`
}

// ListOptions filters List. One of SellerID or BuyerID is required.
type ListOptions struct {
	SellerID string
	BuyerID  string
	Status   string
	Limit    int
	Offset   int
}

// Stats aggregates a seller's sales.
type Stats struct {
	SellerID              string           `json:"seller_id"`
	TotalTransactions     int64            `json:"total_transactions"`
	CompletedTransactions int64            `json:"completed_transactions"`
	TotalRevenue          decimal.Decimal  `json:"total_revenue"`
	AverageOrderValue     decimal.Decimal  `json:"average_order_value"`
	CompletionRate        float64          `json:"completion_rate"`
	ByStatus              map[string]int64 `json:"by_status"`
}

// FeeQuote is the fee preview for a price.
type FeeQuote struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Fees          Fees            `json:"fees"`
}

// Validation reports whether a payment method payload is acceptable.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the vitrine transaction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new transaction service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Create starts a purchase of a listing.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var result CreateResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", nil, req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction created", "transaction_id", result.Transaction.ID, "listing_id", req.ListingID)
	return &result, nil
}

// Get retrieves a transaction with its timeline.
func (c *Client) Get(ctx context.Context, id string) (*Transaction, error) {
	var txn Transaction
	if err := c.do(ctx, http.MethodGet, transactionPath(id), nil, nil, http.StatusOK, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// List retrieves a page of a seller's or buyer's transactions.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	q := url.Values{}
	if opts.SellerID != "" {
		q.Set("seller_id", opts.SellerID)
	}
	if opts.BuyerID != "" {
		q.Set("buyer_id", opts.BuyerID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var resp struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions", q, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("transactions listed", "count", len(resp.Transactions))
	return resp.Transactions, nil
}

// Pay submits payment details for a pending transaction.
func (c *Client) Pay(ctx context.Context, id string, card *Card) (*PaymentOutcome, error) {
	body := map[string]interface{}{
		"payment_details": map[string]interface{}{"card": card},
	}
	var outcome PaymentOutcome
	if err := c.do(ctx, http.MethodPost, transactionPath(id)+"/payment", nil, body, http.StatusOK, &outcome); err != nil {
		return nil, err
	}
	c.logger.Debug("payment submitted", "transaction_id", id, "success", outcome.Success)
	return &outcome, nil
}

// Update records shipping progress.
func (c *Client) Update(ctx context.Context, id string, u Update) (*Transaction, error) {
	var txn Transaction
	if err := c.do(ctx, http.MethodPatch, transactionPath(id), nil, u, http.StatusOK, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// Ship moves a paid transaction to shipped.
func (c *Client) Ship(ctx context.Context, id, trackingNumber string, estimatedDelivery time.Time) (*Transaction, error) {
	return c.Update(ctx, id, Update{
		Status:            "shipped",
		TrackingNumber:    trackingNumber,
		EstimatedDelivery: &estimatedDelivery,
	})
}

// ConfirmDelivery completes a shipped transaction on behalf of its buyer.
func (c *Client) ConfirmDelivery(ctx context.Context, id, buyerID string) (*Transaction, error) {
	var txn Transaction
	body := map[string]string{"caller_id": buyerID}
	if err := c.do(ctx, http.MethodPost, transactionPath(id)+"/confirm-delivery", nil, body, http.StatusOK, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// Cancel cancels a transaction, refunding the buyer if payment was captured.
func (c *Client) Cancel(ctx context.Context, id, reason string) (*Transaction, error) {
	var txn Transaction
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, transactionPath(id)+"/cancel", nil, body, http.StatusOK, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// SellerStats retrieves a seller's aggregate sales.
func (c *Client) SellerStats(ctx context.Context, sellerID string) (*Stats, error) {
	var stats Stats
	path := "/api/v1/sellers/" + url.PathEscape(sellerID) + "/stats"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// QuoteFees previews the fees for a price and payment method.
func (c *Client) QuoteFees(ctx context.Context, amount decimal.Decimal, method string) (*FeeQuote, error) {
	var quote FeeQuote
	body := map[string]interface{}{"amount": amount, "payment_method": method}
	if err := c.do(ctx, http.MethodPost, "/api/v1/fees/quote", nil, body, http.StatusOK, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// ValidatePaymentMethod checks a payment method without charging it.
func (c *Client) ValidatePaymentMethod(ctx context.Context, m PaymentMethod) (*Validation, error) {
	var v Validation
	if err := c.do(ctx, http.MethodPost, "/api/v1/payment-methods/validate", nil, m, http.StatusOK, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// AwaitStatus polls a transaction until it reaches status or ctx is done.
// It returns immediately with an error if the transaction cannot be fetched.
func (c *Client) AwaitStatus(ctx context.Context, id, status string, pollInterval time.Duration) (*Transaction, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		txn, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if txn.Status == status {
			return txn, nil
		}
		c.logger.Debug("waiting for transaction status", "transaction_id", id, "status", txn.Status, "want", status)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s still %s: %w", id, txn.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func transactionPath(id string) string {
	return "/api/v1/transactions/" + url.PathEscape(id)
}

// do sends a JSON request and decodes a JSON response with the expected status.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in interface{}, want int, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Errors: errResp.Errors}
}
