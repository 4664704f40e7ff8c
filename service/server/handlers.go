package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/brojonat/vitrine/service/transaction"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxIDLength        = 128
	maxReasonLength    = 500
)

// callerHeader identifies the user making the request.
const callerHeader = "X-User-ID"

// handleCreateTransaction returns a handler that starts a purchase.
// POST /api/v1/transactions
func handleCreateTransaction(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transaction.CreateRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		if err := validateID("listing_id", req.ListingID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateID("buyer_id", req.BuyerID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := txns.CreateTransaction(r.Context(), req)
		if err != nil {
			writeServiceError(w, err, logger, "failed to create transaction", "listing_id", req.ListingID, "buyer_id", req.BuyerID)
			return
		}

		logger.Info("transaction created",
			"transaction_id", result.Transaction.ID,
			"listing_id", req.ListingID,
			"payment_method", req.PaymentMethod.Type,
		)
		writeJSON(w, result, http.StatusCreated)
	})
}

// handleGetTransaction returns a handler that retrieves a transaction and its timeline.
// GET /api/v1/transactions/{id}
func handleGetTransaction(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID("transaction id", id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txn, err := txns.GetTransaction(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, logger, "failed to get transaction", "transaction_id", id)
			return
		}
		writeJSON(w, txn, http.StatusOK)
	})
}

// handleListTransactions returns a handler that lists a seller's or buyer's transactions.
// GET /api/v1/transactions?seller_id={id}|buyer_id={id}&status={status}&limit={n}&offset={n}
func handleListTransactions(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		limit, err := parseQueryInt(query.Get("limit"), "limit")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset, err := parseQueryInt(query.Get("offset"), "offset")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		filter := transaction.ListFilter{
			SellerID: query.Get("seller_id"),
			BuyerID:  query.Get("buyer_id"),
			Status:   db.TransactionStatus(query.Get("status")),
			Limit:    limit,
			Offset:   offset,
		}

		list, err := txns.ListTransactions(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err, logger, "failed to list transactions")
			return
		}

		logger.Debug("transactions listed", "seller_id", filter.SellerID, "buyer_id", filter.BuyerID, "count", len(list))
		writeJSON(w, map[string]interface{}{
			"transactions": list,
			"count":        len(list),
			"limit":        filter.Limit,
			"offset":       filter.Offset,
		}, http.StatusOK)
	})
}

// paymentRequest is the body of POST /api/v1/transactions/{id}/payment.
type paymentRequest struct {
	PaymentDetails payment.Details `json:"payment_details"`
}

// handleProcessPayment returns a handler that charges the buyer.
// A declined charge is a 200 with success=false; the buyer may retry.
// POST /api/v1/transactions/{id}/payment
func handleProcessPayment(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID("transaction id", id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req paymentRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}

		outcome, err := txns.ProcessPayment(r.Context(), id, req.PaymentDetails)
		if err != nil {
			writeServiceError(w, err, logger, "failed to process payment", "transaction_id", id)
			return
		}

		logger.Info("payment processed", "transaction_id", id, "success", outcome.Success)
		writeJSON(w, outcome, http.StatusOK)
	})
}

// handleUpdateTransaction returns a handler that records shipping progress.
// PATCH /api/v1/transactions/{id}
func handleUpdateTransaction(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID("transaction id", id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var u transaction.Update
		if !decodeBody(w, r, &u, logger) {
			return
		}
		if len(u.Note) > maxReasonLength {
			writeError(w, fmt.Sprintf("note too long: maximum %d characters", maxReasonLength), http.StatusBadRequest)
			return
		}

		txn, err := txns.UpdateTransaction(r.Context(), id, u)
		if err != nil {
			writeServiceError(w, err, logger, "failed to update transaction", "transaction_id", id)
			return
		}

		logger.Info("transaction updated", "transaction_id", id, "status", txn.Status)
		writeJSON(w, txn, http.StatusOK)
	})
}

// confirmRequest is the body of POST /api/v1/transactions/{id}/confirm-delivery.
// The X-User-ID header, when present, takes precedence over CallerID.
type confirmRequest struct {
	CallerID string `json:"caller_id"`
}

// handleConfirmDelivery returns a handler the buyer calls once the item arrives.
// POST /api/v1/transactions/{id}/confirm-delivery
func handleConfirmDelivery(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID("transaction id", id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req confirmRequest
		if r.ContentLength != 0 {
			if !decodeBody(w, r, &req, logger) {
				return
			}
		}
		if caller := r.Header.Get(callerHeader); caller != "" {
			req.CallerID = caller
		}
		if err := validateID("caller_id", req.CallerID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txn, err := txns.ConfirmDelivery(r.Context(), id, req.CallerID)
		if err != nil {
			writeServiceError(w, err, logger, "failed to confirm delivery", "transaction_id", id)
			return
		}

		logger.Info("delivery confirmed", "transaction_id", id)
		writeJSON(w, txn, http.StatusOK)
	})
}

// cancelRequest is the body of POST /api/v1/transactions/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleCancelTransaction returns a handler that cancels a transaction,
// refunding the buyer when a payment was captured.
// POST /api/v1/transactions/{id}/cancel
func handleCancelTransaction(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := validateID("transaction id", id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req cancelRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		req.Reason = strings.TrimSpace(req.Reason)
		if req.Reason == "" {
			writeError(w, "reason is required", http.StatusBadRequest)
			return
		}
		if len(req.Reason) > maxReasonLength {
			writeError(w, fmt.Sprintf("reason too long: maximum %d characters", maxReasonLength), http.StatusBadRequest)
			return
		}

		txn, err := txns.CancelTransaction(r.Context(), id, req.Reason)
		if err != nil {
			writeServiceError(w, err, logger, "failed to cancel transaction", "transaction_id", id)
			return
		}

		logger.Info("transaction cancelled", "transaction_id", id, "reason", req.Reason)
		writeJSON(w, txn, http.StatusOK)
	})
}

// handleSellerStats returns a handler that aggregates a seller's sales.
// GET /api/v1/sellers/{id}/stats
func handleSellerStats(txns TransactionService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sellerID := r.PathValue("id")
		if err := validateID("seller id", sellerID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		stats, err := txns.GetTransactionStats(r.Context(), sellerID)
		if err != nil {
			writeServiceError(w, err, logger, "failed to get seller stats", "seller_id", sellerID)
			return
		}
		writeJSON(w, stats, http.StatusOK)
	})
}

// feeQuoteRequest is the body of POST /api/v1/fees/quote.
type feeQuoteRequest struct {
	Amount        decimal.Decimal    `json:"amount"`
	PaymentMethod payment.MethodType `json:"payment_method"`
}

// handleFeeQuote returns a handler that previews the fees for a price.
// POST /api/v1/fees/quote
func handleFeeQuote(payments PaymentMethods, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req feeQuoteRequest
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if !req.Amount.IsPositive() {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}

		fees, err := payments.CalculateFees(req.Amount, req.PaymentMethod)
		if err != nil {
			if errors.Is(err, payment.ErrUnsupportedMethod) {
				writeError(w, transaction.ErrInvalidPaymentMethod.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("failed to calculate fees", "amount", req.Amount, "payment_method", req.PaymentMethod, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"amount":         req.Amount,
			"payment_method": req.PaymentMethod,
			"fees":           fees,
		}, http.StatusOK)
	})
}

// handleValidatePaymentMethod returns a handler that checks a payment method
// payload without charging it.
// POST /api/v1/payment-methods/validate
func handleValidatePaymentMethod(payments PaymentMethods, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m payment.Method
		if !decodeBody(w, r, &m, logger) {
			return
		}
		writeJSON(w, payments.ValidatePaymentMethod(m), http.StatusOK)
	})
}

// decodeBody reads a size-limited JSON body into v. On failure it writes
// the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status. Zero means the error is
// not a domain error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transaction.ErrListingNotFound),
		errors.Is(err, transaction.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, transaction.ErrNotBuyer):
		return http.StatusForbidden
	case errors.Is(err, transaction.ErrInvalidPaymentMethod),
		errors.Is(err, transaction.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, transaction.ErrListingUnavailable),
		errors.Is(err, transaction.ErrOwnListing),
		errors.Is(err, transaction.ErrNotAwaitingPayment),
		errors.Is(err, transaction.ErrPaymentExpired),
		errors.Is(err, transaction.ErrNotUpdatable),
		errors.Is(err, transaction.ErrConcurrentModification),
		errors.Is(err, transaction.ErrNotShipped),
		errors.Is(err, transaction.ErrNotCancellable),
		errors.Is(err, transaction.ErrRefundDeclined):
		return http.StatusConflict
	case errors.Is(err, payment.ErrProviderUnavailable):
		return http.StatusBadGateway
	}
	return 0
}

// writeServiceError writes the response for an error returned by the
// transaction service. Domain errors carry their stable message; anything
// else is logged and reported as an internal error.
func writeServiceError(w http.ResponseWriter, err error, logger *slog.Logger, msg string, args ...any) {
	var verr *transaction.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, map[string]interface{}{
			"error":  verr.Error(),
			"errors": verr.Errors,
		}, http.StatusBadRequest)
		return
	}

	status := statusFor(err)
	switch status {
	case 0:
		logger.Error(msg, append(args, "error", err)...)
		writeError(w, "internal server error", http.StatusInternalServerError)
	case http.StatusBadGateway:
		logger.Warn(msg, append(args, "error", err)...)
		writeError(w, "payment provider unavailable, try again later", status)
	default:
		logger.Debug(msg, append(args, "error", err)...)
		writeError(w, domainMessage(err), status)
	}
}

// domainMessage returns the sentinel's message without any wrapping context.
func domainMessage(err error) string {
	for _, sentinel := range []error{
		transaction.ErrListingNotFound,
		transaction.ErrListingUnavailable,
		transaction.ErrOwnListing,
		transaction.ErrInvalidPaymentMethod,
		transaction.ErrTransactionNotFound,
		transaction.ErrNotAwaitingPayment,
		transaction.ErrPaymentExpired,
		transaction.ErrNotUpdatable,
		transaction.ErrInvalidTransition,
		transaction.ErrConcurrentModification,
		transaction.ErrNotBuyer,
		transaction.ErrNotShipped,
		transaction.ErrNotCancellable,
		transaction.ErrRefundDeclined,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateID rejects empty, oversized, or control-character identifiers.
func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s too long: maximum %d characters", field, maxIDLength)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%s contains invalid characters", field)
		}
	}
	return nil
}

// parseQueryInt parses an optional non-negative integer query parameter.
func parseQueryInt(value, name string) (int32, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", name)
	}
	return int32(n), nil
}
