package nats

import (
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/shopspring/decimal"
)

// TransactionEvent is a lifecycle event published to the event bus.
// On NATS it goes to the subject "txns.{type}" in JetStream.
type TransactionEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`

	// Transaction identifiers
	TransactionID string `json:"transaction_id"`
	ListingID     string `json:"listing_id"`
	BuyerID       string `json:"buyer_id"`
	SellerID      string `json:"seller_id"`

	// Transaction state after the event
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method"`
	PaymentID     *string         `json:"payment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`

	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the NATS subject for the event.
func (e *TransactionEvent) Subject() string {
	return "txns." + e.Type
}

// FromDBEvent builds a TransactionEvent from a transaction and the timeline
// event that was just appended to it.
func FromDBEvent(txn *db.Transaction, ev *db.Event) *TransactionEvent {
	event := &TransactionEvent{
		EventID:       ev.ID,
		Type:          ev.Type,
		TransactionID: txn.ID,
		ListingID:     txn.ListingID,
		BuyerID:       txn.BuyerID,
		SellerID:      txn.SellerID,
		Status:        string(ev.Status),
		PaymentMethod: txn.PaymentMethod,
		Amount:        txn.Amount,
		NetAmount:     txn.NetAmount,
		Message:       ev.Message,
		OccurredAt:    ev.CreatedAt,
		PublishedAt:   time.Now().UTC(),
	}

	if txn.PaymentID != nil {
		id := *txn.PaymentID
		event.PaymentID = &id
	}
	if len(ev.Metadata) > 0 {
		event.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			event.Metadata[k] = v
		}
	}

	return event
}
