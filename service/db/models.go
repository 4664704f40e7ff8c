package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a marketplace transaction.
type TransactionStatus string

const (
	StatusPendingPayment   TransactionStatus = "pending_payment"
	StatusPaymentConfirmed TransactionStatus = "payment_confirmed"
	StatusShipped          TransactionStatus = "shipped"
	StatusDelivered        TransactionStatus = "delivered"
	StatusCompleted        TransactionStatus = "completed"
	StatusCancelled        TransactionStatus = "cancelled"
)

// AllStatuses lists every transaction status in lifecycle order.
var AllStatuses = []TransactionStatus{
	StatusPendingPayment,
	StatusPaymentConfirmed,
	StatusShipped,
	StatusDelivered,
	StatusCompleted,
	StatusCancelled,
}

// ListingStatus is the availability of a listing.
type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingReserved ListingStatus = "reserved"
	ListingSold     ListingStatus = "sold"
)

// Listing is an item posted for sale. Listings are owned by the catalogue;
// this package only reads them and moves them between statuses.
type Listing struct {
	ID           string          `json:"id"`
	SellerID     string          `json:"seller_id"`
	Title        string          `json:"title"`
	Price        decimal.Decimal `json:"price"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Status       ListingStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// User holds the contact details the marketplace keeps for buyers and sellers.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Address is a shipping destination, persisted as JSONB.
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

// Fees is the fee breakdown fixed on a transaction at creation.
type Fees struct {
	PlatformFee decimal.Decimal `json:"platform_fee"`
	PaymentFee  decimal.Decimal `json:"payment_fee"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
}

// Transaction is a purchase of one listing by one buyer.
// Amount and Fees never change after creation; refunds are separate Refund rows.
type Transaction struct {
	ID                string            `json:"id"`
	ListingID         string            `json:"listing_id"`
	BuyerID           string            `json:"buyer_id"`
	SellerID          string            `json:"seller_id"`
	ItemPrice         decimal.Decimal   `json:"item_price"`
	Amount            decimal.Decimal   `json:"amount"`
	Fees              Fees              `json:"fees"`
	NetAmount         decimal.Decimal   `json:"net_amount"`
	Status            TransactionStatus `json:"status"`
	PaymentMethod     string            `json:"payment_method"`
	PaymentProvider   *string           `json:"payment_provider,omitempty"`
	PaymentID         *string           `json:"payment_id,omitempty"`
	PaymentExpiresAt  *time.Time        `json:"payment_expires_at,omitempty"`
	ReservationHeld   bool              `json:"reservation_held"`
	TrackingNumber    *string           `json:"tracking_number,omitempty"`
	ShippingMethod    string            `json:"shipping_method,omitempty"`
	ShippingAddress   *Address          `json:"shipping_address,omitempty"`
	EstimatedDelivery *time.Time        `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time        `json:"actual_delivery,omitempty"`
	CancelReason      *string           `json:"cancel_reason,omitempty"`
	Timeline          []Event           `json:"timeline,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Event is an append-only lifecycle record on a transaction's timeline.
type Event struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	Type          string            `json:"type"`
	Status        TransactionStatus `json:"status"`
	Message       string            `json:"message"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Refund records money returned to the buyer for a cancelled transaction.
// At most one refund exists per transaction.
type Refund struct {
	ID               string          `json:"id"`
	TransactionID    string          `json:"transaction_id"`
	Provider         string          `json:"provider"`
	ProviderRefundID string          `json:"provider_refund_id"`
	Amount           decimal.Decimal `json:"amount"`
	Status           string          `json:"status"`
	IdempotencyKey   string          `json:"idempotency_key"`
	CreatedAt        time.Time       `json:"created_at"`
}

// StatusTotal aggregates a seller's transactions in one status.
type StatusTotal struct {
	Status TransactionStatus
	Count  int64
	Amount decimal.Decimal
}

// CreateListingParams contains the parameters for creating a listing.
type CreateListingParams struct {
	ID           string
	SellerID     string
	Title        string
	Price        decimal.Decimal
	ShippingCost decimal.Decimal
	Status       ListingStatus
}

// CreateUserParams contains the parameters for creating a user.
type CreateUserParams struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// CreateTransactionParams contains the parameters for creating a transaction.
type CreateTransactionParams struct {
	ID               string
	ListingID        string
	BuyerID          string
	SellerID         string
	ItemPrice        decimal.Decimal
	Amount           decimal.Decimal
	Fees             Fees
	NetAmount        decimal.Decimal
	Status           TransactionStatus
	PaymentMethod    string
	PaymentExpiresAt *time.Time
	ReservationHeld  bool
	ShippingMethod   string
	ShippingAddress  *Address
	CreatedAt        time.Time
}

// UpdateTransactionParams describes a conditional update: it only applies
// while the row is still in ExpectedStatus. Nil fields are left unchanged.
type UpdateTransactionParams struct {
	ID                string
	ExpectedStatus    TransactionStatus
	Status            *TransactionStatus
	PaymentID         *string
	PaymentProvider   *string
	ReservationHeld   *bool
	TrackingNumber    *string
	ShippingMethod    *string
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	CancelReason      *string
}

// ListTransactionsParams filters and paginates transactions. Empty filters match everything.
type ListTransactionsParams struct {
	SellerID string
	BuyerID  string
	Status   TransactionStatus
	Limit    int32
	Offset   int32
}

// CreateEventParams contains the parameters for appending a lifecycle event.
type CreateEventParams struct {
	ID            string
	TransactionID string
	Type          string
	Status        TransactionStatus
	Message       string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// CreateRefundParams contains the parameters for recording a refund.
type CreateRefundParams struct {
	ID               string
	TransactionID    string
	Provider         string
	ProviderRefundID string
	Amount           decimal.Decimal
	Status           string
	IdempotencyKey   string
	CreatedAt        time.Time
}
