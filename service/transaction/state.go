package transaction

import "github.com/brojonat/vitrine/service/db"

// transitions is the lifecycle state machine. Terminal states have no entry.
var transitions = map[db.TransactionStatus][]db.TransactionStatus{
	db.StatusPendingPayment:   {db.StatusPaymentConfirmed, db.StatusCancelled},
	db.StatusPaymentConfirmed: {db.StatusShipped, db.StatusCancelled},
	db.StatusShipped:          {db.StatusDelivered},
	db.StatusDelivered:        {db.StatusCompleted},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to db.TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s db.TransactionStatus) bool {
	return s == db.StatusCompleted || s == db.StatusCancelled
}

// ValidStatus reports whether s is a known transaction status.
func ValidStatus(s db.TransactionStatus) bool {
	for _, known := range db.AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Lifecycle event types appended to transaction timelines.
const (
	EventCreated          = "created"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentDeclined  = "payment_declined"
	EventShipped          = "shipped"
	EventUpdated          = "updated"
	EventDelivered        = "delivered"
	EventCompleted        = "completed"
	EventRefunded         = "refunded"
	EventCancelled        = "cancelled"
	EventExpired          = "expired"
)
