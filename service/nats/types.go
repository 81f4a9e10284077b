package nats

import (
	"time"

	"github.com/brojonat/transops/service/db"
)

// PaymentEvent is published when a checkout session is first observed as
// paid. It goes to the subject "payments.{session_id}" in JetStream.
type PaymentEvent struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"`
	DriverID  *string `json:"driver_id,omitempty"` // wallet that was topped up

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Package  string  `json:"package"`

	PaymentStatus string `json:"payment_status"`
	Status        string `json:"status"`
	Credited      bool   `json:"credited"`

	// Source names the path that observed the payment: "status", "webhook" or "workflow".
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *PaymentEvent) Subject() string {
	return SubjectPrefix + e.SessionID
}

// FromPaymentTransaction converts a stored transaction to a PaymentEvent.
func FromPaymentTransaction(txn *db.PaymentTransaction, source string) *PaymentEvent {
	return &PaymentEvent{
		SessionID:     txn.SessionID,
		UserID:        txn.UserID,
		DriverID:      txn.CreditDriverID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Package:       txn.Package,
		PaymentStatus: txn.PaymentStatus,
		Status:        txn.Status,
		Credited:      txn.Credited,
		Source:        source,
		PublishedAt:   time.Now().UTC(),
	}
}
