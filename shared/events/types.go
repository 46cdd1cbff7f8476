package events

import (
	"time"

	"github.com/google/uuid"
)

// Subjects published on the event bus and pushed to merchant sessions.
const (
	WatchCreated     = "watch.created"
	PaymentPartial   = "payment.partial"
	PaymentConfirmed = "payment.confirmed"
	PaymentExpired   = "payment.expired"
)

// PaymentEvent is the payload delivered to the merchant's realtime sessions
// and published on the bus. Amounts are decimal strings in coin units.
type PaymentEvent struct {
	ID             uuid.UUID `json:"id"`
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	MerchantID     string    `json:"merchant_id"`
	Address        string    `json:"address"`
	Amount         string    `json:"amount,omitempty"`
	Confirmations  int       `json:"confirmations,omitempty"`
	ReportedBy     string    `json:"reported_by,omitempty"`
	CorroboratedBy []string  `json:"corroborated_by,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewPaymentEvent stamps a payment event with identity and time.
func NewPaymentEvent(eventType, orderID, merchantID, address string) PaymentEvent {
	return PaymentEvent{
		ID:         uuid.New(),
		Type:       eventType,
		OrderID:    orderID,
		MerchantID: merchantID,
		Address:    address,
		Timestamp:  time.Now().UTC(),
	}
}
