package webhooks

import (
	"fmt"

	"merchapi/internal/model"
)

// EventType is the provider-neutral classification of an inbound webhook.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentFailed    EventType = "payment_failed"
	EventSessionExpired   EventType = "session_expired"
	EventOrderAccepted    EventType = "order_accepted"
	EventShipmentCreated  EventType = "shipment_created"
	EventDelivered        EventType = "delivered"
	EventOrderCanceled    EventType = "order_canceled"
	EventOrderOnHold      EventType = "order_on_hold"
	EventOrderFailed      EventType = "order_failed"
	EventUnknown          EventType = "unknown"
)

// Event is the normalized form every provider payload is reduced to before
// the dispatcher touches the store.
type Event struct {
	Provider  string
	Type      EventType
	RawType   string // provider's own event name, for receipts and logs
	OrderID   string // our order id when the provider echoes it back
	SessionID string // checkout session id for payment events
	Reference string // fulfillment reference for vendor-keyed lookups
	Tracking  *model.TrackingInfo
	Reason    string // human-readable detail for hold/failure events
}

// SignatureError rejects a webhook whose HMAC does not check out.
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s webhook: %s", e.Provider, e.Reason)
	}
	return e.Reason
}

// ParseError rejects a webhook whose body is not valid JSON or is missing
// required fields.
type ParseError struct {
	Provider string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s webhook parse: %v", e.Provider, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
