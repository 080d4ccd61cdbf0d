package model

// OrderStatus enumerates the order lifecycle states. Transitions happen only
// through the webhook dispatcher, the checkout orchestrator (initial value),
// and the draft reaper.
type OrderStatus string

const (
	StatusPending                OrderStatus = "pending"
	StatusDraftCreated           OrderStatus = "draft_created"
	StatusPaymentPending         OrderStatus = "payment_pending"
	StatusPaid                   OrderStatus = "paid"
	StatusPaidPendingFulfillment OrderStatus = "paid_pending_fulfillment"
	StatusProcessing             OrderStatus = "processing"
	StatusPrinting               OrderStatus = "printing"
	StatusOnHold                 OrderStatus = "on_hold"
	StatusShipped                OrderStatus = "shipped"
	StatusDelivered              OrderStatus = "delivered"
	StatusReturned               OrderStatus = "returned"
	StatusCancelled              OrderStatus = "cancelled"
	StatusPartiallyCancelled     OrderStatus = "partially_cancelled"
	StatusPaymentFailed          OrderStatus = "payment_failed"
	StatusExpired                OrderStatus = "expired"
	StatusFailed                 OrderStatus = "failed"
	StatusRefunded               OrderStatus = "refunded"
)

var terminal = map[OrderStatus]struct{}{
	StatusShipped:            {},
	StatusDelivered:          {},
	StatusCancelled:          {},
	StatusFailed:             {},
	StatusReturned:           {},
	StatusRefunded:           {},
	StatusOnHold:             {},
	StatusPartiallyCancelled: {},
}

// IsTerminal reports whether no further automatic transition occurs and live
// subscriptions should close.
func (s OrderStatus) IsTerminal() bool {
	_, ok := terminal[s]
	return ok
}

// statusRank orders states along the happy path so that re-applying an event
// whose target is at or before the current state resolves as a no-op.
var statusRank = map[OrderStatus]int{
	StatusPending:                0,
	StatusDraftCreated:           1,
	StatusPaymentPending:         2,
	StatusPaid:                   3,
	StatusPaidPendingFulfillment: 4,
	StatusProcessing:             5,
	StatusPrinting:               6,
	StatusShipped:                7,
	StatusDelivered:              8,
}

// Rank returns the happy-path progression rank, or -1 for states off the
// happy path (failure and cancellation states).
func (s OrderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// AtOrAfter reports whether s has already reached target on the happy path.
// Used to treat replayed events as no-ops rather than errors.
func (s OrderStatus) AtOrAfter(target OrderStatus) bool {
	sr, tr := s.Rank(), target.Rank()
	if sr < 0 || tr < 0 {
		return s == target
	}
	return sr >= tr
}

var validStatuses = map[OrderStatus]struct{}{
	StatusPending: {}, StatusDraftCreated: {}, StatusPaymentPending: {},
	StatusPaid: {}, StatusPaidPendingFulfillment: {}, StatusProcessing: {},
	StatusPrinting: {}, StatusOnHold: {}, StatusShipped: {}, StatusDelivered: {},
	StatusReturned: {}, StatusCancelled: {}, StatusPartiallyCancelled: {},
	StatusPaymentFailed: {}, StatusExpired: {}, StatusFailed: {}, StatusRefunded: {},
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	_, ok := validStatuses[s]
	return ok
}

// PaymentEligible lists the states from which a payment outcome may be
// applied. Also the reaper's selection set for stale drafts.
func PaymentEligible() []OrderStatus {
	return []OrderStatus{StatusPending, StatusDraftCreated, StatusPaymentPending}
}

// ShipmentEligible lists the states from which a shipment-created event moves
// the order to shipped.
func ShipmentEligible() []OrderStatus {
	return []OrderStatus{StatusPaid, StatusPaidPendingFulfillment, StatusProcessing, StatusPrinting}
}

// NonTerminal returns every non-terminal status; cancel/hold/failure events
// apply from any of these.
func NonTerminal() []OrderStatus {
	out := make([]OrderStatus, 0, len(validStatuses))
	for s := range validStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}
