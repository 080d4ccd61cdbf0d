package checkout

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"merchapi/internal/model"
	"merchapi/internal/store"
)

// CheckoutError wraps a failure in the draft-and-session flow. When the
// session stage fails the draft order is left behind on purpose: the reaper
// collects it.
type CheckoutError struct {
	Stage string // "validate", "rates", "persist", "session"
	Err   error
}

func (e *CheckoutError) Error() string { return fmt.Sprintf("checkout %s: %v", e.Stage, e.Err) }

func (e *CheckoutError) Unwrap() error { return e.Err }

// Request is a checkout submission. SelectedRates maps each fulfillment
// provider in the cart to the rate id the client picked from the quote.
type Request struct {
	UserID          string                `json:"userId,omitempty"`
	Items           []model.QuoteItem     `json:"items"`
	ShippingAddress model.ShippingAddress `json:"shippingAddress"`
	SelectedRates   map[string]string     `json:"selectedRates"`
	PaymentProvider string                `json:"paymentProvider,omitempty"`
	SuccessURL      string                `json:"successUrl,omitempty"`
	CancelURL       string                `json:"cancelUrl,omitempty"`
}

// Response hands the client what it needs to redirect into payment.
type Response struct {
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
}

// Orchestrator drives quote validation, draft persistence, and payment
// session creation.
type Orchestrator struct {
	Store  store.Store
	Quotes *Aggregator
}

func (o *Orchestrator) Checkout(ctx context.Context, req Request) (Response, error) {
	if err := validateAddress(req.ShippingAddress); err != nil {
		return Response{}, &CheckoutError{Stage: "validate", Err: err}
	}
	items, err := o.Quotes.resolveItems(ctx, req.Items)
	if err != nil {
		return Response{}, &CheckoutError{Stage: "validate", Err: err}
	}

	byProvider := map[string][]model.OrderItem{}
	var subtotal int64
	currency := "USD"
	for _, it := range items {
		subtotal += it.UnitPrice * int64(it.Quantity)
		byProvider[it.FulfillmentProvider] = append(byProvider[it.FulfillmentProvider], it)
	}

	// Re-price the selected rates server-side; the client's quote is never
	// trusted for money.
	var shippingCost int64
	var minDays, maxDays int
	selected := map[string]string{}
	for name, sub := range byProvider {
		rateID, ok := req.SelectedRates[name]
		if !ok || rateID == "" {
			return Response{}, &CheckoutError{Stage: "validate", Err: fmt.Errorf("no shipping rate selected for %s", name)}
		}
		f, ok := o.Quotes.Registry.Fulfillment(name)
		if !ok {
			return Response{}, &CheckoutError{Stage: "validate", Err: fmt.Errorf("fulfillment provider not configured: %s", name)}
		}
		rates, err := f.ShippingRates(ctx, sub, req.ShippingAddress)
		if err != nil {
			return Response{}, &CheckoutError{Stage: "rates", Err: err}
		}
		rate, found := findRate(rates, rateID)
		if !found {
			return Response{}, &CheckoutError{Stage: "validate", Err: fmt.Errorf("unknown rate %s for %s", rateID, name)}
		}
		shippingCost += rate.Cost
		selected[name] = rate.RateID
		if rate.MinDeliveryDays > minDays {
			minDays = rate.MinDeliveryDays
		}
		if rate.MaxDeliveryDays > maxDays {
			maxDays = rate.MaxDeliveryDays
		}
	}

	tax := int64(math.Round(float64(subtotal) * o.Quotes.TaxRate))
	total := subtotal + shippingCost + tax

	now := time.Now().UTC()
	// FulfillmentReferenceID stays empty on the draft: it is assigned when
	// sub-orders are actually submitted, so the reaper knows whether a stale
	// draft has anything to cancel at the vendors.
	order := model.Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Status:           model.StatusDraftCreated,
		TotalAmount:      total,
		Currency:         currency,
		SelectedShipping: selected,
		Items:            items,
		ShippingAddress:  &req.ShippingAddress,
	}
	if maxDays > 0 {
		order.DeliveryEstimate = &model.DeliveryEstimate{
			MinDeliveryDate: now.AddDate(0, 0, minDays).Format("2006-01-02"),
			MaxDeliveryDate: now.AddDate(0, 0, maxDays).Format("2006-01-02"),
		}
	}
	order, err = o.Store.CreateOrder(ctx, order)
	if err != nil {
		return Response{}, &CheckoutError{Stage: "persist", Err: err}
	}

	providerName := orDefault(req.PaymentProvider, model.ProviderPingPay)
	payment, ok := o.Quotes.Registry.Payment(providerName)
	if !ok {
		return Response{}, &CheckoutError{Stage: "session", Err: fmt.Errorf("payment provider not configured: %s", providerName)}
	}
	sess, err := payment.CreateSession(ctx, order.ID, total, currency, req.SuccessURL, req.CancelURL)
	if err != nil {
		// Draft stays behind; the reaper cancels it once it goes stale.
		log.Printf("[checkout] session creation failed for order %s: %v", order.ID, err)
		return Response{}, &CheckoutError{Stage: "session", Err: err}
	}
	if err := o.Store.SetCheckoutSession(ctx, order.ID, sess.ID, payment.Name()); err != nil {
		return Response{}, &CheckoutError{Stage: "persist", Err: err}
	}
	return Response{OrderID: order.ID, SessionID: sess.ID, URL: sess.URL}, nil
}

func findRate(rates []model.ShippingRate, id string) (model.ShippingRate, bool) {
	for _, r := range rates {
		if r.RateID == id {
			return r, true
		}
	}
	return model.ShippingRate{}, false
}

func validateAddress(a model.ShippingAddress) error {
	switch {
	case a.FirstName == "" && a.LastName == "":
		return fmt.Errorf("recipient name required")
	case a.AddressLine1 == "":
		return fmt.Errorf("address line required")
	case a.City == "":
		return fmt.Errorf("city required")
	case a.PostCode == "":
		return fmt.Errorf("postal code required")
	case a.Country == "":
		return fmt.Errorf("country required")
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
