package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"merchapi/internal/metrics"
	"merchapi/internal/model"
	"merchapi/internal/providers"
	"merchapi/internal/store"
)

// StatusPublisher pushes order status changes to live subscribers, keyed by
// checkout session id. Satisfied by the api package's event broker.
type StatusPublisher interface {
	Publish(sessionID string, ev model.StatusEvent)
}

// Receipt is the acknowledgement body returned to the provider. Providers
// retry on non-2xx, so anything past signature and parse checks acknowledges.
type Receipt struct {
	Received  bool   `json:"received"`
	EventType string `json:"eventType,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
}

// Dispatcher runs the inbound webhook pipeline: verify, parse, normalize,
// resolve the order, apply a rank-guarded status transition, publish.
type Dispatcher struct {
	Store     store.Store
	Registry  *providers.Registry
	Publisher StatusPublisher
	// PaymentSecret verifies payment-provider signatures. Fulfillment
	// secrets live in provider config rows.
	PaymentSecret string
}

func NewDispatcher(s store.Store, reg *providers.Registry, pub StatusPublisher, paymentSecret string) *Dispatcher {
	return &Dispatcher{Store: s, Registry: reg, Publisher: pub, PaymentSecret: paymentSecret}
}

// Handle processes one raw webhook delivery. Only *SignatureError and
// *ParseError come back as errors; every other condition acknowledges so the
// provider does not retry what we cannot use.
func (d *Dispatcher) Handle(ctx context.Context, provider string, body []byte, signature, timestamp string) (Receipt, error) {
	secret, err := d.secretFor(ctx, provider)
	if err != nil {
		return Receipt{}, err
	}
	if secret == "" {
		log.Printf("[webhooks] %s: no webhook secret configured, accepting unverified", provider)
		metrics.WebhookEvents.WithLabelValues(provider, "unverified_accept").Inc()
	} else {
		if err := Verify(secret, body, timestamp, signature); err != nil {
			metrics.WebhookEvents.WithLabelValues(provider, "rejected").Inc()
			var sigErr *SignatureError
			if errors.As(err, &sigErr) {
				sigErr.Provider = provider
			}
			return Receipt{}, err
		}
		metrics.WebhookEvents.WithLabelValues(provider, "verified").Inc()
	}

	ev, err := d.normalize(provider, body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(provider, "rejected").Inc()
		return Receipt{}, err
	}
	if ev.Type == EventUnknown {
		metrics.WebhookEvents.WithLabelValues(provider, "ignored").Inc()
		return Receipt{Received: true, EventType: ev.RawType}, nil
	}

	order, err := d.resolveOrder(ctx, ev)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown order: acknowledge so the provider stops retrying.
		log.Printf("[webhooks] %s: no order for event %s (order=%q session=%q)", provider, ev.RawType, ev.OrderID, ev.SessionID)
		metrics.WebhookEvents.WithLabelValues(provider, "ignored").Inc()
		return Receipt{Received: true, EventType: ev.RawType}, nil
	}
	if err != nil {
		return Receipt{}, err
	}

	if err := d.apply(ctx, order, ev); err != nil {
		return Receipt{}, err
	}
	return Receipt{Received: true, EventType: ev.RawType, OrderID: order.ID}, nil
}

func (d *Dispatcher) secretFor(ctx context.Context, provider string) (string, error) {
	if provider == model.ProviderPingPay {
		return d.PaymentSecret, nil
	}
	secret, err := d.Store.GetSecretKey(ctx, provider)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return secret, err
}

func (d *Dispatcher) normalize(provider string, body []byte) (Event, error) {
	switch provider {
	case model.ProviderPingPay:
		return NormalizePing(body)
	case model.ProviderPrintful:
		return NormalizePrintful(body)
	case model.ProviderGelato:
		return NormalizeGelato(body)
	}
	return Event{}, &ParseError{Provider: provider, Err: errors.New("unknown provider")}
}

func (d *Dispatcher) resolveOrder(ctx context.Context, ev Event) (model.Order, error) {
	if ev.OrderID != "" {
		o, err := d.Store.GetOrder(ctx, ev.OrderID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return o, err
		}
	}
	if ev.SessionID != "" {
		o, err := d.Store.GetOrderBySession(ctx, ev.SessionID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return o, err
		}
	}
	if ev.Reference != "" {
		return d.Store.GetOrderByFulfillmentRef(ctx, ev.Reference)
	}
	return model.Order{}, store.ErrNotFound
}

// transitionFor maps a normalized event to its target status and the set of
// current states the write may apply from.
func transitionFor(t EventType) (model.OrderStatus, []model.OrderStatus, bool) {
	switch t {
	case EventPaymentSucceeded:
		return model.StatusPaid, model.PaymentEligible(), true
	case EventPaymentFailed:
		return model.StatusPaymentFailed, model.PaymentEligible(), true
	case EventSessionExpired:
		return model.StatusExpired, model.PaymentEligible(), true
	case EventOrderAccepted:
		return model.StatusPrinting, []model.OrderStatus{model.StatusPaid, model.StatusPaidPendingFulfillment, model.StatusProcessing}, true
	case EventShipmentCreated:
		return model.StatusShipped, model.ShipmentEligible(), true
	case EventDelivered:
		return model.StatusDelivered, append(model.ShipmentEligible(), model.StatusShipped), true
	case EventOrderCanceled:
		return model.StatusCancelled, model.NonTerminal(), true
	case EventOrderOnHold:
		return model.StatusOnHold, model.NonTerminal(), true
	case EventOrderFailed:
		return model.StatusFailed, model.NonTerminal(), true
	}
	return "", nil, false
}

func (d *Dispatcher) apply(ctx context.Context, order model.Order, ev Event) error {
	if ev.Tracking != nil {
		if o, err := d.Store.AppendTracking(ctx, order.ID, []model.TrackingInfo{*ev.Tracking}); err == nil {
			order = o
		} else {
			log.Printf("[webhooks] %s: append tracking for %s: %v", ev.Provider, order.ID, err)
		}
	}
	target, fromAny, ok := transitionFor(ev.Type)
	if !ok {
		return nil
	}
	if ev.Reason != "" {
		log.Printf("[webhooks] %s: order %s -> %s: %s", ev.Provider, order.ID, target, ev.Reason)
	}
	updated, err := d.Store.UpdateOrderStatus(ctx, order.ID, target, fromAny)
	if errors.Is(err, store.ErrConflict) {
		// Lost the race or the event replayed. Re-read; if the order already
		// reached or passed the target, this delivery is subsumed. Otherwise
		// retry once against the refreshed state.
		cur, rerr := d.Store.GetOrder(ctx, order.ID)
		if rerr != nil {
			return nil
		}
		if cur.Status.AtOrAfter(target) || cur.Status.IsTerminal() {
			return nil
		}
		updated, err = d.Store.UpdateOrderStatus(ctx, cur.ID, target, fromAny)
		if err != nil {
			log.Printf("[webhooks] %s: order %s stuck at %s, event %s not applied", ev.Provider, order.ID, cur.Status, ev.RawType)
			return nil
		}
	}
	if err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues(string(target)).Inc()
	d.publish(updated)

	if ev.Type == EventPaymentSucceeded {
		d.submitFulfillment(ctx, updated)
	}
	return nil
}

// submitFulfillment creates one vendor sub-order per fulfillment provider
// represented in the paid order's items, then advances the order to
// processing. A failed submission leaves the order in
// paid_pending_fulfillment for retry.
func (d *Dispatcher) submitFulfillment(ctx context.Context, order model.Order) {
	if d.Registry == nil || order.ShippingAddress == nil {
		return
	}
	byProvider := map[string][]model.OrderItem{}
	for _, it := range order.Items {
		if it.FulfillmentProvider == "" || it.FulfillmentProvider == model.ProviderManual {
			continue
		}
		byProvider[it.FulfillmentProvider] = append(byProvider[it.FulfillmentProvider], it)
	}
	if len(byProvider) == 0 {
		return
	}

	pending, err := d.Store.UpdateOrderStatus(ctx, order.ID, model.StatusPaidPendingFulfillment, []model.OrderStatus{model.StatusPaid})
	if err != nil {
		return
	}
	d.publish(pending)

	// The reference marks that vendor sub-orders exist (or were attempted);
	// the reaper keys provider cancellation off it.
	if order.FulfillmentReferenceID == "" {
		ref := fmt.Sprintf("order_%d_%s", time.Now().UnixMilli(), orGuest(order.UserID))
		if err := d.Store.SetFulfillmentReference(ctx, order.ID, ref); err != nil {
			log.Printf("[webhooks] set fulfillment reference for %s: %v", order.ID, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(byProvider))
	for name, items := range byProvider {
		f, ok := d.Registry.Fulfillment(name)
		if !ok {
			errs <- errors.New("fulfillment provider not configured: " + name)
			continue
		}
		wg.Add(1)
		go func(f providers.Fulfillment, items []model.OrderItem) {
			defer wg.Done()
			if _, err := f.CreateOrder(ctx, order.ID, items, *order.ShippingAddress, order.SelectedShipping[f.Name()]); err != nil {
				errs <- err
			}
		}(f, items)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		log.Printf("[webhooks] fulfillment submission for %s: %v", order.ID, err)
		return
	}

	processing, err := d.Store.UpdateOrderStatus(ctx, order.ID, model.StatusProcessing, []model.OrderStatus{model.StatusPaidPendingFulfillment})
	if err != nil {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(model.StatusProcessing)).Inc()
	d.publish(processing)
}

func orGuest(userID string) string {
	if userID == "" {
		return "guest"
	}
	return userID
}

func (d *Dispatcher) publish(order model.Order) {
	if d.Publisher == nil || order.CheckoutSessionID == "" {
		return
	}
	d.Publisher.Publish(order.CheckoutSessionID, model.StatusEvent{
		Status:       order.Status,
		TrackingInfo: order.TrackingInfo,
		UpdatedAt:    order.UpdatedAt.UTC(),
	})
}
