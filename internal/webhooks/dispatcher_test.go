package webhooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"merchapi/internal/model"
	"merchapi/internal/providers"
	"merchapi/internal/store"
)

type fakeFulfillment struct {
	name string

	mu      sync.Mutex
	created []string // externalID values passed to CreateOrder
	rates   []string // rate ids passed to CreateOrder
	fail    bool
}

func (f *fakeFulfillment) Name() string { return f.name }

func (f *fakeFulfillment) ShippingRates(ctx context.Context, items []model.OrderItem, addr model.ShippingAddress) ([]model.ShippingRate, error) {
	return nil, nil
}

func (f *fakeFulfillment) CreateOrder(ctx context.Context, externalID string, items []model.OrderItem, addr model.ShippingAddress, rateID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", &providers.APIError{Provider: f.name, Status: 500, Message: "boom"}
	}
	f.created = append(f.created, externalID)
	f.rates = append(f.rates, rateID)
	return "vendor_1", nil
}

func (f *fakeFulfillment) CancelOrder(ctx context.Context, externalID string) error { return nil }
func (f *fakeFulfillment) ConfigureWebhook(ctx context.Context, url string, events []string) (providers.WebhookSetup, error) {
	return providers.WebhookSetup{}, nil
}
func (f *fakeFulfillment) DisableWebhook(ctx context.Context) error  { return nil }
func (f *fakeFulfillment) TestConnection(ctx context.Context) error { return nil }

type capturePublisher struct {
	mu     sync.Mutex
	events map[string][]model.StatusEvent
}

func (c *capturePublisher) Publish(sessionID string, ev model.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = map[string][]model.StatusEvent{}
	}
	c.events[sessionID] = append(c.events[sessionID], ev)
}

func (c *capturePublisher) statuses(sessionID string) []model.OrderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.OrderStatus
	for _, ev := range c.events[sessionID] {
		out = append(out, ev.Status)
	}
	return out
}

func seedOrder(t *testing.T, s store.Store, o model.Order) model.Order {
	t.Helper()
	created, err := s.CreateOrder(context.Background(), o)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return created
}

func testAddress() *model.ShippingAddress {
	return &model.ShippingAddress{
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
		AddressLine1: "1 Analytical Way", City: "London", PostCode: "N1 9GU", Country: "GB",
	}
}

func TestHandlePaymentSuccessSubmitsFulfillment(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	pub := &capturePublisher{}
	printful := &fakeFulfillment{name: model.ProviderPrintful}
	reg := providers.NewRegistry()
	reg.AddFulfillment(printful)

	order := seedOrder(t, s, model.Order{
		ID:                "ord_pay",
		Status:            model.StatusDraftCreated,
		TotalAmount:       2599,
		Currency:          "USD",
		CheckoutSessionID: "cs_pay",
		CheckoutProvider:  model.ProviderPingPay,
		SelectedShipping:  map[string]string{model.ProviderPrintful: "STANDARD"},
		Items: []model.OrderItem{
			{ProductID: "tee", VariantID: "4012", Quantity: 1, UnitPrice: 1999, FulfillmentProvider: model.ProviderPrintful},
		},
		ShippingAddress: testAddress(),
	})

	d := NewDispatcher(s, reg, pub, "")
	body := []byte(`{"type":"payment.success","sessionId":"cs_pay","metadata":{"orderId":"ord_pay"}}`)
	rec, err := d.Handle(ctx, model.ProviderPingPay, body, "", "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Received || rec.OrderID != order.ID {
		t.Fatalf("receipt = %+v", rec)
	}

	got, _ := s.GetOrder(ctx, order.ID)
	if got.Status != model.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if len(printful.created) != 1 || printful.created[0] != order.ID {
		t.Fatalf("sub-orders = %v", printful.created)
	}
	if printful.rates[0] != "STANDARD" {
		t.Errorf("rate = %q", printful.rates[0])
	}
	want := []model.OrderStatus{model.StatusPaid, model.StatusPaidPendingFulfillment, model.StatusProcessing}
	gotStatuses := pub.statuses("cs_pay")
	if len(gotStatuses) != len(want) {
		t.Fatalf("published %v, want %v", gotStatuses, want)
	}
	for i := range want {
		if gotStatuses[i] != want[i] {
			t.Fatalf("published %v, want %v", gotStatuses, want)
		}
	}
}

func TestHandlePaymentSuccessSubmissionFailureLeavesRetryable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	printful := &fakeFulfillment{name: model.ProviderPrintful, fail: true}
	reg := providers.NewRegistry()
	reg.AddFulfillment(printful)

	order := seedOrder(t, s, model.Order{
		ID: "ord_retry", Status: model.StatusDraftCreated, CheckoutSessionID: "cs_retry",
		Items:           []model.OrderItem{{ProductID: "tee", VariantID: "1", Quantity: 1, FulfillmentProvider: model.ProviderPrintful}},
		ShippingAddress: testAddress(),
	})

	d := NewDispatcher(s, reg, nil, "")
	if _, err := d.Handle(ctx, model.ProviderPingPay, []byte(`{"type":"payment.success","metadata":{"orderId":"ord_retry"}}`), "", ""); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetOrder(ctx, order.ID)
	if got.Status != model.StatusPaidPendingFulfillment {
		t.Fatalf("status = %s, want paid_pending_fulfillment", got.Status)
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedOrder(t, s, model.Order{ID: "ord_sig", Status: model.StatusDraftCreated, CheckoutSessionID: "cs_sig"})

	d := NewDispatcher(s, nil, nil, "whsec_test")
	body := []byte(`{"type":"payment.success","metadata":{"orderId":"ord_sig"}}`)
	_, err := d.Handle(ctx, model.ProviderPingPay, body, "0000", "1700000000")
	var sigErr *SignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("want *SignatureError, got %v", err)
	}
	got, _ := s.GetOrder(ctx, "ord_sig")
	if got.Status != model.StatusDraftCreated {
		t.Fatalf("status mutated to %s on rejected webhook", got.Status)
	}
}

func TestHandleVerifiedSignature(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedOrder(t, s, model.Order{ID: "ord_ok", Status: model.StatusDraftCreated, CheckoutSessionID: "cs_ok"})

	d := NewDispatcher(s, nil, nil, "whsec_test")
	body := []byte(`{"type":"payment.failed","metadata":{"orderId":"ord_ok"}}`)
	sig := Sign("whsec_test", "1700000000", body)
	rec, err := d.Handle(ctx, model.ProviderPingPay, body, sig, "1700000000")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Received {
		t.Fatal("not acknowledged")
	}
	got, _ := s.GetOrder(ctx, "ord_ok")
	if got.Status != model.StatusPaymentFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestHandleMalformedJSONRejected(t *testing.T) {
	d := NewDispatcher(store.NewMemory(), nil, nil, "")
	_, err := d.Handle(context.Background(), model.ProviderPingPay, []byte(`{truncated`), "", "")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("want *ParseError, got %v", err)
	}
}

func TestHandleUnknownOrderAcknowledged(t *testing.T) {
	d := NewDispatcher(store.NewMemory(), nil, nil, "")
	rec, err := d.Handle(context.Background(), model.ProviderPrintful,
		[]byte(`{"type":"package_shipped","data":{"order":{"external_id":"ghost"}}}`), "", "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Received || rec.OrderID != "" {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestHandleUnknownEventAcknowledged(t *testing.T) {
	d := NewDispatcher(store.NewMemory(), nil, nil, "")
	rec, err := d.Handle(context.Background(), model.ProviderPrintful, []byte(`{"type":"stock_updated"}`), "", "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Received || rec.EventType != "stock_updated" {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestHandleShippedAppendsTracking(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	pub := &capturePublisher{}
	seedOrder(t, s, model.Order{ID: "ord_ship", Status: model.StatusProcessing, CheckoutSessionID: "cs_ship"})

	// Secret configured for the provider: deliveries must carry a valid
	// signature.
	if _, err := s.UpsertProviderConfig(ctx, model.ProviderConfig{Provider: model.ProviderPrintful, Enabled: true, SecretKey: "pf_secret"}); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	body := []byte(`{
		"type": "package_shipped",
		"data": {
			"shipment": {"carrier": "USPS", "service": "First-Class Mail", "tracking_number": "9400111", "tracking_url": "https://tools.usps.com/9400111"},
			"order": {"external_id": "ord_ship"}
		}
	}`)
	sig := Sign("pf_secret", "1700000000", body)

	d := NewDispatcher(s, nil, pub, "")
	rec, err := d.Handle(ctx, model.ProviderPrintful, body, sig, "1700000000")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.OrderID != "ord_ship" {
		t.Fatalf("receipt = %+v", rec)
	}
	got, _ := s.GetOrder(ctx, "ord_ship")
	if got.Status != model.StatusShipped {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.TrackingInfo) != 1 || got.TrackingInfo[0].TrackingCode != "9400111" {
		t.Fatalf("tracking = %+v", got.TrackingInfo)
	}
	evs := pub.statuses("cs_ship")
	if len(evs) != 1 || evs[0] != model.StatusShipped {
		t.Fatalf("published = %v", evs)
	}
}

func TestHandleShippedReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedOrder(t, s, model.Order{ID: "ord_replay", Status: model.StatusProcessing, CheckoutSessionID: "cs_replay"})

	body := []byte(`{
		"type": "package_shipped",
		"data": {
			"shipment": {"tracking_number": "9400111", "tracking_url": "u"},
			"order": {"external_id": "ord_replay"}
		}
	}`)
	d := NewDispatcher(s, nil, nil, "")
	for i := 0; i < 3; i++ {
		if _, err := d.Handle(ctx, model.ProviderPrintful, body, "", ""); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	got, _ := s.GetOrder(ctx, "ord_replay")
	if got.Status != model.StatusShipped {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.TrackingInfo) != 1 {
		t.Fatalf("tracking duplicated: %+v", got.TrackingInfo)
	}
}

func TestHandleStaleEventAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedOrder(t, s, model.Order{ID: "ord_done", Status: model.StatusCancelled, CheckoutSessionID: "cs_done"})

	d := NewDispatcher(s, providers.NewRegistry(), nil, "")
	rec, err := d.Handle(ctx, model.ProviderPingPay, []byte(`{"type":"payment.success","metadata":{"orderId":"ord_done"}}`), "", "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Received {
		t.Fatal("not acknowledged")
	}
	got, _ := s.GetOrder(ctx, "ord_done")
	if got.Status != model.StatusCancelled {
		t.Fatalf("terminal order mutated to %s", got.Status)
	}
}

// conflictOnceStore fails the first status update with ErrConflict without
// touching state, as a concurrent writer would, then behaves normally.
type conflictOnceStore struct {
	store.Store
	once sync.Once
}

func (c *conflictOnceStore) UpdateOrderStatus(ctx context.Context, id string, to model.OrderStatus, from []model.OrderStatus) (model.Order, error) {
	conflicted := false
	c.once.Do(func() { conflicted = true })
	if conflicted {
		return model.Order{}, store.ErrConflict
	}
	return c.Store.UpdateOrderStatus(ctx, id, to, from)
}

func TestHandleConflictRetriesAgainstRefreshedState(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedOrder(t, mem, model.Order{ID: "ord_race", Status: model.StatusPaymentPending, CheckoutSessionID: "cs_race"})
	pub := &capturePublisher{}

	d := NewDispatcher(&conflictOnceStore{Store: mem}, nil, pub, "")
	rec, err := d.Handle(ctx, model.ProviderPingPay, []byte(`{"type":"payment.failed","metadata":{"orderId":"ord_race"}}`), "", "")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Received {
		t.Fatal("not acknowledged")
	}
	got, _ := mem.GetOrder(ctx, "ord_race")
	if got.Status != model.StatusPaymentFailed {
		t.Fatalf("status = %s, want payment_failed after retry", got.Status)
	}
	evs := pub.statuses("cs_race")
	if len(evs) != 1 || evs[0] != model.StatusPaymentFailed {
		t.Fatalf("published = %v", evs)
	}
}

func TestHandleGelatoDelivered(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedOrder(t, s, model.Order{ID: "ord_del", Status: model.StatusShipped, CheckoutSessionID: "cs_del"})

	d := NewDispatcher(s, nil, nil, "")
	body := []byte(`{"event":"order_status_updated","orderReferenceId":"ord_del","fulfillmentStatus":"delivered"}`)
	if _, err := d.Handle(ctx, model.ProviderGelato, body, "", ""); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetOrder(ctx, "ord_del")
	if got.Status != model.StatusDelivered {
		t.Fatalf("status = %s", got.Status)
	}
}
