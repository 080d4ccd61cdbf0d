package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"merchapi/internal/auth"
	"merchapi/internal/checkout"
	"merchapi/internal/model"
	"merchapi/internal/product"
	"merchapi/internal/providers"
	"merchapi/internal/reaper"
	"merchapi/internal/store"
	"merchapi/internal/webhooks"
)

const testPaymentSecret = "whsec_test"

type stubPayment struct{ sessions int }

func (p *stubPayment) Name() string { return model.ProviderPingPay }

func (p *stubPayment) CreateSession(ctx context.Context, orderID string, amount int64, currency, successURL, cancelURL string) (providers.Session, error) {
	p.sessions++
	id := fmt.Sprintf("cs_test_%d", p.sessions)
	return providers.Session{ID: id, URL: "https://pay.example/" + id}, nil
}

func (p *stubPayment) GetSession(ctx context.Context, sessionID string) (providers.SessionInfo, error) {
	return providers.SessionInfo{ID: sessionID, Status: "OPEN"}, nil
}

type stubFulfillment struct {
	name       string
	rates      []model.ShippingRate
	created    []string
	cancelled  []string
	configured string
	testErr    error
}

func (f *stubFulfillment) Name() string { return f.name }

func (f *stubFulfillment) ShippingRates(ctx context.Context, items []model.OrderItem, addr model.ShippingAddress) ([]model.ShippingRate, error) {
	return f.rates, nil
}

func (f *stubFulfillment) CreateOrder(ctx context.Context, externalID string, items []model.OrderItem, addr model.ShippingAddress, rateID string) (string, error) {
	f.created = append(f.created, externalID)
	return "sub_" + externalID, nil
}

func (f *stubFulfillment) CancelOrder(ctx context.Context, externalID string) error {
	f.cancelled = append(f.cancelled, externalID)
	return nil
}

func (f *stubFulfillment) ConfigureWebhook(ctx context.Context, url string, events []string) (providers.WebhookSetup, error) {
	f.configured = url
	return providers.WebhookSetup{URL: url, Events: events, PublicKey: "pk_test", SecretKey: "sk_test"}, nil
}

func (f *stubFulfillment) DisableWebhook(ctx context.Context) error {
	f.configured = ""
	return nil
}

func (f *stubFulfillment) TestConnection(ctx context.Context) error { return f.testErr }

func newTestServer(t *testing.T) (*Server, *stubFulfillment) {
	t.Helper()
	catalog := product.NewStatic()
	catalog.Seed(product.Resolved{
		ProductID: "tee", VariantID: "m", Name: "Tour Tee",
		UnitPrice: 1999, Currency: "usd", FulfillmentProvider: model.ProviderPrintful,
	})

	pf := &stubFulfillment{
		name: model.ProviderPrintful,
		rates: []model.ShippingRate{
			{RateID: "STANDARD", Name: "Flat Rate", Cost: 499, Currency: "usd", MinDeliveryDays: 4, MaxDeliveryDays: 7},
		},
	}
	reg := providers.NewRegistry()
	reg.AddPayment(&stubPayment{})
	reg.AddFulfillment(pf)

	st := store.NewMemory()
	broker := NewBroker()
	quotes := &checkout.Aggregator{Products: catalog, Registry: reg, TaxRate: 0.1}
	srv := &Server{
		Store:         st,
		Registry:      reg,
		Broker:        broker,
		Auth:          auth.NewVerifier("dev", ""),
		Quotes:        quotes,
		Checkout:      &checkout.Orchestrator{Store: st, Quotes: quotes},
		PublicBaseURL: "https://merch.example",
	}
	srv.Dispatcher = webhooks.NewDispatcher(st, reg, broker, testPaymentSecret)
	srv.Reaper = reaper.New(st, reg, 24*time.Hour, time.Hour)
	srv.Reaper.Publisher = broker
	return srv, pf
}

func checkoutRequestBody() []byte {
	b, _ := json.Marshal(checkout.Request{
		Items:           []model.QuoteItem{{ProductID: "tee", VariantID: "m", Quantity: 1}},
		ShippingAddress: testAddress(),
		SelectedRates:   map[string]string{model.ProviderPrintful: "STANDARD"},
		SuccessURL:      "https://shop.example/thanks",
		CancelURL:       "https://shop.example/cart",
	})
	return b
}

func testAddress() model.ShippingAddress {
	return model.ShippingAddress{
		FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com",
		AddressLine1: "1 Analytical Way", City: "London", PostCode: "N1 9GU", Country: "GB",
	}
}

func doCheckout(t *testing.T, s *Server) checkout.Response {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", bytes.NewReader(checkoutRequestBody()))
	req.Header.Set("X-User-Id", "u_1")
	s.CheckoutHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("checkout: got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkout.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func paymentWebhook(t *testing.T, s *Server, sessionID, eventType string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"type":%q,"sessionId":%q}`, eventType, sessionID))
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/pingpay", bytes.NewReader(body))
	req.Header.Set("x-ping-signature", webhooks.Sign(testPaymentSecret, ts, body))
	req.Header.Set("x-ping-timestamp", ts)
	rr := httptest.NewRecorder()
	s.WebhookHandler(rr, req)
	return rr
}

func TestQuoteEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"items":[{"productId":"tee","variantId":"m","quantity":2}],"shippingAddress":{"firstName":"Ada","lastName":"Lovelace","email":"ada@example.com","addressLine1":"1 Analytical Way","city":"London","postCode":"N1 9GU","country":"GB"}}`)
	rr := httptest.NewRecorder()
	s.QuoteHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(body)))
	if rr.Code != 200 {
		t.Fatalf("quote: got %d: %s", rr.Code, rr.Body.String())
	}
	var q model.Quote
	if err := json.Unmarshal(rr.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.Subtotal != 3998 || q.ShippingCost != 499 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.Total != q.Subtotal+q.ShippingCost+q.Tax {
		t.Fatalf("total mismatch: %+v", q)
	}
}

func TestQuoteUnknownProductRejected(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"items":[{"productId":"nope","variantId":"m","quantity":1}],"shippingAddress":{"country":"GB"}}`)
	rr := httptest.NewRecorder()
	s.QuoteHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/quote", bytes.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCheckoutThenWebhookDrivesOrderToProcessing(t *testing.T) {
	s, pf := newTestServer(t)
	resp := doCheckout(t, s)
	if resp.OrderID == "" || resp.SessionID == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}

	rr := paymentWebhook(t, s, resp.SessionID, "payment.success")
	if rr.Code != 200 {
		t.Fatalf("webhook: got %d: %s", rr.Code, rr.Body.String())
	}
	var receipt webhooks.Receipt
	if err := json.Unmarshal(rr.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Received || receipt.OrderID != resp.OrderID {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	order, err := s.Store.GetOrder(context.Background(), resp.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != model.StatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if len(pf.created) != 1 || pf.created[0] != resp.OrderID {
		t.Fatalf("fulfillment not submitted: %v", pf.created)
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCheckout(t, s)

	body := []byte(fmt.Sprintf(`{"type":"payment.success","sessionId":%q}`, resp.SessionID))
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/pingpay", bytes.NewReader(body))
	req.Header.Set("x-ping-signature", strings.Repeat("0", 64))
	req.Header.Set("x-ping-timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	rr := httptest.NewRecorder()
	s.WebhookHandler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	order, _ := s.Store.GetOrder(context.Background(), resp.OrderID)
	if order.Status != model.StatusDraftCreated {
		t.Fatalf("order should be untouched, got %s", order.Status)
	}
}

func TestWebhookMalformedPayloadRejected(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{not json`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/pingpay", bytes.NewReader(body))
	req.Header.Set("x-ping-signature", webhooks.Sign(testPaymentSecret, ts, body))
	req.Header.Set("x-ping-timestamp", ts)
	rr := httptest.NewRecorder()
	s.WebhookHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderBySessionNullBeforeCheckout(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.OrderBySessionHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders/by-session/cs_missing", nil))
	if rr.Code != 200 {
		t.Fatalf("got %d", rr.Code)
	}
	var out struct {
		Order *model.Order `json:"order"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Order != nil {
		t.Fatalf("expected null order, got %+v", out.Order)
	}
}

func TestOrdersScopedToUser(t *testing.T) {
	s, _ := newTestServer(t)
	doCheckout(t, s)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("X-User-Id", "u_1")
	s.OrdersHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("got %d", rr.Code)
	}
	var out struct {
		Orders []model.Order `json:"orders"`
		Total  int           `json:"total"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 1 || len(out.Orders) != 1 {
		t.Fatalf("expected one order, got %+v", out)
	}

	// Another user sees nothing.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("X-User-Id", "u_2")
	s.OrdersHandler(rr, req)
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 0 {
		t.Fatalf("expected empty list for other user, got %+v", out)
	}
}

func TestOrderByIDOwnership(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCheckout(t, s)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/orders/"+resp.OrderID, nil)
	req.Header.Set("X-User-Id", "u_2")
	s.OrderByIDHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for other user, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/orders/"+resp.OrderID, nil)
	req.Header.Set("X-User-Id", "u_2")
	req.Header.Set("X-Role", "admin")
	s.OrderByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("admin should see any order, got %d", rr.Code)
	}
}

func TestAdminOrdersRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.AdminOrdersHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/orders", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/orders?status=draft_created", nil)
	req.Header.Set("X-Role", "admin")
	s.AdminOrdersHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("got %d", rr.Code)
	}
}

func TestCronCleanupEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	stale, err := s.Store.CreateOrder(context.Background(), model.Order{
		ID:        "ord_stale",
		Status:    model.StatusDraftCreated,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cron/cleanup-drafts", bytes.NewReader([]byte(`{"maxAgeHours":24}`)))
	req.Header.Set("X-Role", "admin")
	s.CronCleanupHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	var res reaper.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.TotalProcessed != 1 || res.Cancelled != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	order, _ := s.Store.GetOrder(context.Background(), stale.ID)
	if order.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
}

func TestCronCleanupNotifiesStatusSubscriber(t *testing.T) {
	s, _ := newTestServer(t)

	stale, err := s.Store.CreateOrder(context.Background(), model.Order{
		ID:                "ord_stale_sub",
		Status:            model.StatusPaymentPending,
		CheckoutSessionID: "cs_stale",
		CreatedAt:         time.Now().UTC().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	ch := s.Broker.Subscribe(stale.CheckoutSessionID)
	defer s.Broker.Unsubscribe(stale.CheckoutSessionID, ch)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cron/cleanup-drafts", bytes.NewReader([]byte(`{"maxAgeHours":24}`)))
	req.Header.Set("X-Role", "admin")
	s.CronCleanupHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}

	select {
	case evt := <-ch:
		if evt.Status != model.StatusCancelled {
			t.Fatalf("got status %s, want cancelled", evt.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified of reaper cancellation")
	}
}

func TestAdminProviderWebhookLifecycle(t *testing.T) {
	s, pf := newTestServer(t)

	// Configure
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/providers/printful/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Role", "admin")
	s.AdminProviderHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("configure: got %d: %s", rr.Code, rr.Body.String())
	}
	if pf.configured != "https://merch.example/v1/webhooks/printful" {
		t.Fatalf("unexpected webhook url: %s", pf.configured)
	}
	if strings.Contains(rr.Body.String(), "sk_test") {
		t.Fatalf("secret leaked in response: %s", rr.Body.String())
	}
	if secret, err := s.Store.GetSecretKey(context.Background(), model.ProviderPrintful); err != nil || secret != "sk_test" {
		t.Fatalf("secret not persisted: %q %v", secret, err)
	}

	// Status
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/providers/printful/webhook", nil)
	req.Header.Set("X-Role", "admin")
	s.AdminProviderHandler(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "pk_test") {
		t.Fatalf("status: got %d: %s", rr.Code, rr.Body.String())
	}

	// Test connection
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/providers/printful/test", nil)
	req.Header.Set("X-Role", "admin")
	s.AdminProviderHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("test: got %d", rr.Code)
	}

	// Disable
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/v1/admin/providers/printful/webhook", nil)
	req.Header.Set("X-Role", "admin")
	s.AdminProviderHandler(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("disable: got %d", rr.Code)
	}
	if pf.configured != "" {
		t.Fatalf("webhook still configured: %s", pf.configured)
	}
}

func TestAdminProviderRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.AdminProviderHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/admin/providers/printful/test", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestStatusStreamClosesAfterTerminalSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCheckout(t, s)
	if _, err := s.Store.UpdateOrderStatus(context.Background(), resp.OrderID, model.StatusCancelled, model.PaymentEligible()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancelled is terminal: the stream must emit the snapshot and return
	// without waiting on the broker.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/orders/status/subscribe/"+resp.SessionID, nil)
	s.StatusStreamHandler(rr, req)
	out := rr.Body.String()
	if !strings.Contains(out, "event: status") || !strings.Contains(out, `"cancelled"`) {
		t.Fatalf("unexpected stream output: %s", out)
	}
}

func TestStatusStreamReceivesPublishedEvents(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCheckout(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/orders/status/subscribe/"+resp.SessionID, nil).WithContext(ctx)
		s.StatusStreamHandler(rr, req)
		done <- rr.Body.String()
	}()

	// Give the stream a moment to subscribe, then fail the payment and
	// close the client side.
	time.Sleep(50 * time.Millisecond)
	if rr := paymentWebhook(t, s, resp.SessionID, "payment.failed"); rr.Code != 200 {
		t.Fatalf("webhook: got %d", rr.Code)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if !strings.Contains(out, `"payment_failed"`) {
			t.Fatalf("missing status event: %s", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

// wsRead reads frames off a status websocket, skipping keepalive traffic.
func wsRead(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if msg.Type == "ping" || msg.Type == "pong" {
			continue
		}
		return msg
	}
}

func TestStatusWSSubscribeLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	order, err := s.Store.CreateOrder(context.Background(), model.Order{
		ID:                "ord_ws",
		Status:            model.StatusDraftCreated,
		CheckoutSessionID: "cs_ws",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(s.StatusWSHandler))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if msg := wsRead(t, conn); msg.Type != "connection_ack" {
		t.Fatalf("got %q, want connection_ack", msg.Type)
	}

	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: []byte(`{"sessionId":"cs_ws"}`)}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	snap := wsRead(t, conn)
	if snap.Type != "next" || snap.ID != "1" {
		t.Fatalf("snapshot frame = %+v", snap)
	}
	var evt model.StatusEvent
	if err := json.Unmarshal(snap.Payload, &evt); err != nil {
		t.Fatalf("snapshot payload: %v", err)
	}
	if evt.Status != model.StatusDraftCreated {
		t.Fatalf("snapshot status = %s", evt.Status)
	}

	s.Broker.Publish(order.CheckoutSessionID, model.StatusEvent{Status: model.StatusCancelled, UpdatedAt: time.Now().UTC()})

	next := wsRead(t, conn)
	if next.Type != "next" || next.ID != "1" {
		t.Fatalf("event frame = %+v", next)
	}
	if err := json.Unmarshal(next.Payload, &evt); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if evt.Status != model.StatusCancelled {
		t.Fatalf("event status = %s", evt.Status)
	}
	if done := wsRead(t, conn); done.Type != "complete" || done.ID != "1" {
		t.Fatalf("got %+v, want complete", done)
	}
}
