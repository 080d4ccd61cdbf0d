// Package providers wraps the external payment and fulfillment vendor APIs
// behind small capability interfaces. The provider set is a closed
// enumeration wired explicitly at process start; there is no plugin registry.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"merchapi/internal/model"
)

// Payment creates and inspects external checkout sessions.
type Payment interface {
	Name() string
	// CreateSession opens an external checkout session for amount cents,
	// binding orderID into session metadata for webhook correlation.
	CreateSession(ctx context.Context, orderID string, amount int64, currency, successURL, cancelURL string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (SessionInfo, error)
}

// Fulfillment talks to a print-on-demand vendor.
type Fulfillment interface {
	Name() string
	ShippingRates(ctx context.Context, items []model.OrderItem, addr model.ShippingAddress) ([]model.ShippingRate, error)
	// CreateOrder submits a sub-order; externalID is our order id so that
	// vendor webhooks can be correlated back.
	CreateOrder(ctx context.Context, externalID string, items []model.OrderItem, addr model.ShippingAddress, rateID string) (string, error)
	CancelOrder(ctx context.Context, externalID string) error
	ConfigureWebhook(ctx context.Context, url string, events []string) (WebhookSetup, error)
	DisableWebhook(ctx context.Context) error
	TestConnection(ctx context.Context) error
}

type Session struct {
	ID  string
	URL string
}

type SessionInfo struct {
	ID            string
	Status        string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	PaymentID     string
	Metadata      map[string]string
}

// WebhookSetup is the vendor's answer to a webhook configuration call.
type WebhookSetup struct {
	URL       string
	Events    []string
	PublicKey string
	SecretKey string
	ExpiresAt *time.Time
}

// APIError is a non-2xx or transport failure from a vendor API.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s api error: %d - %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// Registry enumerates the providers enabled at startup. Components receive it
// explicitly instead of reaching into globals.
type Registry struct {
	payments     map[string]Payment
	fulfillments map[string]Fulfillment
}

func NewRegistry() *Registry {
	return &Registry{payments: map[string]Payment{}, fulfillments: map[string]Fulfillment{}}
}

func (r *Registry) AddPayment(p Payment)         { r.payments[p.Name()] = p }
func (r *Registry) AddFulfillment(f Fulfillment) { r.fulfillments[f.Name()] = f }

func (r *Registry) Payment(name string) (Payment, bool) {
	p, ok := r.payments[name]
	return p, ok
}

func (r *Registry) Fulfillment(name string) (Fulfillment, bool) {
	f, ok := r.fulfillments[name]
	return f, ok
}

func (r *Registry) Fulfillments() []string {
	out := make([]string, 0, len(r.fulfillments))
	for name := range r.fulfillments {
		out = append(out, name)
	}
	return out
}

// httpClient is the shared base for vendor clients: one http.Client, one
// outbound rate limiter per vendor.
type httpClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newHTTPClient() httpClient {
	return httpClient{
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (c *httpClient) wait(ctx context.Context) error { return c.limiter.Wait(ctx) }
