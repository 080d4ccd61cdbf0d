package model

import "time"

// Provider names are a closed set; adding a vendor means implementing the
// capability interfaces in internal/providers.
const (
	ProviderPingPay  = "pingpay"
	ProviderPrintful = "printful"
	ProviderGelato   = "gelato"
	ProviderManual   = "manual"
)

// Order is the aggregate root reconciled from checkout, payment, and
// fulfillment events.
type Order struct {
	ID                     string            `json:"id"`
	UserID                 string            `json:"userId,omitempty"` // empty for guest checkout
	Status                 OrderStatus       `json:"status"`
	TotalAmount            int64             `json:"totalAmount"` // cents
	Currency               string            `json:"currency"`
	CheckoutSessionID      string            `json:"checkoutSessionId,omitempty"`
	CheckoutProvider       string            `json:"checkoutProvider,omitempty"`
	FulfillmentReferenceID string            `json:"fulfillmentReferenceId,omitempty"`
	SelectedShipping       map[string]string `json:"selectedShipping,omitempty"` // fulfillment provider -> rate id
	Items                  []OrderItem       `json:"items"`
	ShippingAddress        *ShippingAddress  `json:"shippingAddress,omitempty"`
	TrackingInfo           []TrackingInfo    `json:"trackingInfo,omitempty"`
	DeliveryEstimate       *DeliveryEstimate `json:"deliveryEstimate,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

type OrderItem struct {
	ProductID           string `json:"productId"`
	VariantID           string `json:"variantId"`
	Quantity            int    `json:"quantity"`
	ProductName         string `json:"productName,omitempty"`
	UnitPrice           int64  `json:"unitPrice"` // cents
	FulfillmentProvider string `json:"fulfillmentProvider"`
}

type ShippingAddress struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Email        string `json:"email"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	City         string `json:"city"`
	State        string `json:"state,omitempty"`
	PostCode     string `json:"postCode"`
	Country      string `json:"country"`
}

// TrackingInfo entries are append-only on an order and deduplicated by
// TrackingCode.
type TrackingInfo struct {
	TrackingCode       string `json:"trackingCode"`
	TrackingURL        string `json:"trackingUrl,omitempty"`
	Carrier            string `json:"carrier,omitempty"`
	ShipmentMethodName string `json:"shipmentMethodName,omitempty"`
}

type DeliveryEstimate struct {
	MinDeliveryDate string `json:"minDeliveryDate,omitempty"`
	MaxDeliveryDate string `json:"maxDeliveryDate,omitempty"`
}

// ProviderConfig holds per-fulfillment-provider webhook settings. Mutated only
// through the admin configuration endpoints.
type ProviderConfig struct {
	Provider           string     `json:"provider"`
	Enabled            bool       `json:"enabled"`
	WebhookURL         string     `json:"webhookUrl,omitempty"`
	WebhookURLOverride string     `json:"webhookUrlOverride,omitempty"`
	EnabledEvents      []string   `json:"enabledEvents,omitempty"`
	PublicKey          string     `json:"publicKey,omitempty"`
	SecretKey          string     `json:"secretKey,omitempty"`
	LastConfiguredAt   *time.Time `json:"lastConfiguredAt,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// ShippingRate is one option returned by a fulfillment provider for a subset
// of cart items.
type ShippingRate struct {
	RateID          string `json:"rateId"`
	Name            string `json:"name,omitempty"`
	Cost            int64  `json:"cost"` // cents
	Currency        string `json:"currency,omitempty"`
	MinDeliveryDays int    `json:"minDeliveryDays,omitempty"`
	MaxDeliveryDays int    `json:"maxDeliveryDays,omitempty"`
}

// ProviderQuote is the per-provider slice of an aggregated quote.
type ProviderQuote struct {
	Provider         string       `json:"provider"`
	SelectedShipping ShippingRate `json:"selectedShipping"`
}

// Quote is ephemeral: constructed per request and echoed back by the client
// in createCheckout via selectedRates. Never persisted.
type Quote struct {
	ProviderBreakdown []ProviderQuote `json:"providerBreakdown"`
	ShippingCost      int64           `json:"shippingCost"`
	Subtotal          int64           `json:"subtotal"`
	Tax               int64           `json:"tax"`
	Total             int64           `json:"total"`
}

// QuoteItem is the client-side cart item shape for quote and checkout
// requests; product/variant resolve through the catalog.
type QuoteItem struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

// StatusEvent is pushed to status subscribers on every order mutation.
type StatusEvent struct {
	Status       OrderStatus    `json:"status"`
	TrackingInfo []TrackingInfo `json:"trackingInfo,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}
