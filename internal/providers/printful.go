package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"merchapi/internal/model"
)

// Printful is a print-on-demand fulfillment provider.
type Printful struct {
	httpClient
	BaseURL string
	APIKey  string
	StoreID string
}

func NewPrintful(baseURL, apiKey, storeID string) *Printful {
	if baseURL == "" {
		baseURL = "https://api.printful.com"
	}
	return &Printful{
		httpClient: newHTTPClient(),
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		StoreID:    storeID,
	}
}

func (p *Printful) Name() string { return model.ProviderPrintful }

type printfulEnvelope struct {
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
}

func (p *Printful) ShippingRates(ctx context.Context, items []model.OrderItem, addr model.ShippingAddress) ([]model.ShippingRate, error) {
	reqItems := make([]map[string]any, 0, len(items))
	for _, it := range items {
		reqItems = append(reqItems, map[string]any{
			"variant_id": it.VariantID,
			"quantity":   it.Quantity,
		})
	}
	body := map[string]any{
		"recipient": map[string]string{
			"address1":     addr.AddressLine1,
			"city":         addr.City,
			"country_code": addr.Country,
			"state_code":   addr.State,
			"zip":          addr.PostCode,
		},
		"items": reqItems,
	}
	var env printfulEnvelope
	if err := p.do(ctx, http.MethodPost, "/shipping/rates", body, &env); err != nil {
		return nil, err
	}
	var raw []struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Rate            string `json:"rate"`
		Currency        string `json:"currency"`
		MinDeliveryDays int    `json:"minDeliveryDays"`
		MaxDeliveryDays int    `json:"maxDeliveryDays"`
	}
	if err := json.Unmarshal(env.Result, &raw); err != nil {
		return nil, &APIError{Provider: p.Name(), Message: "decode rates: " + err.Error()}
	}
	rates := make([]model.ShippingRate, 0, len(raw))
	for _, r := range raw {
		rates = append(rates, model.ShippingRate{
			RateID:          r.ID,
			Name:            r.Name,
			Cost:            parseMoney(r.Rate),
			Currency:        r.Currency,
			MinDeliveryDays: r.MinDeliveryDays,
			MaxDeliveryDays: r.MaxDeliveryDays,
		})
	}
	return rates, nil
}

func (p *Printful) CreateOrder(ctx context.Context, externalID string, items []model.OrderItem, addr model.ShippingAddress, rateID string) (string, error) {
	reqItems := make([]map[string]any, 0, len(items))
	for _, it := range items {
		reqItems = append(reqItems, map[string]any{
			"external_variant_id": it.VariantID,
			"quantity":            it.Quantity,
		})
	}
	body := map[string]any{
		"external_id": externalID,
		"shipping":    rateID,
		"recipient": map[string]string{
			"name":         addr.FirstName + " " + addr.LastName,
			"email":        addr.Email,
			"address1":     addr.AddressLine1,
			"address2":     addr.AddressLine2,
			"city":         addr.City,
			"state_code":   addr.State,
			"country_code": addr.Country,
			"zip":          addr.PostCode,
		},
		"items": reqItems,
	}
	var env printfulEnvelope
	if err := p.do(ctx, http.MethodPost, "/orders", body, &env); err != nil {
		return "", err
	}
	var res struct {
		ID         int64  `json:"id"`
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return "", &APIError{Provider: p.Name(), Message: "decode order: " + err.Error()}
	}
	return fmt.Sprintf("%d", res.ID), nil
}

func (p *Printful) CancelOrder(ctx context.Context, externalID string) error {
	// Printful addresses orders by @external_id when cancelling ours.
	return p.do(ctx, http.MethodDelete, "/orders/@"+externalID, nil, nil)
}

func (p *Printful) ConfigureWebhook(ctx context.Context, url string, events []string) (WebhookSetup, error) {
	body := map[string]any{"url": url, "types": events}
	var env printfulEnvelope
	if err := p.do(ctx, http.MethodPost, "/webhooks", body, &env); err != nil {
		return WebhookSetup{}, err
	}
	var res struct {
		URL    string   `json:"url"`
		Types  []string `json:"types"`
		Params struct {
			PublicKey string `json:"public_key"`
		} `json:"params"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return WebhookSetup{}, &APIError{Provider: p.Name(), Message: "decode webhook: " + err.Error()}
	}
	return WebhookSetup{URL: res.URL, Events: res.Types, PublicKey: res.Params.PublicKey}, nil
}

func (p *Printful) DisableWebhook(ctx context.Context) error {
	return p.do(ctx, http.MethodDelete, "/webhooks", nil, nil)
}

func (p *Printful) TestConnection(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/store", nil, nil)
}

func (p *Printful) do(ctx context.Context, method, path string, body, out any) error {
	if err := p.wait(ctx); err != nil {
		return &APIError{Provider: p.Name(), Message: err.Error()}
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &APIError{Provider: p.Name(), Message: err.Error()}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, rd)
	if err != nil {
		return &APIError{Provider: p.Name(), Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.StoreID != "" {
		req.Header.Set("X-PF-Store-Id", p.StoreID)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return &APIError{Provider: p.Name(), Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Provider: p.Name(), Status: resp.StatusCode, Message: string(msg)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Provider: p.Name(), Message: "decode: " + err.Error()}
		}
	}
	return nil
}

// parseMoney converts a decimal string like "4.99" to cents. Vendor rates
// arrive as strings; malformed input counts as zero rather than failing the
// whole quote.
func parseMoney(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	var cents int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0
		}
		cents = cents*10 + int64(r-'0')
	}
	cents *= 100
	if len(frac) > 2 {
		frac = frac[:2]
	}
	mult := int64(10)
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0
		}
		cents += int64(r-'0') * mult
		mult /= 10
	}
	if neg {
		cents = -cents
	}
	return cents
}
