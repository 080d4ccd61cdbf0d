package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"merchapi/internal/model"
)

// Gelato is a print-on-demand fulfillment provider. Orders carry our order id
// as orderReferenceId, and cancellations look the order up by that reference.
type Gelato struct {
	httpClient
	BaseURL string
	APIKey  string
}

func NewGelato(baseURL, apiKey string) *Gelato {
	if baseURL == "" {
		baseURL = "https://order.gelatoapis.com/v4"
	}
	return &Gelato{
		httpClient: newHTTPClient(),
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
	}
}

func (g *Gelato) Name() string { return model.ProviderGelato }

func (g *Gelato) ShippingRates(ctx context.Context, items []model.OrderItem, addr model.ShippingAddress) ([]model.ShippingRate, error) {
	products := make([]map[string]any, 0, len(items))
	for _, it := range items {
		products = append(products, map[string]any{
			"itemReferenceId": it.ProductID,
			"productUid":      it.VariantID,
			"quantity":        it.Quantity,
		})
	}
	body := map[string]any{
		"orderType": "order",
		"currency":  "USD",
		"recipient": gelatoAddress(addr),
		"products":  products,
	}
	var res struct {
		Quotes []struct {
			ShipmentMethods []struct {
				ShipmentMethodUID string  `json:"shipmentMethodUid"`
				Name              string  `json:"name"`
				Price             float64 `json:"price"`
				Currency          string  `json:"currency"`
				MinDeliveryDays   int     `json:"minDeliveryDays"`
				MaxDeliveryDays   int     `json:"maxDeliveryDays"`
			} `json:"shipmentMethods"`
		} `json:"quotes"`
	}
	if err := g.do(ctx, http.MethodPost, "/orders:quote", body, &res); err != nil {
		return nil, err
	}
	var rates []model.ShippingRate
	for _, q := range res.Quotes {
		for _, m := range q.ShipmentMethods {
			rates = append(rates, model.ShippingRate{
				RateID:          m.ShipmentMethodUID,
				Name:            m.Name,
				Cost:            int64(m.Price*100 + 0.5),
				Currency:        m.Currency,
				MinDeliveryDays: m.MinDeliveryDays,
				MaxDeliveryDays: m.MaxDeliveryDays,
			})
		}
	}
	return rates, nil
}

func (g *Gelato) CreateOrder(ctx context.Context, externalID string, items []model.OrderItem, addr model.ShippingAddress, rateID string) (string, error) {
	products := make([]map[string]any, 0, len(items))
	for _, it := range items {
		products = append(products, map[string]any{
			"itemReferenceId": it.ProductID,
			"productUid":      it.VariantID,
			"quantity":        it.Quantity,
		})
	}
	body := map[string]any{
		"orderType":         "order",
		"orderReferenceId":  externalID,
		"currency":          "USD",
		"shipmentMethodUid": rateID,
		"shippingAddress":   gelatoAddress(addr),
		"items":             products,
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/orders", body, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func (g *Gelato) CancelOrder(ctx context.Context, externalID string) error {
	id, err := g.findByReference(ctx, externalID)
	if err != nil {
		return err
	}
	return g.do(ctx, http.MethodPost, "/orders/"+id+":cancel", nil, nil)
}

func (g *Gelato) findByReference(ctx context.Context, ref string) (string, error) {
	body := map[string]any{"orderReferenceIds": []string{ref}, "limit": 1}
	var res struct {
		Orders []struct {
			ID string `json:"id"`
		} `json:"orders"`
	}
	if err := g.do(ctx, http.MethodPost, "/orders:search", body, &res); err != nil {
		return "", err
	}
	if len(res.Orders) == 0 {
		return "", &APIError{Provider: g.Name(), Status: http.StatusNotFound, Message: "no order with reference " + ref}
	}
	return res.Orders[0].ID, nil
}

func (g *Gelato) ConfigureWebhook(ctx context.Context, url string, events []string) (WebhookSetup, error) {
	body := map[string]any{"url": url, "events": events}
	var res struct {
		ID     string   `json:"id"`
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if err := g.do(ctx, http.MethodPost, "/webhooks", body, &res); err != nil {
		return WebhookSetup{}, err
	}
	return WebhookSetup{URL: res.URL, Events: res.Events, SecretKey: res.Secret}, nil
}

func (g *Gelato) DisableWebhook(ctx context.Context) error {
	return g.do(ctx, http.MethodDelete, "/webhooks", nil, nil)
}

func (g *Gelato) TestConnection(ctx context.Context) error {
	body := map[string]any{"limit": 1}
	return g.do(ctx, http.MethodPost, "/orders:search", body, nil)
}

func (g *Gelato) do(ctx context.Context, method, path string, body, out any) error {
	if err := g.wait(ctx); err != nil {
		return &APIError{Provider: g.Name(), Message: err.Error()}
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &APIError{Provider: g.Name(), Message: err.Error()}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, rd)
	if err != nil {
		return &APIError{Provider: g.Name(), Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", g.APIKey)
	resp, err := g.http.Do(req)
	if err != nil {
		return &APIError{Provider: g.Name(), Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Provider: g.Name(), Status: resp.StatusCode, Message: string(msg)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Provider: g.Name(), Message: "decode: " + err.Error()}
		}
	}
	return nil
}

func gelatoAddress(addr model.ShippingAddress) map[string]string {
	return map[string]string{
		"firstName":    addr.FirstName,
		"lastName":     addr.LastName,
		"email":        addr.Email,
		"addressLine1": addr.AddressLine1,
		"addressLine2": addr.AddressLine2,
		"city":         addr.City,
		"state":        addr.State,
		"postCode":     addr.PostCode,
		"country":      addr.Country,
	}
}
