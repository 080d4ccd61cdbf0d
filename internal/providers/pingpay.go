package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"merchapi/internal/model"
)

// PingPay is the crypto-checkout payment provider. Amounts are settled in
// USDC on NEAR; one cent maps to 10^4 USDC base units.
type PingPay struct {
	httpClient
	BaseURL          string
	RecipientAddress string
	APIKey           string
}

const usdcPerCent = 10000

func NewPingPay(baseURL, recipientAddress, apiKey string) *PingPay {
	if baseURL == "" {
		baseURL = "https://pay.pingpay.io"
	}
	return &PingPay{
		httpClient:       newHTTPClient(),
		BaseURL:          strings.TrimSuffix(baseURL, "/"),
		RecipientAddress: recipientAddress,
		APIKey:           apiKey,
	}
}

func (p *PingPay) Name() string { return model.ProviderPingPay }

type pingSessionResponse struct {
	Session struct {
		SessionID string            `json:"sessionId"`
		Status    string            `json:"status"`
		Amount    string            `json:"amount"`
		PaymentID string            `json:"paymentId,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
		Asset     struct {
			Chain  string `json:"chain"`
			Symbol string `json:"symbol"`
		} `json:"asset"`
	} `json:"session"`
	SessionURL string `json:"sessionUrl,omitempty"`
}

func (p *PingPay) CreateSession(ctx context.Context, orderID string, amount int64, currency, successURL, cancelURL string) (Session, error) {
	body := map[string]any{
		"amount":    strconv.FormatInt(amount*usdcPerCent, 10),
		"recipient": map[string]string{"address": p.RecipientAddress},
		"asset":     map[string]string{"chain": "NEAR", "symbol": "USDC"},
		"metadata":  map[string]string{"orderId": orderID},
	}
	if successURL != "" { body["successUrl"] = successURL }
	if cancelURL != "" { body["cancelUrl"] = cancelURL }
	var resp pingSessionResponse
	if err := p.do(ctx, http.MethodPost, "/api/checkout/sessions", body, &resp); err != nil {
		return Session{}, err
	}
	return Session{ID: resp.Session.SessionID, URL: resp.SessionURL}, nil
}

func (p *PingPay) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	var resp pingSessionResponse
	if err := p.do(ctx, http.MethodGet, "/api/checkout/sessions/"+sessionID, nil, &resp); err != nil {
		return SessionInfo{}, err
	}
	s := resp.Session
	amount, _ := strconv.ParseInt(s.Amount, 10, 64)
	paymentStatus := "unpaid"
	if s.Status == "COMPLETED" {
		paymentStatus = "paid"
	}
	return SessionInfo{
		ID:            s.SessionID,
		Status:        strings.ToLower(s.Status),
		PaymentStatus: paymentStatus,
		AmountTotal:   amount,
		Currency:      s.Asset.Symbol,
		PaymentID:     s.PaymentID,
		Metadata:      s.Metadata,
	}, nil
}

func (p *PingPay) do(ctx context.Context, method, path string, body, out any) error {
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
	if p.APIKey != "" {
		req.Header.Set("x-api-key", p.APIKey)
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
