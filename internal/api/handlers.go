package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"merchapi/internal/buildinfo"
	"merchapi/internal/checkout"
	"merchapi/internal/model"
	"merchapi/internal/providers"
	"merchapi/internal/store"
	"merchapi/internal/webhooks"
)

// QuoteHandler prices a cart: POST /v1/quote
func (s *Server) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Items           []model.QuoteItem     `json:"items"`
		ShippingAddress model.ShippingAddress `json:"shippingAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	quote, _, err := s.Quotes.Quote(r.Context(), req.Items, req.ShippingAddress)
	if err != nil {
		var qErr *checkout.QuoteError
		if errors.As(err, &qErr) {
			writeProblem(w, http.StatusBadGateway, "Quote failed", qErr.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Quote failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// CheckoutHandler creates a draft order and payment session: POST /v1/checkout
func (s *Server) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	// Identity comes from auth, not the request body.
	req.UserID = s.getPrincipal(r).UserID

	resp, err := s.Checkout.Checkout(r.Context(), req)
	if err != nil {
		var cErr *checkout.CheckoutError
		if errors.As(err, &cErr) {
			switch cErr.Stage {
			case "validate":
				writeProblem(w, http.StatusBadRequest, "Checkout rejected", cErr.Error(), r.URL.Path)
			case "rates", "session":
				writeProblem(w, http.StatusBadGateway, "Checkout failed", cErr.Error(), r.URL.Path)
			default:
				writeProblem(w, http.StatusInternalServerError, "Checkout failed", cErr.Error(), r.URL.Path)
			}
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Checkout failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// OrdersHandler lists the caller's orders: GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if p.UserID == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "user identity required", r.URL.Path)
		return
	}
	limit, offset := pagination(r)
	orders, total, err := s.Store.ListOrders(r.Context(), p.UserID, limit, offset)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "total": total})
}

// OrderByIDHandler serves GET /v1/orders/{id}.
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	order, err := s.Store.GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Order not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() && order.UserID != "" && order.UserID != p.UserID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "not your order", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// OrderBySessionHandler serves GET /v1/orders/by-session/{sessionId}.
// Lookups for sessions that have no order yet answer {"order": null} so
// post-payment pages can poll without special-casing 404s.
func (s *Server) OrderBySessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/v1/orders/by-session/")
	if sessionID == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing session id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	order, err := s.Store.GetOrderBySession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"order": nil})
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// AdminOrdersHandler lists all orders with filters: GET /v1/admin/orders
func (s *Server) AdminOrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	status := model.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeProblem(w, http.StatusBadRequest, "Invalid status", string(status), r.URL.Path)
		return
	}
	limit, offset := pagination(r)
	orders, total, err := s.Store.ListOrdersAdmin(r.Context(), status, r.URL.Query().Get("search"), limit, offset)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "total": total})
}

// WebhookHandler takes raw provider deliveries: POST /v1/webhooks/{provider}
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if provider == "" || strings.Contains(provider, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown provider", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Read failed", err.Error(), r.URL.Path)
		return
	}
	signature, timestamp := signatureHeaders(provider, r)
	receipt, err := s.Dispatcher.Handle(r.Context(), provider, body, signature, timestamp)
	if err != nil {
		var sigErr *webhooks.SignatureError
		var parseErr *webhooks.ParseError
		switch {
		case errors.As(err, &sigErr):
			writeProblem(w, http.StatusUnauthorized, "Invalid signature", sigErr.Error(), r.URL.Path)
		case errors.As(err, &parseErr):
			writeProblem(w, http.StatusBadRequest, "Invalid payload", parseErr.Error(), r.URL.Path)
		default:
			writeProblem(w, http.StatusInternalServerError, "Webhook failed", err.Error(), r.URL.Path)
		}
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func signatureHeaders(provider string, r *http.Request) (signature, timestamp string) {
	switch provider {
	case model.ProviderPingPay:
		return r.Header.Get("x-ping-signature"), r.Header.Get("x-ping-timestamp")
	case model.ProviderPrintful:
		return r.Header.Get("x-pf-signature"), r.Header.Get("x-pf-timestamp")
	case model.ProviderGelato:
		return r.Header.Get("x-gelato-signature"), r.Header.Get("x-gelato-timestamp")
	}
	return r.Header.Get("x-signature"), r.Header.Get("x-timestamp")
}

// CronCleanupHandler runs the draft reaper on demand: POST /cron/cleanup-drafts
func (s *Server) CronCleanupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	var req struct {
		MaxAgeHours int `json:"maxAgeHours"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means defaults
	}
	maxAge := s.Reaper.MaxAge
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours) * time.Hour
	}
	res, err := s.Reaper.CleanupAbandonedDrafts(r.Context(), maxAge)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Cleanup failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdminProviderHandler manages fulfillment provider webhook configuration:
//
//	GET    /v1/admin/providers/{provider}/webhook
//	POST   /v1/admin/providers/{provider}/webhook
//	DELETE /v1/admin/providers/{provider}/webhook
//	POST   /v1/admin/providers/{provider}/test
func (s *Server) AdminProviderHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/providers/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	name, action := parts[0], parts[1]
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	f, ok := s.Registry.Fulfillment(name)
	if !ok {
		writeProblem(w, http.StatusNotFound, "Unknown provider", name, r.URL.Path)
		return
	}

	switch {
	case action == "webhook" && r.Method == http.MethodGet:
		cfg, err := s.Store.GetProviderConfig(r.Context(), name)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"config": nil})
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get config failed", err.Error(), r.URL.Path)
			return
		}
		cfg.SecretKey = "" // never echo secrets
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})

	case action == "webhook" && r.Method == http.MethodPost:
		var req struct {
			URLOverride string   `json:"urlOverride,omitempty"`
			Events      []string `json:"events,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		url := req.URLOverride
		if url == "" {
			if s.PublicBaseURL == "" {
				writeProblem(w, http.StatusBadRequest, "No webhook URL", "set urlOverride or PUBLIC_BASE_URL", r.URL.Path)
				return
			}
			url = s.PublicBaseURL + "/v1/webhooks/" + name
		}
		setup, err := f.ConfigureWebhook(r.Context(), url, req.Events)
		if err != nil {
			writeProviderError(w, r, err)
			return
		}
		now := time.Now().UTC()
		cfg, err := s.Store.UpsertProviderConfig(r.Context(), model.ProviderConfig{
			Provider:           name,
			Enabled:            true,
			WebhookURL:         setup.URL,
			WebhookURLOverride: req.URLOverride,
			EnabledEvents:      setup.Events,
			PublicKey:          setup.PublicKey,
			SecretKey:          setup.SecretKey,
			LastConfiguredAt:   &now,
			ExpiresAt:          setup.ExpiresAt,
		})
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save config failed", err.Error(), r.URL.Path)
			return
		}
		cfg.SecretKey = ""
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})

	case action == "webhook" && r.Method == http.MethodDelete:
		if err := f.DisableWebhook(r.Context()); err != nil {
			writeProviderError(w, r, err)
			return
		}
		if err := s.Store.ClearWebhookConfig(r.Context(), name); err != nil && !errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusInternalServerError, "Clear config failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "test" && r.Method == http.MethodPost:
		if err := f.TestConnection(r.Context()); err != nil {
			writeProviderError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"provider": name, "status": "ok"})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeProviderError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		writeProblem(w, http.StatusBadGateway, "Provider error", apiErr.Error(), r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, "Provider call failed", err.Error(), r.URL.Path)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using the Postgres store
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if pg, ok := s.Store.(pinger); ok {
		if err := pg.Ping(r.Context()); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
