package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"merchapi/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	orders    map[string]model.Order // id -> order
	bySession map[string]string      // checkoutSessionId -> order id
	byRef     map[string]string      // fulfillmentReferenceId -> order id
	ids       []string               // insertion order, for stable listings
	providers map[string]model.ProviderConfig
}

func NewMemory() *Memory {
	return &Memory{
		orders:    map[string]model.Order{},
		bySession: map[string]string{},
		byRef:     map[string]string{},
		providers: map[string]model.ProviderConfig{},
	}
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if o.ID == "" { o.ID = uuid.New().String() }
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() { o.CreatedAt = now }
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" { o.Status = model.StatusDraftCreated }
	m.orders[o.ID] = o
	m.ids = append(m.ids, o.ID)
	if o.CheckoutSessionID != "" { m.bySession[o.CheckoutSessionID] = o.ID }
	if o.FulfillmentReferenceID != "" { m.byRef[o.FulfillmentReferenceID] = o.ID }
	return o, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return model.Order{}, ErrNotFound }
	return o, nil
}

func (m *Memory) GetOrderBySession(ctx context.Context, sessionID string) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok { return model.Order{}, ErrNotFound }
	return m.orders[id], nil
}

func (m *Memory) GetOrderByFulfillmentRef(ctx context.Context, ref string) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id, ok := m.byRef[ref]
	if !ok { return model.Order{}, ErrNotFound }
	return m.orders[id], nil
}

func (m *Memory) ListOrders(ctx context.Context, userID string, limit, offset int) ([]model.Order, int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	all := []model.Order{}
	for _, id := range m.ids {
		o := m.orders[id]
		if userID == "" || o.UserID == userID { all = append(all, o) }
	}
	// newest first
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (m *Memory) ListOrdersAdmin(ctx context.Context, status model.OrderStatus, search string, limit, offset int) ([]model.Order, int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	all := []model.Order{}
	q := strings.ToLower(search)
	for _, id := range m.ids {
		o := m.orders[id]
		if status != "" && o.Status != status { continue }
		if q != "" && !strings.Contains(strings.ToLower(o.ID), q) && !strings.Contains(strings.ToLower(o.UserID), q) {
			continue
		}
		all = append(all, o)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func page(all []model.Order, limit, offset int) []model.Order {
	if limit <= 0 { limit = 50 }
	if offset < 0 { offset = 0 }
	if offset >= len(all) { return []model.Order{} }
	end := offset + limit
	if end > len(all) { end = len(all) }
	return append([]model.Order(nil), all[offset:end]...)
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, id string, to model.OrderStatus, fromAny []model.OrderStatus) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return model.Order{}, ErrNotFound }
	allowed := false
	for _, s := range fromAny {
		if o.Status == s { allowed = true; break }
	}
	if !allowed { return o, ErrConflict }
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return o, nil
}

func (m *Memory) SetCheckoutSession(ctx context.Context, id, sessionID, provider string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return ErrNotFound }
	o.CheckoutSessionID = sessionID
	o.CheckoutProvider = provider
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	m.bySession[sessionID] = id
	return nil
}

func (m *Memory) SetFulfillmentReference(ctx context.Context, id, ref string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return ErrNotFound }
	o.FulfillmentReferenceID = ref
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	m.byRef[ref] = id
	return nil
}

func (m *Memory) AppendTracking(ctx context.Context, id string, tracking []model.TrackingInfo) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return model.Order{}, ErrNotFound }
	seen := map[string]struct{}{}
	for _, t := range o.TrackingInfo { seen[t.TrackingCode] = struct{}{} }
	for _, t := range tracking {
		if t.TrackingCode == "" { continue }
		if _, dup := seen[t.TrackingCode]; dup { continue }
		o.TrackingInfo = append(o.TrackingInfo, t)
		seen[t.TrackingCode] = struct{}{}
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return o, nil
}

func (m *Memory) ListStaleDrafts(ctx context.Context, olderThan time.Time, statuses []model.OrderStatus) ([]model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	match := map[model.OrderStatus]struct{}{}
	for _, s := range statuses { match[s] = struct{}{} }
	out := []model.Order{}
	for _, id := range m.ids {
		o := m.orders[id]
		if _, ok := match[o.Status]; !ok { continue }
		if !o.CreatedAt.Before(olderThan) { continue }
		out = append(out, o)
	}
	return out, nil
}

// Provider webhook configuration

func (m *Memory) GetProviderConfig(ctx context.Context, provider string) (model.ProviderConfig, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	cfg, ok := m.providers[provider]
	if !ok { return model.ProviderConfig{}, ErrNotFound }
	return cfg, nil
}

func (m *Memory) UpsertProviderConfig(ctx context.Context, cfg model.ProviderConfig) (model.ProviderConfig, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.providers[cfg.Provider]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	m.providers[cfg.Provider] = cfg
	return cfg, nil
}

func (m *Memory) ClearWebhookConfig(ctx context.Context, provider string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	cfg, ok := m.providers[provider]
	if !ok { return nil }
	cfg.WebhookURL = ""
	cfg.EnabledEvents = nil
	cfg.PublicKey = ""
	cfg.SecretKey = ""
	cfg.LastConfiguredAt = nil
	cfg.ExpiresAt = nil
	cfg.UpdatedAt = time.Now().UTC()
	m.providers[provider] = cfg
	return nil
}

func (m *Memory) GetSecretKey(ctx context.Context, provider string) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	cfg, ok := m.providers[provider]
	if !ok { return "", nil }
	return cfg.SecretKey, nil
}
