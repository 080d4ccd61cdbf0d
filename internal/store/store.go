package store

import (
	"context"
	"errors"
	"time"

	"merchapi/internal/model"
)

// Store is the persistence boundary for orders and provider configuration.
// All status mutations are conditional on the order's current status so that
// racing webhook deliveries and reaper ticks resolve deterministically.
type Store interface {
	// Orders
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (model.Order, error)
	GetOrderByFulfillmentRef(ctx context.Context, ref string) (model.Order, error)
	ListOrders(ctx context.Context, userID string, limit, offset int) ([]model.Order, int, error)
	ListOrdersAdmin(ctx context.Context, status model.OrderStatus, search string, limit, offset int) ([]model.Order, int, error)

	// UpdateOrderStatus applies a conditional transition: the write succeeds
	// only while the order's current status is one of fromAny, otherwise
	// ErrConflict. Callers re-read and decide whether the transition was
	// subsumed by a later state.
	UpdateOrderStatus(ctx context.Context, id string, to model.OrderStatus, fromAny []model.OrderStatus) (model.Order, error)

	SetCheckoutSession(ctx context.Context, id, sessionID, provider string) error
	SetFulfillmentReference(ctx context.Context, id, ref string) error
	// AppendTracking adds entries deduplicated by tracking code.
	AppendTracking(ctx context.Context, id string, tracking []model.TrackingInfo) (model.Order, error)
	ListStaleDrafts(ctx context.Context, olderThan time.Time, statuses []model.OrderStatus) ([]model.Order, error)

	// Provider webhook configuration
	GetProviderConfig(ctx context.Context, provider string) (model.ProviderConfig, error)
	UpsertProviderConfig(ctx context.Context, cfg model.ProviderConfig) (model.ProviderConfig, error)
	ClearWebhookConfig(ctx context.Context, provider string) error
	GetSecretKey(ctx context.Context, provider string) (string, error)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a conditional update losing to a concurrent writer.
	ErrConflict = errors.New("status conflict")
)
