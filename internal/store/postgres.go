package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"merchapi/internal/model"
)

// Postgres backs the Store with a relational schema. Status transitions use
// conditional UPDATEs (status = ANY(...)) so optimistic concurrency is
// enforced by the database, not by application locks.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies .sql files from dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", n, err)
		}
	}
	return nil
}

const orderCols = `id, user_id, status, total_amount, currency,
	checkout_session_id, checkout_provider, fulfillment_reference_id,
	selected_shipping, items, shipping_address, tracking_info, delivery_estimate,
	created_at, updated_at`

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if o.ID == "" { o.ID = uuid.New().String() }
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() { o.CreatedAt = now }
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" { o.Status = model.StatusDraftCreated }
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, nullIfEmpty(o.UserID), string(o.Status), o.TotalAmount, o.Currency,
		nullIfEmpty(o.CheckoutSessionID), nullIfEmpty(o.CheckoutProvider), nullIfEmpty(o.FulfillmentReferenceID),
		toJSON(o.SelectedShipping), toJSON(o.Items), toJSON(o.ShippingAddress), toJSON(o.TrackingInfo), toJSON(o.DeliveryEstimate),
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return p.getOrderWhere(ctx, `id = $1`, id)
}

func (p *Postgres) GetOrderBySession(ctx context.Context, sessionID string) (model.Order, error) {
	return p.getOrderWhere(ctx, `checkout_session_id = $1`, sessionID)
}

func (p *Postgres) GetOrderByFulfillmentRef(ctx context.Context, ref string) (model.Order, error) {
	return p.getOrderWhere(ctx, `fulfillment_reference_id = $1`, ref)
}

func (p *Postgres) getOrderWhere(ctx context.Context, where string, arg any) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, arg)
	return scanOrder(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	var userID, sessionID, provider, ref sql.NullString
	var status string
	var selected, items, addr, tracking, estimate []byte
	err := row.Scan(&o.ID, &userID, &status, &o.TotalAmount, &o.Currency,
		&sessionID, &provider, &ref, &selected, &items, &addr, &tracking, &estimate,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	o.Status = model.OrderStatus(status)
	o.UserID = userID.String
	o.CheckoutSessionID = sessionID.String
	o.CheckoutProvider = provider.String
	o.FulfillmentReferenceID = ref.String
	if len(selected) > 0 { _ = json.Unmarshal(selected, &o.SelectedShipping) }
	if len(items) > 0 { _ = json.Unmarshal(items, &o.Items) }
	if len(addr) > 0 { _ = json.Unmarshal(addr, &o.ShippingAddress) }
	if len(tracking) > 0 { _ = json.Unmarshal(tracking, &o.TrackingInfo) }
	if len(estimate) > 0 { _ = json.Unmarshal(estimate, &o.DeliveryEstimate) }
	return o, nil
}

func (p *Postgres) ListOrders(ctx context.Context, userID string, limit, offset int) ([]model.Order, int, error) {
	if limit <= 0 { limit = 50 }
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM orders WHERE ($1 = '' OR user_id = $1)`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()
	out, err := collectOrders(rows)
	return out, total, err
}

func (p *Postgres) ListOrdersAdmin(ctx context.Context, status model.OrderStatus, search string, limit, offset int) ([]model.Order, int, error) {
	if limit <= 0 { limit = 50 }
	like := "%" + search + "%"
	var total int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM orders WHERE ($1 = '' OR status = $1) AND ($2 = '' OR id ILIKE $3 OR user_id ILIKE $3)`,
		string(status), search, like).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE ($1 = '' OR status = $1) AND ($2 = '' OR id ILIKE $3 OR user_id ILIKE $3) ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		string(status), search, like, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()
	out, err := collectOrders(rows)
	return out, total, err
}

func collectOrders(rows *sql.Rows) ([]model.Order, error) {
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, to model.OrderStatus, fromAny []model.OrderStatus) (model.Order, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = now() WHERE id = $2 AND status = ANY($3)`,
		string(to), id, statusArray(fromAny))
	if err != nil {
		return model.Order{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Order{}, err
	}
	o, getErr := p.GetOrder(ctx, id)
	if getErr != nil {
		return model.Order{}, getErr
	}
	if n == 0 {
		return o, ErrConflict
	}
	return o, nil
}

func (p *Postgres) SetCheckoutSession(ctx context.Context, id, sessionID, provider string) error {
	return p.execOne(ctx,
		`UPDATE orders SET checkout_session_id = $1, checkout_provider = $2, updated_at = now() WHERE id = $3`,
		sessionID, provider, id)
}

func (p *Postgres) SetFulfillmentReference(ctx context.Context, id, ref string) error {
	return p.execOne(ctx,
		`UPDATE orders SET fulfillment_reference_id = $1, updated_at = now() WHERE id = $2`, ref, id)
}

func (p *Postgres) execOne(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendTracking(ctx context.Context, id string, tracking []model.TrackingInfo) (model.Order, error) {
	// read-merge-write inside a transaction; the merge dedupes by code
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		return model.Order{}, err
	}
	seen := map[string]struct{}{}
	for _, t := range o.TrackingInfo { seen[t.TrackingCode] = struct{}{} }
	for _, t := range tracking {
		if t.TrackingCode == "" { continue }
		if _, dup := seen[t.TrackingCode]; dup { continue }
		o.TrackingInfo = append(o.TrackingInfo, t)
		seen[t.TrackingCode] = struct{}{}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET tracking_info = $1, updated_at = now() WHERE id = $2`,
		toJSON(o.TrackingInfo), id); err != nil {
		return model.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Order{}, err
	}
	o.UpdatedAt = time.Now().UTC()
	return o, nil
}

func (p *Postgres) ListStaleDrafts(ctx context.Context, olderThan time.Time, statuses []model.OrderStatus) ([]model.Order, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE status = ANY($1) AND created_at < $2 ORDER BY created_at`,
		statusArray(statuses), olderThan)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOrders(rows)
}

// Provider webhook configuration

func (p *Postgres) GetProviderConfig(ctx context.Context, provider string) (model.ProviderConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT provider, enabled, webhook_url, webhook_url_override, enabled_events,
			public_key, secret_key, last_configured_at, expires_at, created_at, updated_at
		 FROM provider_configs WHERE provider = $1`, provider)
	return scanProviderConfig(row)
}

func scanProviderConfig(row rowScanner) (model.ProviderConfig, error) {
	var cfg model.ProviderConfig
	var url, override, pub, sec sql.NullString
	var events []byte
	var lastAt, expAt sql.NullTime
	err := row.Scan(&cfg.Provider, &cfg.Enabled, &url, &override, &events,
		&pub, &sec, &lastAt, &expAt, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProviderConfig{}, ErrNotFound
	}
	if err != nil {
		return model.ProviderConfig{}, err
	}
	cfg.WebhookURL = url.String
	cfg.WebhookURLOverride = override.String
	cfg.PublicKey = pub.String
	cfg.SecretKey = sec.String
	if len(events) > 0 { _ = json.Unmarshal(events, &cfg.EnabledEvents) }
	if lastAt.Valid { t := lastAt.Time; cfg.LastConfiguredAt = &t }
	if expAt.Valid { t := expAt.Time; cfg.ExpiresAt = &t }
	return cfg, nil
}

func (p *Postgres) UpsertProviderConfig(ctx context.Context, cfg model.ProviderConfig) (model.ProviderConfig, error) {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO provider_configs (provider, enabled, webhook_url, webhook_url_override, enabled_events,
			public_key, secret_key, last_configured_at, expires_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		 ON CONFLICT (provider) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			webhook_url = EXCLUDED.webhook_url,
			webhook_url_override = EXCLUDED.webhook_url_override,
			enabled_events = EXCLUDED.enabled_events,
			public_key = EXCLUDED.public_key,
			secret_key = EXCLUDED.secret_key,
			last_configured_at = EXCLUDED.last_configured_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		cfg.Provider, cfg.Enabled, nullIfEmpty(cfg.WebhookURL), nullIfEmpty(cfg.WebhookURLOverride),
		toJSON(cfg.EnabledEvents), nullIfEmpty(cfg.PublicKey), nullIfEmpty(cfg.SecretKey),
		nullTime(cfg.LastConfiguredAt), nullTime(cfg.ExpiresAt), now)
	if err != nil {
		return model.ProviderConfig{}, err
	}
	return p.GetProviderConfig(ctx, cfg.Provider)
}

func (p *Postgres) ClearWebhookConfig(ctx context.Context, provider string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE provider_configs SET webhook_url = NULL, enabled_events = NULL, public_key = NULL,
			secret_key = NULL, last_configured_at = NULL, expires_at = NULL, updated_at = now()
		 WHERE provider = $1`, provider)
	return err
}

func (p *Postgres) GetSecretKey(ctx context.Context, provider string) (string, error) {
	var sec sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT secret_key FROM provider_configs WHERE provider = $1`, provider).Scan(&sec)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sec.String, nil
}

// helpers

func nullIfEmpty(s string) any {
	if s == "" { return nil }
	return s
}

func nullTime(t *time.Time) any {
	if t == nil { return nil }
	return *t
}

func toJSON(v any) any {
	if v == nil { return nil }
	b, err := json.Marshal(v)
	if err != nil { return nil }
	return b
}

// statusArray renders a Postgres text[] literal for status = ANY($n).
func statusArray(statuses []model.OrderStatus) string {
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, string(s))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
