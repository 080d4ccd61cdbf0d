// Package reaper cancels abandoned checkout drafts: orders that never made it
// past payment within the configured age.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"merchapi/internal/metrics"
	"merchapi/internal/model"
	"merchapi/internal/providers"
	"merchapi/internal/store"
	"merchapi/internal/webhooks"
)

// ReapError records one provider cancellation failure for one order.
type ReapError struct {
	OrderID  string `json:"orderId"`
	Provider string `json:"provider,omitempty"`
	Err      string `json:"error"`
}

// Result is the cleanup tally. TotalProcessed always equals
// Cancelled + PartiallyCancelled + Failed.
type Result struct {
	TotalProcessed     int         `json:"totalProcessed"`
	Cancelled          int         `json:"cancelled"`
	PartiallyCancelled int         `json:"partiallyCancelled"`
	Failed             int         `json:"failed"`
	Errors             []ReapError `json:"errors,omitempty"`
}

// Reaper periodically collects stale drafts. One Reaper runs per process;
// concurrent runs against the same store stay safe because every status write
// is conditional.
type Reaper struct {
	Store    store.Store
	Registry *providers.Registry
	// Publisher receives a status event for every order the reaper
	// transitions, so live subscribers see the cancellation and close.
	Publisher webhooks.StatusPublisher
	MaxAge    time.Duration
	Interval  time.Duration
	Stop      chan struct{}
}

func New(s store.Store, reg *providers.Registry, maxAge, interval time.Duration) *Reaper {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{Store: s, Registry: reg, MaxAge: maxAge, Interval: interval, Stop: make(chan struct{})}
}

// Start runs cleanup on a ticker until Stop is closed.
func (r *Reaper) Start() {
	go func() {
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				res, err := r.CleanupAbandonedDrafts(ctx, r.MaxAge)
				cancel()
				if err != nil {
					log.Printf("[reaper] cleanup failed: %v", err)
					continue
				}
				if res.TotalProcessed > 0 {
					log.Printf("[reaper] processed=%d cancelled=%d partial=%d failed=%d",
						res.TotalProcessed, res.Cancelled, res.PartiallyCancelled, res.Failed)
				}
			}
		}
	}()
}

// CleanupAbandonedDrafts cancels every pre-payment order older than maxAge.
// Orders are isolated from each other: one order's provider failure never
// stops the sweep.
func (r *Reaper) CleanupAbandonedDrafts(ctx context.Context, maxAge time.Duration) (Result, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	drafts, err := r.Store.ListStaleDrafts(ctx, cutoff, model.PaymentEligible())
	if err != nil {
		return Result{}, fmt.Errorf("list stale drafts: %w", err)
	}

	var res Result
	for _, order := range drafts {
		res.TotalProcessed++
		outcome, errs := r.reapOne(ctx, order)
		res.Errors = append(res.Errors, errs...)
		switch outcome {
		case model.StatusCancelled:
			res.Cancelled++
		case model.StatusPartiallyCancelled:
			res.PartiallyCancelled++
		default:
			res.Failed++
		}
		metrics.ReaperOrders.WithLabelValues(string(outcome)).Inc()
	}
	return res, nil
}

// reapOne decides the order's final status. A draft that never reached a
// vendor cancels locally; one with a fulfillment reference has sub-orders to
// cancel at each represented provider first.
func (r *Reaper) reapOne(ctx context.Context, order model.Order) (model.OrderStatus, []ReapError) {
	if order.FulfillmentReferenceID == "" {
		return r.finish(ctx, order, model.StatusCancelled, nil)
	}

	names := map[string]struct{}{}
	for _, it := range order.Items {
		if it.FulfillmentProvider != "" && it.FulfillmentProvider != model.ProviderManual {
			names[it.FulfillmentProvider] = struct{}{}
		}
	}
	if len(names) == 0 {
		return r.finish(ctx, order, model.StatusCancelled, nil)
	}

	var wg sync.WaitGroup
	errCh := make(chan ReapError, len(names))
	attempted := 0
	for name := range names {
		f, ok := r.Registry.Fulfillment(name)
		if !ok {
			errCh <- ReapError{OrderID: order.ID, Provider: name, Err: "provider not configured"}
			attempted++
			continue
		}
		attempted++
		wg.Add(1)
		go func(name string, f providers.Fulfillment) {
			defer wg.Done()
			if err := f.CancelOrder(ctx, order.ID); err != nil {
				errCh <- ReapError{OrderID: order.ID, Provider: name, Err: err.Error()}
			}
		}(name, f)
	}
	wg.Wait()
	close(errCh)

	var errs []ReapError
	for e := range errCh {
		errs = append(errs, e)
	}
	switch {
	case len(errs) == 0:
		return r.finish(ctx, order, model.StatusCancelled, errs)
	case len(errs) < attempted:
		return r.finish(ctx, order, model.StatusPartiallyCancelled, errs)
	default:
		return r.finish(ctx, order, model.StatusFailed, errs)
	}
}

func (r *Reaper) finish(ctx context.Context, order model.Order, to model.OrderStatus, errs []ReapError) (model.OrderStatus, []ReapError) {
	updated, err := r.Store.UpdateOrderStatus(ctx, order.ID, to, model.PaymentEligible())
	if err != nil {
		// Lost to a concurrent payment or webhook; count it as failed rather
		// than guessing, the next sweep will skip it.
		errs = append(errs, ReapError{OrderID: order.ID, Err: "status update: " + err.Error()})
		return model.StatusFailed, errs
	}
	r.publish(updated)
	return to, errs
}

func (r *Reaper) publish(order model.Order) {
	if r.Publisher == nil || order.CheckoutSessionID == "" {
		return
	}
	r.Publisher.Publish(order.CheckoutSessionID, model.StatusEvent{
		Status:       order.Status,
		TrackingInfo: order.TrackingInfo,
		UpdatedAt:    order.UpdatedAt.UTC(),
	})
}
