// Package checkout turns a cart into a priced quote and then into a draft
// order with an external payment session.
package checkout

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"merchapi/internal/metrics"
	"merchapi/internal/model"
	"merchapi/internal/product"
	"merchapi/internal/providers"
)

// QuoteError fails the whole quote: shipping is all-or-nothing, a cart with
// an unpriceable provider cannot check out.
type QuoteError struct {
	Provider string
	Err      error
}

func (e *QuoteError) Error() string {
	return fmt.Sprintf("quote %s: %v", e.Provider, e.Err)
}

func (e *QuoteError) Unwrap() error { return e.Err }

// Aggregator prices a cart across every fulfillment provider it touches.
type Aggregator struct {
	Products product.Service
	Registry *providers.Registry
	// TaxRate is a flat fraction applied to the subtotal, e.g. 0.08.
	TaxRate float64
}

// Quote resolves the cart, fans out one shipping-rates call per fulfillment
// provider, and picks the cheapest rate from each. The resolved order items
// are returned alongside so checkout does not resolve twice.
func (a *Aggregator) Quote(ctx context.Context, items []model.QuoteItem, addr model.ShippingAddress) (model.Quote, []model.OrderItem, error) {
	start := time.Now()
	defer func() { metrics.QuoteDuration.Observe(time.Since(start).Seconds()) }()

	resolved, err := a.resolveItems(ctx, items)
	if err != nil {
		return model.Quote{}, nil, err
	}

	byProvider := map[string][]model.OrderItem{}
	var subtotal int64
	for _, it := range resolved {
		subtotal += it.UnitPrice * int64(it.Quantity)
		byProvider[it.FulfillmentProvider] = append(byProvider[it.FulfillmentProvider], it)
	}

	type result struct {
		provider string
		rate     model.ShippingRate
		err      error
	}
	results := make(chan result, len(byProvider))
	var wg sync.WaitGroup
	for name, sub := range byProvider {
		f, ok := a.Registry.Fulfillment(name)
		if !ok {
			results <- result{provider: name, err: fmt.Errorf("fulfillment provider not configured")}
			continue
		}
		wg.Add(1)
		go func(name string, f providers.Fulfillment, sub []model.OrderItem) {
			defer wg.Done()
			rates, err := f.ShippingRates(ctx, sub, addr)
			if err != nil {
				results <- result{provider: name, err: err}
				return
			}
			if len(rates) == 0 {
				results <- result{provider: name, err: fmt.Errorf("no shipping rates returned")}
				return
			}
			results <- result{provider: name, rate: cheapest(rates)}
		}(name, f, sub)
	}
	wg.Wait()
	close(results)

	quote := model.Quote{Subtotal: subtotal}
	for r := range results {
		if r.err != nil {
			return model.Quote{}, nil, &QuoteError{Provider: r.provider, Err: r.err}
		}
		quote.ProviderBreakdown = append(quote.ProviderBreakdown, model.ProviderQuote{
			Provider:         r.provider,
			SelectedShipping: r.rate,
		})
		quote.ShippingCost += r.rate.Cost
	}
	sort.Slice(quote.ProviderBreakdown, func(i, j int) bool {
		return quote.ProviderBreakdown[i].Provider < quote.ProviderBreakdown[j].Provider
	})

	quote.Tax = int64(math.Round(float64(subtotal) * a.TaxRate))
	quote.Total = quote.Subtotal + quote.ShippingCost + quote.Tax
	return quote, resolved, nil
}

func (a *Aggregator) resolveItems(ctx context.Context, items []model.QuoteItem) ([]model.OrderItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty cart")
	}
	out := make([]model.OrderItem, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("item %s/%s: quantity must be positive", it.ProductID, it.VariantID)
		}
		r, err := a.Products.Resolve(ctx, it.ProductID, it.VariantID)
		if err != nil {
			return nil, fmt.Errorf("item %s/%s: %w", it.ProductID, it.VariantID, err)
		}
		out = append(out, model.OrderItem{
			ProductID:           r.ProductID,
			VariantID:           r.VariantID,
			Quantity:            it.Quantity,
			ProductName:         r.Name,
			UnitPrice:           r.UnitPrice,
			FulfillmentProvider: r.FulfillmentProvider,
		})
	}
	return out, nil
}

// cheapest returns the lowest-cost rate; the first listed wins ties.
func cheapest(rates []model.ShippingRate) model.ShippingRate {
	best := rates[0]
	for _, r := range rates[1:] {
		if r.Cost < best.Cost {
			best = r
		}
	}
	return best
}
