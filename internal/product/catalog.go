// Package product is the catalog resolution boundary. The storefront's
// catalog sync pipeline lives outside this service; checkout only needs
// productId/variantId to resolve to a price, a name, and a fulfillment
// provider.
package product

import (
	"context"
	"errors"
	"sync"
)

// Resolved is what checkout needs to know about a cart line.
type Resolved struct {
	ProductID           string
	VariantID           string
	Name                string
	UnitPrice           int64 // cents
	Currency            string
	FulfillmentProvider string
}

// Service resolves cart items against the catalog.
type Service interface {
	Resolve(ctx context.Context, productID, variantID string) (Resolved, error)
}

var ErrUnknownProduct = errors.New("unknown product or variant")

// Static is an in-memory Service seeded at construction; used in dev and
// tests until the catalog service is wired.
type Static struct {
	mu    sync.RWMutex
	items map[string]Resolved // productID/variantID -> resolved
}

func NewStatic() *Static {
	return &Static{items: map[string]Resolved{}}
}

func key(productID, variantID string) string { return productID + "/" + variantID }

// Seed registers or replaces a catalog entry.
func (s *Static) Seed(r Resolved) {
	s.mu.Lock()
	s.items[key(r.ProductID, r.VariantID)] = r
	s.mu.Unlock()
}

func (s *Static) Resolve(ctx context.Context, productID, variantID string) (Resolved, error) {
	s.mu.RLock()
	r, ok := s.items[key(productID, variantID)]
	s.mu.RUnlock()
	if !ok {
		return Resolved{}, ErrUnknownProduct
	}
	return r, nil
}
