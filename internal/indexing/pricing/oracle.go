// Package pricing defines the price oracle collaborator. The pipeline only
// consumes this contract; real price feeds plug in from outside.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Price is a USD valuation with provenance.
type Price struct {
	USD    decimal.Decimal
	Source string
}

// Oracle resolves a token's USD price at a point in time. A missing price is
// not an error: the second return is false and the caller writes null USD
// columns, queryable for later backfill.
type Oracle interface {
	PriceAt(ctx context.Context, tokenAddress string, ts time.Time) (Price, bool, error)
}

// Unavailable is an oracle that never has a price.
type Unavailable struct{}

// PriceAt always reports no price.
func (Unavailable) PriceAt(ctx context.Context, tokenAddress string, ts time.Time) (Price, bool, error) {
	return Price{}, false, nil
}

// Fixed serves prices from a static table, keyed by lowercase token address.
// Intended for tests and development.
type Fixed struct {
	Prices map[string]decimal.Decimal
	Source string
}

// PriceAt looks up the static table.
func (f Fixed) PriceAt(ctx context.Context, tokenAddress string, ts time.Time) (Price, bool, error) {
	p, ok := f.Prices[tokenAddress]
	if !ok {
		return Price{}, false, nil
	}
	source := f.Source
	if source == "" {
		source = "fixed"
	}
	return Price{USD: p, Source: source}, true, nil
}
