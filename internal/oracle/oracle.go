// Package oracle defines the price oracle abstraction the engine depends
// on, plus the concrete price sources: a static in-process feed for
// development and tests, an HTTP feed client, and a Redis read-through
// cache that can wrap either.
//
// Prices are USD per whole token at a fixed scale of model.PriceScale (6)
// decimal places. The scale is part of the contract: value math downstream
// assumes it and never mixes scales.
package oracle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/model"
)

var (
	// ErrUnavailable is returned when the upstream price source cannot be
	// reached, including deadline expiry. Transient: the caller may retry
	// the whole request.
	ErrUnavailable = errors.New("oracle: price source unavailable")

	// ErrNoFeed is returned when the asset has no configured price feed.
	ErrNoFeed = errors.New("oracle: no price feed for asset")

	// ErrInvalidPrice is returned when the upstream reports a negative or
	// unparseable price.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// PriceOracle returns the current unit price of an asset, scaled to
// model.PriceScale decimal places. Implementations must be safe for
// concurrent use: the engine prices collateral and the borrow target in
// the same validation pass without serializing lookups.
type PriceOracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// normalize validates a price and pins it to the fixed scale.
func normalize(p decimal.Decimal) (decimal.Decimal, error) {
	if p.IsNegative() {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	return p.Round(model.PriceScale), nil
}
