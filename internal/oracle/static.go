package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticOracle serves prices from an in-memory map. Used for development
// (no ORACLE_URL configured) and in tests, where prices need to be moved
// deterministically mid-scenario.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates a static oracle with the given initial prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	cp := make(map[string]decimal.Decimal, len(prices))
	for sym, p := range prices {
		cp[sym] = p
	}
	return &StaticOracle{prices: cp}
}

// DevPrices returns the built-in development price set matching the
// default registry.
func DevPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USDC": decimal.NewFromInt(1),
		"DAI":  decimal.NewFromInt(1),
		"ETH":  decimal.NewFromInt(2500),
		"WBTC": decimal.NewFromInt(60000),
	}
}

// Price implements PriceOracle.
func (o *StaticOracle) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	o.mu.RLock()
	p, ok := o.prices[symbol]
	o.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNoFeed, symbol)
	}
	return normalize(p)
}

// SetPrice updates the price for symbol. Test helper for moving prices
// between requests.
func (o *StaticOracle) SetPrice(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	o.prices[symbol] = price
	o.mu.Unlock()
}
