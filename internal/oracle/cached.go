package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedOracle wraps a PriceOracle with a Redis read-through cache.
// Reads check Redis first and fall back to the inner oracle; fetched
// prices are cached with a TTL that bounds staleness. Redis failures
// degrade to the inner oracle and never fail the request — the cache is
// an optimization, not a dependency.
type CachedOracle struct {
	inner PriceOracle
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedOracle creates a cached wrapper around inner.
func NewCachedOracle(inner PriceOracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// Price implements PriceOracle.
func (o *CachedOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	// Try cache.
	if raw, err := o.rdb.Get(ctx, priceKey(symbol)).Result(); err == nil {
		if p, perr := decimal.NewFromString(raw); perr == nil {
			return p, nil
		}
	}

	// Cache miss: read from the inner oracle.
	p, err := o.inner.Price(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if err := o.rdb.Set(ctx, priceKey(symbol), p.String(), o.ttl).Err(); err != nil {
		slog.Debug("price cache write failed", "symbol", symbol, "err", err)
	}
	return p, nil
}

// Invalidate drops the cached price for symbol. Next read re-populates.
func (o *CachedOracle) Invalidate(ctx context.Context, symbol string) {
	o.rdb.Del(ctx, priceKey(symbol))
}
