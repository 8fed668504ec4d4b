// Package registry holds the static asset configuration: the mapping from
// logical asset symbol to decimals, collateral factor, and the identifier
// of the receipt market that holds the pooled underlying.
//
// The registry is loaded once at startup and is read-only afterwards.
// A malformed registry is a fatal configuration error, not a per-request
// condition.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/model"
)

var (
	// ErrUnknownAsset is returned when a symbol has no registry entry.
	ErrUnknownAsset = errors.New("registry: unknown asset")

	// ErrInvalidConfig is returned when a registry entry fails validation.
	ErrInvalidConfig = errors.New("registry: invalid asset config")
)

// Registry is an immutable symbol → Asset lookup.
type Registry struct {
	assets map[string]model.Asset
}

// New builds a registry from the given assets, validating every entry.
func New(assets []model.Asset) (*Registry, error) {
	m := make(map[string]model.Asset, len(assets))
	for _, a := range assets {
		if err := validate(a); err != nil {
			return nil, err
		}
		if _, dup := m[a.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidConfig, a.Symbol)
		}
		m[a.Symbol] = a
	}
	return &Registry{assets: m}, nil
}

// LoadFile reads a JSON array of assets from path and builds a registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	var assets []model.Asset
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return New(assets)
}

// Defaults returns the built-in development registry used when no registry
// file is configured.
func Defaults() *Registry {
	r, err := New([]model.Asset{
		{Symbol: "USDC", Decimals: 6, CollateralFactor: decimal.NewFromFloat(0.85), MarketID: "cUSDC"},
		{Symbol: "DAI", Decimals: 18, CollateralFactor: decimal.NewFromFloat(0.80), MarketID: "cDAI"},
		{Symbol: "ETH", Decimals: 18, CollateralFactor: decimal.NewFromFloat(0.75), MarketID: "cETH"},
		{Symbol: "WBTC", Decimals: 8, CollateralFactor: decimal.NewFromFloat(0.70), MarketID: "cWBTC"},
	})
	if err != nil {
		panic(err) // defaults are compile-time constants
	}
	return r
}

// Get returns the asset for symbol, or ErrUnknownAsset.
func (r *Registry) Get(symbol string) (model.Asset, error) {
	a, ok := r.assets[symbol]
	if !ok {
		return model.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// Has reports whether symbol is registered.
func (r *Registry) Has(symbol string) bool {
	_, ok := r.assets[symbol]
	return ok
}

// List returns all registered assets sorted by symbol.
func (r *Registry) List() []model.Asset {
	assets := make([]model.Asset, 0, len(r.assets))
	for _, a := range r.assets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets
}

func validate(a model.Asset) error {
	if a.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidConfig)
	}
	if a.Decimals < 0 || a.Decimals > 18 {
		return fmt.Errorf("%w: %s: decimals %d out of range [0, 18]", ErrInvalidConfig, a.Symbol, a.Decimals)
	}
	if a.CollateralFactor.IsNegative() || a.CollateralFactor.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s: collateral factor %s outside [0, 1)", ErrInvalidConfig, a.Symbol, a.CollateralFactor)
	}
	if a.MarketID == "" {
		return fmt.Errorf("%w: %s: empty market id", ErrInvalidConfig, a.Symbol)
	}
	return nil
}
