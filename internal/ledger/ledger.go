// Package ledger maintains the in-process view of each account's per-asset
// positions, derived from market snapshots, and assembles account-level
// health snapshots on demand. It is the authoritative source the engine
// reasons about between market calls — a cache with no independent
// lifetime, recomputed before every validation decision.
//
// The ledger is also the system of record for collateral membership: the
// market's snapshot does not report whether an asset is entered, so the
// entered flag is toggled here only after a successful enterMarket or
// exitMarket call.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/covault/position-engine/internal/market"
	"github.com/covault/position-engine/internal/model"
	"github.com/covault/position-engine/internal/oracle"
	"github.com/covault/position-engine/internal/registry"
)

// Adjustment is a hypothetical change applied during snapshot assembly,
// used to simulate an action before submitting it: a withdrawal reduces
// the asset's supplied balance, a market exit stops counting it as
// collateral.
type Adjustment struct {
	Asset             string
	SuppliedDelta     decimal.Decimal // negative to simulate a withdrawal
	ExcludeCollateral bool            // simulate exitMarket
}

// Ledger caches AccountPositions per (account, asset) and computes
// AccountSnapshots. Safe for concurrent use; the engine's per-account
// exclusive sections guarantee refresh and validation for one account
// never interleave.
type Ledger struct {
	registry *registry.Registry
	market   market.Client
	oracle   oracle.PriceOracle

	mu       sync.RWMutex
	accounts map[string]map[string]*model.AccountPosition // account → asset → position
}

// New creates an empty ledger.
func New(reg *registry.Registry, mkt market.Client, orc oracle.PriceOracle) *Ledger {
	return &Ledger{
		registry: reg,
		market:   mkt,
		oracle:   orc,
		accounts: make(map[string]map[string]*model.AccountPosition),
	}
}

// tracked returns the assets worth refreshing for account: everything the
// account has entered as collateral, borrowed in, or still holds supply
// in, plus the extras (typically the asset of the action being
// validated). This keeps refresh bounded by the account's own footprint,
// not by every asset ever listed.
func (l *Ledger) tracked(account string, extra ...string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	var assets []string
	for sym, pos := range l.accounts[account] {
		if pos.IsCollateral || pos.Borrowed.IsPositive() || pos.Supplied.IsPositive() {
			seen[sym] = true
			assets = append(assets, sym)
		}
	}
	for _, sym := range extra {
		if !seen[sym] && l.registry.Has(sym) {
			seen[sym] = true
			assets = append(assets, sym)
		}
	}
	return assets
}

// Refresh fetches fresh market snapshots for all of the account's tracked
// assets (plus extras) and overwrites the cached positions. Per-asset
// reads are independent and issued concurrently; results are merged only
// after every fetch succeeds, so validation never sees a partially
// refreshed account. On any failure the cache is left untouched.
func (l *Ledger) Refresh(ctx context.Context, account string, extra ...string) error {
	assets := l.tracked(account, extra...)
	if len(assets) == 0 {
		return nil
	}

	states := make([]market.AccountState, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range assets {
		asset, err := l.registry.Get(sym)
		if err != nil {
			return err
		}
		i := i
		g.Go(func() error {
			st, err := l.market.GetAccountSnapshot(gctx, account, asset.MarketID)
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	book := l.accounts[account]
	if book == nil {
		book = make(map[string]*model.AccountPosition)
		l.accounts[account] = book
	}
	for i, sym := range assets {
		st := states[i]
		entered := false
		if prev, ok := book[sym]; ok {
			entered = prev.IsCollateral
		}
		book[sym] = &model.AccountPosition{
			Account:       account,
			Asset:         sym,
			Supplied:      st.ReceiptShares.Mul(st.ExchangeRate),
			ReceiptShares: st.ReceiptShares,
			ExchangeRate:  st.ExchangeRate,
			Borrowed:      st.Borrowed,
			IsCollateral:  entered,
			RefreshedAt:   now,
		}
	}
	return nil
}

// Position returns the cached position for (account, asset).
func (l *Ledger) Position(account, asset string) (model.AccountPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.accounts[account][asset]
	if !ok {
		return model.AccountPosition{}, false
	}
	return *pos, true
}

// SetEntered toggles the collateral membership flag for (account, asset).
// Called only after the corresponding market call succeeded.
func (l *Ledger) SetEntered(account, asset string, entered bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	book := l.accounts[account]
	if book == nil {
		book = make(map[string]*model.AccountPosition)
		l.accounts[account] = book
	}
	pos, ok := book[asset]
	if !ok {
		pos = &model.AccountPosition{
			Account:       account,
			Asset:         asset,
			Supplied:      decimal.Zero,
			ReceiptShares: decimal.Zero,
			ExchangeRate:  decimal.NewFromInt(1),
			Borrowed:      decimal.Zero,
		}
		book[asset] = pos
	}
	pos.IsCollateral = entered
}

// Entered reports whether (account, asset) currently counts as collateral.
func (l *Ledger) Entered(account, asset string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.accounts[account][asset]
	return ok && pos.IsCollateral
}

// Snapshot assembles the account's health view from cached positions and
// live oracle prices, optionally applying a hypothetical adjustment.
// Collateral value accumulates supplied × price × collateral factor for
// entered assets only; borrow value accumulates borrowed × price.
// Liquidity and shortfall are mutually exclusive by construction.
func (l *Ledger) Snapshot(ctx context.Context, account string, adj *Adjustment) (model.AccountSnapshot, error) {
	// Copy positions out so oracle calls never run under the lock.
	l.mu.RLock()
	positions := make([]model.AccountPosition, 0, len(l.accounts[account]))
	for _, pos := range l.accounts[account] {
		positions = append(positions, *pos)
	}
	l.mu.RUnlock()

	// Apply the hypothetical adjustment.
	for i := range positions {
		if adj == nil || positions[i].Asset != adj.Asset {
			continue
		}
		positions[i].Supplied = positions[i].Supplied.Add(adj.SuppliedDelta)
		if positions[i].Supplied.IsNegative() {
			positions[i].Supplied = decimal.Zero
		}
		if adj.ExcludeCollateral {
			positions[i].IsCollateral = false
		}
	}

	// Price every asset that contributes value, concurrently.
	need := make(map[string]bool)
	for _, pos := range positions {
		if (pos.IsCollateral && pos.Supplied.IsPositive()) || pos.Borrowed.IsPositive() {
			need[pos.Asset] = true
		}
	}

	prices := make(map[string]decimal.Decimal, len(need))
	var pmu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for sym := range need {
		sym := sym
		g.Go(func() error {
			p, err := l.oracle.Price(gctx, sym)
			if err != nil {
				return err
			}
			pmu.Lock()
			prices[sym] = p
			pmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.AccountSnapshot{}, err
	}

	collateral := decimal.Zero
	borrow := decimal.Zero
	for _, pos := range positions {
		price, ok := prices[pos.Asset]
		if !ok {
			continue
		}
		asset, err := l.registry.Get(pos.Asset)
		if err != nil {
			return model.AccountSnapshot{}, err
		}
		if pos.IsCollateral && pos.Supplied.IsPositive() {
			collateral = collateral.Add(asset.Value(pos.Supplied, price).Mul(asset.CollateralFactor))
		}
		if pos.Borrowed.IsPositive() {
			borrow = borrow.Add(asset.Value(pos.Borrowed, price))
		}
	}

	snap := model.AccountSnapshot{
		Account:         account,
		CollateralValue: collateral,
		BorrowValue:     borrow,
		Liquidity:       decimal.Zero,
		Shortfall:       decimal.Zero,
		Taken:           time.Now().UTC(),
	}
	switch diff := collateral.Sub(borrow); {
	case diff.IsPositive():
		snap.Liquidity = diff
	case diff.IsNegative():
		snap.Shortfall = diff.Neg()
	}
	return snap, nil
}
