package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/market"
	"github.com/covault/position-engine/internal/model"
	"github.com/covault/position-engine/internal/oracle"
	"github.com/covault/position-engine/internal/registry"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// testRegistry uses zero-decimal assets so amounts and whole units line up.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]model.Asset{
		{Symbol: "TOK", Decimals: 0, CollateralFactor: decimal.RequireFromString("0.75"), MarketID: "cTOK"},
		{Symbol: "USD", Decimals: 0, CollateralFactor: decimal.RequireFromString("0.85"), MarketID: "cUSD"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func testOracle() *oracle.StaticOracle {
	return oracle.NewStaticOracle(map[string]decimal.Decimal{
		"TOK": d(1),
		"USD": d(1),
	})
}

func newTestLedger(t *testing.T) (*Ledger, *market.SimMarket) {
	t.Helper()
	sim := market.NewSimMarket("cTOK", "cUSD")
	return New(testRegistry(t), sim, testOracle()), sim
}

func TestRefresh_PopulatesPositions(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	sim.AccrueInterest("cTOK", decimal.RequireFromString("1.25"))

	if err := l.Refresh(ctx, "alice", "TOK"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	pos, ok := l.Position("alice", "TOK")
	if !ok {
		t.Fatal("position not cached after refresh")
	}
	if !pos.ReceiptShares.Equal(d(1000)) {
		t.Errorf("expected 1000 shares, got %s", pos.ReceiptShares)
	}
	// supplied == shares × exchange rate must hold after every refresh.
	if !pos.Supplied.Equal(pos.ReceiptShares.Mul(pos.ExchangeRate)) {
		t.Errorf("supplied %s != shares×rate %s", pos.Supplied, pos.ReceiptShares.Mul(pos.ExchangeRate))
	}
	if !pos.Supplied.Equal(d(1250)) {
		t.Errorf("expected supplied 1250 after accrual, got %s", pos.Supplied)
	}
}

func TestRefresh_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	sim.Borrow(ctx, "alice", "cUSD", d(100))
	l.SetEntered("alice", "TOK", true)

	if err := l.Refresh(ctx, "alice", "TOK", "USD"); err != nil {
		t.Fatal(err)
	}
	first, err := l.Snapshot(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}

	// No intervening market mutation: values must be identical.
	if err := l.Refresh(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	second, err := l.Snapshot(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}

	if !first.CollateralValue.Equal(second.CollateralValue) ||
		!first.BorrowValue.Equal(second.BorrowValue) ||
		!first.Liquidity.Equal(second.Liquidity) ||
		!first.Shortfall.Equal(second.Shortfall) {
		t.Errorf("refresh not idempotent: %+v vs %+v", first, second)
	}
}

func TestRefresh_PreservesMembership(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	l.SetEntered("alice", "TOK", true)

	if err := l.Refresh(ctx, "alice", "TOK"); err != nil {
		t.Fatal(err)
	}
	if !l.Entered("alice", "TOK") {
		t.Error("refresh must not clear collateral membership")
	}
}

// flakyMarket delegates to an inner client until tripped, then fails
// every snapshot read.
type flakyMarket struct {
	market.Client
	fail bool
}

func (m *flakyMarket) GetAccountSnapshot(ctx context.Context, account, marketID string) (market.AccountState, error) {
	if m.fail {
		return market.AccountState{}, market.ErrUnavailable
	}
	return m.Client.GetAccountSnapshot(ctx, account, marketID)
}

func TestRefresh_FailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	sim := market.NewSimMarket("cTOK", "cUSD")
	flaky := &flakyMarket{Client: sim}
	l := New(testRegistry(t), flaky, testOracle())

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	if err := l.Refresh(ctx, "alice", "TOK"); err != nil {
		t.Fatal(err)
	}

	// The market mutates, then becomes unreachable.
	sim.Supply(ctx, "alice", "cTOK", d(500))
	flaky.fail = true

	if err := l.Refresh(ctx, "alice"); !errors.Is(err, market.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// The cache still holds the pre-failure position, not a partial merge.
	pos, ok := l.Position("alice", "TOK")
	if !ok || !pos.Supplied.Equal(d(1000)) {
		t.Errorf("cache should be untouched after failed refresh, got %+v ok=%v", pos, ok)
	}
}

func TestSnapshot_CollateralWeighting(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	// 1000 TOK supplied and entered at factor 0.75, price 1 → collateral 750.
	sim.Supply(ctx, "alice", "cTOK", d(1000))
	l.SetEntered("alice", "TOK", true)
	if err := l.Refresh(ctx, "alice", "TOK"); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.CollateralValue.Equal(d(750)) {
		t.Errorf("expected collateral 750, got %s", snap.CollateralValue)
	}
	if !snap.Liquidity.Equal(d(750)) {
		t.Errorf("expected liquidity 750, got %s", snap.Liquidity)
	}
	if !snap.Shortfall.IsZero() {
		t.Errorf("expected zero shortfall, got %s", snap.Shortfall)
	}
}

func TestSnapshot_NotEnteredDoesNotCount(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	// Never entered: supplied balance earns yield but is not collateral.
	if err := l.Refresh(ctx, "alice", "TOK"); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.CollateralValue.IsZero() {
		t.Errorf("non-entered supply must not count as collateral, got %s", snap.CollateralValue)
	}
}

func TestSnapshot_MutualExclusivity(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "lender", "cUSD", d(10000))

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	l.SetEntered("alice", "TOK", true)
	sim.Borrow(ctx, "alice", "cUSD", d(500))

	if err := l.Refresh(ctx, "alice", "TOK", "USD"); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	// 750 collateral - 500 borrow → liquidity 250, shortfall 0.
	if !snap.Liquidity.Equal(d(250)) || !snap.Shortfall.IsZero() {
		t.Errorf("expected liquidity 250 / shortfall 0, got %s / %s", snap.Liquidity, snap.Shortfall)
	}

	// Accrue heavy borrow interest until underwater.
	sim.AccrueInterest("cUSD", d(2)) // borrow 500 → 1000 > 750 collateral
	if err := l.Refresh(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	snap, err = l.Snapshot(ctx, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Shortfall.Equal(d(250)) || !snap.Liquidity.IsZero() {
		t.Errorf("expected shortfall 250 / liquidity 0, got %s / %s", snap.Shortfall, snap.Liquidity)
	}
	// Never both positive.
	if snap.Liquidity.IsPositive() && snap.Shortfall.IsPositive() {
		t.Error("liquidity and shortfall are mutually exclusive")
	}
}

func TestSnapshot_WithdrawalAdjustment(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "lender", "cUSD", d(10000))
	sim.Supply(ctx, "alice", "cTOK", d(1000))
	l.SetEntered("alice", "TOK", true)
	sim.Borrow(ctx, "alice", "cUSD", d(600))

	if err := l.Refresh(ctx, "alice", "TOK", "USD"); err != nil {
		t.Fatal(err)
	}

	// Simulate withdrawing 300 TOK: collateral (1000-300)×0.75 = 525 < 600.
	snap, err := l.Snapshot(ctx, "alice", &Adjustment{
		Asset:         "TOK",
		SuppliedDelta: d(-300),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Shortfall.Equal(d(75)) {
		t.Errorf("expected simulated shortfall 75, got %s", snap.Shortfall)
	}

	// The real cached position is untouched by simulation.
	pos, _ := l.Position("alice", "TOK")
	if !pos.Supplied.Equal(d(1000)) {
		t.Errorf("adjustment must not mutate cache, got %s", pos.Supplied)
	}
}

func TestSnapshot_ExitAdjustment(t *testing.T) {
	ctx := context.Background()
	l, sim := newTestLedger(t)

	sim.Supply(ctx, "lender", "cUSD", d(10000))
	sim.Supply(ctx, "alice", "cTOK", d(1000))
	l.SetEntered("alice", "TOK", true)
	sim.Borrow(ctx, "alice", "cUSD", d(100))

	if err := l.Refresh(ctx, "alice", "TOK", "USD"); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(ctx, "alice", &Adjustment{
		Asset:             "TOK",
		ExcludeCollateral: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Without TOK collateral the 100 borrow is unbacked.
	if !snap.Shortfall.Equal(d(100)) {
		t.Errorf("expected shortfall 100, got %s", snap.Shortfall)
	}
}

func TestSnapshot_OracleFailurePropagates(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	sim := market.NewSimMarket("cTOK", "cUSD")
	l := New(reg, sim, oracle.NewStaticOracle(nil)) // no feeds

	sim.Supply(ctx, "alice", "cTOK", d(1000))
	l.SetEntered("alice", "TOK", true)
	if err := l.Refresh(ctx, "alice", "TOK"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Snapshot(ctx, "alice", nil); !errors.Is(err, oracle.ErrNoFeed) {
		t.Errorf("expected ErrNoFeed, got %v", err)
	}
}
