// Package engine implements the position/liquidity engine: the decision
// layer between an account holder and the external lending market. Every
// supply, withdrawal, borrow, and repayment is validated against the
// account's collateral before a single market call is issued; local
// validation failures never reach the market.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/covault/position-engine/internal/journal"
	"github.com/covault/position-engine/internal/ledger"
	"github.com/covault/position-engine/internal/market"
	"github.com/covault/position-engine/internal/metrics"
	"github.com/covault/position-engine/internal/model"
	"github.com/covault/position-engine/internal/oracle"
	"github.com/covault/position-engine/internal/registry"
)

// defaultTimeout bounds one action end to end: refresh, validation, and
// the market call. Expiry surfaces as ErrUnavailable from the upstream
// that was in flight.
const defaultTimeout = 10 * time.Second

// Engine validates and executes account actions. Each account is
// processed by at most one in-flight action at a time: the per-account
// exclusive section is held from refresh through market-call completion,
// so validation never races a concurrent action on the same account.
// Actions on different accounts proceed independently.
type Engine struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	market   market.Client
	oracle   oracle.PriceOracle
	journal  journal.Journal
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	timeout  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-account exclusive sections
}

// New creates an engine. Pass nil for hub if WebSocket broadcasting is
// not needed.
func New(reg *registry.Registry, led *ledger.Ledger, mkt market.Client, orc oracle.PriceOracle, jnl journal.Journal, hub *WSHub) *Engine {
	return &Engine{
		registry: reg,
		ledger:   led,
		market:   mkt,
		oracle:   orc,
		journal:  jnl,
		wsHub:    hub,
		timeout:  defaultTimeout,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetTimeout overrides the per-action deadline.
func (e *Engine) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// lockAccount acquires the account's exclusive section and returns its
// release func. Lock entries are never removed; the account set is small
// and bounded in practice.
func (e *Engine) lockAccount(account string) func() {
	e.mu.Lock()
	l, ok := e.locks[account]
	if !ok {
		l = &sync.Mutex{}
		e.locks[account] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// ActionResult is the outcome of one executed action: the immutable
// receipt plus the account's post-action health view. The snapshot is
// best-effort — if the post-execution refresh fails, the action still
// committed and the receipt stands.
type ActionResult struct {
	Receipt  model.ExecutionReceipt `json:"receipt"`
	Snapshot model.AccountSnapshot  `json:"snapshot"`
}

// SubmitAction validates and executes one pending action for the account.
// The request either commits fully at the market and returns a receipt,
// or fails with no market-side effect (validation and upstream failures)
// — a rejected action is a terminal outcome for that request, never
// retried here, since blind resubmission against a lending market risks
// double execution.
func (e *Engine) SubmitAction(ctx context.Context, account string, action model.PendingAction) (*ActionResult, error) {
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidAction)
	}
	if !action.Kind.Valid() {
		metrics.ValidationRejections.WithLabelValues("invalid_action").Inc()
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, action.Kind)
	}
	asset, err := e.registry.Get(action.Asset)
	if err != nil {
		metrics.ValidationRejections.WithLabelValues("unknown_asset").Inc()
		return nil, err
	}

	unlock := e.lockAccount(account)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result, err := e.run(ctx, account, asset, action)
	metrics.ActionLatency.WithLabelValues(string(action.Kind)).Observe(time.Since(start).Seconds())
	metrics.ActionsTotal.WithLabelValues(string(action.Kind), outcomeLabel(err)).Inc()
	if err != nil {
		e.recordFailure(err)
		slog.Warn("action failed",
			"account", account,
			"kind", action.Kind,
			"asset", action.Asset,
			"amount", action.Amount.String(),
			"err", err,
		)
		return nil, err
	}

	if err := e.journal.Append(ctx, result.Receipt); err != nil {
		// The market call already committed; the receipt is lost from the
		// journal but the action is not rolled back.
		metrics.JournalAppendFailures.Inc()
		slog.Error("journal append failed", "receipt", result.Receipt.ID, "err", err)
	}

	slog.Info("action executed",
		"receipt", result.Receipt.ID,
		"account", account,
		"kind", action.Kind,
		"asset", asset.Symbol,
		"amount", result.Receipt.Amount.String(),
		"value", result.Receipt.Value.String(),
		"liquidity", result.Snapshot.Liquidity.String(),
	)

	if e.wsHub != nil {
		e.wsHub.Broadcast(WSMessage{
			Type:      "action_executed",
			Account:   account,
			Asset:     asset.Symbol,
			Kind:      string(action.Kind),
			Amount:    result.Receipt.Amount.String(),
			Value:     result.Receipt.Value.String(),
			Liquidity: result.Snapshot.Liquidity.String(),
			Shortfall: result.Snapshot.Shortfall.String(),
		})
	}
	return result, nil
}

// run refreshes, validates, and executes under the account's exclusive
// section. Rule evaluation order is fixed: the first failing rule
// terminates the request with its error.
func (e *Engine) run(ctx context.Context, account string, asset model.Asset, action model.PendingAction) (*ActionResult, error) {
	if err := e.ledger.Refresh(ctx, account, asset.Symbol); err != nil {
		return nil, err
	}

	// One unit price per action: used to value a borrow against liquidity
	// and to value the receipt.
	price, err := e.oracle.Price(ctx, asset.Symbol)
	if err != nil {
		return nil, err
	}

	amount := action.Amount
	switch action.Kind {
	case model.ActionSupply:
		// No liquidity check — supplying can only improve the position.
		if !positiveIntegral(amount) {
			return nil, fmt.Errorf("%w: supply amount must be a positive integer in smallest units", ErrInvalidAmount)
		}

	case model.ActionWithdraw:
		if !positiveIntegral(amount) {
			return nil, fmt.Errorf("%w: withdraw amount must be a positive integer in smallest units", ErrInvalidAmount)
		}
		pos, ok := e.ledger.Position(account, asset.Symbol)
		if !ok || amount.GreaterThan(pos.Supplied) {
			return nil, fmt.Errorf("%w: supplied %s %s, requested %s", ErrInsufficientBalance, pos.Supplied, asset.Symbol, amount)
		}
		if pos.IsCollateral {
			snap, err := e.ledger.Snapshot(ctx, account, &ledger.Adjustment{
				Asset:         asset.Symbol,
				SuppliedDelta: amount.Neg(),
			})
			if err != nil {
				return nil, err
			}
			if snap.Shortfall.IsPositive() {
				return nil, fmt.Errorf("%w: withdrawing %s %s would leave shortfall %s", ErrInsufficientCollateral, amount, asset.Symbol, snap.Shortfall)
			}
		}

	case model.ActionBorrow:
		snap, err := e.ledger.Snapshot(ctx, account, nil)
		if err != nil {
			return nil, err
		}
		// Underwater blocks every borrow, regardless of amount.
		if snap.Shortfall.IsPositive() {
			return nil, fmt.Errorf("%w: shortfall %s", ErrAccountUnderwater, snap.Shortfall)
		}
		if !snap.Liquidity.IsPositive() {
			return nil, fmt.Errorf("%w: account has no borrow capacity", ErrNoCollateral)
		}
		if !positiveIntegral(amount) {
			return nil, fmt.Errorf("%w: borrow amount must be a positive integer in smallest units", ErrInvalidAmount)
		}
		if value := asset.Value(amount, price); value.GreaterThan(snap.Liquidity) {
			return nil, fmt.Errorf("%w: borrow value %s exceeds liquidity %s", ErrBorrowExceedsLiquidity, value, snap.Liquidity)
		}

	case model.ActionRepay:
		if !positiveIntegral(amount) {
			return nil, fmt.Errorf("%w: repay amount must be a positive integer in smallest units", ErrInvalidAmount)
		}
		pos, ok := e.ledger.Position(account, asset.Symbol)
		if !ok || !pos.Borrowed.IsPositive() {
			return nil, fmt.Errorf("%w: no outstanding borrow in %s", ErrInvalidAmount, asset.Symbol)
		}
		// Clamp to the outstanding balance rather than overpaying; the
		// borrow balance lands at exactly zero, never negative.
		if amount.GreaterThan(pos.Borrowed) {
			amount = pos.Borrowed
		}
	}

	// Exactly one market call per approved action. A failure here is
	// surfaced unchanged: the market rejected an already-validated action
	// and no compensating call is attempted.
	switch action.Kind {
	case model.ActionSupply:
		err = e.market.Supply(ctx, account, asset.MarketID, amount)
	case model.ActionWithdraw:
		err = e.market.Redeem(ctx, account, asset.MarketID, e.sharesFor(account, asset.Symbol, amount))
	case model.ActionBorrow:
		err = e.market.Borrow(ctx, account, asset.MarketID, amount)
	case model.ActionRepay:
		err = e.market.Repay(ctx, account, asset.MarketID, amount, "")
	}
	if err != nil {
		return nil, err
	}

	result := &ActionResult{
		Receipt: model.ExecutionReceipt{
			ID:        uuid.New().String(),
			Account:   account,
			Kind:      action.Kind,
			Asset:     asset.Symbol,
			Amount:    amount,
			Price:     price,
			Value:     asset.Value(amount, price),
			Timestamp: time.Now().UTC(),
		},
	}

	// Post-execution view. The action already committed at the market, so
	// a failed refresh here downgrades the response, never the action.
	if err := e.ledger.Refresh(ctx, account); err != nil {
		slog.Warn("post-action refresh failed", "account", account, "err", err)
		return result, nil
	}
	snap, err := e.ledger.Snapshot(ctx, account, nil)
	if err != nil {
		slog.Warn("post-action snapshot failed", "account", account, "err", err)
		return result, nil
	}
	result.Snapshot = snap
	return result, nil
}

// sharesFor converts an underlying withdrawal amount to receipt shares at
// the cached exchange rate. A full withdrawal redeems the exact share
// balance so rounding never strands dust.
func (e *Engine) sharesFor(account, symbol string, amount decimal.Decimal) decimal.Decimal {
	pos, ok := e.ledger.Position(account, symbol)
	if !ok {
		return decimal.Zero
	}
	if amount.Equal(pos.Supplied) {
		return pos.ReceiptShares
	}
	return market.SharesForAmount(amount, pos.ExchangeRate)
}

// MaxBorrow returns the largest amount of asset, in smallest units, the
// account could borrow right now, plus the snapshot it was derived from.
// Recomputed from a fresh refresh on every call — prices and collateral
// move between requests, so this value is never cached. Zero when the
// account is underwater or has no liquidity.
func (e *Engine) MaxBorrow(ctx context.Context, account, symbol string) (decimal.Decimal, model.AccountSnapshot, error) {
	asset, err := e.registry.Get(symbol)
	if err != nil {
		return decimal.Zero, model.AccountSnapshot{}, err
	}

	unlock := e.lockAccount(account)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.ledger.Refresh(ctx, account, symbol); err != nil {
		return decimal.Zero, model.AccountSnapshot{}, err
	}
	snap, err := e.ledger.Snapshot(ctx, account, nil)
	if err != nil {
		return decimal.Zero, model.AccountSnapshot{}, err
	}
	if snap.Shortfall.IsPositive() || !snap.Liquidity.IsPositive() {
		return decimal.Zero, snap, nil
	}

	price, err := e.oracle.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, snap, err
	}
	if !price.IsPositive() {
		return decimal.Zero, snap, nil
	}

	// floor(liquidity / price × 10^decimals): the largest integer amount
	// whose value still fits within liquidity.
	max := snap.Liquidity.Shift(asset.Decimals).Div(price).Floor()
	return max, snap, nil
}

// EnterMarket makes the asset's supplied balance count as collateral.
func (e *Engine) EnterMarket(ctx context.Context, account, symbol string) error {
	asset, err := e.registry.Get(symbol)
	if err != nil {
		return err
	}

	unlock := e.lockAccount(account)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.market.EnterMarket(ctx, account, asset.MarketID); err != nil {
		e.recordFailure(err)
		return err
	}
	e.ledger.SetEntered(account, symbol, true)
	if err := e.ledger.Refresh(ctx, account, symbol); err != nil {
		slog.Warn("refresh after enter failed", "account", account, "asset", symbol, "err", err)
	}

	slog.Info("market entered", "account", account, "asset", symbol)
	return nil
}

// ExitMarket stops counting the asset as collateral. Blocked while the
// account's remaining collateral could not cover its borrows without this
// asset.
func (e *Engine) ExitMarket(ctx context.Context, account, symbol string) error {
	asset, err := e.registry.Get(symbol)
	if err != nil {
		return err
	}

	unlock := e.lockAccount(account)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.ledger.Refresh(ctx, account, symbol); err != nil {
		return err
	}
	snap, err := e.ledger.Snapshot(ctx, account, &ledger.Adjustment{
		Asset:             symbol,
		ExcludeCollateral: true,
	})
	if err != nil {
		return err
	}
	if snap.Shortfall.IsPositive() {
		metrics.ValidationRejections.WithLabelValues("exit_blocked").Inc()
		return fmt.Errorf("%w: exiting %s would leave shortfall %s", ErrMarketExitBlocked, symbol, snap.Shortfall)
	}

	if err := e.market.ExitMarket(ctx, account, asset.MarketID); err != nil {
		e.recordFailure(err)
		return err
	}
	e.ledger.SetEntered(account, symbol, false)

	slog.Info("market exited", "account", account, "asset", symbol)
	return nil
}

// AccountSnapshot refreshes the account and returns its current health
// view.
func (e *Engine) AccountSnapshot(ctx context.Context, account string) (model.AccountSnapshot, error) {
	unlock := e.lockAccount(account)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.ledger.Refresh(ctx, account); err != nil {
		return model.AccountSnapshot{}, err
	}
	return e.ledger.Snapshot(ctx, account, nil)
}

// Receipts returns the account's execution history, oldest first.
func (e *Engine) Receipts(ctx context.Context, account string) ([]model.ExecutionReceipt, error) {
	return e.journal.ListByAccount(ctx, account)
}

// Assets lists the supported assets.
func (e *Engine) Assets() []model.Asset {
	return e.registry.List()
}

// recordFailure attributes a failed request to validation or to the
// upstream that caused it.
func (e *Engine) recordFailure(err error) {
	switch {
	case isValidationErr(err):
		metrics.ValidationRejections.WithLabelValues(reasonLabel(err)).Inc()
	case errors.Is(err, oracle.ErrUnavailable), errors.Is(err, oracle.ErrNoFeed), errors.Is(err, oracle.ErrInvalidPrice):
		metrics.UpstreamErrors.WithLabelValues("oracle").Inc()
	case errors.Is(err, market.ErrUnavailable):
		metrics.UpstreamErrors.WithLabelValues("market").Inc()
	}
}

// outcomeLabel classifies one submitted action for metrics.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "executed"
	case isValidationErr(err):
		return "rejected"
	default:
		return "failed"
	}
}

// positiveIntegral reports whether amount is a positive integer in the
// asset's smallest unit.
func positiveIntegral(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Truncate(0))
}
