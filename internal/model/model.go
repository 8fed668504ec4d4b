// Package model defines the core domain types shared across the position
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Amounts are expressed in an asset's smallest unit (integer values
// scaled by 10^decimals); values are USD at PriceScale decimal places.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed precision of oracle prices: USD per whole token,
// 6 decimal places. All value math converts amounts through this single
// scale so oracle and market units are never mixed.
const PriceScale int32 = 6

// ActionKind identifies a proposed state change against the lending market.
type ActionKind string

const (
	ActionSupply   ActionKind = "supply"
	ActionWithdraw ActionKind = "withdraw"
	ActionBorrow   ActionKind = "borrow"
	ActionRepay    ActionKind = "repay"
)

// Valid reports whether k is one of the four supported action kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionSupply, ActionWithdraw, ActionBorrow, ActionRepay:
		return true
	}
	return false
}

// Asset is the immutable configuration for one supported asset. Created at
// registry load, never mutated afterwards.
type Asset struct {
	Symbol           string          `json:"symbol"`
	Decimals         int32           `json:"decimals"`
	CollateralFactor decimal.Decimal `json:"collateral_factor"` // fraction in [0, 1)
	MarketID         string          `json:"market_id"`         // receipt-market identifier
}

// Value converts an amount in the asset's smallest unit to USD using a
// PriceScale-scaled unit price.
func (a Asset) Value(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Shift(-a.Decimals).Mul(price)
}

// AccountPosition is the cached projection of one (account, asset) pair,
// derived from the most recent market snapshot. The authoritative state
// lives in the market; this is refreshed before every validation decision.
type AccountPosition struct {
	Account       string          `json:"account"`
	Asset         string          `json:"asset"`
	Supplied      decimal.Decimal `json:"supplied"`       // smallest units; == shares × exchange rate
	ReceiptShares decimal.Decimal `json:"receipt_shares"` // claim tokens held in the market
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`  // underlying per share, grows with interest
	Borrowed      decimal.Decimal `json:"borrowed"`       // smallest units
	IsCollateral  bool            `json:"is_collateral"`  // counts toward borrow capacity
	RefreshedAt   time.Time       `json:"refreshed_at"`
}

// AccountSnapshot aggregates an account's positions into a single health
// view, all in USD. Exactly one of Liquidity or Shortfall is non-zero;
// Liquidity - Shortfall == Σ(collateral × factor) - Σ(borrow value).
type AccountSnapshot struct {
	Account         string          `json:"account"`
	CollateralValue decimal.Decimal `json:"collateral_value"` // already factor-weighted
	BorrowValue     decimal.Decimal `json:"borrow_value"`
	Liquidity       decimal.Decimal `json:"liquidity"`
	Shortfall       decimal.Decimal `json:"shortfall"`
	Taken           time.Time       `json:"taken"`
}

// PendingAction is a proposed state change. Created per request, consumed
// immediately by the engine, never persisted.
type PendingAction struct {
	Kind   ActionKind      `json:"kind"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"` // smallest units
}

// ExecutionReceipt is the immutable record of an executed action.
type ExecutionReceipt struct {
	ID        string          `json:"id" db:"id"`
	Account   string          `json:"account" db:"account"`
	Kind      ActionKind      `json:"kind" db:"kind"`
	Asset     string          `json:"asset" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // actual executed amount (repay may clamp)
	Price     decimal.Decimal `json:"price" db:"price"`   // unit price at execution time
	Value     decimal.Decimal `json:"value" db:"value"`   // Amount priced in USD
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
