// Package market defines the client abstraction over the external lending
// market — the pooled deposits, receipt-share mint/burn, interest accrual,
// and borrow execution all live on the other side of this boundary. The
// engine never holds a reference to pool internals; it only calls this
// interface.
//
// Amounts cross this boundary as integers in the asset's smallest unit
// (decimal.Decimal values with no fractional part). Every response from
// the market carries a result code; a non-zero code is always surfaced as
// the matching rejection error, never treated as success.
package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when the market cannot be reached,
	// including deadline expiry. Transient; the engine fails the request
	// without retrying.
	ErrUnavailable = errors.New("market: unavailable")

	// ErrUnknownMarket is returned when the market identifier is not
	// listed on the venue.
	ErrUnknownMarket = errors.New("market: unknown market")

	// ErrTransferFailed is returned when the underlying token transfer or
	// allowance step did not succeed.
	ErrTransferFailed = errors.New("market: underlying transfer failed")

	// ErrMintRejected is returned when the market declines a supply.
	ErrMintRejected = errors.New("market: mint rejected")

	// ErrRedeemRejected is returned when the market declines a redeem.
	ErrRedeemRejected = errors.New("market: redeem rejected")

	// ErrBorrowRejected is returned when the market declines a borrow.
	ErrBorrowRejected = errors.New("market: borrow rejected")

	// ErrRepayRejected is returned when the market declines a repayment.
	ErrRepayRejected = errors.New("market: repay rejected")

	// ErrEnterRejected is returned when the market declines collateral
	// entry for an asset.
	ErrEnterRejected = errors.New("market: enter market rejected")

	// ErrExitBlocked is returned when the market refuses to release an
	// asset from collateral use.
	ErrExitBlocked = errors.New("market: exit market blocked")
)

// ResultCode is the market's per-call outcome. Zero means success; any
// other value is a rejection whose meaning depends on the call.
type ResultCode int

const (
	// CodeOK marks a fully committed call.
	CodeOK ResultCode = 0

	// CodeTransferFailed marks a failed underlying transfer/allowance
	// step on supply or repay.
	CodeTransferFailed ResultCode = 1

	// CodeInsufficientCash marks a pool with too little un-borrowed
	// underlying to honor a redeem or borrow.
	CodeInsufficientCash ResultCode = 2

	// CodeRejected is the generic non-zero rejection.
	CodeRejected ResultCode = 3
)

// AccountState is the market's per-(account, market) snapshot, reflecting
// interest accrued up to the current block. Read-only.
type AccountState struct {
	ReceiptShares decimal.Decimal `json:"receipt_shares"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"` // underlying per share
	Borrowed      decimal.Decimal `json:"borrowed"`      // smallest units
}

// Client is the polymorphic lending-market contract. All state-changing
// calls are synchronous-to-completion: they either fully commit or fail
// atomically with no partial effect. That atomicity is the market's
// responsibility; the engine's job is never to submit a call it has not
// locally validated first.
type Client interface {
	// GetAccountSnapshot returns the account's state in one market.
	// Never mutates state.
	GetAccountSnapshot(ctx context.Context, account, marketID string) (AccountState, error)

	// Supply transfers amount of underlying in and mints receipt shares
	// at the current exchange rate.
	Supply(ctx context.Context, account, marketID string, amount decimal.Decimal) error

	// Redeem burns receipt shares and returns underlying.
	Redeem(ctx context.Context, account, marketID string, shares decimal.Decimal) error

	// Borrow increases the account's borrow balance and transfers
	// underlying out.
	Borrow(ctx context.Context, account, marketID string, amount decimal.Decimal) error

	// Repay reduces the borrow balance of onBehalfOf, defaulting to the
	// calling account when onBehalfOf is empty.
	Repay(ctx context.Context, account, marketID string, amount decimal.Decimal, onBehalfOf string) error

	// EnterMarket makes the asset's supplied balance count as collateral.
	EnterMarket(ctx context.Context, account, marketID string) error

	// ExitMarket stops counting the asset as collateral.
	ExitMarket(ctx context.Context, account, marketID string) error
}

// rejection maps a non-zero result code to the sentinel for the given
// operation, preserving the code and message for diagnostics.
func rejection(op string, code ResultCode, msg string) error {
	var sentinel error
	switch {
	case code == CodeTransferFailed && (op == opSupply || op == opRepay):
		sentinel = ErrTransferFailed
	default:
		switch op {
		case opSupply:
			sentinel = ErrMintRejected
		case opRedeem:
			sentinel = ErrRedeemRejected
		case opBorrow:
			sentinel = ErrBorrowRejected
		case opRepay:
			sentinel = ErrRepayRejected
		case opEnter:
			sentinel = ErrEnterRejected
		case opExit:
			sentinel = ErrExitBlocked
		default:
			sentinel = ErrUnavailable
		}
	}
	if msg == "" {
		return fmt.Errorf("%w: code %d", sentinel, code)
	}
	return fmt.Errorf("%w: code %d: %s", sentinel, code, msg)
}

const (
	opSupply = "supply"
	opRedeem = "redeem"
	opBorrow = "borrow"
	opRepay  = "repay"
	opEnter  = "enter"
	opExit   = "exit"
)

// integral reports whether amount is a non-negative integer in smallest
// units.
func integral(amount decimal.Decimal) bool {
	return !amount.IsNegative() && amount.Equal(amount.Truncate(0))
}

// SharesForAmount converts an underlying amount to receipt shares at the
// given exchange rate, using the venue's share rounding scale.
func SharesForAmount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.DivRound(rate, shareScale)
}
