package engine

import (
	"errors"

	"github.com/covault/position-engine/internal/registry"
)

// Validation failures: expected outcomes, surfaced verbatim to the caller,
// never retried. None of them ever reaches the market — reject-before-submit
// is the engine's core responsibility.
var (
	// ErrInvalidAction is returned for an unrecognized action kind or a
	// malformed request.
	ErrInvalidAction = errors.New("engine: invalid action")

	// ErrInvalidAmount is returned when the amount is not a positive
	// integer in the asset's smallest unit.
	ErrInvalidAmount = errors.New("engine: invalid amount")

	// ErrInsufficientBalance is returned when a withdrawal exceeds the
	// account's supplied balance in that asset.
	ErrInsufficientBalance = errors.New("engine: insufficient supplied balance")

	// ErrInsufficientCollateral is returned when a withdrawal would leave
	// the account's borrows undercollateralized.
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral")

	// ErrAccountUnderwater is returned when any borrow is attempted while
	// the account already has a shortfall, regardless of amount.
	ErrAccountUnderwater = errors.New("engine: account underwater")

	// ErrNoCollateral is returned when a borrow is attempted with zero
	// liquidity and zero shortfall.
	ErrNoCollateral = errors.New("engine: no collateral")

	// ErrBorrowExceedsLiquidity is returned when the requested borrow
	// value exceeds the account's available liquidity.
	ErrBorrowExceedsLiquidity = errors.New("engine: borrow exceeds liquidity")

	// ErrMarketExitBlocked is returned when removing an asset from
	// collateral use would leave the account with a shortfall.
	ErrMarketExitBlocked = errors.New("engine: market exit would cause shortfall")
)

var validationErrs = []error{
	ErrInvalidAction,
	ErrInvalidAmount,
	ErrInsufficientBalance,
	ErrInsufficientCollateral,
	ErrAccountUnderwater,
	ErrNoCollateral,
	ErrBorrowExceedsLiquidity,
	ErrMarketExitBlocked,
	registry.ErrUnknownAsset,
}

// isValidationErr reports whether err is a local validation failure, as
// opposed to an upstream outage or a market rejection.
func isValidationErr(err error) bool {
	for _, sentinel := range validationErrs {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// reasonLabel maps a validation failure to its metrics label.
func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrAccountUnderwater):
		return "account_underwater"
	case errors.Is(err, ErrNoCollateral):
		return "no_collateral"
	case errors.Is(err, ErrBorrowExceedsLiquidity):
		return "borrow_exceeds_liquidity"
	case errors.Is(err, ErrMarketExitBlocked):
		return "exit_blocked"
	case errors.Is(err, registry.ErrUnknownAsset):
		return "unknown_asset"
	}
	return "other"
}
