package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// shareScale is the rounding scale for minted receipt shares.
const shareScale int32 = 12

// SimMarket is an in-process lending market used when no MARKET_URL is
// configured and in tests. It models pooled cash, receipt-share mint/burn
// at the current exchange rate, borrow balances, and collateral
// membership. Every call mutates state atomically under one lock, or not
// at all.
//
// It is a test double, not a rate model: the exchange rate only moves
// when AccrueInterest is called with an explicit factor.
type SimMarket struct {
	mu       sync.Mutex
	pools    map[string]*simPool
	failNext map[string]ResultCode // op → injected non-zero code
}

type simPool struct {
	rate     decimal.Decimal // underlying per share
	cash     decimal.Decimal // un-borrowed underlying in the pool
	accounts map[string]*simAccount
}

type simAccount struct {
	shares   decimal.Decimal
	borrowed decimal.Decimal
	entered  bool
}

// NewSimMarket creates a simulated venue listing the given market
// identifiers, each with an exchange rate of 1.
func NewSimMarket(marketIDs ...string) *SimMarket {
	s := &SimMarket{
		pools:    make(map[string]*simPool),
		failNext: make(map[string]ResultCode),
	}
	for _, id := range marketIDs {
		s.pools[id] = &simPool{
			rate:     decimal.NewFromInt(1),
			cash:     decimal.Zero,
			accounts: make(map[string]*simAccount),
		}
	}
	return s
}

// FailNext injects a non-zero result code for the next call of op
// ("supply", "redeem", "borrow", "repay", "enter", "exit"). Test hook for
// rejection paths.
func (s *SimMarket) FailNext(op string, code ResultCode) {
	s.mu.Lock()
	s.failNext[op] = code
	s.mu.Unlock()
}

// AccrueInterest multiplies the market's exchange rate and every borrow
// balance by factor, mimicking one accrual period.
func (s *SimMarket) AccrueInterest(marketID string, factor decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	p.rate = p.rate.Mul(factor)
	for _, acc := range p.accounts {
		acc.borrowed = acc.borrowed.Mul(factor)
	}
	return nil
}

func (s *SimMarket) injected(op string) (ResultCode, bool) {
	if code, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return code, true
	}
	return CodeOK, false
}

func (s *SimMarket) pool(marketID string) (*simPool, error) {
	p, ok := s.pools[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return p, nil
}

func (p *simPool) account(id string) *simAccount {
	acc, ok := p.accounts[id]
	if !ok {
		acc = &simAccount{
			shares:   decimal.Zero,
			borrowed: decimal.Zero,
		}
		p.accounts[id] = acc
	}
	return acc
}

// GetAccountSnapshot implements Client.
func (s *SimMarket) GetAccountSnapshot(_ context.Context, account, marketID string) (AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pool(marketID)
	if err != nil {
		return AccountState{}, err
	}
	acc := p.account(account)
	return AccountState{
		ReceiptShares: acc.shares,
		ExchangeRate:  p.rate,
		Borrowed:      acc.borrowed,
	}, nil
}

// Supply implements Client: mints shares at the current exchange rate.
func (s *SimMarket) Supply(_ context.Context, account, marketID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.injected(opSupply); ok {
		return rejection(opSupply, code, "injected failure")
	}
	p, err := s.pool(marketID)
	if err != nil {
		return err
	}
	if !integral(amount) || amount.IsZero() {
		return rejection(opSupply, CodeRejected, "amount must be a positive integer in smallest units")
	}

	acc := p.account(account)
	acc.shares = acc.shares.Add(amount.DivRound(p.rate, shareScale))
	p.cash = p.cash.Add(amount)
	return nil
}

// Redeem implements Client: burns shares, returns underlying.
func (s *SimMarket) Redeem(_ context.Context, account, marketID string, shares decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.injected(opRedeem); ok {
		return rejection(opRedeem, code, "injected failure")
	}
	p, err := s.pool(marketID)
	if err != nil {
		return err
	}
	if shares.IsNegative() || shares.IsZero() {
		return rejection(opRedeem, CodeRejected, "shares must be positive")
	}

	acc := p.account(account)
	if shares.GreaterThan(acc.shares) {
		return rejection(opRedeem, CodeRejected, "insufficient receipt shares")
	}
	underlying := shares.Mul(p.rate)
	if underlying.GreaterThan(p.cash) {
		return rejection(opRedeem, CodeInsufficientCash, "insufficient pool cash")
	}

	acc.shares = acc.shares.Sub(shares)
	p.cash = p.cash.Sub(underlying)
	return nil
}

// Borrow implements Client: increases the borrow balance, pays out cash.
func (s *SimMarket) Borrow(_ context.Context, account, marketID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.injected(opBorrow); ok {
		return rejection(opBorrow, code, "injected failure")
	}
	p, err := s.pool(marketID)
	if err != nil {
		return err
	}
	if !integral(amount) || amount.IsZero() {
		return rejection(opBorrow, CodeRejected, "amount must be a positive integer in smallest units")
	}
	if amount.GreaterThan(p.cash) {
		return rejection(opBorrow, CodeInsufficientCash, "insufficient pool cash")
	}

	acc := p.account(account)
	acc.borrowed = acc.borrowed.Add(amount)
	p.cash = p.cash.Sub(amount)
	return nil
}

// Repay implements Client: reduces the borrow balance of onBehalfOf
// (defaulting to the caller). Overpayment is rejected by the venue; the
// engine clamps before submitting.
func (s *SimMarket) Repay(_ context.Context, account, marketID string, amount decimal.Decimal, onBehalfOf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.injected(opRepay); ok {
		return rejection(opRepay, code, "injected failure")
	}
	p, err := s.pool(marketID)
	if err != nil {
		return err
	}
	target := onBehalfOf
	if target == "" {
		target = account
	}
	acc := p.account(target)
	// The exact outstanding balance is accepted even when accrual left it
	// fractional; anything else must be a positive integer.
	if amount.IsZero() {
		return rejection(opRepay, CodeRejected, "amount must be positive")
	}
	if !integral(amount) && !amount.Equal(acc.borrowed) {
		return rejection(opRepay, CodeRejected, "amount must be a positive integer in smallest units")
	}
	if amount.GreaterThan(acc.borrowed) {
		return rejection(opRepay, CodeRejected, "repay exceeds outstanding borrow")
	}

	acc.borrowed = acc.borrowed.Sub(amount)
	p.cash = p.cash.Add(amount)
	return nil
}

// EnterMarket implements Client.
func (s *SimMarket) EnterMarket(_ context.Context, account, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.injected(opEnter); ok {
		return rejection(opEnter, code, "injected failure")
	}
	p, err := s.pool(marketID)
	if err != nil {
		return err
	}
	p.account(account).entered = true
	return nil
}

// ExitMarket implements Client. The venue blocks exit while the account
// still owes in this market; the engine's value-based shortfall check
// runs before this call ever happens.
func (s *SimMarket) ExitMarket(_ context.Context, account, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.injected(opExit); ok {
		return rejection(opExit, code, "injected failure")
	}
	p, err := s.pool(marketID)
	if err != nil {
		return err
	}
	acc := p.account(account)
	if acc.borrowed.IsPositive() {
		return rejection(opExit, CodeRejected, "outstanding borrow in market")
	}
	acc.entered = false
	return nil
}

// PoolCash returns the un-borrowed underlying in a market. Test helper.
func (s *SimMarket) PoolCash(marketID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[marketID]; ok {
		return p.cash
	}
	return decimal.Zero
}
