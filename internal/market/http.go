package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPMarket talks to the lending market's JSON API:
//
//	GET  {base}/accounts/{account}/markets/{marketID}          snapshot
//	POST {base}/accounts/{account}/markets/{marketID}/{op}     mutation
//
// Every response carries {"code": N, "message": "..."}; snapshot
// responses additionally carry the account state. A non-zero code maps to
// the operation's rejection error. Transport failures, timeouts, and
// non-2xx statuses map to ErrUnavailable (or ErrUnknownMarket on 404).
type HTTPMarket struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMarket creates a client for the market API at baseURL. timeout
// bounds every request; zero means 5s.
func NewHTTPMarket(baseURL string, timeout time.Duration) *HTTPMarket {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMarket{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type marketResponse struct {
	Code    ResultCode    `json:"code"`
	Message string        `json:"message,omitempty"`
	State   *AccountState `json:"state,omitempty"`
}

func (m *HTTPMarket) accountURL(account, marketID string) string {
	return m.baseURL + "/accounts/" + url.PathEscape(account) + "/markets/" + url.PathEscape(marketID)
}

func (m *HTTPMarket) do(ctx context.Context, method, u string, body any) (*marketResponse, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, u)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var mr marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &mr, nil
}

// mutate runs one state-changing call and checks its result code.
func (m *HTTPMarket) mutate(ctx context.Context, op, account, marketID string, body any) error {
	mr, err := m.do(ctx, http.MethodPost, m.accountURL(account, marketID)+"/"+op, body)
	if err != nil {
		return err
	}
	if mr.Code != CodeOK {
		return rejection(op, mr.Code, mr.Message)
	}
	return nil
}

type amountBody struct {
	Amount decimal.Decimal `json:"amount"`
}

type sharesBody struct {
	Shares decimal.Decimal `json:"shares"`
}

type repayBody struct {
	Amount     decimal.Decimal `json:"amount"`
	OnBehalfOf string          `json:"on_behalf_of,omitempty"`
}

// GetAccountSnapshot implements Client.
func (m *HTTPMarket) GetAccountSnapshot(ctx context.Context, account, marketID string) (AccountState, error) {
	mr, err := m.do(ctx, http.MethodGet, m.accountURL(account, marketID), nil)
	if err != nil {
		return AccountState{}, err
	}
	if mr.Code != CodeOK {
		return AccountState{}, fmt.Errorf("%w: code %d: %s", ErrUnavailable, mr.Code, mr.Message)
	}
	if mr.State == nil {
		return AccountState{}, fmt.Errorf("%w: snapshot response missing state", ErrUnavailable)
	}
	return *mr.State, nil
}

// Supply implements Client.
func (m *HTTPMarket) Supply(ctx context.Context, account, marketID string, amount decimal.Decimal) error {
	return m.mutate(ctx, opSupply, account, marketID, amountBody{Amount: amount})
}

// Redeem implements Client.
func (m *HTTPMarket) Redeem(ctx context.Context, account, marketID string, shares decimal.Decimal) error {
	return m.mutate(ctx, opRedeem, account, marketID, sharesBody{Shares: shares})
}

// Borrow implements Client.
func (m *HTTPMarket) Borrow(ctx context.Context, account, marketID string, amount decimal.Decimal) error {
	return m.mutate(ctx, opBorrow, account, marketID, amountBody{Amount: amount})
}

// Repay implements Client.
func (m *HTTPMarket) Repay(ctx context.Context, account, marketID string, amount decimal.Decimal, onBehalfOf string) error {
	return m.mutate(ctx, opRepay, account, marketID, repayBody{Amount: amount, OnBehalfOf: onBehalfOf})
}

// EnterMarket implements Client.
func (m *HTTPMarket) EnterMarket(ctx context.Context, account, marketID string) error {
	return m.mutate(ctx, opEnter, account, marketID, nil)
}

// ExitMarket implements Client.
func (m *HTTPMarket) ExitMarket(ctx context.Context, account, marketID string) error {
	return m.mutate(ctx, opExit, account, marketID, nil)
}
