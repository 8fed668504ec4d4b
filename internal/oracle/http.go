package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPOracle fetches prices from an external price-feed service over
// JSON HTTP: GET {base}/prices/{symbol} → {"symbol": "...", "price": "..."}.
//
// Failure mapping: 404 → ErrNoFeed, any transport error, timeout, or
// non-2xx status → ErrUnavailable. The oracle never retries internally;
// the engine fails the request and leaves retry to the caller.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates a client for the price feed at baseURL. timeout
// bounds every request; zero means 5s.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Price implements PriceOracle.
func (o *HTTPOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := o.baseURL + "/prices/" + url.PathEscape(symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNoFeed, symbol)
	case resp.StatusCode != http.StatusOK:
		return decimal.Decimal{}, fmt.Errorf("%w: %s: status %d", ErrUnavailable, symbol, resp.StatusCode)
	}

	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}

	p, err := decimal.NewFromString(pr.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %q", ErrInvalidPrice, symbol, pr.Price)
	}

	norm, err := normalize(p)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %s", ErrInvalidPrice, symbol, p)
	}
	return norm, nil
}
