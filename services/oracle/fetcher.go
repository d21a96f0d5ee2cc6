package oracle

import (
	"context"
	"fmt"
	"time"

	"tipbot/pkg/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Fetcher reads the current USD price of one native unit.
type Fetcher interface {
	Fetch(ctx context.Context) (decimal.Decimal, error)
}

type FetcherFunc func(ctx context.Context) (decimal.Decimal, error)

func (f FetcherFunc) Fetch(ctx context.Context) (decimal.Decimal, error) {
	return f(ctx)
}

type httpFetcher struct {
	http   *resty.Client
	coinID string
}

// NewHTTPFetcher reads a simple-price document of the form
// {"<coin>":{"usd":<rate>}}.
func NewHTTPFetcher(cfg *config.Config) Fetcher {
	timeout := cfg.Oracle.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &httpFetcher{
		http: resty.New().
			SetBaseURL(cfg.Oracle.URL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		coinID: cfg.Oracle.CoinID,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context) (decimal.Decimal, error) {
	var out map[string]map[string]decimal.Decimal
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"ids": f.coinID, "vs_currencies": "usd"}).
		SetResult(&out).
		Get("")
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle fetch: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("oracle fetch: status %d", resp.StatusCode())
	}

	rate, ok := out[f.coinID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("oracle fetch: no usd price for %q", f.coinID)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("oracle fetch: non-positive rate %s", rate)
	}
	return rate, nil
}
