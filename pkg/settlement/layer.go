package settlement

import (
	"context"
	"fmt"
	"time"

	"tipbot/pkg/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement", fx.Provide(NewClient))

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Chain carries the network parameters of a transfer.
type Chain struct {
	Network  string `json:"network"`
	Currency string `json:"currency"`
}

// Request asks Payer to move Amount to Destination. The settlement layer
// reports the result later against Reference.
type Request struct {
	Reference   string          `json:"reference"`
	Payer       string          `json:"payer"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Chain       Chain           `json:"chain"`
	Memo        string          `json:"memo,omitempty"`
}

// Transfer is one leg of a batch payout.
type Transfer struct {
	Reference   string          `json:"reference"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

// Callback is the settlement layer's report for one reference.
type Callback struct {
	Ref     string  `json:"ref" binding:"required"`
	Outcome Outcome `json:"outcome" binding:"required,oneof=success failure"`
	TxHash  string  `json:"tx_hash"`
}

// Layer is what the bot needs from the blockchain settlement service.
type Layer interface {
	// RequestSettlement returns a UI reference for the payment request.
	RequestSettlement(ctx context.Context, req Request) (string, error)
	// ExecuteBatchTransfer pays all transfers as one batch and returns its
	// transaction hash. Either every leg is submitted or none is. Repeating a
	// call with the same reference returns the original batch.
	ExecuteBatchTransfer(ctx context.Context, reference string, transfers []Transfer) (string, error)
	Refund(ctx context.Context, destination string, amount decimal.Decimal) (string, error)
}

type client struct {
	http  *resty.Client
	chain Chain
}

func NewClient(cfg *config.Config) Layer {
	timeout := cfg.Settlement.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &client{
		http: resty.New().
			SetBaseURL(cfg.Settlement.BaseURL).
			SetHeader("X-API-Key", cfg.Settlement.APIKey).
			SetTimeout(timeout),
		chain: Chain{Network: cfg.Settlement.Network, Currency: cfg.Settlement.Currency},
	}
}

type requestResponse struct {
	UIRef string `json:"ui_ref"`
}

type txResponse struct {
	TxHash string `json:"tx_hash"`
}

func (c *client) RequestSettlement(ctx context.Context, req Request) (string, error) {
	if req.Chain == (Chain{}) {
		req.Chain = c.chain
	}

	var out requestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/settlements")
	if err != nil {
		return "", fmt.Errorf("request settlement %s: %w", req.Reference, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("request settlement %s: status %d: %s", req.Reference, resp.StatusCode(), resp.String())
	}
	return out.UIRef, nil
}

func (c *client) ExecuteBatchTransfer(ctx context.Context, reference string, transfers []Transfer) (string, error) {
	if len(transfers) == 0 {
		return "", fmt.Errorf("batch transfer %s: no transfers", reference)
	}

	var out txResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", reference).
		SetBody(map[string]any{"reference": reference, "chain": c.chain, "transfers": transfers}).
		SetResult(&out).
		Post("/v1/transfers/batch")
	if err != nil {
		return "", fmt.Errorf("batch transfer %s: %w", reference, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("batch transfer %s: status %d: %s", reference, resp.StatusCode(), resp.String())
	}
	return out.TxHash, nil
}

func (c *client) Refund(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	var out txResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"chain": c.chain, "destination": destination, "amount": amount}).
		SetResult(&out).
		Post("/v1/refunds")
	if err != nil {
		return "", fmt.Errorf("refund %s: %w", destination, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("refund %s: status %d: %s", destination, resp.StatusCode(), resp.String())
	}
	return out.TxHash, nil
}
