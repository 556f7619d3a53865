package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/breaker"
	"sanad/internal/core"
	httpclient "sanad/pkg/http"
)

// OnchainClient is the HTTP adapter over the on-chain evidence APIs
// (holder analysis, honeypot check, rugpull scan, sell simulation). It
// satisfies the pipeline's Enricher contract. Each endpoint is routed
// through the shared circuit-breaker pool under its own component name.
type OnchainClient struct {
	client   *httpclient.Client
	breakers *breaker.Pool
	logger   core.ILogger
}

func NewOnchainClient(baseURL string, breakers *breaker.Pool, logger core.ILogger) *OnchainClient {
	return &OnchainClient{
		client:   httpclient.NewClient(baseURL, 30*time.Second, nil),
		breakers: breakers,
		logger:   logger.WithField("component", "onchain_client"),
	}
}

func (c *OnchainClient) guarded(ctx context.Context, component, path string, params map[string]string, out interface{}) error {
	if c.breakers != nil && !c.breakers.Allow(ctx, component) {
		return fmt.Errorf("%s: circuit open", component)
	}
	body, err := c.client.Get(ctx, path, params)
	if err != nil {
		if c.breakers != nil {
			c.breakers.RecordFailure(ctx, component)
		}
		return fmt.Errorf("%s: %w", component, err)
	}
	if c.breakers != nil {
		c.breakers.RecordSuccess(ctx, component)
	}
	return json.Unmarshal(body, out)
}

func (c *OnchainClient) HolderAnalysis(ctx context.Context, chain, tokenAddress string) (int, float64, error) {
	var resp struct {
		HolderCount int     `json:"holder_count"`
		Top10Pct    float64 `json:"top10_holder_pct"`
	}
	err := c.guarded(ctx, "holder_api", "/v1/holders", map[string]string{"chain": chain, "address": tokenAddress}, &resp)
	if err != nil {
		return 0, 0, err
	}
	return resp.HolderCount, resp.Top10Pct, nil
}

func (c *OnchainClient) HoneypotCheck(ctx context.Context, chain, tokenAddress string) (string, []string, error) {
	var resp struct {
		Verdict       string   `json:"verdict"`
		SecurityFlags []string `json:"security_flags"`
	}
	err := c.guarded(ctx, "honeypot_api", "/v1/honeypot", map[string]string{"chain": chain, "address": tokenAddress}, &resp)
	if err != nil {
		return "", nil, err
	}
	return resp.Verdict, resp.SecurityFlags, nil
}

func (c *OnchainClient) RugpullScan(ctx context.Context, chain, tokenAddress string) (string, []string, string, error) {
	var resp struct {
		Verdict   string   `json:"verdict"`
		Flags     []string `json:"flags"`
		SybilRisk string   `json:"sybil_risk"`
	}
	err := c.guarded(ctx, "rugpull_api", "/v1/rugpull", map[string]string{"chain": chain, "address": tokenAddress}, &resp)
	if err != nil {
		return "", nil, "", err
	}
	return resp.Verdict, resp.Flags, resp.SybilRisk, nil
}

func (c *OnchainClient) SimulateSell(ctx context.Context, chain, tokenAddress string, qty decimal.Decimal) (bool, decimal.Decimal, error) {
	var resp struct {
		Reverts   bool   `json:"reverts"`
		AmountOut string `json:"amount_out"`
	}
	err := c.guarded(ctx, "dex_simulator", "/v1/simulate_sell",
		map[string]string{"chain": chain, "address": tokenAddress, "quantity": qty.String()}, &resp)
	if err != nil {
		return false, decimal.Zero, err
	}
	out, parseErr := decimal.NewFromString(resp.AmountOut)
	if parseErr != nil {
		out = decimal.Zero
	}
	return resp.Reverts, out, nil
}
