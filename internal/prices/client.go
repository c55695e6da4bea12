// Package prices resolves best-effort USD quotes for tokens from a
// DexScreener-style pairs API. Quotes decorate cached balances; a
// failed quote never fails a balance read.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
)

const requestTimeout = 10 * time.Second

// Client queries the quote API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a price client for the given API base URL,
// e.g. https://api.dexscreener.com/latest/dex.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type pairsResponse struct {
	Pairs []struct {
		PriceUSD  string `json:"priceUsd"`
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
	} `json:"pairs"`
}

// TokenPrice returns the USD price for a token, taken from its deepest
// quoted pair. Returns an error when no pair carries a price.
func (c *Client) TokenPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/tokens/%s", c.baseURL, blockchain.NormalizeAddress(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price fetch: unexpected status %d", resp.StatusCode)
	}

	var body pairsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("price fetch: decode: %w", err)
	}

	var best decimal.Decimal
	bestLiquidity := -1.0
	for _, pair := range body.Pairs {
		if pair.PriceUSD == "" {
			continue
		}
		price, err := decimal.NewFromString(pair.PriceUSD)
		if err != nil {
			continue
		}
		if pair.Liquidity.USD > bestLiquidity {
			best = price
			bestLiquidity = pair.Liquidity.USD
		}
	}

	if bestLiquidity < 0 {
		return decimal.Zero, fmt.Errorf("no quoted pair for token %s", token)
	}
	return best, nil
}
