// Package indexer fetches bulk token balances from a PulseChain Scan
// (Blockscout) deployment. It serves both first population of the
// balance cache and reconciliation ground truth, and is treated as
// eventually consistent: newly received tokens can lag.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
)

const (
	requestTimeout = 15 * time.Second
	maxAttempts    = 3
	retryDelay     = time.Second

	// NativeTokenKey is the cache key used for the chain's native coin,
	// which has no contract address.
	NativeTokenKey = "native"

	nativeSymbol   = "PLS"
	nativeName     = "Pulse"
	nativeDecimals = 18
)

// TokenBalance is one balance record for a wallet.
type TokenBalance struct {
	Address   string
	Symbol    string
	Name      string
	Decimals  uint8
	Raw       *big.Int
	Formatted decimal.Decimal
	Native    bool
}

// Client queries a Blockscout v2 REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an indexer client for the given API base URL,
// e.g. https://api.scan.pulsechain.com/api/v2.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Blockscout wire shapes. Numeric fields arrive as strings because the
// values exceed JSON's safe integer range.
type tokenBalanceRecord struct {
	Token struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Decimals string `json:"decimals"`
		Type     string `json:"type"`
	} `json:"token"`
	Value string `json:"value"`
}

type addressRecord struct {
	CoinBalance string `json:"coin_balance"`
}

// AddressTokenBalances returns every current ERC-20 balance for the
// wallet plus one native-coin record, normalized for cache use.
func (c *Client) AddressTokenBalances(ctx context.Context, wallet string) ([]TokenBalance, error) {
	wallet = blockchain.NormalizeAddress(wallet)

	var records []tokenBalanceRecord
	url := fmt.Sprintf("%s/addresses/%s/token-balances", c.baseURL, wallet)
	if err := c.getJSON(ctx, url, &records); err != nil {
		return nil, fmt.Errorf("indexer token balances: %w", err)
	}

	balances := make([]TokenBalance, 0, len(records)+1)
	for _, rec := range records {
		if rec.Token.Type != "" && rec.Token.Type != "ERC-20" {
			continue
		}

		raw, ok := new(big.Int).SetString(rec.Value, 10)
		if !ok {
			slog.Warn("Indexer returned unparseable balance, skipping token",
				"wallet", wallet, "token", rec.Token.Address, "value", rec.Value)
			continue
		}

		decimals := uint8(nativeDecimals)
		if d, err := strconv.ParseUint(rec.Token.Decimals, 10, 8); err == nil {
			decimals = uint8(d)
		}

		balances = append(balances, TokenBalance{
			Address:   blockchain.NormalizeAddress(rec.Token.Address),
			Symbol:    rec.Token.Symbol,
			Name:      rec.Token.Name,
			Decimals:  decimals,
			Raw:       raw,
			Formatted: blockchain.FormatUnits(raw, decimals),
		})
	}

	if native, err := c.nativeBalance(ctx, wallet); err != nil {
		// A missing native record degrades the result, it does not fail it.
		slog.Warn("Indexer native balance fetch failed", "wallet", wallet, "error", err)
	} else {
		balances = append(balances, native)
	}

	return balances, nil
}

func (c *Client) nativeBalance(ctx context.Context, wallet string) (TokenBalance, error) {
	var rec addressRecord
	url := fmt.Sprintf("%s/addresses/%s", c.baseURL, wallet)
	if err := c.getJSON(ctx, url, &rec); err != nil {
		return TokenBalance{}, err
	}

	raw, ok := new(big.Int).SetString(rec.CoinBalance, 10)
	if !ok {
		return TokenBalance{}, fmt.Errorf("unparseable coin balance %q", rec.CoinBalance)
	}

	return TokenBalance{
		Address:   NativeTokenKey,
		Symbol:    nativeSymbol,
		Name:      nativeName,
		Decimals:  nativeDecimals,
		Raw:       raw,
		Formatted: blockchain.FormatUnits(raw, nativeDecimals),
		Native:    true,
	}, nil
}

// getJSON performs a GET with bounded retries and decodes the body.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	var lastErr error

	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			// 4xx responses will not improve on retry
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return lastErr
			}
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
