package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	rpcTimeout    = 10 * time.Second
	maxRetries    = 3
	retryInterval = 500 * time.Millisecond
)

// Client wraps PulseChain RPC read access with multi-endpoint failover.
type Client struct {
	pool      *FailoverPool
	parsedABI abi.ABI
}

// NewClient creates a chain reader over the given RPC URLs.
func NewClient(rpcURLs []string) (*Client, error) {
	pool, err := NewFailoverPool(rpcURLs)
	if err != nil {
		return nil, err
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	return &Client{pool: pool, parsedABI: parsedABI}, nil
}

// Close closes all RPC connections.
func (c *Client) Close() {
	c.pool.Close()
}

// EndpointsHealth reports per-endpoint health for diagnostics.
func (c *Client) EndpointsHealth() map[string]bool {
	return c.pool.Health()
}

// retryWithFailover executes fn with bounded exponential backoff,
// marking the current endpoint unhealthy and rotating on each failure.
// The call fails only after every attempt is exhausted.
func (c *Client) retryWithFailover(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := retryInterval * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, currentURL, _ := c.pool.Endpoint()

		if err := fn(); err != nil {
			lastErr = err
			c.pool.MarkUnhealthy(currentURL, err)
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// NativeBalance returns the wallet's native coin balance at head.
func (c *Client) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var balance *big.Int
	err := c.retryWithFailover(rpcCtx, func() error {
		client, _, err := c.pool.Endpoint()
		if err != nil {
			return err
		}
		balance, err = client.BalanceAt(rpcCtx, wallet, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getBalance: %w", err)
	}
	return balance, nil
}

// BlockNumber returns the current chain height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var height uint64
	err := c.retryWithFailover(rpcCtx, func() error {
		client, _, err := c.pool.Endpoint()
		if err != nil {
			return err
		}
		height, err = client.BlockNumber(rpcCtx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("blockNumber: %w", err)
	}
	return height, nil
}

// FilterLogs runs a log query with failover.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var logs []types.Log
	err := c.retryWithFailover(rpcCtx, func() error {
		client, _, err := c.pool.Endpoint()
		if err != nil {
			return err
		}
		logs, err = client.FilterLogs(rpcCtx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getLogs: %w", err)
	}
	return logs, nil
}
