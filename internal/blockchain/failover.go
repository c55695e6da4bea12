package blockchain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	unhealthyCooldown  = 5 * time.Minute
	healthCheckTimeout = 5 * time.Second
)

type endpoint struct {
	url           string
	client        *ethclient.Client
	healthy       bool
	lastError     error
	lastErrorTime time.Time
	mu            sync.RWMutex
}

// FailoverPool rotates across multiple RPC endpoints, skipping
// endpoints that recently failed until their cooldown expires.
type FailoverPool struct {
	endpoints []*endpoint
	current   int
	mu        sync.Mutex
}

// NewFailoverPool dials every URL and verifies it with a ChainID call.
// At least one endpoint must come up healthy.
func NewFailoverPool(urls []string) (*FailoverPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC URL is required")
	}

	pool := &FailoverPool{endpoints: make([]*endpoint, 0, len(urls))}

	healthyCount := 0
	for _, url := range urls {
		client, err := ethclient.Dial(url)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			_, chainErr := client.ChainID(ctx)
			cancel()
			if chainErr != nil {
				client.Close()
				client = nil
				err = chainErr
			}
		}

		pool.endpoints = append(pool.endpoints, &endpoint{
			url:           url,
			client:        client,
			healthy:       err == nil,
			lastError:     err,
			lastErrorTime: time.Now(),
		})

		if err == nil {
			healthyCount++
			slog.Info("Connected to RPC endpoint", "url", url)
		} else {
			slog.Warn("Failed to connect to RPC endpoint, will retry later", "url", url, "error", err)
		}
	}

	if healthyCount == 0 {
		return nil, fmt.Errorf("no healthy RPC endpoints available")
	}
	return pool, nil
}

// Endpoint returns a healthy client, rotating past failed endpoints and
// re-dialing any whose cooldown has expired.
func (p *FailoverPool) Endpoint() (*ethclient.Client, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.current
	for i := 0; i < len(p.endpoints); i++ {
		idx := (start + i) % len(p.endpoints)
		ep := p.endpoints[idx]

		ep.mu.RLock()
		healthy := ep.healthy
		client := ep.client
		url := ep.url
		cooledDown := time.Since(ep.lastErrorTime) > unhealthyCooldown
		ep.mu.RUnlock()

		if healthy && client != nil {
			p.current = idx
			return client, url, nil
		}

		if !healthy && cooledDown {
			if recovered := p.tryRecover(ep); recovered != nil {
				p.current = idx
				return recovered, url, nil
			}
		}
	}

	return nil, "", fmt.Errorf("no healthy RPC endpoints available")
}

// tryRecover re-dials an unhealthy endpoint and marks it recovered if
// a verification call succeeds.
func (p *FailoverPool) tryRecover(ep *endpoint) *ethclient.Client {
	client, err := ethclient.Dial(ep.url)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	_, chainErr := client.ChainID(ctx)
	cancel()
	if chainErr != nil {
		client.Close()
		return nil
	}

	ep.mu.Lock()
	if ep.client != nil {
		ep.client.Close()
	}
	ep.client = client
	ep.healthy = true
	ep.lastError = nil
	ep.mu.Unlock()

	slog.Info("Reconnected to RPC endpoint", "url", ep.url)
	return client
}

// MarkUnhealthy records a failure against an endpoint and closes its
// connection so the next Endpoint call rotates past it.
func (p *FailoverPool) MarkUnhealthy(url string, err error) {
	for _, ep := range p.endpoints {
		if ep.url != url {
			continue
		}

		ep.mu.Lock()
		ep.healthy = false
		ep.lastError = err
		ep.lastErrorTime = time.Now()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()

		slog.Warn("Marked RPC endpoint as unhealthy, will retry after cooldown",
			"url", url,
			"error", err,
			"retry_after", unhealthyCooldown)
		return
	}
}

// Health reports per-endpoint health keyed by URL.
func (p *FailoverPool) Health() map[string]bool {
	health := make(map[string]bool, len(p.endpoints))
	for _, ep := range p.endpoints {
		ep.mu.RLock()
		health[ep.url] = ep.healthy
		ep.mu.RUnlock()
	}
	return health
}

// Close closes every endpoint connection.
func (p *FailoverPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()
	}
}
