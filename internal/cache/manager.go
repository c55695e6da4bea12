// Package cache implements the balance reconciliation and
// live-tracking cache: an in-memory per-wallet/per-token balance map
// kept fresh by transfer-event updates and corrected by a periodic
// reconciliation sweep against indexer ground truth.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
	"github.com/pulsefolio/pulse-tracker/internal/indexer"
	"github.com/pulsefolio/pulse-tracker/internal/watcher"
)

// ErrNotTracked is returned by CachedBalances for wallets that were
// never tracked. It is a sentinel, not a failure: the caller decides
// whether to populate.
var ErrNotTracked = errors.New("wallet is not tracked")

const (
	priceFetchTimeout    = 10 * time.Second
	metadataFetchTimeout = 10 * time.Second
)

// nativePriceProxy is the WPLS contract. DexScreener keys pairs by
// token contract, so the native coin is quoted through its wrapped
// form; WPLS is redeemable 1:1 for PLS.
const nativePriceProxy = "0xa1077a294dde1b09bb078844df40758a5d0f9a27"

// TokenWatcher is the slice of the live transfer watcher the manager
// drives. Satisfied by watcher.Watcher.
type TokenWatcher interface {
	TrackWallet(wallet string, tokens []string)
	UntrackWallet(wallet string)
	Ready() bool
	Close()
}

// IndexerSource provides bulk ground-truth balances. Satisfied by
// indexer.Client.
type IndexerSource interface {
	AddressTokenBalances(ctx context.Context, wallet string) ([]indexer.TokenBalance, error)
}

// PriceSource provides best-effort USD quotes. Satisfied by
// prices.Client; may be nil to disable price attachment.
type PriceSource interface {
	TokenPrice(ctx context.Context, token string) (decimal.Decimal, error)
}

// SnapshotSink persists reconciled balances for history. Optional.
type SnapshotSink interface {
	SaveSnapshots(ctx context.Context, wallet string, records []BalanceRecord) error
}

// ChainSource reads balances and token metadata directly from the
// chain. Satisfied by blockchain.Client; optional, the cache degrades
// to indexer data without it.
type ChainSource interface {
	NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error)
	ResolveTokenMetadata(ctx context.Context, token common.Address) (blockchain.TokenMetadata, error)
}

// Options configures a Manager.
type Options struct {
	Watcher           TokenWatcher
	Indexer           IndexerSource
	Prices            PriceSource
	Snapshots         SnapshotSink
	Chain             ChainSource
	ReconcileInterval time.Duration
}

// Manager owns the balance cache for its process lifetime. All cache
// mutation goes through its methods; external callers only read.
type Manager struct {
	watcher   TokenWatcher
	indexer   IndexerSource
	prices    PriceSource
	snapshots SnapshotSink
	chain     ChainSource
	interval  time.Duration

	mu       sync.RWMutex
	wallets  map[string]*walletCache
	metadata map[string]blockchain.TokenMetadata

	keys *keyedMutex

	schedMu       sync.Mutex
	sched         *reconcileScheduler
	lastReconcile time.Time

	listenerMu sync.RWMutex
	listeners  []func(BalanceUpdated)
}

// NewManager creates a manager. The reconciliation scheduler starts
// lazily with the first tracked wallet.
func NewManager(opts Options) *Manager {
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Manager{
		watcher:   opts.Watcher,
		indexer:   opts.Indexer,
		prices:    opts.Prices,
		snapshots: opts.Snapshots,
		chain:     opts.Chain,
		interval:  interval,
		wallets:   make(map[string]*walletCache),
		metadata:  make(map[string]blockchain.TokenMetadata),
		keys:      newKeyedMutex(),
	}
}

// OnBalanceUpdated registers a listener for cache mutations, both
// event-driven and reconciliation-sourced.
func (m *Manager) OnBalanceUpdated(fn func(BalanceUpdated)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(ev BalanceUpdated) {
	m.listenerMu.RLock()
	fns := m.listeners
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func updateKey(wallet, token string) string {
	return wallet + "|" + token
}

// TrackWallet seeds the cache with initial balances and metadata,
// enrolls the wallet's ERC-20 tokens with the watcher, and starts the
// reconciliation scheduler if this is the first tracked wallet.
// Re-tracking overwrites entries instead of duplicating them.
func (m *Manager) TrackWallet(wallet string, balances []indexer.TokenBalance) {
	wallet = blockchain.NormalizeAddress(wallet)

	var stream []string
	for _, bal := range balances {
		token := blockchain.NormalizeAddress(bal.Address)
		m.seed(wallet, token, bal)
		// Native transfers emit no logs, so the native balance stays
		// off the event path and is refreshed by reconciliation only.
		if !bal.Native {
			stream = append(stream, token)
		}
	}

	m.mu.Lock()
	if _, ok := m.wallets[wallet]; !ok {
		m.wallets[wallet] = &walletCache{tokens: make(map[string]*entry)}
	}
	first := len(m.wallets) == 1
	m.mu.Unlock()

	if len(stream) > 0 {
		// The watcher defers subscriptions while disconnected and
		// replays them on reconnect, so this is safe to call anytime.
		m.watcher.TrackWallet(wallet, stream)
	}
	if first {
		m.startReconciliation()
	}
}

// seed writes one (wallet, token) entry plus its metadata under the
// per-key lock.
func (m *Manager) seed(wallet, token string, bal indexer.TokenBalance) {
	key := updateKey(wallet, token)
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	decimals := bal.Decimals

	m.mu.Lock()
	defer m.mu.Unlock()

	wc, ok := m.wallets[wallet]
	if !ok {
		wc = &walletCache{tokens: make(map[string]*entry)}
		m.wallets[wallet] = wc
	}

	wc.tokens[token] = &entry{
		raw:         new(big.Int).Set(bal.Raw),
		formatted:   bal.Formatted,
		decimals:    &decimals,
		native:      bal.Native,
		lastUpdated: time.Now(),
	}

	if _, ok := m.metadata[token]; !ok {
		m.metadata[token] = blockchain.TokenMetadata{
			Address:  token,
			Symbol:   bal.Symbol,
			Name:     bal.Name,
			Decimals: bal.Decimals,
		}
	}
}

// UntrackWallet stops streaming for the wallet, drops its cache entry
// and, when no wallets remain, stops the reconciliation scheduler.
func (m *Manager) UntrackWallet(wallet string) {
	wallet = blockchain.NormalizeAddress(wallet)

	m.watcher.UntrackWallet(wallet)

	m.mu.Lock()
	delete(m.wallets, wallet)
	empty := len(m.wallets) == 0
	m.mu.Unlock()

	if empty {
		m.stopReconciliation()
	}
}

// CachedBalances returns the current snapshot for a wallet merged with
// known metadata. Pure read: no side effects, no network calls.
func (m *Manager) CachedBalances(wallet string) ([]BalanceRecord, error) {
	wallet = blockchain.NormalizeAddress(wallet)

	m.mu.RLock()
	defer m.mu.RUnlock()

	wc, ok := m.wallets[wallet]
	if !ok {
		return nil, ErrNotTracked
	}

	records := make([]BalanceRecord, 0, len(wc.tokens))
	for token, e := range wc.tokens {
		records = append(records, m.recordLocked(token, e))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Token < records[j].Token })
	return records, nil
}

// recordLocked builds the read model for one entry. Callers hold m.mu.
func (m *Manager) recordLocked(token string, e *entry) BalanceRecord {
	rec := BalanceRecord{
		Token:            token,
		RawBalance:       e.raw.String(),
		Formatted:        e.formatted,
		Decimals:         e.decimals,
		Native:           e.native,
		LastUpdatedBlock: e.lastBlock,
		LastUpdatedAt:    e.lastUpdated,
	}
	if meta, ok := m.metadata[token]; ok {
		rec.Symbol = meta.Symbol
		rec.Name = meta.Name
	}
	return rec
}

// BalancesWithLiveUpdates is the read-through entry point. A warm,
// non-empty cache is returned immediately with prices attached
// concurrently; a cold or empty cache is populated from the indexer
// first. Cold-population failure propagates: there is nothing useful
// to return.
func (m *Manager) BalancesWithLiveUpdates(ctx context.Context, wallet string) ([]BalanceRecord, error) {
	wallet = blockchain.NormalizeAddress(wallet)

	records, err := m.CachedBalances(wallet)
	if err == nil && len(records) > 0 {
		m.attachPrices(ctx, records)
		return records, nil
	}

	fresh, err := m.indexer.AddressTokenBalances(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("populate balances for %s: %w", wallet, err)
	}

	m.TrackWallet(wallet, fresh)

	records, err = m.CachedBalances(wallet)
	if err != nil {
		return nil, err
	}
	m.attachPrices(ctx, records)
	return records, nil
}

// attachPrices decorates records with best-effort USD quotes, one
// concurrent fetch per token. A failed quote leaves that record's
// price and value unset; it never fails the read.
func (m *Manager) attachPrices(ctx context.Context, records []BalanceRecord) {
	if m.prices == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, priceFetchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := range records {
		token := records[i].Token
		if records[i].Native {
			token = nativePriceProxy
		}
		wg.Add(1)
		go func(rec *BalanceRecord, token string) {
			defer wg.Done()
			price, err := m.prices.TokenPrice(ctx, token)
			if err != nil {
				slog.Debug("Price fetch failed", "token", token, "error", err)
				return
			}
			value := rec.Formatted.Mul(price)
			rec.Price = &price
			rec.Value = &value
		}(&records[i], token)
	}
	wg.Wait()
}

// HandleBalanceUpdate applies a watcher balance update. Updates for
// the same (wallet, token) key are serialized: a second update waits
// for the in-flight one instead of interleaving, so per-key arrival
// order is preserved and concurrent reconciliation writes cannot race
// event-driven ones. Updates for untracked wallets are dropped.
func (m *Manager) HandleBalanceUpdate(u watcher.BalanceUpdate) {
	wallet := blockchain.NormalizeAddress(u.Wallet)
	token := blockchain.NormalizeAddress(u.Token)

	key := updateKey(wallet, token)
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	// Tokens first seen through the event stream carry no indexer
	// metadata; resolve it from the contract before taking the cache
	// lock. Resolution failure leaves the 18-decimals fallback.
	resolved := m.resolveMetadata(wallet, token)

	m.mu.Lock()
	wc, ok := m.wallets[wallet]
	if !ok {
		m.mu.Unlock()
		return
	}

	e, ok := wc.tokens[token]
	if !ok {
		e = &entry{}
		wc.tokens[token] = e
	}

	if _, known := m.metadata[token]; !known && resolved != nil {
		m.metadata[token] = *resolved
	}

	decimals := uint8(18)
	if e.decimals != nil {
		decimals = *e.decimals
	} else if meta, ok := m.metadata[token]; ok {
		decimals = meta.Decimals
		e.decimals = &meta.Decimals
	}

	e.raw = new(big.Int).Set(u.Raw)
	e.formatted = blockchain.FormatUnits(u.Raw, decimals)
	e.lastBlock = u.BlockNumber
	e.lastUpdated = time.Now()

	ev := BalanceUpdated{
		Wallet:      wallet,
		Token:       token,
		RawBalance:  e.raw.String(),
		Formatted:   e.formatted,
		BlockNumber: u.BlockNumber,
	}
	m.mu.Unlock()

	m.notify(ev)
}

// resolveMetadata fetches contract metadata for a token the cache has
// never seen, provided the wallet is still tracked. Returns nil when
// no chain source is configured, the metadata is already known, or the
// contract calls fail.
func (m *Manager) resolveMetadata(wallet, token string) *blockchain.TokenMetadata {
	if m.chain == nil {
		return nil
	}

	m.mu.RLock()
	_, tracked := m.wallets[wallet]
	_, known := m.metadata[token]
	m.mu.RUnlock()
	if !tracked || known {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), metadataFetchTimeout)
	defer cancel()

	meta, err := m.chain.ResolveTokenMetadata(ctx, common.HexToAddress(token))
	if err != nil {
		slog.Warn("Token metadata resolution failed", "token", token, "error", err)
		return nil
	}
	meta.Address = token
	return &meta
}

// Status reports manager health for debug endpoints.
func (m *Manager) Status() Status {
	m.mu.RLock()
	wallets := len(m.wallets)
	tokens := 0
	all := make(map[string][]BalanceRecord, wallets)
	for wallet, wc := range m.wallets {
		tokens += len(wc.tokens)
		records := make([]BalanceRecord, 0, len(wc.tokens))
		for token, e := range wc.tokens {
			records = append(records, m.recordLocked(token, e))
		}
		all[wallet] = records
	}
	m.mu.RUnlock()

	size := 0
	if raw, err := json.Marshal(all); err == nil {
		size = len(raw)
	}

	m.schedMu.Lock()
	reconciling := m.sched != nil
	last := m.lastReconcile
	m.schedMu.Unlock()

	return Status{
		WatcherConnected: m.watcher.Ready(),
		TrackedWallets:   wallets,
		TrackedTokens:    tokens,
		CacheSizeBytes:   size,
		Reconciling:      reconciling,
		LastReconcileAt:  last,
	}
}

// Close stops reconciliation, closes the watcher and clears all state.
func (m *Manager) Close() {
	m.stopReconciliation()
	m.watcher.Close()

	m.mu.Lock()
	m.wallets = make(map[string]*walletCache)
	m.metadata = make(map[string]blockchain.TokenMetadata)
	m.mu.Unlock()
}
