package cache

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
	"github.com/pulsefolio/pulse-tracker/internal/indexer"
	"github.com/pulsefolio/pulse-tracker/internal/watcher"
)

const (
	walletA = "0xabc0000000000000000000000000000000000abc"
	tokenT  = "0xdef0000000000000000000000000000000000def"
	tokenU  = "0x1230000000000000000000000000000000000123"
)

type fakeWatcher struct {
	mu        sync.Mutex
	ready     bool
	tracked   map[string][]string
	untracked []string
	closed    bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{ready: true, tracked: make(map[string][]string)}
}

func (w *fakeWatcher) TrackWallet(wallet string, tokens []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[wallet] = append(w.tracked[wallet], tokens...)
}

func (w *fakeWatcher) UntrackWallet(wallet string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.untracked = append(w.untracked, wallet)
	delete(w.tracked, wallet)
}

func (w *fakeWatcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

func (w *fakeWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

type fakeIndexer struct {
	mu    sync.Mutex
	data  map[string][]indexer.TokenBalance
	calls int
	err   error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{data: make(map[string][]indexer.TokenBalance)}
}

func (f *fakeIndexer) set(wallet string, balances ...indexer.TokenBalance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[wallet] = balances
}

func (f *fakeIndexer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeIndexer) AddressTokenBalances(ctx context.Context, wallet string) ([]indexer.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]indexer.TokenBalance, len(f.data[wallet]))
	copy(out, f.data[wallet])
	return out, nil
}

type fakeChain struct {
	mu        sync.Mutex
	native    *big.Int
	nativeErr error
	meta      map[string]blockchain.TokenMetadata
}

func (c *fakeChain) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nativeErr != nil {
		return nil, c.nativeErr
	}
	return new(big.Int).Set(c.native), nil
}

func (c *fakeChain) ResolveTokenMetadata(ctx context.Context, token common.Address) (blockchain.TokenMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.meta[blockchain.NormalizeAddress(token.Hex())]
	if !ok {
		return blockchain.TokenMetadata{}, fmt.Errorf("contract call failed")
	}
	return meta, nil
}

type fakePrices struct {
	mu      sync.Mutex
	price   decimal.Decimal
	err     error
	queried []string
}

func (f *fakePrices) TokenPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, token)
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.price, nil
}

func tokenBalance(addr, symbol string, raw string, decimals uint8) indexer.TokenBalance {
	v, _ := new(big.Int).SetString(raw, 10)
	return indexer.TokenBalance{
		Address:   addr,
		Symbol:    symbol,
		Name:      symbol + " Token",
		Decimals:  decimals,
		Raw:       v,
		Formatted: blockchain.FormatUnits(v, decimals),
	}
}

type managerFixture struct {
	m   *Manager
	w   *fakeWatcher
	idx *fakeIndexer
}

func newFixture(t *testing.T, prices PriceSource) *managerFixture {
	return newChainFixture(t, prices, nil)
}

func newChainFixture(t *testing.T, prices PriceSource, chain ChainSource) *managerFixture {
	t.Helper()
	w := newFakeWatcher()
	idx := newFakeIndexer()
	m := NewManager(Options{
		Watcher:           w,
		Indexer:           idx,
		Prices:            prices,
		Chain:             chain,
		ReconcileInterval: time.Hour, // only the immediate run fires in tests
	})
	t.Cleanup(m.Close)
	return &managerFixture{m: m, w: w, idx: idx}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// trackAndSettle tracks a wallet and waits for the immediate
// reconciliation run so later assertions are deterministic.
func (f *managerFixture) trackAndSettle(t *testing.T, wallet string, balances ...indexer.TokenBalance) {
	t.Helper()
	f.idx.set(wallet, balances...)
	before := f.idx.callCount()
	f.m.TrackWallet(wallet, balances)
	waitFor(t, func() bool { return f.idx.callCount() > before }, "immediate reconciliation run")
}

func TestTrackWalletSeedsCacheAndStreams(t *testing.T) {
	f := newFixture(t, nil)

	native := indexer.TokenBalance{
		Address:   indexer.NativeTokenKey,
		Symbol:    "PLS",
		Name:      "Pulse",
		Decimals:  18,
		Raw:       big.NewInt(7),
		Formatted: blockchain.FormatUnits(big.NewInt(7), 18),
		Native:    true,
	}
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "5000000000000000000", 18), native)

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Only the ERC-20 token goes to the watcher; native has no logs.
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	assert.Equal(t, []string{tokenT}, f.w.tracked[walletA])
}

func TestIdempotentTracking(t *testing.T) {
	f := newFixture(t, nil)

	bal := tokenBalance(tokenT, "WPLS", "5000000000000000000", 18)
	f.trackAndSettle(t, walletA, bal)
	f.m.TrackWallet(walletA, []indexer.TokenBalance{bal})

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "5000000000000000000", records[0].RawBalance)
}

func TestCachedBalancesNotTracked(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.m.CachedBalances(walletA)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestHandleBalanceUpdateAppliesWatcherValue(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "5000000000000000000", 18))

	var mu sync.Mutex
	var events []BalanceUpdated
	f.m.OnBalanceUpdated(func(ev BalanceUpdated) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	// A 1-token transfer in: the watcher reports the re-queried
	// post-transfer balance, not an increment.
	f.m.HandleBalanceUpdate(watcher.BalanceUpdate{
		Wallet:      walletA,
		Token:       tokenT,
		Raw:         big.NewInt(6000000000000000000),
		BlockNumber: 777,
	})

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "6000000000000000000", records[0].RawBalance)
	assert.True(t, records[0].Formatted.Equal(decimal.RequireFromString("6")))
	assert.Equal(t, uint64(777), records[0].LastUpdatedBlock)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Source, "event-driven updates carry no source tag")
	assert.Equal(t, "6000000000000000000", events[0].RawBalance)
}

func TestConcurrentUpdatesSerializePerKey(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "0", 18))

	var mu sync.Mutex
	var events []BalanceUpdated
	f.m.OnBalanceUpdated(func(ev BalanceUpdated) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	const n = 100
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.m.HandleBalanceUpdate(watcher.BalanceUpdate{
				Wallet:      walletA,
				Token:       tokenT,
				Raw:         big.NewInt(int64(i + 1)),
				BlockNumber: uint64(i + 1),
			})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, n, "no update may be lost")

	// The cache's final state must equal the last applied update:
	// no interleaving, no partial writes.
	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	last := events[n-1]
	assert.Equal(t, last.RawBalance, records[0].RawBalance)
	for _, ev := range events {
		raw := decimal.RequireFromString(ev.RawBalance).Shift(-18)
		assert.True(t, ev.Formatted.Equal(raw), "event %s internally consistent", ev.RawBalance)
	}
}

func TestReconciliationConvergence(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))

	var mu sync.Mutex
	var reconciled []BalanceUpdated
	f.m.OnBalanceUpdated(func(ev BalanceUpdated) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Source == SourceReconciliation {
			reconciled = append(reconciled, ev)
		}
	})

	// Ground truth moved while the cache was not looking.
	f.idx.set(walletA, tokenBalance(tokenT, "WPLS", "2000", 18))
	f.m.ReconcileAll(context.Background())

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	assert.Equal(t, "2000", records[0].RawBalance)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reconciled, 1, "exactly one reconciliation event per corrected key")
	assert.Equal(t, SourceReconciliation, reconciled[0].Source)
	assert.Equal(t, "1000", reconciled[0].PreviousRaw)
	assert.Equal(t, "2000", reconciled[0].RawBalance)

	// A second sweep with agreeing ground truth emits nothing.
	f.m.ReconcileAll(context.Background())
	assert.Len(t, reconciled, 1)
}

func TestReconciliationDiscoversNewTokens(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))

	f.idx.set(walletA,
		tokenBalance(tokenT, "WPLS", "1000", 18),
		tokenBalance(tokenU, "HEX", "42000000", 8),
	)
	f.m.ReconcileAll(context.Background())

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// New token begins streaming going forward.
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	assert.Contains(t, f.w.tracked[walletA], tokenU)
}

func TestReconciliationFailureDoesNotAbortSweep(t *testing.T) {
	walletB := "0xbbb0000000000000000000000000000000000bbb"

	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))
	// The scheduler is already running, so no immediate sweep fires here.
	f.idx.set(walletB, tokenBalance(tokenU, "HEX", "500", 8))
	f.m.TrackWallet(walletB, []indexer.TokenBalance{tokenBalance(tokenU, "HEX", "500", 8)})

	// Indexer fails outright for every wallet in this sweep.
	f.idx.mu.Lock()
	f.idx.err = fmt.Errorf("indexer timeout")
	f.idx.mu.Unlock()
	f.m.ReconcileAll(context.Background())

	// Then recovers with drift on walletB only.
	f.idx.mu.Lock()
	f.idx.err = nil
	f.idx.mu.Unlock()
	f.idx.set(walletA, tokenBalance(tokenT, "WPLS", "1000", 18))
	f.idx.set(walletB, tokenBalance(tokenU, "HEX", "999", 8))
	f.m.ReconcileAll(context.Background())

	records, err := f.m.CachedBalances(walletB)
	require.NoError(t, err)
	assert.Equal(t, "999", records[0].RawBalance)
}

func TestUntrackClearsState(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))

	var mu sync.Mutex
	events := 0
	f.m.OnBalanceUpdated(func(BalanceUpdated) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	f.m.UntrackWallet(walletA)

	_, err := f.m.CachedBalances(walletA)
	assert.ErrorIs(t, err, ErrNotTracked)
	f.w.mu.Lock()
	assert.Contains(t, f.w.untracked, walletA)
	f.w.mu.Unlock()

	// A stale event arriving after untrack is dropped silently.
	f.m.HandleBalanceUpdate(watcher.BalanceUpdate{
		Wallet: walletA,
		Token:  tokenT,
		Raw:    big.NewInt(1),
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, events)
}

func TestReconciliationStopsWhenIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))
	assert.True(t, f.m.Status().Reconciling)

	f.m.UntrackWallet(walletA)
	assert.False(t, f.m.Status().Reconciling)

	// Tracking a new wallet restarts the sweep.
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))
	assert.True(t, f.m.Status().Reconciling)
}

func TestColdReadPopulatesFromIndexer(t *testing.T) {
	f := newFixture(t, nil)
	f.idx.set(walletA, tokenBalance(tokenT, "WPLS", "1000", 18))

	records, err := f.m.BalancesWithLiveUpdates(context.Background(), walletA)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Formatted.Equal(decimal.RequireFromString("0.000000000000001")),
		"got %s", records[0].Formatted)

	// Wait out the immediate reconciliation run, then verify warm
	// reads touch no network: the indexer call count stays flat.
	waitFor(t, func() bool { return f.idx.callCount() >= 2 }, "cold populate plus immediate sweep")
	settled := f.idx.callCount()

	cached, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	assert.Equal(t, records[0].RawBalance, cached[0].RawBalance)

	warm, err := f.m.BalancesWithLiveUpdates(context.Background(), walletA)
	require.NoError(t, err)
	assert.Equal(t, records[0].RawBalance, warm[0].RawBalance)
	assert.Equal(t, settled, f.idx.callCount())
}

func TestColdReadFailurePropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.idx.mu.Lock()
	f.idx.err = fmt.Errorf("indexer unreachable")
	f.idx.mu.Unlock()

	_, err := f.m.BalancesWithLiveUpdates(context.Background(), walletA)
	assert.ErrorContains(t, err, "indexer unreachable")
}

func TestPriceAttachmentBestEffort(t *testing.T) {
	t.Run("prices attached when available", func(t *testing.T) {
		f := newFixture(t, &fakePrices{price: decimal.RequireFromString("2.5")})
		f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "4000000000000000000", 18))

		records, err := f.m.BalancesWithLiveUpdates(context.Background(), walletA)
		require.NoError(t, err)
		require.NotNil(t, records[0].Price)
		require.NotNil(t, records[0].Value)
		assert.True(t, records[0].Value.Equal(decimal.RequireFromString("10")))
	})

	t.Run("price failure leaves fields unset", func(t *testing.T) {
		f := newFixture(t, &fakePrices{err: fmt.Errorf("quote api down")})
		f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "4000000000000000000", 18))

		records, err := f.m.BalancesWithLiveUpdates(context.Background(), walletA)
		require.NoError(t, err)
		assert.Nil(t, records[0].Price)
		assert.Nil(t, records[0].Value)
	})

	t.Run("native priced through wrapped proxy", func(t *testing.T) {
		prices := &fakePrices{price: decimal.RequireFromString("0.0001")}
		f := newFixture(t, prices)

		native := indexer.TokenBalance{
			Address:   indexer.NativeTokenKey,
			Symbol:    "PLS",
			Decimals:  18,
			Raw:       big.NewInt(2000000000000000000),
			Formatted: blockchain.FormatUnits(big.NewInt(2000000000000000000), 18),
			Native:    true,
		}
		f.trackAndSettle(t, walletA, native)

		records, err := f.m.BalancesWithLiveUpdates(context.Background(), walletA)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.NotNil(t, records[0].Price)
		assert.True(t, records[0].Value.Equal(decimal.RequireFromString("0.0002")))

		prices.mu.Lock()
		defer prices.mu.Unlock()
		assert.Contains(t, prices.queried, nativePriceProxy)
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA,
		tokenBalance(tokenT, "WPLS", "1000", 18),
		tokenBalance(tokenU, "HEX", "42", 8),
	)

	st := f.m.Status()
	assert.True(t, st.WatcherConnected)
	assert.Equal(t, 1, st.TrackedWallets)
	assert.Equal(t, 2, st.TrackedTokens)
	assert.True(t, st.Reconciling)
	assert.Positive(t, st.CacheSizeBytes)
}

func TestCloseShutsEverythingDown(t *testing.T) {
	f := newFixture(t, nil)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "1000", 18))

	f.m.Close()

	assert.False(t, f.m.Status().Reconciling)
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	assert.True(t, f.w.closed)
}

func TestReconciliationPrefersChainNativeBalance(t *testing.T) {
	chain := &fakeChain{native: big.NewInt(2000)}
	f := newChainFixture(t, nil, chain)

	native := indexer.TokenBalance{
		Address:   indexer.NativeTokenKey,
		Symbol:    "PLS",
		Name:      "Pulse",
		Decimals:  18,
		Raw:       big.NewInt(1000),
		Formatted: blockchain.FormatUnits(big.NewInt(1000), 18),
		Native:    true,
	}
	f.idx.set(walletA, native)
	f.m.TrackWallet(walletA, []indexer.TokenBalance{native})

	// Seeding wrote the indexer value; the immediate sweep replaces it
	// with the chain head value.
	waitFor(t, func() bool {
		records, err := f.m.CachedBalances(walletA)
		return err == nil && len(records) == 1 && records[0].RawBalance == "2000"
	}, "native balance corrected from chain")
}

func TestNativeChainReadFailureKeepsIndexerValue(t *testing.T) {
	chain := &fakeChain{nativeErr: fmt.Errorf("rpc down")}
	f := newChainFixture(t, nil, chain)

	native := indexer.TokenBalance{
		Address:   indexer.NativeTokenKey,
		Symbol:    "PLS",
		Decimals:  18,
		Raw:       big.NewInt(1000),
		Formatted: blockchain.FormatUnits(big.NewInt(1000), 18),
		Native:    true,
	}
	f.trackAndSettle(t, walletA, native)

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1000", records[0].RawBalance)
}

func TestEventDiscoveredTokenResolvesMetadata(t *testing.T) {
	chain := &fakeChain{meta: map[string]blockchain.TokenMetadata{
		tokenU: {Symbol: "HEX", Name: "HEX", Decimals: 8},
	}}
	f := newChainFixture(t, nil, chain)
	f.trackAndSettle(t, walletA, tokenBalance(tokenT, "WPLS", "5000000000000000000", 18))

	// tokenU arrives through the event stream with no indexer metadata.
	f.m.HandleBalanceUpdate(watcher.BalanceUpdate{
		Wallet:      walletA,
		Token:       tokenU,
		Raw:         big.NewInt(100000000),
		BlockNumber: 12,
	})

	records, err := f.m.CachedBalances(walletA)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var rec *BalanceRecord
	for i := range records {
		if records[i].Token == tokenU {
			rec = &records[i]
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, "HEX", rec.Symbol)
	require.NotNil(t, rec.Decimals)
	assert.Equal(t, uint8(8), *rec.Decimals)
	assert.True(t, rec.Formatted.Equal(decimal.NewFromInt(1)), "got %s", rec.Formatted)

	// A token whose contract calls fail falls back to 18 decimals.
	unknown := "0x4560000000000000000000000000000000000456"
	f.m.HandleBalanceUpdate(watcher.BalanceUpdate{
		Wallet:      walletA,
		Token:       unknown,
		Raw:         big.NewInt(1000),
		BlockNumber: 13,
	})

	records, err = f.m.CachedBalances(walletA)
	require.NoError(t, err)
	for i := range records {
		if records[i].Token == unknown {
			assert.True(t, records[i].Formatted.Equal(decimal.RequireFromString("0.000000000000001")),
				"got %s", records[i].Formatted)
		}
	}
}
