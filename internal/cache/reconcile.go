package cache

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
	"github.com/pulsefolio/pulse-tracker/internal/indexer"
)

const reconcileWalletTimeout = 30 * time.Second

// startReconciliation starts the periodic sweep; the first run fires
// immediately. Idempotent while a scheduler is live.
func (m *Manager) startReconciliation() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if m.sched != nil {
		return
	}

	sched, err := newReconcileScheduler(m.interval, func() {
		m.ReconcileAll(context.Background())
	})
	if err != nil {
		slog.Error("Failed to start reconciliation scheduler", "error", err)
		return
	}
	m.sched = sched
	slog.Info("Reconciliation scheduler started", "interval", m.interval)
}

// stopReconciliation shuts the sweep down; idle wallets should not
// keep a timer alive.
func (m *Manager) stopReconciliation() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if m.sched == nil {
		return
	}
	if err := m.sched.Stop(); err != nil {
		slog.Warn("Reconciliation scheduler shutdown error", "error", err)
	}
	m.sched = nil
	slog.Info("Reconciliation scheduler stopped, no wallets tracked")
}

// ReconcileAll sweeps every tracked wallet against indexer ground
// truth. Each wallet is an independently-awaited unit: a slow or
// failing wallet never blocks or aborts the others.
func (m *Manager) ReconcileAll(ctx context.Context) {
	m.mu.RLock()
	wallets := make([]string, 0, len(m.wallets))
	for wallet := range m.wallets {
		wallets = append(wallets, wallet)
	}
	m.mu.RUnlock()

	for _, wallet := range wallets {
		walletCtx, cancel := context.WithTimeout(ctx, reconcileWalletTimeout)
		if err := m.reconcileWallet(walletCtx, wallet); err != nil {
			slog.Warn("Wallet reconciliation failed, continuing sweep",
				"wallet", wallet, "error", err)
		}
		cancel()
	}

	m.schedMu.Lock()
	m.lastReconcile = time.Now()
	m.schedMu.Unlock()
}

// reconcileWallet re-fetches ground truth for one wallet, overwrites
// drifted entries and inserts newly discovered tokens.
func (m *Manager) reconcileWallet(ctx context.Context, wallet string) error {
	truth, err := m.indexer.AddressTokenBalances(ctx, wallet)
	if err != nil {
		return err
	}

	// The indexer's coin balance lags behind head, and transfer logs
	// cannot keep the native entry fresh, so reconciliation reads it
	// straight from the chain when a chain source is configured. A
	// failed read falls back to the indexer value.
	if m.chain != nil {
		for i := range truth {
			if !truth[i].Native {
				continue
			}
			raw, err := m.chain.NativeBalance(ctx, common.HexToAddress(wallet))
			if err != nil {
				slog.Warn("Native balance chain read failed, keeping indexer value",
					"wallet", wallet, "error", err)
				break
			}
			truth[i].Raw = raw
			truth[i].Formatted = blockchain.FormatUnits(raw, truth[i].Decimals)
			break
		}
	}

	var records []BalanceRecord
	var stream []string

	for _, bal := range truth {
		token := blockchain.NormalizeAddress(bal.Address)
		if ev, isNew := m.reconcileToken(wallet, token, bal); ev != nil {
			m.notify(*ev)
			if isNew && !bal.Native {
				stream = append(stream, token)
			}
		}
	}

	if len(stream) > 0 && m.watcher.Ready() {
		m.watcher.TrackWallet(wallet, stream)
	}

	if m.snapshots != nil {
		if records, err = m.CachedBalances(wallet); err == nil {
			if err := m.snapshots.SaveSnapshots(ctx, wallet, records); err != nil {
				slog.Warn("Snapshot persistence failed", "wallet", wallet, "error", err)
			}
		}
	}

	return nil
}

// reconcileToken compares one ground-truth balance against the cache
// under the per-key lock. Returns the BalanceUpdated event to emit
// (nil when the cache already agrees) and whether the token is new.
func (m *Manager) reconcileToken(wallet, token string, bal indexer.TokenBalance) (*BalanceUpdated, bool) {
	key := updateKey(wallet, token)
	m.keys.Lock(key)
	defer m.keys.Unlock(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	wc, ok := m.wallets[wallet]
	if !ok {
		// Untracked mid-sweep.
		return nil, false
	}

	e, exists := wc.tokens[token]
	if exists && e.raw.Cmp(bal.Raw) == 0 {
		return nil, false
	}

	previous := "0"
	if exists {
		previous = e.raw.String()
		slog.Warn("Reconciliation corrected drifted balance",
			"wallet", wallet, "token", token,
			"cached", previous, "ground_truth", bal.Raw.String())
	} else {
		slog.Info("Reconciliation discovered new token",
			"wallet", wallet, "token", token, "symbol", bal.Symbol)
		e = &entry{native: bal.Native}
		wc.tokens[token] = e
	}

	decimals := bal.Decimals
	e.raw = new(big.Int).Set(bal.Raw)
	e.formatted = bal.Formatted
	e.decimals = &decimals
	e.lastUpdated = time.Now()

	if _, ok := m.metadata[token]; !ok {
		m.metadata[token] = blockchain.TokenMetadata{
			Address:  token,
			Symbol:   bal.Symbol,
			Name:     bal.Name,
			Decimals: bal.Decimals,
		}
	}

	return &BalanceUpdated{
		Wallet:      wallet,
		Token:       token,
		RawBalance:  e.raw.String(),
		Formatted:   e.formatted,
		Source:      SourceReconciliation,
		PreviousRaw: previous,
	}, !exists
}
