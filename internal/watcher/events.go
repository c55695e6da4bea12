package watcher

import (
	"math/big"
	"sync"
)

// Direction classifies a transfer relative to the tracked wallet.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// TransferEvent is a decoded ERC-20 Transfer log scoped to a tracked
// wallet.
type TransferEvent struct {
	Wallet      string
	Token       string
	From        string
	To          string
	Amount      *big.Int
	Direction   Direction
	BlockNumber uint64
	TxHash      string
}

// BalanceUpdate carries a freshly re-queried on-chain balance for a
// tracked (wallet, token) pair, triggered by a transfer log. The
// watcher re-queries rather than doing local arithmetic so missed
// events cannot compound.
type BalanceUpdate struct {
	Wallet      string
	Token       string
	Raw         *big.Int
	BlockNumber uint64
}

// listeners is a typed callback registry. One emitter, many
// independent listeners, no ordering guarantee across event types.
type listeners struct {
	mu            sync.RWMutex
	transfer      []func(TransferEvent)
	balanceUpdate []func(BalanceUpdate)
	terminal      []func(error)
}

// OnTransfer registers a listener for decoded transfer events.
func (w *Watcher) OnTransfer(fn func(TransferEvent)) {
	w.listeners.mu.Lock()
	defer w.listeners.mu.Unlock()
	w.listeners.transfer = append(w.listeners.transfer, fn)
}

// OnBalanceUpdate registers a listener for post-transfer balance
// refreshes.
func (w *Watcher) OnBalanceUpdate(fn func(BalanceUpdate)) {
	w.listeners.mu.Lock()
	defer w.listeners.mu.Unlock()
	w.listeners.balanceUpdate = append(w.listeners.balanceUpdate, fn)
}

// OnTerminal registers a listener invoked once when the watcher gives
// up reconnecting. After this fires the watcher stays down until the
// process restarts.
func (w *Watcher) OnTerminal(fn func(error)) {
	w.listeners.mu.Lock()
	defer w.listeners.mu.Unlock()
	w.listeners.terminal = append(w.listeners.terminal, fn)
}

func (w *Watcher) emitTransfer(ev TransferEvent) {
	w.listeners.mu.RLock()
	fns := w.listeners.transfer
	w.listeners.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (w *Watcher) emitBalanceUpdate(u BalanceUpdate) {
	w.listeners.mu.RLock()
	fns := w.listeners.balanceUpdate
	w.listeners.mu.RUnlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (w *Watcher) emitTerminal(err error) {
	w.listeners.mu.RLock()
	fns := w.listeners.terminal
	w.listeners.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}
