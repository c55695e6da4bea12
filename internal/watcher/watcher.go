// Package watcher maintains a live WebSocket subscription to PulseChain
// transfer logs for tracked (wallet, token) pairs and translates them
// into typed events. It reconnects with exponential backoff over a
// fixed endpoint rotation and replays all subscriptions after each
// successful reconnect.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
)

// keccak256("Transfer(address,address,uint256)")
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const (
	defaultBaseDelay     = time.Second
	defaultMaxReconnects = 10
	dialTimeout          = 15 * time.Second
	balanceFetchTimeout  = 15 * time.Second
	backfillTimeout      = 30 * time.Second
)

// Connection states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
)

// ChainReader is the HTTP RPC surface the watcher needs: balance
// re-queries after transfer logs, and log range queries to backfill
// events missed while disconnected. Satisfied by blockchain.Client.
type ChainReader interface {
	TokenBalance(ctx context.Context, wallet, token common.Address) (*big.Int, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// logSubscriber is the slice of ethclient.Client the watcher needs.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Config configures the watcher.
type Config struct {
	WSUrls        []string
	BaseDelay     time.Duration // first reconnect delay, doubled per attempt
	MaxReconnects int           // attempts before giving up permanently
}

type subKey struct {
	wallet    string
	token     string
	direction Direction
}

type subscription struct {
	key  subKey
	sub  ethereum.Subscription
	logs chan types.Log
}

// Watcher is the live transfer watcher.
type Watcher struct {
	cfg    Config
	reader ChainReader

	// dial is swapped out in tests.
	dial func(ctx context.Context, url string) (logSubscriber, error)

	state atomic.Int32

	// lastBlock is the highest block a delivered log carried; the
	// backfill after a reconnect starts just above it.
	lastBlock atomic.Uint64

	mu           sync.Mutex
	conn         logSubscriber
	subs         map[subKey]*subscription
	tracked      map[string]map[string]struct{} // wallet -> token set
	attempts     int
	gaveUp       bool
	needBackfill bool

	listeners listeners

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher. Call Start to establish the connection.
func New(reader ChainReader, cfg Config) (*Watcher, error) {
	if len(cfg.WSUrls) == 0 {
		return nil, fmt.Errorf("at least one WebSocket URL is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}

	return &Watcher{
		cfg:     cfg,
		reader:  reader,
		tracked: make(map[string]map[string]struct{}),
		subs:    make(map[subKey]*subscription),
		done:    make(chan struct{}),
		dial: func(ctx context.Context, url string) (logSubscriber, error) {
			return ethclient.DialContext(ctx, url)
		},
	}, nil
}

// Start establishes the initial connection. A failed first dial is not
// fatal: the reconnect loop keeps trying within its attempt budget.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		slog.Warn("Initial watcher connection failed, scheduling reconnect", "error", err)
		w.scheduleReconnect()
		return nil
	}
	return nil
}

// Ready reports whether the watcher currently holds a live connection.
// When false, callers fall back to eager fetch-on-read; event-driven
// freshness is unavailable.
func (w *Watcher) Ready() bool {
	return w.state.Load() == StateConnected
}

// TrackWallet records (wallet, token) pairs in the subscription table
// and, when connected, issues incoming and outgoing transfer filters
// for each pair. When disconnected the subscriptions are deferred and
// replayed in full on the next successful connect. Re-tracking an
// already tracked pair replaces its live filters, never stacks them.
func (w *Watcher) TrackWallet(wallet string, tokens []string) {
	wallet = blockchain.NormalizeAddress(wallet)

	w.mu.Lock()
	defer w.mu.Unlock()

	set, ok := w.tracked[wallet]
	if !ok {
		set = make(map[string]struct{})
		w.tracked[wallet] = set
	}

	for _, token := range tokens {
		token = blockchain.NormalizeAddress(token)
		set[token] = struct{}{}
		if w.state.Load() == StateConnected {
			w.subscribePairLocked(wallet, token)
		}
	}
}

// UntrackWallet cancels every filter for the wallet and forgets its
// subscriptions. Unknown wallets are a no-op.
func (w *Watcher) UntrackWallet(wallet string) {
	wallet = blockchain.NormalizeAddress(wallet)

	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.tracked, wallet)
	for key, sub := range w.subs {
		if key.wallet == wallet {
			sub.sub.Unsubscribe()
			delete(w.subs, key)
		}
	}
}

// Close unsubscribes every filter, tears down the connection and stops
// all goroutines.
func (w *Watcher) Close() {
	if w.closed.Swap(true) {
		return
	}
	close(w.done)

	w.mu.Lock()
	w.teardownLocked()
	w.tracked = make(map[string]map[string]struct{})
	w.mu.Unlock()

	w.state.Store(StateDisconnected)
	w.wg.Wait()
}

// connect dials the next endpoint in the rotation and, on success,
// replays every tracked subscription.
func (w *Watcher) connect(ctx context.Context) error {
	w.state.Store(StateConnecting)

	w.mu.Lock()
	url := w.cfg.WSUrls[w.attempts%len(w.cfg.WSUrls)]
	w.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := w.dial(dialCtx, url)
	cancel()
	if err != nil {
		w.state.Store(StateDisconnected)
		return fmt.Errorf("dial %s: %w", url, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.attempts = 0
	backfill := w.needBackfill
	w.needBackfill = false
	w.mu.Unlock()
	w.state.Store(StateConnected)

	slog.Info("Transfer watcher connected", "url", url)

	w.resubscribeAll()

	if backfill && w.lastBlock.Load() > 0 {
		w.wg.Add(1)
		go w.backfillMissed()
	}
	return nil
}

// resubscribeAll replays the full subscription table on the current
// connection.
func (w *Watcher) resubscribeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for wallet, tokens := range w.tracked {
		for token := range tokens {
			w.subscribePairLocked(wallet, token)
		}
	}
}

// transferQuery builds the log filter for one (wallet, token,
// direction) triple. The same query shape serves live subscriptions
// and backfill range queries.
func transferQuery(key subKey) ethereum.FilterQuery {
	walletTopic := common.HexToHash(common.HexToAddress(key.wallet).Hex())
	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(key.token)},
	}
	if key.direction == DirectionIn {
		query.Topics = [][]common.Hash{{transferTopic}, nil, {walletTopic}}
	} else {
		query.Topics = [][]common.Hash{{transferTopic}, {walletTopic}}
	}
	return query
}

// subscribePairLocked issues incoming and outgoing transfer filters
// for one (wallet, token) pair. Callers hold w.mu.
func (w *Watcher) subscribePairLocked(wallet, token string) {
	if w.conn == nil {
		return
	}

	for _, direction := range []Direction{DirectionIn, DirectionOut} {
		key := subKey{wallet: wallet, token: token, direction: direction}
		query := transferQuery(key)

		// Replace, never stack: a duplicate filter would deliver
		// duplicate events.
		if old, ok := w.subs[key]; ok {
			old.sub.Unsubscribe()
			delete(w.subs, key)
		}

		logs := make(chan types.Log, 64)
		sub, err := w.conn.SubscribeFilterLogs(context.Background(), query, logs)
		if err != nil {
			slog.Warn("Transfer filter subscription failed",
				"wallet", wallet, "token", token, "direction", direction, "error", err)
			continue
		}

		s := &subscription{key: key, sub: sub, logs: logs}
		w.subs[key] = s

		w.wg.Add(1)
		go w.consume(s)
	}
}

// consume forwards logs from one subscription until it ends. A
// subscription error drives the reconnect state machine; a clean
// unsubscribe just exits.
func (w *Watcher) consume(s *subscription) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case err := <-s.sub.Err():
			if err != nil && !w.closed.Load() {
				w.handleDisconnect(err)
			}
			return
		case lg := <-s.logs:
			w.handleLog(s.key, lg)
		}
	}
}

// handleDisconnect transitions connected -> disconnected exactly once
// per connection loss and schedules the reconnect loop.
func (w *Watcher) handleDisconnect(err error) {
	if !w.state.CompareAndSwap(StateConnected, StateDisconnected) {
		return
	}

	slog.Warn("Transfer watcher disconnected", "error", err)

	w.mu.Lock()
	w.teardownLocked()
	w.needBackfill = true
	w.mu.Unlock()

	w.scheduleReconnect()
}

// teardownLocked cancels live filters and closes the connection.
// Callers hold w.mu. The tracked table survives so resubscribeAll can
// replay it.
func (w *Watcher) teardownLocked() {
	for key, sub := range w.subs {
		sub.sub.Unsubscribe()
		delete(w.subs, key)
	}
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *Watcher) scheduleReconnect() {
	w.wg.Add(1)
	go w.reconnectLoop()
}

// reconnectLoop retries connect with exponential backoff, rotating
// endpoints, up to MaxReconnects attempts. Exhausting the budget is
// terminal: unbounded retry against unreachable endpoints just churns.
func (w *Watcher) reconnectLoop() {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		if w.gaveUp {
			w.mu.Unlock()
			return
		}
		w.attempts++
		attempt := w.attempts
		if attempt > w.cfg.MaxReconnects {
			w.gaveUp = true
			w.mu.Unlock()

			err := fmt.Errorf("giving up after %d reconnect attempts", w.cfg.MaxReconnects)
			slog.Error("Transfer watcher exhausted reconnect attempts", "attempts", w.cfg.MaxReconnects)
			w.emitTerminal(err)
			return
		}
		w.mu.Unlock()

		delay := w.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
		slog.Info("Reconnecting transfer watcher", "attempt", attempt, "delay", delay)

		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		if err := w.connect(context.Background()); err != nil {
			slog.Warn("Watcher reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

// backfillMissed replays transfer logs from the blocks the watcher was
// disconnected for, fetched over the HTTP RPC. Overlap with the fresh
// live subscriptions is harmless: balances are re-queried per event,
// never incremented. A failed range query is logged and left to the
// reconciliation sweep.
func (w *Watcher) backfillMissed() {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()

	from := w.lastBlock.Load() + 1

	head, err := w.reader.BlockNumber(ctx)
	if err != nil {
		slog.Warn("Backfill head query failed", "error", err)
		return
	}
	if head < from {
		return
	}

	w.mu.Lock()
	keys := make([]subKey, 0, len(w.subs))
	for key := range w.subs {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	slog.Info("Backfilling transfer logs missed while disconnected",
		"from_block", from, "to_block", head, "filters", len(keys))

	for _, key := range keys {
		query := transferQuery(key)
		query.FromBlock = new(big.Int).SetUint64(from)
		query.ToBlock = new(big.Int).SetUint64(head)

		logs, err := w.reader.FilterLogs(ctx, query)
		if err != nil {
			slog.Warn("Backfill log query failed",
				"wallet", key.wallet, "token", key.token, "error", err)
			continue
		}
		for _, lg := range logs {
			w.handleLog(key, lg)
		}
	}
}

// handleLog decodes one transfer log, emits the transfer event, then
// asynchronously re-queries the wallet's balance for that token.
func (w *Watcher) handleLog(key subKey, lg types.Log) {
	if len(lg.Topics) < 3 {
		slog.Warn("Dropping malformed transfer log",
			"token", key.token, "topics", len(lg.Topics), "tx", lg.TxHash.Hex())
		return
	}

	for {
		seen := w.lastBlock.Load()
		if lg.BlockNumber <= seen || w.lastBlock.CompareAndSwap(seen, lg.BlockNumber) {
			break
		}
	}

	from := common.BytesToAddress(lg.Topics[1].Bytes()[12:])
	to := common.BytesToAddress(lg.Topics[2].Bytes()[12:])
	amount := new(big.Int).SetBytes(lg.Data)

	w.emitTransfer(TransferEvent{
		Wallet:      key.wallet,
		Token:       key.token,
		From:        blockchain.NormalizeAddress(from.Hex()),
		To:          blockchain.NormalizeAddress(to.Hex()),
		Amount:      amount,
		Direction:   key.direction,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.refreshBalance(key.wallet, key.token, lg.BlockNumber)
	}()
}

// refreshBalance fetches the current on-chain balance and emits a
// BalanceUpdate. Failures are logged and swallowed: the periodic
// reconciliation sweep corrects any update missed here.
func (w *Watcher) refreshBalance(wallet, token string, blockNumber uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), balanceFetchTimeout)
	defer cancel()

	raw, err := w.reader.TokenBalance(ctx, common.HexToAddress(wallet), common.HexToAddress(token))
	if err != nil {
		slog.Warn("Post-transfer balance fetch failed",
			"wallet", wallet, "token", token, "error", err)
		return
	}

	w.emitBalanceUpdate(BalanceUpdate{
		Wallet:      wallet,
		Token:       token,
		Raw:         raw,
		BlockNumber: blockNumber,
	})
}
