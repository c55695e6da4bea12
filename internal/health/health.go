package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulsefolio/pulse-tracker/internal/cache"
)

// EndpointReporter reports per-RPC-endpoint health. Satisfied by
// blockchain.Client.
type EndpointReporter interface {
	EndpointsHealth() map[string]bool
}

// Pinger verifies database connectivity. Satisfied by storage.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusReporter exposes cache state. Satisfied by cache.Manager.
type StatusReporter interface {
	Status() cache.Status
}

// Checker performs health checks on application dependencies
type Checker struct {
	manager   StatusReporter
	endpoints EndpointReporter
	store     Pinger // nil when snapshot persistence is disabled
	interval  time.Duration
}

// NewChecker creates a new health checker
func NewChecker(manager StatusReporter, endpoints EndpointReporter, store Pinger, interval time.Duration) *Checker {
	return &Checker{
		manager:   manager,
		endpoints: endpoints,
		store:     store,
		interval:  interval,
	}
}

// CheckStatus represents the health status of a component
type CheckStatus string

const (
	StatusOK       CheckStatus = "ok"
	StatusDegraded CheckStatus = "degraded"
	StatusError    CheckStatus = "error"
)

// HealthResponse is the JSON response structure
type HealthResponse struct {
	Status    CheckStatus            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckDetail `json:"checks"`
	Uptime    string                 `json:"uptime,omitempty"`
}

// CheckDetail contains details about a specific health check
type CheckDetail struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

var startTime = time.Now()

// Check performs all health checks and returns the aggregated status
func (c *Checker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]CheckDetail)
	overall := StatusOK

	raise := func(to CheckStatus) {
		if to == StatusError {
			overall = StatusError
		} else if to == StatusDegraded && overall == StatusOK {
			overall = StatusDegraded
		}
	}

	rpcCheck := c.checkRPC()
	checks["rpc_endpoints"] = rpcCheck
	raise(rpcCheck.Status)

	status := c.manager.Status()

	watcherCheck := c.checkWatcher(status)
	checks["transfer_watcher"] = watcherCheck
	raise(watcherCheck.Status)

	reconcileCheck := c.checkReconciliation(status)
	checks["reconciliation"] = reconcileCheck
	raise(reconcileCheck.Status)

	if c.store != nil {
		dbCheck := c.checkDatabase(ctx)
		checks["database"] = dbCheck
		raise(dbCheck.Status)
	}

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    checks,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}
}

// checkRPC verifies that at least one RPC endpoint is available
func (c *Checker) checkRPC() CheckDetail {
	health := c.endpoints.EndpointsHealth()
	healthy := 0
	for _, ok := range health {
		if ok {
			healthy++
		}
	}

	switch {
	case healthy == 0:
		return CheckDetail{
			Status:  StatusError,
			Message: "no healthy RPC endpoints available",
		}
	case healthy < len(health):
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d/%d RPC endpoints healthy", healthy, len(health)),
		}
	default:
		return CheckDetail{
			Status:  StatusOK,
			Message: "all RPC endpoints healthy",
		}
	}
}

// checkWatcher reports the live event stream. A dead watcher degrades
// freshness but reads still work via reconciliation and fetch-on-read.
func (c *Checker) checkWatcher(status cache.Status) CheckDetail {
	if status.WatcherConnected {
		return CheckDetail{
			Status:  StatusOK,
			Message: "transfer watcher connected",
		}
	}
	return CheckDetail{
		Status:  StatusDegraded,
		Message: "transfer watcher disconnected, balance freshness bounded by reconciliation",
	}
}

// checkReconciliation verifies the sweep is scheduled and on time for
// tracked wallets.
func (c *Checker) checkReconciliation(status cache.Status) CheckDetail {
	if status.TrackedWallets == 0 {
		return CheckDetail{
			Status:  StatusOK,
			Message: "no wallets tracked, reconciliation idle",
		}
	}

	if !status.Reconciling {
		return CheckDetail{
			Status:  StatusDegraded,
			Message: "wallets tracked but reconciliation not scheduled",
		}
	}

	if status.LastReconcileAt.IsZero() {
		return CheckDetail{
			Status:  StatusOK,
			Message: "reconciliation not yet executed (startup)",
		}
	}

	// Allow a 2x interval grace period before flagging.
	sinceLast := time.Since(status.LastReconcileAt)
	if sinceLast > c.interval*2 {
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("no sweep in %s (expected every %s)", sinceLast.Round(time.Second), c.interval),
		}
	}

	return CheckDetail{
		Status:  StatusOK,
		Message: fmt.Sprintf("last sweep %s ago", sinceLast.Round(time.Second)),
	}
}

// checkDatabase verifies PostgreSQL connectivity
func (c *Checker) checkDatabase(ctx context.Context) CheckDetail {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		slog.Error("Health check: database ping failed", "error", err)
		return CheckDetail{
			Status:  StatusError,
			Message: "database unreachable: " + err.Error(),
		}
	}

	return CheckDetail{
		Status:  StatusOK,
		Message: "database connection healthy",
	}
}

// Handler returns an http.HandlerFunc for the health endpoint
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := c.Check(r.Context())

		statusCode := http.StatusOK
		if status.Status == StatusError {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Error("Failed to encode health response", "error", err)
		}
	}
}
