package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefolio/pulse-tracker/internal/cache"
)

type fakeEndpoints struct {
	health map[string]bool
}

func (f *fakeEndpoints) EndpointsHealth() map[string]bool { return f.health }

type fakeStatus struct {
	status cache.Status
}

func (f *fakeStatus) Status() cache.Status { return f.status }

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func TestCheckAggregation(t *testing.T) {
	interval := 5 * time.Minute

	tests := []struct {
		name      string
		endpoints map[string]bool
		status    cache.Status
		store     Pinger
		want      CheckStatus
	}{
		{
			name:      "everything healthy",
			endpoints: map[string]bool{"a": true, "b": true},
			status: cache.Status{
				WatcherConnected: true,
				TrackedWallets:   2,
				Reconciling:      true,
				LastReconcileAt:  time.Now(),
			},
			want: StatusOK,
		},
		{
			name:      "partial rpc outage degrades",
			endpoints: map[string]bool{"a": true, "b": false},
			status: cache.Status{
				WatcherConnected: true,
				TrackedWallets:   1,
				Reconciling:      true,
				LastReconcileAt:  time.Now(),
			},
			want: StatusDegraded,
		},
		{
			name:      "no rpc endpoints is an error",
			endpoints: map[string]bool{"a": false},
			status:    cache.Status{WatcherConnected: true},
			want:      StatusError,
		},
		{
			name:      "disconnected watcher degrades",
			endpoints: map[string]bool{"a": true},
			status: cache.Status{
				WatcherConnected: false,
				TrackedWallets:   1,
				Reconciling:      true,
				LastReconcileAt:  time.Now(),
			},
			want: StatusDegraded,
		},
		{
			name:      "stale reconciliation degrades",
			endpoints: map[string]bool{"a": true},
			status: cache.Status{
				WatcherConnected: true,
				TrackedWallets:   1,
				Reconciling:      true,
				LastReconcileAt:  time.Now().Add(-time.Hour),
			},
			want: StatusDegraded,
		},
		{
			name:      "idle cache with no wallets is fine",
			endpoints: map[string]bool{"a": true},
			status:    cache.Status{WatcherConnected: true},
			want:      StatusOK,
		},
		{
			name:      "database failure is an error",
			endpoints: map[string]bool{"a": true},
			status: cache.Status{
				WatcherConnected: true,
				TrackedWallets:   1,
				Reconciling:      true,
				LastReconcileAt:  time.Now(),
			},
			store: &fakePinger{err: errors.New("connection refused")},
			want:  StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(&fakeStatus{status: tt.status}, &fakeEndpoints{health: tt.endpoints}, tt.store, interval)
			resp := c.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	healthy := NewChecker(
		&fakeStatus{status: cache.Status{WatcherConnected: true}},
		&fakeEndpoints{health: map[string]bool{"a": true}},
		nil,
		time.Minute,
	)

	rec := httptest.NewRecorder()
	healthy.Handler()(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Contains(t, resp.Checks, "rpc_endpoints")

	dead := NewChecker(
		&fakeStatus{status: cache.Status{}},
		&fakeEndpoints{health: map[string]bool{"a": false}},
		nil,
		time.Minute,
	)

	rec = httptest.NewRecorder()
	dead.Handler()(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
}
