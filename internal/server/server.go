package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pulsefolio/pulse-tracker/internal/blockchain"
	"github.com/pulsefolio/pulse-tracker/internal/cache"
	"github.com/pulsefolio/pulse-tracker/internal/storage"
)

// BalanceService is the cache surface the HTTP layer exposes.
// Satisfied by cache.Manager.
type BalanceService interface {
	BalancesWithLiveUpdates(ctx context.Context, wallet string) ([]cache.BalanceRecord, error)
	CachedBalances(wallet string) ([]cache.BalanceRecord, error)
	UntrackWallet(wallet string)
	Status() cache.Status
	OnBalanceUpdated(fn func(cache.BalanceUpdated))
}

// HistorySource serves persisted balance snapshots. Satisfied by
// storage.Store; nil when snapshot persistence is disabled.
type HistorySource interface {
	WalletHistory(ctx context.Context, wallet string, limit int) ([]storage.BalanceSnapshot, error)
}

// Server exposes the balance cache over HTTP and WebSocket
type Server struct {
	svc     BalanceService
	history HistorySource
	health  http.HandlerFunc
	hub     *Hub
}

// New creates a Server and subscribes its push hub to balance updates
func New(svc BalanceService, history HistorySource, health http.HandlerFunc) *Server {
	s := &Server{
		svc:     svc,
		history: history,
		health:  health,
		hub:     NewHub(),
	}
	svc.OnBalanceUpdated(s.hub.Broadcast)
	return s
}

// Router builds the chi router with all API routes
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/updates", s.hub.ServeWS)

		r.Route("/wallets/{address}", func(r chi.Router) {
			r.Use(s.validateAddress)
			r.Post("/track", s.handleTrack)
			r.Delete("/track", s.handleUntrack)
			r.Get("/balances", s.handleBalances)
			r.Get("/balances/cached", s.handleCachedBalances)
			r.Get("/history", s.handleHistory)
		})
	})

	return r
}

// Close shuts down the WebSocket hub
func (s *Server) Close() {
	s.hub.Close()
}

// validateAddress rejects malformed wallet addresses before they reach
// any handler.
func (s *Server) validateAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !common.IsHexAddress(chi.URLParam(r, "address")) {
			writeError(w, http.StatusBadRequest, "invalid wallet address")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func walletParam(r *http.Request) string {
	return blockchain.NormalizeAddress(chi.URLParam(r, "address"))
}

// handleTrack starts tracking a wallet and returns its seeded balances
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(r)

	records, err := s.svc.BalancesWithLiveUpdates(r.Context(), wallet)
	if err != nil {
		slog.Error("Failed to start tracking wallet", "wallet", wallet, "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch wallet balances")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":   wallet,
		"tracked":  true,
		"balances": records,
	})
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	s.svc.UntrackWallet(walletParam(r))
	w.WriteHeader(http.StatusNoContent)
}

// handleBalances serves fresh balances, populating the cache on a cold
// read.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(r)

	records, err := s.svc.BalancesWithLiveUpdates(r.Context(), wallet)
	if err != nil {
		slog.Error("Failed to fetch balances", "wallet", wallet, "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch wallet balances")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":   wallet,
		"balances": records,
	})
}

// handleCachedBalances serves the cache as-is without touching the
// network.
func (s *Server) handleCachedBalances(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(r)

	records, err := s.svc.CachedBalances(wallet)
	if err != nil {
		if errors.Is(err, cache.ErrNotTracked) {
			writeError(w, http.StatusNotFound, "wallet is not tracked")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read cached balances")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":   wallet,
		"balances": records,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// handleHistory serves persisted snapshots, 404 when persistence is
// disabled.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "snapshot persistence is disabled")
		return
	}

	wallet := walletParam(r)

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	snapshots, err := s.history.WalletHistory(r.Context(), wallet, limit)
	if err != nil {
		slog.Error("Failed to query snapshot history", "wallet", wallet, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query snapshot history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":    wallet,
		"snapshots": snapshots,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
