package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"conversy/internal/billing"
	"conversy/internal/metrics"
	"conversy/internal/recovery"
	"conversy/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups the webhook handlers to mount.
type Handlers struct {
	TelegramWebhook http.Handler
	FastSoftWebhook http.Handler
	DuttyFyWebhook  http.Handler
}

// Dependencies exposes core dependencies to admin handlers.
type Dependencies struct {
	Repository repo.Repository
	Billing    *billing.Service
	Recovery   *recovery.Scheduler
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/run-recovery", server.handleRunRecovery)
	mux.HandleFunc("POST /admin/clients/{client}/credit", server.handleCredit)
	mux.HandleFunc("GET /admin/clients/{client}/balance", server.handleBalance)
	mux.HandleFunc("POST /admin/clients/{client}/push-subscriptions", server.handlePushSubscribe)

	if handlers.TelegramWebhook != nil {
		mux.Handle("POST /webhook/telegram/{client}", handlers.TelegramWebhook)
	}
	if handlers.FastSoftWebhook != nil {
		mux.Handle("POST /webhook/fastsoft/{client}", handlers.FastSoftWebhook)
	}
	if handlers.DuttyFyWebhook != nil {
		mux.Handle("POST /webhook/duttyfy/{client}", handlers.DuttyFyWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// handleRunRecovery triggers one cart-recovery sweep outside the schedule.
func (s *Server) handleRunRecovery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		http.Error(w, "recovery scheduler unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := s.deps.Recovery.RunOnce(r.Context(), time.Now()); err != nil {
		s.logger.Error("manual recovery sweep failed", "error", err)
		http.Error(w, "recovery sweep failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "ok"})
}

type creditRequest struct {
	AmountCents int64   `json:"amount_cents"`
	Method      string  `json:"method"`
	ReferenceID *string `json:"reference_id"`
}

// handleCredit tops up a merchant balance, typically called by the dashboard
// after a recharge payment confirms.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Billing == nil || s.deps.Repository == nil {
		http.Error(w, "billing unavailable", http.StatusServiceUnavailable)
		return
	}
	clientID := r.PathValue("client")
	if _, err := s.deps.Repository.GetClient(r.Context(), clientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		s.logger.Error("failed loading client", "error", err, "client_id", clientID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.AmountCents <= 0 {
		http.Error(w, "amount_cents must be positive", http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		req.Method = "pix"
	}

	result, err := s.deps.Billing.AddCredit(r.Context(), clientID, req.AmountCents, req.Method, req.ReferenceID)
	if err != nil {
		s.logger.Error("failed crediting balance", "error", err, "client_id", clientID)
		http.Error(w, "credit failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status":              "ok",
		"debt_paid_cents":     result.DebtPaidCents,
		"balance_added_cents": result.BalanceAddedCents,
		"debt_cleared":        result.DebtCleared,
	})
}

// handleBalance returns the merchant balance and its recent ledger.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repository == nil {
		http.Error(w, "repository unavailable", http.StatusServiceUnavailable)
		return
	}
	clientID := r.PathValue("client")

	balance, err := s.deps.Repository.GetBalance(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		s.logger.Error("failed loading balance", "error", err, "client_id", clientID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	txs, err := s.deps.Repository.ListBalanceTransactions(r.Context(), clientID, 50)
	if err != nil {
		s.logger.Error("failed listing transactions", "error", err, "client_id", clientID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]map[string]any, 0, len(txs))
	for i := range txs {
		entries = append(entries, map[string]any{
			"type":         txs[i].Type,
			"amount_cents": txs[i].AmountCents,
			"description":  txs[i].Description,
			"created_at":   txs[i].CreatedAt,
		})
	}

	writeJSON(w, map[string]any{
		"balance_cents":   balance.BalanceCents,
		"debt_cents":      balance.DebtCents,
		"debt_started_at": balance.DebtStartedAt,
		"is_blocked":      balance.IsBlocked,
		"transactions":    entries,
	})
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// handlePushSubscribe stores a browser push subscription for sale alerts.
func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repository == nil {
		http.Error(w, "repository unavailable", http.StatusServiceUnavailable)
		return
	}
	clientID := r.PathValue("client")
	if _, err := s.deps.Repository.GetClient(r.Context(), clientID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		s.logger.Error("failed loading client", "error", err, "client_id", clientID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		http.Error(w, "endpoint and keys are required", http.StatusBadRequest)
		return
	}

	sub, err := s.deps.Repository.InsertPushSubscription(r.Context(), repo.PushSubscription{
		ClientID: clientID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		s.logger.Error("failed storing push subscription", "error", err, "client_id", clientID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "ok", "id": sub.ID})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
