package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"conversy/internal/cache"
	"conversy/internal/metrics"
	"conversy/internal/repo"
)

const dedupTTL = 24 * time.Hour

// Processor receives normalized payment signals from gateway webhooks.
type Processor interface {
	HandlePaymentSignal(ctx context.Context, client *repo.Client, evt WebhookEvent, signal Signal) error
}

// SettingsLoader resolves the tenant addressed by the webhook URL.
type SettingsLoader interface {
	GetClient(ctx context.Context, id string) (*repo.Client, error)
}

// WebhookHandler receives gateway postbacks for one gateway variant,
// normalizes the status vocabulary and forwards paid/refunded signals.
//
// Per gateway retry semantics, well-formed payloads are always answered with
// 200 — including unknown transaction ids and unmapped statuses — so
// providers do not retry-storm on conditions that will never resolve.
type WebhookHandler struct {
	gateway   Gateway
	settings  SettingsLoader
	processor Processor
	cache     *cache.Redis
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewWebhookHandler creates a webhook handler for the given gateway.
func NewWebhookHandler(g Gateway, settings SettingsLoader, processor Processor, redis *cache.Redis, logger *slog.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		gateway:   g,
		settings:  settings,
		processor: processor,
		cache:     redis,
		logger:    logger.With("component", g.Name()+"_webhook"),
		metrics:   m,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.PathValue("client")
	client, err := h.settings.GetClient(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		h.fail(w, "load client", err)
		return
	}

	if client.WebhookSecret != "" && r.URL.Query().Get("token") != client.WebhookSecret {
		h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), "unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	evt, err := h.gateway.ParseWebhook(body)
	if err != nil {
		h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), "malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	signal := h.gateway.MapWebhookStatus(evt.Status)
	if signal == SignalIgnore || evt.PaymentID == "" {
		h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), "ignored").Inc()
		h.ok(w)
		return
	}

	if h.cache != nil {
		key := fmt.Sprintf("webhook:%s:%s:%s", h.gateway.Name(), evt.PaymentID, signal)
		first, err := h.cache.MarkOnce(r.Context(), key, dedupTTL)
		if err != nil {
			// The engine's conditional transitions still guard correctness;
			// dedup is an optimisation, so a cache failure is not fatal.
			h.logger.Warn("webhook dedup unavailable", "error", err)
		} else if !first {
			h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), "duplicate").Inc()
			h.ok(w)
			return
		}
	}

	if err := h.processor.HandlePaymentSignal(r.Context(), client, *evt, signal); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), "unknown_order").Inc()
			h.ok(w)
			return
		}
		h.logger.Error("failed processing webhook", "error", err, "payment_id", evt.PaymentID)
		h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), "error").Inc()
		// Still 200: the order stays in its prior state and the merchant can
		// reconcile manually; retrying the same payload would fail again.
		h.ok(w)
		return
	}

	h.metrics.WebhookEvents.WithLabelValues(h.gateway.Name(), signal.String()).Inc()
	h.ok(w)
}

func (h *WebhookHandler) ok(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (h *WebhookHandler) fail(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	h.metrics.Errors.WithLabelValues(h.gateway.Name() + "_webhook").Inc()
	http.Error(w, "internal error", http.StatusInternalServerError)
}
