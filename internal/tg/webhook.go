package tg

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"conversy/internal/metrics"
)

// ErrUnauthorized is returned by processors when the webhook secret does not
// match the client settings.
var ErrUnauthorized = errors.New("webhook unauthorized")

// UpdateProcessor handles inbound bot updates for one tenant.
type UpdateProcessor interface {
	ProcessUpdate(ctx context.Context, clientID, secret string, update Update) error
}

// WebhookHandler receives Telegram webhook posts addressed per tenant.
type WebhookHandler struct {
	processor UpdateProcessor
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewWebhookHandler creates the Telegram webhook handler.
func NewWebhookHandler(processor UpdateProcessor, logger *slog.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		logger:    logger.With("component", "telegram_webhook"),
		metrics:   m,
	}
}

// ServeHTTP satisfies http.Handler. Telegram retries non-200 responses, so
// processing failures are logged and answered with 200.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.PathValue("client")
	secret := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")

	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "malformed update", http.StatusBadRequest)
		return
	}

	h.metrics.TelegramUpdates.WithLabelValues(updateKind(update)).Inc()

	if err := h.processor.ProcessUpdate(r.Context(), clientID, secret, update); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed processing update", "error", err, "client_id", clientID, "update_id", update.UpdateID)
		h.metrics.Errors.WithLabelValues("telegram_webhook").Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func updateKind(update Update) string {
	switch {
	case update.CallbackQuery != nil:
		return "callback_query"
	case update.Message != nil:
		return "message"
	default:
		return "other"
	}
}
