// Package tracking reports purchases to ad-platform conversions APIs.
// Calls are best-effort: every attempt is persisted as a tracking event and
// failures never reach the order flow.
package tracking

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conversy/internal/metrics"
	"conversy/internal/repo"
)

// Providers.
const (
	ProviderFacebook = "facebook"
	ProviderTikTok   = "tiktok"
)

// Config holds conversions API endpoints.
type Config struct {
	FacebookAPIVersion string
	TikTokBaseURL      string
	Timeout            time.Duration
}

// Service sends conversion events and records the outcome.
type Service struct {
	repo    repo.Repository
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New creates the tracking service.
func New(r repo.Repository, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Service {
	if cfg.FacebookAPIVersion == "" {
		cfg.FacebookAPIVersion = "v18.0"
	}
	if cfg.TikTokBaseURL == "" {
		cfg.TikTokBaseURL = "https://business-api.tiktok.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		repo:    r,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "tracking"),
		metrics: m,
		cfg:     cfg,
	}
}

// TrackPurchase fires a Purchase event at every provider the client has
// configured.
func (s *Service) TrackPurchase(ctx context.Context, client *repo.Client, order *repo.Order, customer *repo.Customer, product *repo.Product) {
	if client.FacebookPixelID != nil && client.FacebookAccessToken != nil {
		s.record(ctx, client, order, ProviderFacebook,
			s.sendFacebook(ctx, client, order, customer, product))
	}
	if client.TikTokPixelID != nil && client.TikTokAccessToken != nil {
		s.record(ctx, client, order, ProviderTikTok,
			s.sendTikTok(ctx, client, order, customer, product))
	}
}

type sendResult struct {
	statusCode int
	err        error
}

func (s *Service) record(ctx context.Context, client *repo.Client, order *repo.Order, provider string, res sendResult) {
	evt := repo.TrackingEvent{
		ClientID:  client.ID,
		OrderID:   order.ID,
		Provider:  provider,
		EventName: "Purchase",
		APIStatus: "sent",
	}
	if res.statusCode != 0 {
		code := res.statusCode
		evt.APIResponseCode = &code
	}
	if res.err != nil {
		evt.APIStatus = "failed"
		msg := res.err.Error()
		evt.APIErrorMessage = &msg
		s.logger.Warn("conversion event failed", "provider", provider,
			"order_id", order.ID, "error", res.err)
		s.metrics.Errors.WithLabelValues("tracking").Inc()
	}
	if err := s.repo.InsertTrackingEvent(ctx, evt); err != nil {
		s.logger.Error("failed persisting tracking event", "error", err, "order_id", order.ID)
	}
}

func (s *Service) sendFacebook(ctx context.Context, client *repo.Client, order *repo.Order, customer *repo.Customer, product *repo.Product) sendResult {
	endpoint := fmt.Sprintf("https://graph.facebook.com/%s/%s/events?access_token=%s",
		s.cfg.FacebookAPIVersion, *client.FacebookPixelID, url.QueryEscape(*client.FacebookAccessToken))

	userData := map[string]any{
		"external_id": hashSHA256(fmt.Sprintf("%d", customer.TelegramID)),
	}
	event := map[string]any{
		"event_name":    "Purchase",
		"event_time":    time.Now().Unix(),
		"event_id":      order.ID,
		"action_source": "chat",
		"user_data":     userData,
		"custom_data": map[string]any{
			"currency":     "BRL",
			"value":        float64(order.AmountCents) / 100,
			"content_name": product.Name,
			"content_ids":  []string{product.ID},
		},
	}
	payload := map[string]any{"data": []any{event}}
	if client.TestEventCode != nil && *client.TestEventCode != "" {
		payload["test_event_code"] = *client.TestEventCode
	}

	return s.post(ctx, endpoint, nil, payload)
}

func (s *Service) sendTikTok(ctx context.Context, client *repo.Client, order *repo.Order, customer *repo.Customer, product *repo.Product) sendResult {
	endpoint := strings.TrimRight(s.cfg.TikTokBaseURL, "/") + "/open_api/v1.3/event/track/"

	userData := map[string]any{
		"external_id": hashSHA256(fmt.Sprintf("%d", customer.TelegramID)),
	}
	if customer.TTCLID != nil && *customer.TTCLID != "" {
		userData["ttclid"] = *customer.TTCLID
	}

	payload := map[string]any{
		"event_source":    "web",
		"event_source_id": *client.TikTokPixelID,
		"data": []any{
			map[string]any{
				"event":      "CompletePayment",
				"event_time": time.Now().Unix(),
				"event_id":   order.ID,
				"user":       userData,
				"properties": map[string]any{
					"currency":     "BRL",
					"value":        float64(order.AmountCents) / 100,
					"content_name": product.Name,
					"content_ids":  []string{product.ID},
				},
			},
		},
	}

	headers := map[string]string{"Access-Token": *client.TikTokAccessToken}
	return s.post(ctx, endpoint, headers, payload)
}

func (s *Service) post(ctx context.Context, endpoint string, headers map[string]string, payload any) sendResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return sendResult{err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return sendResult{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return sendResult{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sendResult{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("conversions api status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}
	return sendResult{statusCode: resp.StatusCode}
}

func hashSHA256(v string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(v))))
	return hex.EncodeToString(sum[:])
}
