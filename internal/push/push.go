// Package push delivers Web Push notifications to merchant dashboards using
// VAPID keys. Sends are best-effort; dead endpoints are pruned.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"conversy/internal/metrics"
	"conversy/internal/repo"
)

// Config holds VAPID credentials.
type Config struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}

// Service fans sale notifications out to a client's stored subscriptions.
type Service struct {
	repo    repo.Repository
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New creates the push service. It returns nil when no VAPID keys are
// configured, which disables push entirely.
func New(r repo.Repository, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Service {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil
	}
	return &Service{
		repo:    r,
		logger:  logger.With("component", "push"),
		metrics: m,
		cfg:     cfg,
	}
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NotifySale sends a notification to every subscription of the client.
func (s *Service) NotifySale(ctx context.Context, clientID, title, body string) {
	subs, err := s.repo.ListPushSubscriptions(ctx, clientID)
	if err != nil {
		s.logger.Error("failed listing push subscriptions", "error", err, "client_id", clientID)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(notification{Title: title, Body: body})
	if err != nil {
		s.logger.Error("failed marshalling push payload", "error", err)
		return
	}

	for i := range subs {
		if err := s.send(ctx, &subs[i], payload); err != nil {
			s.logger.Warn("push send failed", "error", err,
				"client_id", clientID, "subscription_id", subs[i].ID)
			s.metrics.Errors.WithLabelValues("push").Inc()
		}
	}
}

func (s *Service) send(ctx context.Context, sub *repo.PushSubscription, payload []byte) error {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, target, &webpush.Options{
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             3600,
	})
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	// Gone endpoints are dropped so the next sale does not retry them.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := s.repo.DeletePushSubscription(ctx, sub.ID); err != nil {
			return fmt.Errorf("prune dead subscription: %w", err)
		}
		s.logger.Info("pruned dead push subscription", "subscription_id", sub.ID)
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service status %d", resp.StatusCode)
	}
	return nil
}
