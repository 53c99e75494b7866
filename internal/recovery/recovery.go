// Package recovery sends drip messages for abandoned carts. Pending and
// cancelled orders walk through each client's configured sequence; the next
// step fires once its delay has elapsed since the previous send.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"conversy/internal/metrics"
	"conversy/internal/money"
	"conversy/internal/repo"
	"conversy/internal/tg"
)

// Messenger is the Telegram surface the scheduler needs.
type Messenger interface {
	SendMessage(ctx context.Context, token string, params tg.SendMessageParams) (*tg.Message, error)
	SendPhoto(ctx context.Context, token string, params tg.SendPhotoParams) (*tg.Message, error)
	SendAudio(ctx context.Context, token string, params tg.SendAudioParams) (*tg.Message, error)
}

// Expirer cancels stale pending orders. Satisfied by the order engine.
type Expirer interface {
	ExpirePending(ctx context.Context, maxAge time.Duration) error
}

// Config holds scheduler tunables.
type Config struct {
	Interval    time.Duration
	OrderExpiry time.Duration
}

// Scheduler runs the cart-recovery sweep on a fixed interval.
type Scheduler struct {
	repo    repo.Repository
	tg      Messenger
	expirer Expirer
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

// New creates a recovery scheduler. expirer may be nil when expiry is disabled.
func New(r repo.Repository, messenger Messenger, expirer Expirer, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Scheduler{
		repo:    r,
		tg:      messenger,
		expirer: expirer,
		metrics: m,
		logger:  logger.With("component", "recovery"),
		cfg:     cfg,
	}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("recovery scheduler started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx, time.Now()); err != nil {
				s.logger.Error("recovery sweep failed", "error", err)
				s.metrics.Errors.WithLabelValues("recovery").Inc()
			}
		}
	}
}

// RunOnce performs one sweep over every client with recovery enabled.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	s.metrics.RecoveryRuns.Inc()

	if s.expirer != nil && s.cfg.OrderExpiry > 0 {
		if err := s.expirer.ExpirePending(ctx, s.cfg.OrderExpiry); err != nil {
			s.logger.Error("failed expiring pending orders", "error", err)
		}
	}

	clients, err := s.repo.ListReminderClients(ctx)
	if err != nil {
		return fmt.Errorf("list reminder clients: %w", err)
	}

	for i := range clients {
		if err := s.sweepClient(ctx, &clients[i], now); err != nil {
			s.logger.Error("client sweep failed", "error", err, "client_id", clients[i].ID)
			s.metrics.Errors.WithLabelValues("recovery").Inc()
		}
	}
	return nil
}

func (s *Scheduler) sweepClient(ctx context.Context, client *repo.Client, now time.Time) error {
	messages, err := s.repo.ListRecoveryMessages(ctx, client.ID)
	if err != nil {
		return fmt.Errorf("list recovery messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	orders, err := s.repo.ListRecoveryCandidates(ctx, client.ID, len(messages))
	if err != nil {
		return fmt.Errorf("list recovery candidates: %w", err)
	}

	for i := range orders {
		order := &orders[i]
		step := &messages[order.RecoveryMessagesSent]
		if !due(order, step, now) {
			continue
		}
		if err := s.sendStep(ctx, client, order, step); err != nil {
			s.logger.Error("failed sending recovery message", "error", err,
				"order_id", order.ID, "step", order.RecoveryMessagesSent)
			continue
		}
		if err := s.repo.RecordRecoverySend(ctx, order.ID, order.RecoveryMessagesSent+1, now); err != nil {
			return fmt.Errorf("record recovery send: %w", err)
		}
		s.metrics.RecoveryMessagesSent.Inc()
	}
	return nil
}

// due reports whether the order's next step delay has elapsed. The first step
// counts from order creation, later steps from the previous send.
func due(order *repo.Order, step *repo.CartRecoveryMessage, now time.Time) bool {
	ref := order.CreatedAt
	if order.RecoveryMessagesSent > 0 && order.LastRecoverySentAt != nil {
		ref = *order.LastRecoverySentAt
	}
	return !now.Before(ref.Add(stepDelay(step)))
}

func stepDelay(step *repo.CartRecoveryMessage) time.Duration {
	d := time.Duration(step.DelayValue)
	switch step.TimeUnit {
	case "hours":
		return d * time.Hour
	case "days":
		return d * 24 * time.Hour
	default:
		return d * time.Minute
	}
}

func (s *Scheduler) sendStep(ctx context.Context, client *repo.Client, order *repo.Order, step *repo.CartRecoveryMessage) error {
	customer, err := s.repo.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}

	var product *repo.Product
	if order.ProductID != nil {
		if product, err = s.repo.GetProduct(ctx, *order.ProductID); err != nil {
			return fmt.Errorf("load product: %w", err)
		}
	}

	text := RenderTemplate(step.MessageContent, customer, product, order.AmountCents)
	markup := s.offerMarkup(ctx, step)

	chatID := customer.TelegramID
	switch media(step) {
	case "photo":
		_, err = s.tg.SendPhoto(ctx, client.BotToken, tg.SendPhotoParams{
			ChatID:      chatID,
			Photo:       *step.MediaURL,
			Caption:     text,
			ReplyMarkup: markup,
		})
	case "audio":
		_, err = s.tg.SendAudio(ctx, client.BotToken, tg.SendAudioParams{
			ChatID:      chatID,
			Audio:       *step.MediaURL,
			Caption:     text,
			ReplyMarkup: markup,
		})
	default:
		_, err = s.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ReplyMarkup: markup,
		})
	}
	if err != nil {
		return fmt.Errorf("send recovery step: %w", err)
	}
	return nil
}

func media(step *repo.CartRecoveryMessage) string {
	if step.MediaURL == nil || *step.MediaURL == "" || step.MediaType == nil {
		return "text"
	}
	return *step.MediaType
}

// offerMarkup attaches a buy button when the step cross-sells a product.
func (s *Scheduler) offerMarkup(ctx context.Context, step *repo.CartRecoveryMessage) *tg.InlineKeyboardMarkup {
	if step.OfferProductID == nil {
		return nil
	}
	offer, err := s.repo.GetProduct(ctx, *step.OfferProductID)
	if err != nil || !offer.IsActive {
		return nil
	}
	label := fmt.Sprintf("%s · %s", offer.Name, money.FormatBRL(offer.PriceCents))
	return &tg.InlineKeyboardMarkup{
		InlineKeyboard: [][]tg.InlineKeyboardButton{
			{{Text: label, CallbackData: tg.BuyCallback(offer.ID)}},
		},
	}
}

// RenderTemplate fills {nome}, {produto} and {valor} placeholders.
func RenderTemplate(content string, customer *repo.Customer, product *repo.Product, amountCents int64) string {
	name := "Cliente"
	if customer.FirstName != nil && *customer.FirstName != "" {
		name = *customer.FirstName
	}
	productName := ""
	if product != nil {
		productName = product.Name
	}
	r := strings.NewReplacer(
		"{nome}", name,
		"{produto}", productName,
		"{valor}", money.FormatBRL(amountCents),
	)
	return r.Replace(content)
}
