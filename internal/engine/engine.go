// Package engine drives the order lifecycle for the Telegram storefront:
// product browsing, order creation, payment confirmation, the mandatory fee
// gate and delivery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"conversy/internal/billing"
	"conversy/internal/cache"
	"conversy/internal/gateway"
	"conversy/internal/metrics"
	"conversy/internal/repo"
	"conversy/internal/tg"
)

const settingsCacheTTL = time.Minute

// Messenger is the subset of the Telegram client the engine needs.
type Messenger interface {
	SendMessage(ctx context.Context, token string, params tg.SendMessageParams) (*tg.Message, error)
	SendPhoto(ctx context.Context, token string, params tg.SendPhotoParams) (*tg.Message, error)
	AnswerCallbackQuery(ctx context.Context, token string, params tg.AnswerCallbackParams) error
	CreateChatInviteLink(ctx context.Context, token string, params tg.InviteLinkParams) (*tg.ChatInviteLink, error)
}

// Tracker reports completed purchases to conversions APIs. Implementations
// are best-effort and must not fail the order flow.
type Tracker interface {
	TrackPurchase(ctx context.Context, client *repo.Client, order *repo.Order, customer *repo.Customer, product *repo.Product)
}

// Notifier pushes sale notifications to the merchant dashboard.
type Notifier interface {
	NotifySale(ctx context.Context, clientID, title, body string)
}

// Config holds engine tunables.
type Config struct {
	InviteTTL time.Duration
}

// Engine orchestrates order state transitions.
type Engine struct {
	repo     repo.Repository
	tg       Messenger
	gateways *gateway.Registry
	billing  *billing.Service
	tracker  Tracker
	notifier Notifier
	cache    *cache.Redis
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
}

// New creates the order engine. tracker, notifier and redis may be nil.
func New(r repo.Repository, messenger Messenger, gateways *gateway.Registry, bill *billing.Service,
	tracker Tracker, notifier Notifier, redis *cache.Redis, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Engine {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 5 * time.Minute
	}
	return &Engine{
		repo:     r,
		tg:       messenger,
		gateways: gateways,
		billing:  bill,
		tracker:  tracker,
		notifier: notifier,
		cache:    redis,
		metrics:  m,
		logger:   logger.With("component", "engine"),
		cfg:      cfg,
	}
}

// GetClient loads client settings, through the cache when available.
// It also satisfies gateway.SettingsLoader.
func (e *Engine) GetClient(ctx context.Context, id string) (*repo.Client, error) {
	key := "client_settings:" + id
	if e.cache != nil {
		var cached repo.Client
		if ok, err := e.cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return &cached, nil
		}
	}
	client, err := e.repo.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.SetJSON(ctx, key, client, settingsCacheTTL); err != nil {
			e.logger.Warn("failed caching client settings", "error", err)
		}
	}
	return client, nil
}

// ProcessUpdate implements tg.UpdateProcessor.
func (e *Engine) ProcessUpdate(ctx context.Context, clientID, secret string, update tg.Update) error {
	client, err := e.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return tg.ErrUnauthorized
		}
		return fmt.Errorf("load client: %w", err)
	}
	if client.WebhookSecret != "" && secret != client.WebhookSecret {
		return tg.ErrUnauthorized
	}

	switch {
	case update.CallbackQuery != nil:
		return e.handleCallback(ctx, client, update.CallbackQuery)
	case update.Message != nil:
		return e.handleMessage(ctx, client, update.Message)
	default:
		return nil
	}
}

func (e *Engine) handleMessage(ctx context.Context, client *repo.Client, msg *tg.Message) error {
	if msg.From == nil || msg.From.IsBot {
		return nil
	}

	customer, err := e.upsertSender(ctx, client, msg.From)
	if err != nil {
		return err
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/start") {
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/start"))
		return e.handleStart(ctx, client, customer, msg.Chat.ID, payload)
	}

	return e.sendCatalogue(ctx, client, msg.Chat.ID)
}

// handleStart greets the customer. Deep-link payloads are double-underscore
// separated segments: p_<productID>, s_<utm_source>, t_<ttclid>.
func (e *Engine) handleStart(ctx context.Context, client *repo.Client, customer *repo.Customer, chatID int64, payload string) error {
	var productID string
	var utm, ttclid *string
	for _, part := range strings.Split(payload, "__") {
		switch {
		case strings.HasPrefix(part, "p_"):
			productID = strings.TrimPrefix(part, "p_")
		case strings.HasPrefix(part, "s_"):
			v := strings.TrimPrefix(part, "s_")
			utm = &v
		case strings.HasPrefix(part, "t_"):
			v := strings.TrimPrefix(part, "t_")
			ttclid = &v
		}
	}

	if utm != nil || ttclid != nil {
		if _, err := e.repo.UpsertCustomer(ctx, repo.CustomerProfile{
			ClientID:   client.ID,
			TelegramID: customer.TelegramID,
			UTMSource:  utm,
			TTCLID:     ttclid,
		}); err != nil {
			e.logger.Warn("failed recording attribution", "error", err, "customer_id", customer.ID)
		}
	}

	if productID != "" {
		product, err := e.repo.GetProduct(ctx, productID)
		if err == nil && product.IsActive && product.ClientID == client.ID {
			if err := e.repo.IncrementProductViews(ctx, product.ID); err != nil {
				e.logger.Warn("failed incrementing views", "error", err, "product_id", product.ID)
			}
			return e.sendProductCard(ctx, client, chatID, product)
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("load deep-linked product: %w", err)
		}
	}

	return e.sendCatalogue(ctx, client, chatID)
}

func (e *Engine) handleCallback(ctx context.Context, client *repo.Client, cb *tg.CallbackQuery) error {
	if cb.Message == nil {
		return nil
	}
	chatID := cb.Message.Chat.ID

	customer, err := e.upsertSender(ctx, client, &cb.From)
	if err != nil {
		return err
	}

	parsed, err := tg.ParseCallback(cb.Data)
	if err != nil {
		e.answerCallback(ctx, client, cb.ID, "")
		return nil
	}

	switch parsed.Action {
	case tg.ActionBuy:
		e.answerCallback(ctx, client, cb.ID, "")
		return e.handleBuy(ctx, client, customer, chatID, parsed.ProductID)
	case tg.ActionPaid:
		return e.handleManualPaid(ctx, client, chatID, cb.ID, parsed.OrderID)
	case tg.ActionCancel:
		e.answerCallback(ctx, client, cb.ID, "")
		return e.handleCancel(ctx, client, chatID, parsed.OrderID)
	case tg.ActionFee:
		e.answerCallback(ctx, client, cb.ID, "")
		return e.handleFeeRequest(ctx, client, customer, chatID, parsed.FeeID, parsed.OrderID)
	case tg.ActionFeePaid:
		return e.handleFeePaid(ctx, client, chatID, cb.ID, parsed.FeeOrderID)
	default:
		e.answerCallback(ctx, client, cb.ID, "")
		return nil
	}
}

// HandlePaymentSignal implements gateway.Processor: webhook-driven paid and
// refunded transitions enter the same code path as manual confirmations.
func (e *Engine) HandlePaymentSignal(ctx context.Context, client *repo.Client, evt gateway.WebhookEvent, signal gateway.Signal) error {
	order, err := e.repo.GetOrderByPaymentID(ctx, client.ID, evt.PaymentID)
	if err != nil {
		return err
	}

	switch signal {
	case gateway.SignalPaid:
		return e.ConfirmPaid(ctx, client, order, "webhook")
	case gateway.SignalRefunded:
		return e.Refund(ctx, client, order)
	default:
		return nil
	}
}

func (e *Engine) upsertSender(ctx context.Context, client *repo.Client, from *tg.User) (*repo.Customer, error) {
	profile := repo.CustomerProfile{
		ClientID:   client.ID,
		TelegramID: from.ID,
	}
	if from.FirstName != "" {
		profile.FirstName = &from.FirstName
	}
	if from.Username != "" {
		profile.Username = &from.Username
	}
	customer, err := e.repo.UpsertCustomer(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}
	return customer, nil
}

func (e *Engine) answerCallback(ctx context.Context, client *repo.Client, callbackID, text string) {
	if err := e.tg.AnswerCallbackQuery(ctx, client.BotToken, tg.AnswerCallbackParams{
		CallbackQueryID: callbackID,
		Text:            text,
	}); err != nil {
		e.logger.Warn("failed answering callback", "error", err)
	}
}
