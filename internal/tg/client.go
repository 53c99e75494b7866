// Package tg is a thin client for the Telegram Bot API. Each merchant runs
// its own bot, so every call takes the tenant's bot token.
package tg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"conversy/internal/metrics"
)

// Config holds Telegram client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client provides typed access to the Telegram Bot API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Telegram API client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "telegram"),
		metrics: m,
	}
}

// SendMessageParams are arguments for the sendMessage method.
type SendMessageParams struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendPhotoParams are arguments for the sendPhoto method.
type SendPhotoParams struct {
	ChatID      int64                 `json:"chat_id"`
	Photo       string                `json:"photo"`
	Caption     string                `json:"caption,omitempty"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendAudioParams are arguments for the sendAudio method.
type SendAudioParams struct {
	ChatID      int64                 `json:"chat_id"`
	Audio       string                `json:"audio"`
	Caption     string                `json:"caption,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// AnswerCallbackParams are arguments for the answerCallbackQuery method.
type AnswerCallbackParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
	ShowAlert       bool   `json:"show_alert,omitempty"`
}

// InviteLinkParams are arguments for the createChatInviteLink method.
type InviteLinkParams struct {
	ChatID      int64 `json:"chat_id"`
	ExpireDate  int64 `json:"expire_date,omitempty"`
	MemberLimit int   `json:"member_limit,omitempty"`
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, token string, params SendMessageParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, token, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendPhoto sends a photo by URL or file id.
func (c *Client) SendPhoto(ctx context.Context, token string, params SendPhotoParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, token, "sendPhoto", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendAudio sends an audio file by URL or file id.
func (c *Client) SendAudio(ctx context.Context, token string, params SendAudioParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, token, "sendAudio", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AnswerCallbackQuery acknowledges an inline button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, token string, params AnswerCallbackParams) error {
	var ok bool
	return c.call(ctx, token, "answerCallbackQuery", params, &ok)
}

// CreateChatInviteLink creates a restricted invite link for a group or channel.
func (c *Client) CreateChatInviteLink(ctx context.Context, token string, params InviteLinkParams) (*ChatInviteLink, error) {
	var link ChatInviteLink
	if err := c.call(ctx, token, "createChatInviteLink", params, &link); err != nil {
		return nil, err
	}
	return &link, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

var errTransient = errors.New("transient telegram error")

func (c *Client) call(ctx context.Context, token, method string, params, dest any) error {
	status := "error"
	defer func() {
		c.metrics.TelegramSends.WithLabelValues(method, status).Inc()
	}()

	err := c.retry(ctx, func() error {
		return c.do(ctx, token, method, params, dest)
	})
	if err != nil {
		return err
	}
	status = "ok"
	return nil
}

func (c *Client) do(ctx context.Context, token, method string, params, dest any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal params: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w: %v", method, errTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("telegram %s: %w: status %d", method, errTransient, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: api error %d: %s", method, envelope.ErrorCode, envelope.Description)
	}
	if dest != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, dest); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for i := 0; i < 3; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, errTransient) || i == 2 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
