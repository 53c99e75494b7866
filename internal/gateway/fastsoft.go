package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"conversy/internal/metrics"
)

// FastSoft creates PIX charges through the FastSoft Brasil API.
type FastSoft struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFastSoft creates a FastSoft gateway client.
func NewFastSoft(baseURL string, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *FastSoft {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.fastsoftbrasil.com"
	}
	return &FastSoft{
		baseURL: base,
		http:    httpClient,
		logger:  logger.With("component", "gateway_fastsoft"),
		metrics: m,
	}
}

// Name implements Gateway.
func (f *FastSoft) Name() string { return GatewayFastSoft }

type fastsoftTransactionRequest struct {
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	Description   string `json:"description,omitempty"`
	ExternalRef   string `json:"externalRef"`
	Customer      struct {
		Name string `json:"name,omitempty"`
	} `json:"customer"`
}

type fastsoftTransactionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Pix    struct {
		QRCode    string `json:"qrcode"`
		CopyPaste string `json:"copyPaste"`
	} `json:"pix"`
}

// GeneratePix creates a PIX transaction and returns the charge payload.
func (f *FastSoft) GeneratePix(ctx context.Context, req PixRequest) (*PixCharge, error) {
	payload := fastsoftTransactionRequest{
		Amount:        req.AmountCents,
		PaymentMethod: "pix",
		Description:   req.Description,
		ExternalRef:   req.Ref,
	}
	payload.Customer.Name = req.CustomerName

	var resp fastsoftTransactionResponse
	err := retryTransient(ctx, 3, func() error {
		return f.post(ctx, "/api/v1/transactions", req.APIKey, payload, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("fastsoft: transaction response missing id")
	}
	code := resp.Pix.CopyPaste
	if code == "" {
		code = resp.Pix.QRCode
	}
	return &PixCharge{
		PaymentID: resp.ID,
		Code:      code,
		QRCode:    resp.Pix.QRCode,
	}, nil
}

// MapWebhookStatus normalizes FastSoft status vocabulary. Unknown statuses are
// ignored so the handler answers 200 without side effects.
func (f *FastSoft) MapWebhookStatus(status string) Signal {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "approved":
		return SignalPaid
	case "refunded", "chargedback":
		return SignalRefunded
	default:
		return SignalIgnore
	}
}

type fastsoftWebhookPayload struct {
	Type string `json:"type"`
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ParseWebhook extracts the transaction id and status from a postback body.
func (f *FastSoft) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload fastsoftWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("fastsoft: decode webhook: %w", err)
	}
	return &WebhookEvent{
		PaymentID: payload.Data.ID,
		Status:    payload.Data.Status,
	}, nil
}

func (f *FastSoft) post(ctx context.Context, endpoint, apiKey string, payload, dest any) error {
	start := time.Now()
	status := "error"
	defer func() {
		f.metrics.GatewayRequests.WithLabelValues(GatewayFastSoft, status).Inc()
		f.metrics.GatewayLatency.WithLabelValues(GatewayFastSoft, status).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fastsoft: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fastsoft: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := f.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fastsoft: %w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fastsoft: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("fastsoft: %w: status %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fastsoft: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("fastsoft: decode response: %w", err)
	}
	status = "ok"
	return nil
}
