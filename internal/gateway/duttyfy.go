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

// DuttyFy creates PIX charges through the DuttyFy API.
type DuttyFy struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDuttyFy creates a DuttyFy gateway client.
func NewDuttyFy(baseURL string, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *DuttyFy {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "https://api.duttyfy.com.br"
	}
	return &DuttyFy{
		baseURL: base,
		http:    httpClient,
		logger:  logger.With("component", "gateway_duttyfy"),
		metrics: m,
	}
}

// Name implements Gateway.
func (d *DuttyFy) Name() string { return GatewayDuttyFy }

type duttyfyPaymentRequest struct {
	Amount      int64  `json:"amount"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
	Reference   string `json:"reference"`
	PayerName   string `json:"payerName,omitempty"`
}

type duttyfyPaymentResponse struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	PixCode   string `json:"pixCode"`
	PixQRCode string `json:"pixQrCode"`
}

// GeneratePix creates a PIX payment and returns the charge payload.
func (d *DuttyFy) GeneratePix(ctx context.Context, req PixRequest) (*PixCharge, error) {
	payload := duttyfyPaymentRequest{
		Amount:      req.AmountCents,
		Method:      "PIX",
		Description: req.Description,
		Reference:   req.Ref,
		PayerName:   req.CustomerName,
	}

	var resp duttyfyPaymentResponse
	err := retryTransient(ctx, 3, func() error {
		return d.post(ctx, "/payments", req.APISecret, payload, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.PaymentID == "" {
		return nil, fmt.Errorf("duttyfy: payment response missing id")
	}
	return &PixCharge{
		PaymentID: resp.PaymentID,
		Code:      resp.PixCode,
		QRCode:    resp.PixQRCode,
	}, nil
}

// MapWebhookStatus normalizes DuttyFy status vocabulary. DuttyFy reports
// uppercase statuses; COMPLETED maps to the same paid signal FastSoft's paid
// does, so both gateways drive one engine code path.
func (d *DuttyFy) MapWebhookStatus(status string) Signal {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return SignalPaid
	case "REFUNDED":
		return SignalRefunded
	default:
		return SignalIgnore
	}
}

type duttyfyWebhookPayload struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
}

// ParseWebhook extracts the payment id and status from a postback body.
func (d *DuttyFy) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload duttyfyWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("duttyfy: decode webhook: %w", err)
	}
	return &WebhookEvent{
		PaymentID: payload.PaymentID,
		Status:    payload.Status,
	}, nil
}

func (d *DuttyFy) post(ctx context.Context, endpoint, apiSecret string, payload, dest any) error {
	start := time.Now()
	status := "error"
	defer func() {
		d.metrics.GatewayRequests.WithLabelValues(GatewayDuttyFy, status).Inc()
		d.metrics.GatewayLatency.WithLabelValues(GatewayDuttyFy, status).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("duttyfy: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("duttyfy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-secret", apiSecret)

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("duttyfy: %w: %v", errTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("duttyfy: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("duttyfy: %w: status %d", errTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("duttyfy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("duttyfy: decode response: %w", err)
	}
	status = "ok"
	return nil
}
