package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Mock generates deterministic offline PIX codes. It backs clients without a
// live gateway and is the fallback when a live gateway fails, so the customer
// buy flow never blocks on a provider outage.
type Mock struct{}

// NewMock creates the offline gateway.
func NewMock() *Mock { return &Mock{} }

// Name implements Gateway.
func (m *Mock) Name() string { return GatewayMock }

// GeneratePix derives a stable PIX payload from the order reference, so
// retrying a failed charge produces the same code.
func (m *Mock) GeneratePix(_ context.Context, req PixRequest) (*PixCharge, error) {
	key := uuid.NewSHA1(uuid.NameSpaceURL, []byte("conversy:pix:"+req.Ref))
	code := mockEMVPayload(key.String(), req.AmountCents)
	return &PixCharge{
		PaymentID: "mock_" + req.Ref,
		Code:      code,
		QRCode:    code,
		Mock:      true,
	}, nil
}

// MapWebhookStatus accepts the internal vocabulary directly.
func (m *Mock) MapWebhookStatus(status string) Signal {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return SignalPaid
	case "refunded":
		return SignalRefunded
	default:
		return SignalIgnore
	}
}

type mockWebhookPayload struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// ParseWebhook decodes the simulator postback shape.
func (m *Mock) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload mockWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("mock: decode webhook: %w", err)
	}
	return &WebhookEvent{PaymentID: payload.PaymentID, Status: payload.Status}, nil
}

// mockEMVPayload assembles a copy-paste string in the shape of a BR Code.
// It is not payable; it only keeps the customer flow rendering realistically.
func mockEMVPayload(key string, amountCents int64) string {
	amount := fmt.Sprintf("%d.%02d", amountCents/100, amountCents%100)
	merchantInfo := fmt.Sprintf("0014br.gov.bcb.pix01%02d%s", len(key), key)
	return fmt.Sprintf("00020126%02d%s52040000530398654%02d%s5802BR5908CONVERSY6009SAO PAULO62070503***6304",
		len(merchantInfo), merchantInfo, len(amount), amount)
}
