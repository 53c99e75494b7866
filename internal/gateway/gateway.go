// Package gateway integrates PIX payment processors. The order engine depends
// only on the Gateway interface; FastSoft, DuttyFy and Mock are the variants.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"conversy/internal/metrics"
	"conversy/internal/repo"
)

// Signal is the normalized meaning of a gateway webhook status.
type Signal int

const (
	SignalIgnore Signal = iota
	SignalPaid
	SignalRefunded
)

// String returns the signal name for logging.
func (s Signal) String() string {
	switch s {
	case SignalPaid:
		return "paid"
	case SignalRefunded:
		return "refunded"
	default:
		return "ignore"
	}
}

// PixRequest describes a PIX charge to create. Credentials travel with the
// request because gateways are shared across tenants.
type PixRequest struct {
	Ref          string
	AmountCents  int64
	Description  string
	CustomerName string
	APIKey       string
	APISecret    string
}

// PixCharge is a created PIX charge in gateway-neutral form.
type PixCharge struct {
	PaymentID string
	Code      string
	QRCode    string
	Mock      bool
}

// WebhookEvent is a parsed gateway postback before status normalization.
type WebhookEvent struct {
	PaymentID string
	Status    string
}

// Gateway abstracts a PIX payment processor.
type Gateway interface {
	Name() string
	GeneratePix(ctx context.Context, req PixRequest) (*PixCharge, error)
	MapWebhookStatus(status string) Signal
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// Registry dispatches to the gateway configured for a client.
type Registry struct {
	fastsoft *FastSoft
	duttyfy  *DuttyFy
	mock     *Mock
	logger   *slog.Logger
}

// Config holds shared gateway settings.
type Config struct {
	FastSoftBaseURL string
	DuttyFyBaseURL  string
	Timeout         time.Duration
}

// NewRegistry builds the gateway registry with a shared HTTP client.
func NewRegistry(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Registry{
		fastsoft: NewFastSoft(cfg.FastSoftBaseURL, httpClient, logger, m),
		duttyfy:  NewDuttyFy(cfg.DuttyFyBaseURL, httpClient, logger, m),
		mock:     NewMock(),
		logger:   logger.With("component", "gateway"),
	}
}

// ForClient returns the gateway configured in the client settings, falling
// back to Mock for unknown values.
func (r *Registry) ForClient(c *repo.Client) Gateway {
	switch c.Gateway {
	case GatewayFastSoft:
		return r.fastsoft
	case GatewayDuttyFy:
		return r.duttyfy
	case GatewayMock:
		return r.mock
	default:
		r.logger.Warn("unknown gateway configured, using mock", "client_id", c.ID, "gateway", c.Gateway)
		return r.mock
	}
}

// ByName returns a gateway by its settings name.
func (r *Registry) ByName(name string) (Gateway, error) {
	switch name {
	case GatewayFastSoft:
		return r.fastsoft, nil
	case GatewayDuttyFy:
		return r.duttyfy, nil
	case GatewayMock:
		return r.mock, nil
	default:
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
}

// Mock returns the offline gateway used as fallback when a live gateway fails.
func (r *Registry) Mock() Gateway {
	return r.mock
}

// Gateway names as stored in client settings.
const (
	GatewayFastSoft = "fastsoft"
	GatewayDuttyFy  = "duttyfy"
	GatewayMock     = "mock"
)

var errTransient = errors.New("transient gateway error")

// retryTransient runs fn up to attempts times, backing off exponentially on
// errors wrapping errTransient. Non-transient errors abort immediately.
func retryTransient(ctx context.Context, attempts int, fn func() error) error {
	backoff := 500 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, errTransient) || i == attempts-1 {
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
