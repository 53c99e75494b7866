package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"conversy/internal/repo"
)

type fakeSettings struct {
	client *repo.Client
}

func (f *fakeSettings) GetClient(_ context.Context, id string) (*repo.Client, error) {
	if f.client == nil || f.client.ID != id {
		return nil, fmt.Errorf("client %s: %w", id, repo.ErrNotFound)
	}
	return f.client, nil
}

type fakeProcessor struct {
	calls  int
	signal Signal
	err    error
}

func (f *fakeProcessor) HandlePaymentSignal(_ context.Context, _ *repo.Client, _ WebhookEvent, signal Signal) error {
	f.calls++
	f.signal = signal
	return f.err
}

func serveWebhook(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("POST /webhook/mock/{client}", handler)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookPaidSignalReachesProcessor(t *testing.T) {
	logger, m := testDeps()
	settings := &fakeSettings{client: &repo.Client{ID: "c1", Gateway: GatewayMock, WebhookSecret: "s3cret"}}
	processor := &fakeProcessor{}
	handler := NewWebhookHandler(NewMock(), settings, processor, nil, logger, m)

	rec := serveWebhook(t, handler, "/webhook/mock/c1?token=s3cret", `{"payment_id":"mock_1","status":"paid"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if processor.calls != 1 || processor.signal != SignalPaid {
		t.Fatalf("expected one paid signal, got calls=%d signal=%v", processor.calls, processor.signal)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestWebhookUnknownStatusIsAcknowledgedWithoutProcessing(t *testing.T) {
	logger, m := testDeps()
	settings := &fakeSettings{client: &repo.Client{ID: "c1", Gateway: GatewayMock}}
	processor := &fakeProcessor{}
	handler := NewWebhookHandler(NewMock(), settings, processor, nil, logger, m)

	rec := serveWebhook(t, handler, "/webhook/mock/c1", `{"payment_id":"mock_1","status":"created"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unmapped status, got %d", rec.Code)
	}
	if processor.calls != 0 {
		t.Fatal("unmapped statuses must not reach the processor")
	}
}

func TestWebhookUnknownOrderIsAcknowledged(t *testing.T) {
	logger, m := testDeps()
	settings := &fakeSettings{client: &repo.Client{ID: "c1", Gateway: GatewayMock}}
	processor := &fakeProcessor{err: fmt.Errorf("order: %w", repo.ErrNotFound)}
	handler := NewWebhookHandler(NewMock(), settings, processor, nil, logger, m)

	rec := serveWebhook(t, handler, "/webhook/mock/c1", `{"payment_id":"mock_zzz","status":"paid"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown orders must still return 200, got %d", rec.Code)
	}
}

func TestWebhookMalformedPayloadIsRejected(t *testing.T) {
	logger, m := testDeps()
	settings := &fakeSettings{client: &repo.Client{ID: "c1", Gateway: GatewayMock}}
	processor := &fakeProcessor{}
	handler := NewWebhookHandler(NewMock(), settings, processor, nil, logger, m)

	rec := serveWebhook(t, handler, "/webhook/mock/c1", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed payload, got %d", rec.Code)
	}
	if processor.calls != 0 {
		t.Fatal("malformed payloads must not reach the processor")
	}
}

func TestWebhookRejectsBadToken(t *testing.T) {
	logger, m := testDeps()
	settings := &fakeSettings{client: &repo.Client{ID: "c1", Gateway: GatewayMock, WebhookSecret: "s3cret"}}
	processor := &fakeProcessor{}
	handler := NewWebhookHandler(NewMock(), settings, processor, nil, logger, m)

	rec := serveWebhook(t, handler, "/webhook/mock/c1?token=wrong", `{"payment_id":"mock_1","status":"paid"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if processor.calls != 0 {
		t.Fatal("unauthorized calls must not reach the processor")
	}
}

func TestWebhookUnknownClientIs404(t *testing.T) {
	logger, m := testDeps()
	handler := NewWebhookHandler(NewMock(), &fakeSettings{}, &fakeProcessor{}, nil, logger, m)

	rec := serveWebhook(t, handler, "/webhook/mock/ghost", `{"payment_id":"mock_1","status":"paid"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
