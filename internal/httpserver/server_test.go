package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conversy/internal/billing"
	"conversy/internal/metrics"
	"conversy/internal/repo"
)

type fakeRepo struct {
	repo.Repository

	balance repo.ClientBalance
	credits []int64
	subs    []repo.PushSubscription
}

func (f *fakeRepo) GetClient(_ context.Context, id string) (*repo.Client, error) {
	if id != "c1" {
		return nil, fmt.Errorf("client %s: %w", id, repo.ErrNotFound)
	}
	return &repo.Client{ID: "c1"}, nil
}

func (f *fakeRepo) EnsureBalance(_ context.Context, _ string) error { return nil }

func (f *fakeRepo) GetBalance(_ context.Context, clientID string) (*repo.ClientBalance, error) {
	if clientID != "c1" {
		return nil, fmt.Errorf("balance %s: %w", clientID, repo.ErrNotFound)
	}
	b := f.balance
	return &b, nil
}

func (f *fakeRepo) CreditBalance(_ context.Context, _ string, amountCents int64, _ string, _ *string) (*repo.CreditResult, error) {
	f.credits = append(f.credits, amountCents)
	return &repo.CreditResult{BalanceAddedCents: amountCents}, nil
}

func (f *fakeRepo) ListBalanceTransactions(_ context.Context, _ string, _ int) ([]repo.BalanceTransaction, error) {
	return []repo.BalanceTransaction{{Type: repo.TxCredit, AmountCents: 500, CreatedAt: time.Now()}}, nil
}

func (f *fakeRepo) InsertPushSubscription(_ context.Context, sub repo.PushSubscription) (*repo.PushSubscription, error) {
	sub.ID = "sub-1"
	f.subs = append(f.subs, sub)
	return &sub, nil
}

func newTestServer(t *testing.T) (*Server, *fakeRepo) {
	t.Helper()
	logger := slog.Default()
	m := metrics.Registry("test")
	r := &fakeRepo{balance: repo.ClientBalance{ClientID: "c1", BalanceCents: 300, DebtCents: 0}}
	srv := New(":0", logger, m, Handlers{}, "")
	srv.SetDependencies(Dependencies{
		Repository: r,
		Billing:    billing.New(r, logger, m, 100),
	})
	return srv, r
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreditEndpoint(t *testing.T) {
	srv, r := newTestServer(t)

	rec := do(srv, http.MethodPost, "/admin/clients/c1/credit", `{"amount_cents":500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(r.credits) != 1 || r.credits[0] != 500 {
		t.Fatalf("expected one credit of 500, got %v", r.credits)
	}

	rec = do(srv, http.MethodPost, "/admin/clients/c1/credit", `{"amount_cents":-5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", rec.Code)
	}

	rec = do(srv, http.MethodPost, "/admin/clients/ghost/credit", `{"amount_cents":500}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown client, got %d", rec.Code)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, http.MethodGet, "/admin/clients/c1/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"balance_cents":300`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestPushSubscribeEndpoint(t *testing.T) {
	srv, r := newTestServer(t)

	body := `{"endpoint":"https://push.example.com/x","keys":{"p256dh":"pk","auth":"ak"}}`
	rec := do(srv, http.MethodPost, "/admin/clients/c1/push-subscriptions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(r.subs) != 1 || r.subs[0].Endpoint != "https://push.example.com/x" {
		t.Fatalf("subscription not stored: %v", r.subs)
	}

	rec = do(srv, http.MethodPost, "/admin/clients/c1/push-subscriptions", `{"endpoint":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing keys, got %d", rec.Code)
	}
}
