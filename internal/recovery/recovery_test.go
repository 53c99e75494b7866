package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"conversy/internal/metrics"
	"conversy/internal/repo"
	"conversy/internal/tg"
)

type fakeRepo struct {
	repo.Repository

	client   repo.Client
	messages []repo.CartRecoveryMessage
	orders   map[string]*repo.Order
	customer repo.Customer
	product  repo.Product
}

func (f *fakeRepo) ListReminderClients(_ context.Context) ([]repo.Client, error) {
	return []repo.Client{f.client}, nil
}

func (f *fakeRepo) ListRecoveryMessages(_ context.Context, _ string) ([]repo.CartRecoveryMessage, error) {
	return f.messages, nil
}

func (f *fakeRepo) ListRecoveryCandidates(_ context.Context, _ string, maxMessages int) ([]repo.Order, error) {
	var out []repo.Order
	for _, o := range f.orders {
		if o.Status == repo.OrderPending && o.RecoveryMessagesSent < maxMessages {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetCustomer(_ context.Context, _ string) (*repo.Customer, error) {
	c := f.customer
	return &c, nil
}

func (f *fakeRepo) GetProduct(_ context.Context, id string) (*repo.Product, error) {
	if id != f.product.ID {
		return nil, fmt.Errorf("product %s: %w", id, repo.ErrNotFound)
	}
	p := f.product
	return &p, nil
}

func (f *fakeRepo) RecordRecoverySend(_ context.Context, orderID string, sent int, at time.Time) error {
	o, ok := f.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	o.RecoveryMessagesSent = sent
	sentAt := at
	o.LastRecoverySentAt = &sentAt
	return nil
}

type fakeMessenger struct {
	texts []string
}

func (f *fakeMessenger) SendMessage(_ context.Context, _ string, params tg.SendMessageParams) (*tg.Message, error) {
	f.texts = append(f.texts, params.Text)
	return &tg.Message{}, nil
}

func (f *fakeMessenger) SendPhoto(_ context.Context, _ string, params tg.SendPhotoParams) (*tg.Message, error) {
	f.texts = append(f.texts, params.Caption)
	return &tg.Message{}, nil
}

func (f *fakeMessenger) SendAudio(_ context.Context, _ string, params tg.SendAudioParams) (*tg.Message, error) {
	f.texts = append(f.texts, params.Caption)
	return &tg.Message{}, nil
}

func newFixture(t *testing.T) (*fakeRepo, *fakeMessenger, *Scheduler, time.Time) {
	t.Helper()
	name := "Ana"
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := &fakeRepo{
		client: repo.Client{ID: "c1", BotToken: "tok", CartReminderEnabled: true},
		messages: []repo.CartRecoveryMessage{
			{ID: "m1", ClientID: "c1", DelayValue: 30, TimeUnit: "minutes", MessageContent: "Olá {nome}, pague {valor} pelo {produto}", IsActive: true, DisplayOrder: 1},
			{ID: "m2", ClientID: "c1", DelayValue: 1, TimeUnit: "hours", MessageContent: "Última chance, {nome}!", IsActive: true, DisplayOrder: 2},
		},
		customer: repo.Customer{ID: "cust-1", ClientID: "c1", TelegramID: 42, FirstName: &name},
		product:  repo.Product{ID: "p1", ClientID: "c1", Name: "Ebook", PriceCents: 4750, IsActive: true},
		orders:   map[string]*repo.Order{},
	}
	pid := r.product.ID
	r.orders["o1"] = &repo.Order{
		ID:          "o1",
		ClientID:    "c1",
		CustomerID:  "cust-1",
		ProductID:   &pid,
		AmountCents: 4750,
		Status:      repo.OrderPending,
		CreatedAt:   t0,
	}
	messenger := &fakeMessenger{}
	s := New(r, messenger, nil, metrics.Registry("test"), slog.Default(), Config{Interval: time.Minute})
	return r, messenger, s, t0
}

func TestRenderTemplateFillsPlaceholders(t *testing.T) {
	name := "Ana"
	customer := &repo.Customer{FirstName: &name}
	product := &repo.Product{Name: "Ebook"}

	got := RenderTemplate("Olá {nome}, pague {valor} pelo {produto}", customer, product, 4750)
	want := "Olá Ana, pague R$ 47,50 pelo Ebook"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// Missing customer name falls back to a generic salutation.
	got = RenderTemplate("Oi {nome}", &repo.Customer{}, nil, 0)
	if got != "Oi Cliente" {
		t.Fatalf("got %q", got)
	}
}

func TestSweepFollowsTheStepTimeline(t *testing.T) {
	r, messenger, s, t0 := newFixture(t)
	ctx := context.Background()

	// Before the first delay nothing fires.
	if err := s.RunOnce(ctx, t0.Add(29*time.Minute)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(messenger.texts) != 0 {
		t.Fatalf("expected no sends at t0+29m, got %d", len(messenger.texts))
	}

	// First step fires after 30 minutes.
	if err := s.RunOnce(ctx, t0.Add(31*time.Minute)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(messenger.texts) != 1 {
		t.Fatalf("expected first send at t0+31m, got %d", len(messenger.texts))
	}
	if messenger.texts[0] != "Olá Ana, pague R$ 47,50 pelo Ebook" {
		t.Fatalf("unexpected message %q", messenger.texts[0])
	}
	if r.orders["o1"].RecoveryMessagesSent != 1 {
		t.Fatalf("send not recorded: %d", r.orders["o1"].RecoveryMessagesSent)
	}

	// The second step counts from the first send, not from order creation.
	if err := s.RunOnce(ctx, t0.Add(90*time.Minute)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(messenger.texts) != 1 {
		t.Fatalf("second step fired too early, got %d sends", len(messenger.texts))
	}

	if err := s.RunOnce(ctx, t0.Add(92*time.Minute)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(messenger.texts) != 2 {
		t.Fatalf("expected second send at t0+92m, got %d", len(messenger.texts))
	}
	if messenger.texts[1] != "Última chance, Ana!" {
		t.Fatalf("unexpected message %q", messenger.texts[1])
	}

	// The sequence is exhausted; later sweeps send nothing.
	if err := s.RunOnce(ctx, t0.Add(48*time.Hour)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(messenger.texts) != 2 {
		t.Fatalf("exhausted order kept sending, got %d", len(messenger.texts))
	}
}

func TestPaidOrdersAreNotChased(t *testing.T) {
	r, messenger, s, t0 := newFixture(t)
	r.orders["o1"].Status = repo.OrderPaid

	if err := s.RunOnce(context.Background(), t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(messenger.texts) != 0 {
		t.Fatalf("paid orders must not receive recovery messages, got %d", len(messenger.texts))
	}
}
