package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"conversy/internal/billing"
	"conversy/internal/gateway"
	"conversy/internal/metrics"
	"conversy/internal/repo"
	"conversy/internal/tg"

	"log/slog"
)

// fakeRepo implements the slice of repo.Repository the engine exercises.
// Unimplemented methods panic through the embedded nil interface.
type fakeRepo struct {
	repo.Repository

	clients     map[string]*repo.Client
	customers   map[string]*repo.Customer
	products    map[string]*repo.Product
	fees        map[string][]repo.ProductFee
	orders      map[string]*repo.Order
	nextID      int
	settlements int
	salesCount  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		clients:   map[string]*repo.Client{},
		customers: map[string]*repo.Customer{},
		products:  map[string]*repo.Product{},
		fees:      map[string][]repo.ProductFee{},
		orders:    map[string]*repo.Order{},
	}
}

func (f *fakeRepo) GetClient(_ context.Context, id string) (*repo.Client, error) {
	c, ok := f.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, repo.ErrNotFound)
	}
	return c, nil
}

func (f *fakeRepo) UpsertCustomer(_ context.Context, profile repo.CustomerProfile) (*repo.Customer, error) {
	for _, c := range f.customers {
		if c.ClientID == profile.ClientID && c.TelegramID == profile.TelegramID {
			return c, nil
		}
	}
	f.nextID++
	c := &repo.Customer{
		ID:         fmt.Sprintf("cust-%d", f.nextID),
		ClientID:   profile.ClientID,
		TelegramID: profile.TelegramID,
		FirstName:  profile.FirstName,
	}
	f.customers[c.ID] = c
	return c, nil
}

func (f *fakeRepo) GetCustomer(_ context.Context, id string) (*repo.Customer, error) {
	c, ok := f.customers[id]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", id, repo.ErrNotFound)
	}
	return c, nil
}

func (f *fakeRepo) GetProduct(_ context.Context, id string) (*repo.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, repo.ErrNotFound)
	}
	return p, nil
}

func (f *fakeRepo) ListActiveFees(_ context.Context, productID string) ([]repo.ProductFee, error) {
	return f.fees[productID], nil
}

func (f *fakeRepo) GetFee(_ context.Context, id string) (*repo.ProductFee, error) {
	for _, fees := range f.fees {
		for i := range fees {
			if fees[i].ID == id {
				return &fees[i], nil
			}
		}
	}
	return nil, fmt.Errorf("fee %s: %w", id, repo.ErrNotFound)
}

func (f *fakeRepo) IncrementProductSales(_ context.Context, _ string) error {
	f.salesCount++
	return nil
}

func (f *fakeRepo) IncrementProductViews(_ context.Context, _ string) error { return nil }

func (f *fakeRepo) InsertOrder(_ context.Context, order repo.Order) (*repo.Order, error) {
	f.nextID++
	// Callback encoding packs order ids as UUIDs, so mint UUID-shaped ids.
	order.ID = fmt.Sprintf("%08d-0000-4000-8000-000000000000", f.nextID)
	order.CreatedAt = time.Now()
	stored := order
	f.orders[stored.ID] = &stored
	copied := stored
	return &copied, nil
}

func (f *fakeRepo) GetOrder(_ context.Context, id string) (*repo.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, repo.ErrNotFound)
	}
	copied := *o
	return &copied, nil
}

func (f *fakeRepo) GetOrderByPaymentID(_ context.Context, clientID, paymentID string) (*repo.Order, error) {
	for _, o := range f.orders {
		if o.ClientID == clientID && o.PaymentID != nil && *o.PaymentID == paymentID {
			copied := *o
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("payment %s: %w", paymentID, repo.ErrNotFound)
}

func (f *fakeRepo) SetOrderPayment(_ context.Context, id string, paymentID, pixCode, pixQRCode string) error {
	o, ok := f.orders[id]
	if !ok {
		return repo.ErrNotFound
	}
	o.PaymentID = &paymentID
	o.PixCode = &pixCode
	o.PixQRCode = &pixQRCode
	return nil
}

func (f *fakeRepo) MarkOrderPaid(_ context.Context, id string) (bool, error) {
	o, ok := f.orders[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if o.Status != repo.OrderPending && o.Status != repo.OrderCancelled {
		return false, nil
	}
	o.Status = repo.OrderPaid
	now := time.Now()
	o.PaidAt = &now
	return true, nil
}

func (f *fakeRepo) MarkOrderDelivered(_ context.Context, id string) (bool, error) {
	o, ok := f.orders[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if o.Status != repo.OrderPaid {
		return false, nil
	}
	o.Status = repo.OrderDelivered
	return true, nil
}

func (f *fakeRepo) CancelOrder(_ context.Context, id string) (bool, error) {
	o, ok := f.orders[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if o.Status != repo.OrderPending {
		return false, nil
	}
	o.Status = repo.OrderCancelled
	return true, nil
}

func (f *fakeRepo) MarkOrderRefunded(_ context.Context, id string) (bool, error) {
	o, ok := f.orders[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if o.Status != repo.OrderPaid {
		return false, nil
	}
	o.Status = repo.OrderRefunded
	return true, nil
}

func (f *fakeRepo) AddFeePaid(_ context.Context, orderID, feeID string) error {
	o, ok := f.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	for _, id := range o.FeesPaid {
		if id == feeID {
			return nil
		}
	}
	o.FeesPaid = append(o.FeesPaid, feeID)
	return nil
}

func (f *fakeRepo) EnsureBalance(_ context.Context, _ string) error { return nil }

func (f *fakeRepo) SettleOrderFee(_ context.Context, clientID, orderID string, amountCents int64) (*repo.FeeSettlement, error) {
	f.settlements++
	return &repo.FeeSettlement{OrderID: orderID, AmountCents: amountCents, Source: repo.FeeFromBalance}, nil
}

// fakeMessenger records outbound Telegram traffic.
type fakeMessenger struct {
	texts   []string
	buttons []string
	invites int
}

func (f *fakeMessenger) SendMessage(_ context.Context, _ string, params tg.SendMessageParams) (*tg.Message, error) {
	f.texts = append(f.texts, params.Text)
	if params.ReplyMarkup != nil {
		for _, row := range params.ReplyMarkup.InlineKeyboard {
			for _, b := range row {
				f.buttons = append(f.buttons, b.CallbackData)
			}
		}
	}
	return &tg.Message{}, nil
}

func (f *fakeMessenger) SendPhoto(_ context.Context, _ string, params tg.SendPhotoParams) (*tg.Message, error) {
	f.texts = append(f.texts, params.Caption)
	return &tg.Message{}, nil
}

func (f *fakeMessenger) AnswerCallbackQuery(_ context.Context, _ string, _ tg.AnswerCallbackParams) error {
	return nil
}

func (f *fakeMessenger) CreateChatInviteLink(_ context.Context, _ string, _ tg.InviteLinkParams) (*tg.ChatInviteLink, error) {
	f.invites++
	return &tg.ChatInviteLink{InviteLink: "https://t.me/+invite"}, nil
}

func newTestEngine(t *testing.T, r *fakeRepo, messenger *fakeMessenger) *Engine {
	t.Helper()
	logger := slog.Default()
	m := metrics.Registry("test")
	gateways := gateway.NewRegistry(gateway.Config{}, logger, m)
	bill := billing.New(r, logger, m, 100)
	return New(r, messenger, gateways, bill, nil, nil, nil, m, logger, Config{})
}

func seedStore(r *fakeRepo, requireFees bool) (*repo.Client, *repo.Customer, *repo.Product) {
	fileURL := "https://cdn.example.com/ebook.pdf"
	client := &repo.Client{ID: "c1", Name: "Loja", BotToken: "tok", WebhookSecret: "hook", Gateway: gateway.GatewayMock, AutoDelivery: true}
	customer := &repo.Customer{ID: "cust-1", ClientID: "c1", TelegramID: 42}
	name := "Ana"
	customer.FirstName = &name
	product := &repo.Product{ID: "11111111-1111-4111-8111-111111111111", ClientID: "c1", Name: "Ebook", PriceCents: 4750, FileURL: &fileURL, IsActive: true, RequireFeesBeforeDelivery: requireFees}
	r.clients[client.ID] = client
	r.customers[customer.ID] = customer
	r.products[product.ID] = product
	return client, customer, product
}

func TestConfirmPaidSettlesOnceAndDelivers(t *testing.T) {
	r := newFakeRepo()
	messenger := &fakeMessenger{}
	e := newTestEngine(t, r, messenger)
	client, customer, product := seedStore(r, false)
	ctx := context.Background()

	if err := e.handleBuy(ctx, client, customer, customer.TelegramID, product.ID); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(r.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(r.orders))
	}
	var order *repo.Order
	for _, o := range r.orders {
		order = o
	}
	if order.PaymentID == nil {
		t.Fatal("buy must attach a payment id")
	}

	if err := e.ConfirmPaid(ctx, client, order, "webhook"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.settlements != 1 {
		t.Fatalf("expected one platform fee settlement, got %d", r.settlements)
	}
	if r.orders[order.ID].Status != repo.OrderDelivered {
		t.Fatalf("expected delivered, got %s", r.orders[order.ID].Status)
	}
	if r.salesCount != 1 {
		t.Fatalf("expected one sale increment, got %d", r.salesCount)
	}

	// A duplicate confirmation must not settle or deliver again.
	sent := len(messenger.texts)
	if err := e.ConfirmPaid(ctx, client, order, "manual"); err != nil {
		t.Fatalf("confirm again: %v", err)
	}
	if r.settlements != 1 {
		t.Fatalf("duplicate confirmation settled again: %d", r.settlements)
	}
	if len(messenger.texts) != sent {
		t.Fatal("duplicate confirmation must not message the customer")
	}
}

func TestFeeGateSequencesFeesBeforeDelivery(t *testing.T) {
	r := newFakeRepo()
	messenger := &fakeMessenger{}
	e := newTestEngine(t, r, messenger)
	client, customer, product := seedStore(r, true)
	ctx := context.Background()

	feeA := repo.ProductFee{ID: "21111111-1111-4111-8111-111111111111", ProductID: product.ID, Name: "Taxa de cadastro", AmountCents: 1000, DisplayOrder: 1, IsActive: true}
	feeB := repo.ProductFee{ID: "31111111-1111-4111-8111-111111111111", ProductID: product.ID, Name: "Taxa de liberação", AmountCents: 2000, DisplayOrder: 2, IsActive: true}
	r.fees[product.ID] = []repo.ProductFee{feeA, feeB}

	if err := e.handleBuy(ctx, client, customer, customer.TelegramID, product.ID); err != nil {
		t.Fatalf("buy: %v", err)
	}
	var order *repo.Order
	for _, o := range r.orders {
		order = o
	}

	if err := e.ConfirmPaid(ctx, client, order, "webhook"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.orders[order.ID].Status != repo.OrderPaid {
		t.Fatalf("order must stay paid while fees are due, got %s", r.orders[order.ID].Status)
	}
	if !strings.Contains(lastText(messenger), "Taxa de cadastro") {
		t.Fatalf("expected first fee prompt, got %q", lastText(messenger))
	}

	// Paying fee A prompts fee B, not delivery.
	feeOrderA := payFee(t, e, r, client, customer, feeA.ID, order.ID)
	if !feeOrderA.IsFeeOrder() {
		t.Fatal("fee order must carry parent linkage")
	}
	if !strings.Contains(lastText(messenger), "Taxa de liberação") {
		t.Fatalf("expected second fee prompt, got %q", lastText(messenger))
	}
	if got := r.orders[order.ID].FeesPaid; len(got) != 1 || got[0] != feeA.ID {
		t.Fatalf("expected fees_paid [A], got %v", got)
	}

	// Paying fee B releases delivery.
	payFee(t, e, r, client, customer, feeB.ID, order.ID)
	if r.orders[order.ID].Status != repo.OrderDelivered {
		t.Fatalf("expected delivery after last fee, got %s", r.orders[order.ID].Status)
	}
	if !strings.Contains(lastText(messenger), "ebook.pdf") {
		t.Fatalf("expected file delivery, got %q", lastText(messenger))
	}

	// Fee orders never touch the platform ledger.
	if r.settlements != 1 {
		t.Fatalf("expected one settlement for the product order only, got %d", r.settlements)
	}
}

func payFee(t *testing.T, e *Engine, r *fakeRepo, client *repo.Client, customer *repo.Customer, feeID, parentID string) *repo.Order {
	t.Helper()
	ctx := context.Background()
	if err := e.handleFeeRequest(ctx, client, customer, customer.TelegramID, feeID, parentID); err != nil {
		t.Fatalf("fee request: %v", err)
	}
	var feeOrder *repo.Order
	for _, o := range r.orders {
		if o.FeeID != nil && *o.FeeID == feeID {
			feeOrder = o
		}
	}
	if feeOrder == nil {
		t.Fatalf("fee order for %s not created", feeID)
	}
	if err := e.ConfirmPaid(ctx, client, feeOrder, "webhook"); err != nil {
		t.Fatalf("confirm fee: %v", err)
	}
	return feeOrder
}

func lastText(m *fakeMessenger) string {
	if len(m.texts) == 0 {
		return ""
	}
	return m.texts[len(m.texts)-1]
}

func TestProcessUpdateRejectsBadSecret(t *testing.T) {
	r := newFakeRepo()
	e := newTestEngine(t, r, &fakeMessenger{})
	seedStore(r, false)

	err := e.ProcessUpdate(context.Background(), "c1", "wrong", tg.Update{})
	if !errors.Is(err, tg.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	err = e.ProcessUpdate(context.Background(), "ghost", "hook", tg.Update{})
	if !errors.Is(err, tg.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown client, got %v", err)
	}
}

func TestHandlePaymentSignalDrivesTransitions(t *testing.T) {
	r := newFakeRepo()
	messenger := &fakeMessenger{}
	e := newTestEngine(t, r, messenger)
	client, customer, product := seedStore(r, false)
	ctx := context.Background()

	if err := e.handleBuy(ctx, client, customer, customer.TelegramID, product.ID); err != nil {
		t.Fatalf("buy: %v", err)
	}
	var order *repo.Order
	for _, o := range r.orders {
		order = o
	}

	evt := gateway.WebhookEvent{PaymentID: *order.PaymentID, Status: "paid"}
	if err := e.HandlePaymentSignal(ctx, client, evt, gateway.SignalPaid); err != nil {
		t.Fatalf("paid signal: %v", err)
	}
	if r.orders[order.ID].Status != repo.OrderDelivered {
		t.Fatalf("expected delivered, got %s", r.orders[order.ID].Status)
	}

	if err := e.HandlePaymentSignal(ctx, client, evt, gateway.SignalRefunded); err != nil {
		t.Fatalf("refund signal: %v", err)
	}
	// Delivered orders are not refundable through the conditional update.
	if r.orders[order.ID].Status != repo.OrderDelivered {
		t.Fatalf("delivered order must not flip to refunded, got %s", r.orders[order.ID].Status)
	}

	unknown := gateway.WebhookEvent{PaymentID: "ghost", Status: "paid"}
	if err := e.HandlePaymentSignal(ctx, client, unknown, gateway.SignalPaid); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown payment, got %v", err)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	r := newFakeRepo()
	messenger := &fakeMessenger{}
	e := newTestEngine(t, r, messenger)
	client, customer, product := seedStore(r, false)
	ctx := context.Background()

	if err := e.handleBuy(ctx, client, customer, customer.TelegramID, product.ID); err != nil {
		t.Fatalf("buy: %v", err)
	}
	var order *repo.Order
	for _, o := range r.orders {
		order = o
	}

	if err := e.handleCancel(ctx, client, customer.TelegramID, order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.orders[order.ID].Status != repo.OrderCancelled {
		t.Fatalf("expected cancelled, got %s", r.orders[order.ID].Status)
	}

	// A late payment still wins over the cancellation.
	if err := e.ConfirmPaid(ctx, client, order, "webhook"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.orders[order.ID].Status != repo.OrderDelivered {
		t.Fatalf("late payment should recover the order, got %s", r.orders[order.ID].Status)
	}
}
