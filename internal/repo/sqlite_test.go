package repo

import (
	"context"
	"log/slog"
	"testing"

	"conversy/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, ":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return r
}

func seedClient(t *testing.T, r *SQLiteRepository, id string) {
	t.Helper()
	_, err := r.db.Exec(`INSERT INTO clients (id, name, gateway, cart_reminder_enabled) VALUES (?, ?, 'mock', 1);`, id, "Loja "+id)
	if err != nil {
		t.Fatalf("seed client: %v", err)
	}
}

func seedCustomer(t *testing.T, r *SQLiteRepository, clientID string, telegramID int64) string {
	t.Helper()
	name := "Ana"
	c, err := r.UpsertCustomer(context.Background(), CustomerProfile{
		ClientID:   clientID,
		TelegramID: telegramID,
		FirstName:  &name,
	})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return c.ID
}

func seedProduct(t *testing.T, r *SQLiteRepository, id, clientID string, priceCents int64) {
	t.Helper()
	_, err := r.db.Exec(`INSERT INTO products (id, client_id, name, price_cents) VALUES (?, ?, 'Ebook', ?);`, id, clientID, priceCents)
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func seedOrder(t *testing.T, r *SQLiteRepository, clientID, customerID, productID string, amountCents int64) *Order {
	t.Helper()
	pid := productID
	order, err := r.InsertOrder(context.Background(), Order{
		ClientID:      clientID,
		CustomerID:    customerID,
		ProductID:     &pid,
		AmountCents:   amountCents,
		Status:        OrderPending,
		PaymentMethod: "pix",
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

func TestMarkOrderPaidClaimsOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	claimed, err := r.MarkOrderPaid(ctx, order.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !claimed {
		t.Fatal("first confirmation should claim the order")
	}

	claimed, err = r.MarkOrderPaid(ctx, order.ID)
	if err != nil {
		t.Fatalf("mark paid again: %v", err)
	}
	if claimed {
		t.Fatal("second confirmation must be a no-op")
	}

	got, err := r.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != OrderPaid {
		t.Fatalf("expected status paid, got %s", got.Status)
	}
	if got.PaidAt == nil {
		t.Fatal("paid_at should be set")
	}
}

func TestMarkOrderPaidRecoversCancelledOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	cancelled, err := r.CancelOrder(ctx, order.ID)
	if err != nil || !cancelled {
		t.Fatalf("cancel order: cancelled=%v err=%v", cancelled, err)
	}

	// A late payment webhook still counts.
	claimed, err := r.MarkOrderPaid(ctx, order.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if !claimed {
		t.Fatal("payment of a cancelled order should be honoured")
	}
}

func TestCancelOrderOnlyWhilePending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if _, err := r.MarkOrderPaid(ctx, order.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	cancelled, err := r.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if cancelled {
		t.Fatal("paid orders must not be cancellable")
	}
}

func TestMarkOrderDeliveredRequiresPaid(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	delivered, err := r.MarkOrderDelivered(ctx, order.ID)
	if err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if delivered {
		t.Fatal("pending orders must not be deliverable")
	}

	if _, err := r.MarkOrderPaid(ctx, order.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	delivered, err = r.MarkOrderDelivered(ctx, order.ID)
	if err != nil || !delivered {
		t.Fatalf("deliver paid order: delivered=%v err=%v", delivered, err)
	}
}

func TestGetOrderByPaymentIDScopedToClient(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	seedClient(t, r, "c2")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if err := r.SetOrderPayment(ctx, order.ID, "pay_123", "pixcode", "qrcode"); err != nil {
		t.Fatalf("set payment: %v", err)
	}

	got, err := r.GetOrderByPaymentID(ctx, "c1", "pay_123")
	if err != nil {
		t.Fatalf("get by payment id: %v", err)
	}
	if got.ID != order.ID {
		t.Fatalf("expected order %s, got %s", order.ID, got.ID)
	}

	if _, err := r.GetOrderByPaymentID(ctx, "c2", "pay_123"); err == nil {
		t.Fatal("payment id must not resolve across clients")
	}
}

func TestAddFeePaidIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	if _, err := r.db.Exec(`INSERT INTO product_fees (id, product_id, name, amount_cents, display_order) VALUES ('f1', 'p1', 'Taxa A', 1000, 1);`); err != nil {
		t.Fatalf("seed fee: %v", err)
	}
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if err := r.AddFeePaid(ctx, order.ID, "f1"); err != nil {
		t.Fatalf("add fee paid: %v", err)
	}
	if err := r.AddFeePaid(ctx, order.ID, "f1"); err != nil {
		t.Fatalf("add fee paid again: %v", err)
	}

	got, err := r.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(got.FeesPaid) != 1 || got.FeesPaid[0] != "f1" {
		t.Fatalf("expected fees_paid [f1], got %v", got.FeesPaid)
	}
}

func TestSettleOrderFeeDebitsBalance(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if err := r.EnsureBalance(ctx, "c1"); err != nil {
		t.Fatalf("ensure balance: %v", err)
	}
	if _, err := r.CreditBalance(ctx, "c1", 500, "pix", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	settlement, err := r.SettleOrderFee(ctx, "c1", order.ID, 100)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.Source != FeeFromBalance {
		t.Fatalf("expected balance funding, got %s", settlement.Source)
	}

	balance, err := r.GetBalance(ctx, "c1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.BalanceCents != 400 {
		t.Fatalf("expected balance 400, got %d", balance.BalanceCents)
	}
	if balance.DebtCents != 0 {
		t.Fatalf("expected no debt, got %d", balance.DebtCents)
	}
}

func TestSettleOrderFeeAccruesDebtWhenBroke(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if err := r.EnsureBalance(ctx, "c1"); err != nil {
		t.Fatalf("ensure balance: %v", err)
	}

	settlement, err := r.SettleOrderFee(ctx, "c1", order.ID, 100)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.Source != FeeFromDebt {
		t.Fatalf("expected debt funding, got %s", settlement.Source)
	}

	balance, err := r.GetBalance(ctx, "c1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.DebtCents != 100 {
		t.Fatalf("expected debt 100, got %d", balance.DebtCents)
	}
	if balance.DebtStartedAt == nil {
		t.Fatal("debt_started_at should be set on first debt")
	}
	if balance.BalanceCents != 0 {
		t.Fatalf("balance must never go negative, got %d", balance.BalanceCents)
	}
}

func TestSettleOrderFeeRejectsDuplicateOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if err := r.EnsureBalance(ctx, "c1"); err != nil {
		t.Fatalf("ensure balance: %v", err)
	}
	if _, err := r.SettleOrderFee(ctx, "c1", order.ID, 100); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The unique order_id constraint guards against double charging.
	if _, err := r.SettleOrderFee(ctx, "c1", order.ID, 100); err == nil {
		t.Fatal("second settlement for the same order must fail")
	}

	balance, err := r.GetBalance(ctx, "c1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.DebtCents != 100 {
		t.Fatalf("failed settlement must roll back, debt=%d", balance.DebtCents)
	}
}

func TestCreditBalancePaysDebtFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)
	order := seedOrder(t, r, "c1", customerID, "p1", 4750)

	if err := r.EnsureBalance(ctx, "c1"); err != nil {
		t.Fatalf("ensure balance: %v", err)
	}
	if _, err := r.SettleOrderFee(ctx, "c1", order.ID, 50); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Credit smaller than the debt only shrinks the debt.
	res, err := r.CreditBalance(ctx, "c1", 30, "pix", nil)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res.DebtPaidCents != 30 || res.BalanceAddedCents != 0 || res.DebtCleared {
		t.Fatalf("unexpected split: %+v", res)
	}

	// Credit larger than the remaining debt clears it and tops up.
	res, err = r.CreditBalance(ctx, "c1", 50, "pix", nil)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res.DebtPaidCents != 20 || res.BalanceAddedCents != 30 || !res.DebtCleared {
		t.Fatalf("unexpected split: %+v", res)
	}

	balance, err := r.GetBalance(ctx, "c1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.DebtCents != 0 || balance.BalanceCents != 30 {
		t.Fatalf("expected debt 0 balance 30, got debt %d balance %d", balance.DebtCents, balance.BalanceCents)
	}
	if balance.DebtStartedAt != nil {
		t.Fatal("debt_started_at should clear with the debt")
	}

	txs, err := r.ListBalanceTransactions(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	// One fee deduction plus two credits.
	if len(txs) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(txs))
	}
}

func TestListRecoveryCandidatesSkipsFeeAndSettledOrders(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")
	customerID := seedCustomer(t, r, "c1", 100)
	seedProduct(t, r, "p1", "c1", 4750)

	pending := seedOrder(t, r, "c1", customerID, "p1", 4750)
	paid := seedOrder(t, r, "c1", customerID, "p1", 4750)
	if _, err := r.MarkOrderPaid(ctx, paid.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	feeParent := pending.ID
	if _, err := r.InsertOrder(ctx, Order{
		ClientID:      "c1",
		CustomerID:    customerID,
		ParentOrderID: &feeParent,
		AmountCents:   1000,
		Status:        OrderPending,
		PaymentMethod: "pix",
	}); err != nil {
		t.Fatalf("insert fee order: %v", err)
	}

	orders, err := r.ListRecoveryCandidates(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != pending.ID {
		t.Fatalf("expected only the pending product order, got %d", len(orders))
	}

	// An order that exhausted the sequence drops out.
	if err := r.RecordRecoverySend(ctx, pending.ID, 3, orders[0].CreatedAt); err != nil {
		t.Fatalf("record send: %v", err)
	}
	orders, err = r.ListRecoveryCandidates(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no candidates, got %d", len(orders))
	}
}

func TestUpsertCustomerKeepsAttribution(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedClient(t, r, "c1")

	utm := "tiktok"
	first, err := r.UpsertCustomer(ctx, CustomerProfile{ClientID: "c1", TelegramID: 7, UTMSource: &utm})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later upsert without attribution must not erase it.
	name := "Ana"
	second, err := r.UpsertCustomer(ctx, CustomerProfile{ClientID: "c1", TelegramID: 7, FirstName: &name})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same customer row, got %s and %s", first.ID, second.ID)
	}
	if second.UTMSource == nil || *second.UTMSource != "tiktok" {
		t.Fatal("utm_source should survive later upserts")
	}
	if second.FirstName == nil || *second.FirstName != "Ana" {
		t.Fatal("first_name should update")
	}
}
