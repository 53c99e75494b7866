package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, client_id, customer_id, product_id, parent_order_id, fee_id,
       amount_cents, status, payment_method, payment_id, pix_code, pix_qrcode,
       fees_paid, recovery_messages_sent, last_recovery_sent_at,
       created_at, paid_at, delivered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var feesJSON []byte
	if err := row.Scan(&o.ID, &o.ClientID, &o.CustomerID, &o.ProductID, &o.ParentOrderID, &o.FeeID,
		&o.AmountCents, &o.Status, &o.PaymentMethod, &o.PaymentID, &o.PixCode, &o.PixQRCode,
		&feesJSON, &o.RecoveryMessagesSent, &o.LastRecoverySentAt,
		&o.CreatedAt, &o.PaidAt, &o.DeliveredAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.FeesPaid = feesFromJSON(feesJSON)
	return &o, nil
}

// InsertOrder stores a new order record in pending state.
func (r *PostgresRepository) InsertOrder(ctx context.Context, order Order) (*Order, error) {
	fees, err := feesToJSON(order.FeesPaid)
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO orders (client_id, customer_id, product_id, parent_order_id, fee_id,
                    amount_cents, status, payment_method, fees_paid)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + orderColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		order.ClientID,
		order.CustomerID,
		order.ProductID,
		order.ParentOrderID,
		order.FeeID,
		order.AmountCents,
		order.Status,
		order.PaymentMethod,
		fees,
	)
	inserted, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return inserted, nil
}

// GetOrder retrieves an order by identifier.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 LIMIT 1;`
	order, err := scanOrder(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// GetOrderByPaymentID retrieves an order by the gateway transaction id.
func (r *PostgresRepository) GetOrderByPaymentID(ctx context.Context, clientID, paymentID string) (*Order, error) {
	const q = `SELECT ` + orderColumns + ` FROM orders WHERE client_id = $1 AND payment_id = $2 LIMIT 1;`
	order, err := scanOrder(r.pool.QueryRow(ctx, q, clientID, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get order by payment id %s: %w", paymentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get order by payment id: %w", err)
	}
	return order, nil
}

// SetOrderPayment records the generated PIX charge on the order.
func (r *PostgresRepository) SetOrderPayment(ctx context.Context, id string, paymentID, pixCode, pixQRCode string) error {
	const q = `
UPDATE orders
SET payment_id = $2, pix_code = $3, pix_qrcode = $4, updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, id, paymentID, pixCode, pixQRCode)
	if err != nil {
		return fmt.Errorf("set order payment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set order payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkOrderPaid transitions the order to paid. The conditional update keeps
// duplicate webhook deliveries from claiming the transition twice; the caller
// runs paid side effects only when claimed is true.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'paid', paid_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'cancelled');
`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MarkOrderDelivered transitions a paid order to delivered.
func (r *PostgresRepository) MarkOrderDelivered(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'delivered', delivered_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = 'paid';
`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark order delivered: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// CancelOrder transitions a pending order to cancelled.
func (r *PostgresRepository) CancelOrder(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'cancelled', updated_at = NOW()
WHERE id = $1 AND status = 'pending';
`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MarkOrderRefunded transitions a paid order to refunded.
func (r *PostgresRepository) MarkOrderRefunded(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'refunded', updated_at = NOW()
WHERE id = $1 AND status = 'paid';
`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark order refunded: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// AddFeePaid appends a fee id to the order's fees_paid set. The containment
// guard makes repeated confirmations a no-op.
func (r *PostgresRepository) AddFeePaid(ctx context.Context, orderID, feeID string) error {
	const q = `
UPDATE orders
SET fees_paid = fees_paid || to_jsonb($2::text), updated_at = NOW()
WHERE id = $1 AND NOT fees_paid @> to_jsonb($2::text);
`
	if _, err := r.pool.Exec(ctx, q, orderID, feeID); err != nil {
		return fmt.Errorf("add fee paid: %w", err)
	}
	return nil
}

// ListRecoveryCandidates returns real orders still eligible for recovery
// messages. Fee orders are excluded.
func (r *PostgresRepository) ListRecoveryCandidates(ctx context.Context, clientID string, maxMessages int) ([]Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders
WHERE client_id = $1
  AND status IN ('pending', 'cancelled')
  AND parent_order_id IS NULL
  AND recovery_messages_sent < $2
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, clientID, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("list recovery candidates: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery candidate: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recovery candidates: %w", err)
	}
	return orders, nil
}

// RecordRecoverySend advances the recovery cursor after a message was sent.
func (r *PostgresRepository) RecordRecoverySend(ctx context.Context, orderID string, sent int, at time.Time) error {
	const q = `
UPDATE orders
SET recovery_messages_sent = $2, last_recovery_sent_at = $3, updated_at = NOW()
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, orderID, sent, at)
	if err != nil {
		return fmt.Errorf("record recovery send: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("record recovery send %s: %w", orderID, ErrNotFound)
	}
	return nil
}

// ListExpiredPending returns pending orders created before the cutoff.
func (r *PostgresRepository) ListExpiredPending(ctx context.Context, clientID string, before time.Time) ([]Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders
WHERE client_id = $1 AND status = 'pending' AND created_at < $2
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, clientID, before)
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired pending: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired pending: %w", err)
	}
	return orders, nil
}

func feesToJSON(fees []string) (string, error) {
	if fees == nil {
		fees = []string{}
	}
	data, err := json.Marshal(fees)
	if err != nil {
		return "", fmt.Errorf("marshal fees_paid: %w", err)
	}
	return string(data), nil
}

func feesFromJSON(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var fees []string
	if err := json.Unmarshal(data, &fees); err != nil {
		return nil
	}
	return fees
}
