package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// -- Clients --

const sqliteClientColumns = `id, name, bot_token, webhook_secret, gateway, gateway_api_key, gateway_secret,
       auto_delivery, cart_reminder_enabled, fee_rate_cents,
       facebook_pixel_id, facebook_access_token, test_event_code,
       tiktok_pixel_id, tiktok_access_token, created_at, updated_at`

func scanClientSQLite(row rowScanner) (*Client, error) {
	var c Client
	if err := row.Scan(&c.ID, &c.Name, &c.BotToken, &c.WebhookSecret, &c.Gateway, &c.GatewayAPIKey, &c.GatewaySecret,
		&c.AutoDelivery, &c.CartReminderEnabled, &c.FeeRateCents,
		&c.FacebookPixelID, &c.FacebookAccessToken, &c.TestEventCode,
		&c.TikTokPixelID, &c.TikTokAccessToken, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteRepository) GetClient(ctx context.Context, id string) (*Client, error) {
	q := `SELECT ` + sqliteClientColumns + ` FROM clients WHERE id = ? LIMIT 1;`
	c, err := scanClientSQLite(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) ListReminderClients(ctx context.Context) ([]Client, error) {
	q := `SELECT ` + sqliteClientColumns + ` FROM clients WHERE cart_reminder_enabled = 1 ORDER BY created_at ASC;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list reminder clients: %w", err)
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		c, err := scanClientSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder client: %w", err)
		}
		clients = append(clients, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder clients: %w", err)
	}
	return clients, nil
}

// -- Customers --

func (r *SQLiteRepository) UpsertCustomer(ctx context.Context, profile CustomerProfile) (*Customer, error) {
	const q = `
INSERT INTO telegram_customers (id, client_id, telegram_id, first_name, username, utm_source, ttclid, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (client_id, telegram_id) DO UPDATE SET
    first_name = COALESCE(excluded.first_name, telegram_customers.first_name),
    username = COALESCE(excluded.username, telegram_customers.username),
    utm_source = COALESCE(excluded.utm_source, telegram_customers.utm_source),
    ttclid = COALESCE(excluded.ttclid, telegram_customers.ttclid),
    updated_at = CURRENT_TIMESTAMP
RETURNING id, client_id, telegram_id, first_name, username, utm_source, ttclid, created_at, updated_at;
`
	row := r.db.QueryRowContext(ctx, q,
		randomUUID(),
		profile.ClientID,
		profile.TelegramID,
		profile.FirstName,
		profile.Username,
		profile.UTMSource,
		profile.TTCLID,
	)
	var c Customer
	if err := row.Scan(&c.ID, &c.ClientID, &c.TelegramID, &c.FirstName, &c.Username, &c.UTMSource, &c.TTCLID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}
	return &c, nil
}

func (r *SQLiteRepository) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	const q = `
SELECT id, client_id, telegram_id, first_name, username, utm_source, ttclid, created_at, updated_at
FROM telegram_customers
WHERE id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, id)
	var c Customer
	if err := row.Scan(&c.ID, &c.ClientID, &c.TelegramID, &c.FirstName, &c.Username, &c.UTMSource, &c.TTCLID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get customer %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// -- Products --

const sqliteProductColumns = `id, client_id, name, price_cents, file_url, telegram_group_id,
       require_fees_before_delivery, sales_count, views_count, is_active, created_at, updated_at`

func scanProductSQLite(row rowScanner) (*Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.ClientID, &p.Name, &p.PriceCents, &p.FileURL, &p.TelegramGroupID,
		&p.RequireFeesBeforeDelivery, &p.SalesCount, &p.ViewsCount, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *SQLiteRepository) GetProduct(ctx context.Context, id string) (*Product, error) {
	q := `SELECT ` + sqliteProductColumns + ` FROM products WHERE id = ? LIMIT 1;`
	p, err := scanProductSQLite(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get product %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) ListActiveProducts(ctx context.Context, clientID string) ([]Product, error) {
	q := `SELECT ` + sqliteProductColumns + ` FROM products WHERE client_id = ? AND is_active = 1 ORDER BY created_at DESC;`
	rows, err := r.db.QueryContext(ctx, q, clientID)
	if err != nil {
		return nil, fmt.Errorf("list active products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProductSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

func (r *SQLiteRepository) ListActiveFees(ctx context.Context, productID string) ([]ProductFee, error) {
	const q = `
SELECT id, product_id, name, amount_cents, display_order, payment_message, button_text, is_active
FROM product_fees
WHERE product_id = ? AND is_active = 1
ORDER BY display_order ASC;
`
	rows, err := r.db.QueryContext(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("list active fees: %w", err)
	}
	defer rows.Close()

	var fees []ProductFee
	for rows.Next() {
		var f ProductFee
		if err := rows.Scan(&f.ID, &f.ProductID, &f.Name, &f.AmountCents, &f.DisplayOrder, &f.PaymentMessage, &f.ButtonText, &f.IsActive); err != nil {
			return nil, fmt.Errorf("scan fee: %w", err)
		}
		fees = append(fees, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fees: %w", err)
	}
	return fees, nil
}

func (r *SQLiteRepository) GetFee(ctx context.Context, id string) (*ProductFee, error) {
	const q = `
SELECT id, product_id, name, amount_cents, display_order, payment_message, button_text, is_active
FROM product_fees
WHERE id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, id)
	var f ProductFee
	if err := row.Scan(&f.ID, &f.ProductID, &f.Name, &f.AmountCents, &f.DisplayOrder, &f.PaymentMessage, &f.ButtonText, &f.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get fee %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get fee: %w", err)
	}
	return &f, nil
}

func (r *SQLiteRepository) IncrementProductSales(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE products SET sales_count = sales_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("increment sales count: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("increment sales count %s", id))
}

func (r *SQLiteRepository) IncrementProductViews(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE products SET views_count = views_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("increment views count: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("increment views count %s", id))
}

// -- Orders --

func (r *SQLiteRepository) InsertOrder(ctx context.Context, order Order) (*Order, error) {
	fees, err := feesToJSON(order.FeesPaid)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO orders (id, client_id, customer_id, product_id, parent_order_id, fee_id,
                    amount_cents, status, payment_method, fees_paid)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + orderColumns + `;`
	row := r.db.QueryRowContext(ctx, q,
		randomUUID(),
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

func (r *SQLiteRepository) GetOrder(ctx context.Context, id string) (*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id = ? LIMIT 1;`
	order, err := scanOrder(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (r *SQLiteRepository) GetOrderByPaymentID(ctx context.Context, clientID, paymentID string) (*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE client_id = ? AND payment_id = ? LIMIT 1;`
	order, err := scanOrder(r.db.QueryRowContext(ctx, q, clientID, paymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get order by payment id %s: %w", paymentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get order by payment id: %w", err)
	}
	return order, nil
}

func (r *SQLiteRepository) SetOrderPayment(ctx context.Context, id string, paymentID, pixCode, pixQRCode string) error {
	const q = `
UPDATE orders
SET payment_id = ?, pix_code = ?, pix_qrcode = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q, paymentID, pixCode, pixQRCode, id)
	if err != nil {
		return fmt.Errorf("set order payment: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("set order payment %s", id))
}

func (r *SQLiteRepository) MarkOrderPaid(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'paid', paid_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status IN ('pending', 'cancelled');
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	return affected(res), nil
}

func (r *SQLiteRepository) MarkOrderDelivered(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'paid';
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark order delivered: %w", err)
	}
	return affected(res), nil
}

func (r *SQLiteRepository) CancelOrder(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'cancelled', updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending';
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return affected(res), nil
}

func (r *SQLiteRepository) MarkOrderRefunded(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE orders
SET status = 'refunded', updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'paid';
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("mark order refunded: %w", err)
	}
	return affected(res), nil
}

// AddFeePaid appends a fee id to fees_paid. SQLite lacks jsonb containment
// operators, so this is a read-modify-write inside a transaction; the single
// connection serialises writers.
func (r *SQLiteRepository) AddFeePaid(ctx context.Context, orderID, feeID string) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		var feesJSON []byte
		if err := tx.QueryRowContext(ctx, `SELECT fees_paid FROM orders WHERE id = ?;`, orderID).Scan(&feesJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("add fee paid %s: %w", orderID, ErrNotFound)
			}
			return fmt.Errorf("read fees_paid: %w", err)
		}
		fees := feesFromJSON(feesJSON)
		for _, id := range fees {
			if id == feeID {
				return nil
			}
		}
		fees = append(fees, feeID)
		data, err := json.Marshal(fees)
		if err != nil {
			return fmt.Errorf("marshal fees_paid: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET fees_paid = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, string(data), orderID); err != nil {
			return fmt.Errorf("write fees_paid: %w", err)
		}
		return nil
	})
}

func (r *SQLiteRepository) ListRecoveryCandidates(ctx context.Context, clientID string, maxMessages int) ([]Order, error) {
	q := `
SELECT ` + orderColumns + `
FROM orders
WHERE client_id = ?
  AND status IN ('pending', 'cancelled')
  AND parent_order_id IS NULL
  AND recovery_messages_sent < ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, clientID, maxMessages)
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

func (r *SQLiteRepository) RecordRecoverySend(ctx context.Context, orderID string, sent int, at time.Time) error {
	const q = `
UPDATE orders
SET recovery_messages_sent = ?, last_recovery_sent_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q, sent, at.UTC(), orderID)
	if err != nil {
		return fmt.Errorf("record recovery send: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("record recovery send %s", orderID))
}

func (r *SQLiteRepository) ListExpiredPending(ctx context.Context, clientID string, before time.Time) ([]Order, error) {
	q := `
SELECT ` + orderColumns + `
FROM orders
WHERE client_id = ? AND status = 'pending' AND created_at < ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, clientID, before.UTC())
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

// -- Balances --

func (r *SQLiteRepository) EnsureBalance(ctx context.Context, clientID string) error {
	const q = `INSERT INTO client_balances (client_id) VALUES (?) ON CONFLICT (client_id) DO NOTHING;`
	if _, err := r.db.ExecContext(ctx, q, clientID); err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetBalance(ctx context.Context, clientID string) (*ClientBalance, error) {
	const q = `
SELECT client_id, balance_cents, debt_cents, debt_started_at, is_blocked, blocked_at, updated_at
FROM client_balances
WHERE client_id = ?
LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, clientID)
	var b ClientBalance
	if err := row.Scan(&b.ClientID, &b.BalanceCents, &b.DebtCents, &b.DebtStartedAt, &b.IsBlocked, &b.BlockedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get balance %s: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

func (r *SQLiteRepository) SettleOrderFee(ctx context.Context, clientID, orderID string, amountCents int64) (*FeeSettlement, error) {
	settlement := &FeeSettlement{OrderID: orderID, AmountCents: amountCents}
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		const debit = `
UPDATE client_balances
SET balance_cents = balance_cents - ?, updated_at = CURRENT_TIMESTAMP
WHERE client_id = ? AND balance_cents >= ?;
`
		res, err := tx.ExecContext(ctx, debit, amountCents, clientID, amountCents)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if affected(res) {
			settlement.Source = FeeFromBalance
		} else {
			const accrue = `
UPDATE client_balances
SET debt_cents = debt_cents + ?,
    debt_started_at = COALESCE(debt_started_at, CURRENT_TIMESTAMP),
    updated_at = CURRENT_TIMESTAMP
WHERE client_id = ?;
`
			res, err := tx.ExecContext(ctx, accrue, amountCents, clientID)
			if err != nil {
				return fmt.Errorf("accrue debt: %w", err)
			}
			if !affected(res) {
				return fmt.Errorf("accrue debt %s: %w", clientID, ErrNotFound)
			}
			settlement.Source = FeeFromDebt
		}

		const insertTx = `
INSERT INTO balance_transactions (id, client_id, type, amount_cents, description, reference_id, payment_method)
VALUES (?, ?, 'fee_deduction', ?, ?, ?, 'pix');
`
		desc := fmt.Sprintf("Taxa da plataforma sobre a venda %s", orderID)
		if _, err := tx.ExecContext(ctx, insertTx, randomUUID(), clientID, -amountCents, desc, orderID); err != nil {
			return fmt.Errorf("insert fee transaction: %w", err)
		}

		const insertFee = `
INSERT INTO platform_fees (id, client_id, order_id, amount_cents, source)
VALUES (?, ?, ?, ?, ?);
`
		if _, err := tx.ExecContext(ctx, insertFee, randomUUID(), clientID, orderID, amountCents, settlement.Source); err != nil {
			return fmt.Errorf("insert platform fee: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (r *SQLiteRepository) CreditBalance(ctx context.Context, clientID string, amountCents int64, method string, referenceID *string) (*CreditResult, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("credit amount must be positive")
	}
	result := &CreditResult{}
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var debt int64
		if err := tx.QueryRowContext(ctx, `SELECT debt_cents FROM client_balances WHERE client_id = ?;`, clientID).Scan(&debt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("credit balance %s: %w", clientID, ErrNotFound)
			}
			return fmt.Errorf("read balance: %w", err)
		}

		debtPaid := min(debt, amountCents)
		remainder := amountCents - debtPaid
		result.DebtPaidCents = debtPaid
		result.BalanceAddedCents = remainder
		result.DebtCleared = debt > 0 && debtPaid == debt

		if result.DebtCleared {
			const clear = `
UPDATE client_balances
SET balance_cents = balance_cents + ?,
    debt_cents = 0,
    debt_started_at = NULL,
    is_blocked = 0,
    blocked_at = NULL,
    updated_at = CURRENT_TIMESTAMP
WHERE client_id = ?;
`
			if _, err := tx.ExecContext(ctx, clear, remainder, clientID); err != nil {
				return fmt.Errorf("apply credit: %w", err)
			}
		} else {
			const apply = `
UPDATE client_balances
SET balance_cents = balance_cents + ?,
    debt_cents = debt_cents - ?,
    updated_at = CURRENT_TIMESTAMP
WHERE client_id = ?;
`
			if _, err := tx.ExecContext(ctx, apply, remainder, debtPaid, clientID); err != nil {
				return fmt.Errorf("apply credit: %w", err)
			}
		}

		const insertTx = `
INSERT INTO balance_transactions (id, client_id, type, amount_cents, description, reference_id, payment_method)
VALUES (?, ?, 'credit', ?, ?, ?, ?);
`
		if _, err := tx.ExecContext(ctx, insertTx, randomUUID(), clientID, amountCents, creditDescription(debtPaid, remainder), referenceID, method); err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) ListBalanceTransactions(ctx context.Context, clientID string, limit int) ([]BalanceTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, client_id, type, amount_cents, description, reference_id, payment_method, created_at
FROM balance_transactions
WHERE client_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list balance transactions: %w", err)
	}
	defer rows.Close()

	var txs []BalanceTransaction
	for rows.Next() {
		var t BalanceTransaction
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Type, &t.AmountCents, &t.Description, &t.ReferenceID, &t.PaymentMethod, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan balance transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance transactions: %w", err)
	}
	return txs, nil
}

// -- Cart recovery --

func (r *SQLiteRepository) ListRecoveryMessages(ctx context.Context, clientID string) ([]CartRecoveryMessage, error) {
	const q = `
SELECT id, client_id, delay_value, time_unit, message_content, is_active,
       display_order, offer_product_id, media_url, media_type
FROM cart_recovery_messages
WHERE client_id = ? AND is_active = 1
ORDER BY display_order ASC;
`
	rows, err := r.db.QueryContext(ctx, q, clientID)
	if err != nil {
		return nil, fmt.Errorf("list recovery messages: %w", err)
	}
	defer rows.Close()

	var msgs []CartRecoveryMessage
	for rows.Next() {
		var m CartRecoveryMessage
		if err := rows.Scan(&m.ID, &m.ClientID, &m.DelayValue, &m.TimeUnit, &m.MessageContent, &m.IsActive,
			&m.DisplayOrder, &m.OfferProductID, &m.MediaURL, &m.MediaType); err != nil {
			return nil, fmt.Errorf("scan recovery message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recovery messages: %w", err)
	}
	return msgs, nil
}

// -- Push subscriptions --

func (r *SQLiteRepository) ListPushSubscriptions(ctx context.Context, clientID string) ([]PushSubscription, error) {
	const q = `
SELECT id, client_id, endpoint, p256dh, auth, created_at
FROM push_subscriptions
WHERE client_id = ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, clientID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.ID, &s.ClientID, &s.Endpoint, &s.P256dh, &s.Auth, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscriptions: %w", err)
	}
	return subs, nil
}

func (r *SQLiteRepository) InsertPushSubscription(ctx context.Context, sub PushSubscription) (*PushSubscription, error) {
	const q = `
INSERT INTO push_subscriptions (id, client_id, endpoint, p256dh, auth)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (client_id, endpoint) DO UPDATE SET
    p256dh = excluded.p256dh,
    auth = excluded.auth
RETURNING id, client_id, endpoint, p256dh, auth, created_at;
`
	row := r.db.QueryRowContext(ctx, q, randomUUID(), sub.ClientID, sub.Endpoint, sub.P256dh, sub.Auth)
	var inserted PushSubscription
	if err := row.Scan(&inserted.ID, &inserted.ClientID, &inserted.Endpoint, &inserted.P256dh, &inserted.Auth, &inserted.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert push subscription: %w", err)
	}
	return &inserted, nil
}

func (r *SQLiteRepository) DeletePushSubscription(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// -- Tracking --

func (r *SQLiteRepository) InsertTrackingEvent(ctx context.Context, evt TrackingEvent) error {
	const q = `
INSERT INTO tracking_events (id, client_id, order_id, provider, event_name, api_status, api_response_code, api_error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		randomUUID(),
		evt.ClientID,
		evt.OrderID,
		evt.Provider,
		evt.EventName,
		evt.APIStatus,
		evt.APIResponseCode,
		evt.APIErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}
	return nil
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func requireAffected(res sql.Result, op string) error {
	if !affected(res) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
