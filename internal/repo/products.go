package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetProduct returns a product by identifier.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*Product, error) {
	const q = `
SELECT id, client_id, name, price_cents, file_url, telegram_group_id,
       require_fees_before_delivery, sales_count, views_count, is_active,
       created_at, updated_at
FROM products
WHERE id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, id)
	var p Product
	if err := row.Scan(&p.ID, &p.ClientID, &p.Name, &p.PriceCents, &p.FileURL, &p.TelegramGroupID,
		&p.RequireFeesBeforeDelivery, &p.SalesCount, &p.ViewsCount, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get product %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// ListActiveProducts returns a client's active catalogue, newest first.
func (r *PostgresRepository) ListActiveProducts(ctx context.Context, clientID string) ([]Product, error) {
	const q = `
SELECT id, client_id, name, price_cents, file_url, telegram_group_id,
       require_fees_before_delivery, sales_count, views_count, is_active,
       created_at, updated_at
FROM products
WHERE client_id = $1 AND is_active = TRUE
ORDER BY created_at DESC;
`
	rows, err := r.pool.Query(ctx, q, clientID)
	if err != nil {
		return nil, fmt.Errorf("list active products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Name, &p.PriceCents, &p.FileURL, &p.TelegramGroupID,
			&p.RequireFeesBeforeDelivery, &p.SalesCount, &p.ViewsCount, &p.IsActive,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return products, nil
}

// ListActiveFees returns a product's active mandatory fees in collection order.
func (r *PostgresRepository) ListActiveFees(ctx context.Context, productID string) ([]ProductFee, error) {
	const q = `
SELECT id, product_id, name, amount_cents, display_order, payment_message, button_text, is_active
FROM product_fees
WHERE product_id = $1 AND is_active = TRUE
ORDER BY display_order ASC;
`
	rows, err := r.pool.Query(ctx, q, productID)
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

// GetFee returns a product fee by identifier.
func (r *PostgresRepository) GetFee(ctx context.Context, id string) (*ProductFee, error) {
	const q = `
SELECT id, product_id, name, amount_cents, display_order, payment_message, button_text, is_active
FROM product_fees
WHERE id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, id)
	var f ProductFee
	if err := row.Scan(&f.ID, &f.ProductID, &f.Name, &f.AmountCents, &f.DisplayOrder, &f.PaymentMessage, &f.ButtonText, &f.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get fee %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get fee: %w", err)
	}
	return &f, nil
}

// IncrementProductSales bumps the sales counter atomically.
func (r *PostgresRepository) IncrementProductSales(ctx context.Context, id string) error {
	const q = `UPDATE products SET sales_count = sales_count + 1, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("increment sales count: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("increment sales count %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementProductViews bumps the views counter atomically.
func (r *PostgresRepository) IncrementProductViews(ctx context.Context, id string) error {
	const q = `UPDATE products SET views_count = views_count + 1, updated_at = NOW() WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("increment views count: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("increment views count %s: %w", id, ErrNotFound)
	}
	return nil
}
