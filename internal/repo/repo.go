package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to the Postgres database.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// GetClient loads a merchant settings row.
func (r *PostgresRepository) GetClient(ctx context.Context, id string) (*Client, error) {
	const q = `
SELECT id, name, bot_token, webhook_secret, gateway, gateway_api_key, gateway_secret,
       auto_delivery, cart_reminder_enabled, fee_rate_cents,
       facebook_pixel_id, facebook_access_token, test_event_code,
       tiktok_pixel_id, tiktok_access_token, created_at, updated_at
FROM clients
WHERE id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, id)
	var c Client
	if err := row.Scan(&c.ID, &c.Name, &c.BotToken, &c.WebhookSecret, &c.Gateway, &c.GatewayAPIKey, &c.GatewaySecret,
		&c.AutoDelivery, &c.CartReminderEnabled, &c.FeeRateCents,
		&c.FacebookPixelID, &c.FacebookAccessToken, &c.TestEventCode,
		&c.TikTokPixelID, &c.TikTokAccessToken, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

// ListReminderClients returns clients with cart recovery enabled.
func (r *PostgresRepository) ListReminderClients(ctx context.Context) ([]Client, error) {
	const q = `
SELECT id, name, bot_token, webhook_secret, gateway, gateway_api_key, gateway_secret,
       auto_delivery, cart_reminder_enabled, fee_rate_cents,
       facebook_pixel_id, facebook_access_token, test_event_code,
       tiktok_pixel_id, tiktok_access_token, created_at, updated_at
FROM clients
WHERE cart_reminder_enabled = TRUE
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list reminder clients: %w", err)
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.BotToken, &c.WebhookSecret, &c.Gateway, &c.GatewayAPIKey, &c.GatewaySecret,
			&c.AutoDelivery, &c.CartReminderEnabled, &c.FeeRateCents,
			&c.FacebookPixelID, &c.FacebookAccessToken, &c.TestEventCode,
			&c.TikTokPixelID, &c.TikTokAccessToken, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder client: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder clients: %w", err)
	}
	return clients, nil
}

// UpsertCustomer stores or updates the customer profile keyed by
// (client_id, telegram_id).
func (r *PostgresRepository) UpsertCustomer(ctx context.Context, profile CustomerProfile) (*Customer, error) {
	const q = `
INSERT INTO telegram_customers (client_id, telegram_id, first_name, username, utm_source, ttclid, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (client_id, telegram_id) DO UPDATE SET
    first_name = COALESCE(EXCLUDED.first_name, telegram_customers.first_name),
    username = COALESCE(EXCLUDED.username, telegram_customers.username),
    utm_source = COALESCE(EXCLUDED.utm_source, telegram_customers.utm_source),
    ttclid = COALESCE(EXCLUDED.ttclid, telegram_customers.ttclid),
    updated_at = NOW()
RETURNING id, client_id, telegram_id, first_name, username, utm_source, ttclid, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, q,
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

// GetCustomer returns a customer by internal identifier.
func (r *PostgresRepository) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	const q = `
SELECT id, client_id, telegram_id, first_name, username, utm_source, ttclid, created_at, updated_at
FROM telegram_customers
WHERE id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, id)
	var c Customer
	if err := row.Scan(&c.ID, &c.ClientID, &c.TelegramID, &c.FirstName, &c.Username, &c.UTMSource, &c.TTCLID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get customer %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}
