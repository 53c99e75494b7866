package repo

import (
	"context"
	"fmt"
)

// ListRecoveryMessages returns a client's active drip sequence in display order.
func (r *PostgresRepository) ListRecoveryMessages(ctx context.Context, clientID string) ([]CartRecoveryMessage, error) {
	const q = `
SELECT id, client_id, delay_value, time_unit, message_content, is_active,
       display_order, offer_product_id, media_url, media_type
FROM cart_recovery_messages
WHERE client_id = $1 AND is_active = TRUE
ORDER BY display_order ASC;
`
	rows, err := r.pool.Query(ctx, q, clientID)
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

// ListPushSubscriptions returns a client's stored push endpoints.
func (r *PostgresRepository) ListPushSubscriptions(ctx context.Context, clientID string) ([]PushSubscription, error) {
	const q = `
SELECT id, client_id, endpoint, p256dh, auth, created_at
FROM push_subscriptions
WHERE client_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, clientID)
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

// InsertPushSubscription stores a new push endpoint. Re-registering the same
// endpoint replaces its keys.
func (r *PostgresRepository) InsertPushSubscription(ctx context.Context, sub PushSubscription) (*PushSubscription, error) {
	const q = `
INSERT INTO push_subscriptions (client_id, endpoint, p256dh, auth)
VALUES ($1, $2, $3, $4)
ON CONFLICT (client_id, endpoint) DO UPDATE SET
    p256dh = EXCLUDED.p256dh,
    auth = EXCLUDED.auth
RETURNING id, client_id, endpoint, p256dh, auth, created_at;
`
	row := r.pool.QueryRow(ctx, q, sub.ClientID, sub.Endpoint, sub.P256dh, sub.Auth)
	var inserted PushSubscription
	if err := row.Scan(&inserted.ID, &inserted.ClientID, &inserted.Endpoint, &inserted.P256dh, &inserted.Auth, &inserted.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert push subscription: %w", err)
	}
	return &inserted, nil
}

// DeletePushSubscription removes a stale push endpoint.
func (r *PostgresRepository) DeletePushSubscription(ctx context.Context, id string) error {
	const q = `DELETE FROM push_subscriptions WHERE id = $1;`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// InsertTrackingEvent records the outcome of a conversions API call.
func (r *PostgresRepository) InsertTrackingEvent(ctx context.Context, evt TrackingEvent) error {
	const q = `
INSERT INTO tracking_events (client_id, order_id, provider, event_name, api_status, api_response_code, api_error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := r.pool.Exec(ctx, q,
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
