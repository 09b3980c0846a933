package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kaspay/internal/common/database"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db database.Querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, merchant_id, url, events, secret, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.MerchantID, sub.URL, eventStrings(sub.Events), sub.Secret, sub.Active, sub.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, merchantID, id string) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, merchant_id, url, events, secret, is_active, created_at
		FROM webhook_subscriptions
		WHERE id = $1 AND merchant_id = $2`, id, merchantID)

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, merchantID string, activeOnly bool) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, merchant_id, url, events, secret, is_active, created_at
		FROM webhook_subscriptions
		WHERE merchant_id = $1 AND (NOT $2 OR is_active)
		ORDER BY created_at DESC`, merchantID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) DeactivateSubscription(ctx context.Context, merchantID, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_subscriptions SET is_active = false
		WHERE id = $1 AND merchant_id = $2`, id, merchantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, session_id, event, payload, status_code, response, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.SubscriptionID, d.SessionID, string(d.Event), []byte(d.Payload),
		d.StatusCode, nullStr(d.Response), nullStr(d.Error), d.SentAt,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subscription_id, session_id, event, payload, status_code,
		       COALESCE(response, ''), COALESCE(error, ''), sent_at
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY sent_at DESC
		LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var (
			d       Delivery
			event   string
			payload []byte
		)
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.SessionID, &event, &payload,
			&d.StatusCode, &d.Response, &d.Error, &d.SentAt); err != nil {
			return nil, err
		}
		d.Event = Event(event)
		d.Payload = payload
		out = append(out, &d)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		sub    Subscription
		events []string
	)
	if err := row.Scan(&sub.ID, &sub.MerchantID, &sub.URL, &events, &sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
		return nil, err
	}
	for _, e := range events {
		sub.Events = append(sub.Events, Event(e))
	}
	return &sub, nil
}

func eventStrings(evts []Event) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = string(e)
	}
	return out
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
