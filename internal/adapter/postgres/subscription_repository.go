package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snallabot/twitch-notifier/internal/domain"
)

const subscriptionColumns = `broadcaster_id, broadcaster_name, subscription_id, tenants, created_at, updated_at`

const (
	createSubscriptionSQL = `-- name: CreateSubscription
INSERT INTO twitch_subscriptions (broadcaster_id, broadcaster_name, subscription_id, tenants)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (broadcaster_id) DO NOTHING`

	getSubscriptionSQL = `-- name: GetSubscription
SELECT ` + subscriptionColumns + ` FROM twitch_subscriptions WHERE broadcaster_id = $1`

	addTenantSQL = `-- name: AddTenant
UPDATE twitch_subscriptions
SET tenants = jsonb_set(tenants, ARRAY[$2::text], '{"subscribed": true}'::jsonb, true),
    updated_at = now()
WHERE broadcaster_id = $1`

	removeTenantSQL = `-- name: RemoveTenant
UPDATE twitch_subscriptions
SET tenants = tenants - $2::text,
    updated_at = now()
WHERE broadcaster_id = $1`

	updateSubscriptionIDSQL = `-- name: UpdateSubscriptionID
UPDATE twitch_subscriptions
SET subscription_id = $2,
    updated_at = now()
WHERE broadcaster_id = $1`

	deleteSubscriptionSQL = `-- name: DeleteSubscription
DELETE FROM twitch_subscriptions WHERE broadcaster_id = $1`

	listByTenantSQL = `-- name: ListSubscriptionsByTenant
SELECT ` + subscriptionColumns + ` FROM twitch_subscriptions
WHERE tenants @> jsonb_build_object($1::text, jsonb_build_object('subscribed', true))`

	listSubscriptionsSQL = `-- name: ListSubscriptions
SELECT ` + subscriptionColumns + ` FROM twitch_subscriptions ORDER BY broadcaster_id`
)

// SubscriptionRepo stores subscription records in twitch_subscriptions. The
// tenant map lives in a JSONB column and is only changed with single-statement
// updates, so concurrent tenant edits on one row never overwrite each other.
type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

func (r *SubscriptionRepo) Create(ctx context.Context, sub domain.Subscription) error {
	tenants, err := json.Marshal(sub.Tenants)
	if err != nil {
		return fmt.Errorf("failed to encode tenants: %w", err)
	}

	tag, err := r.pool.Exec(ctx, createSubscriptionSQL, sub.BroadcasterID, sub.BroadcasterName, sub.SubscriptionID, string(tenants))
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionExists
	}
	return nil
}

func (r *SubscriptionRepo) Get(ctx context.Context, broadcasterID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.pool.QueryRow(ctx, getSubscriptionSQL, broadcasterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) AddTenant(ctx context.Context, broadcasterID, tenantID string) error {
	return r.execOne(ctx, addTenantSQL, "add tenant", broadcasterID, tenantID)
}

func (r *SubscriptionRepo) RemoveTenant(ctx context.Context, broadcasterID, tenantID string) error {
	return r.execOne(ctx, removeTenantSQL, "remove tenant", broadcasterID, tenantID)
}

func (r *SubscriptionRepo) UpdateSubscriptionID(ctx context.Context, broadcasterID, subscriptionID string) error {
	return r.execOne(ctx, updateSubscriptionIDSQL, "update subscription id", broadcasterID, subscriptionID)
}

// Delete removes the record. Deleting a missing record is not an error.
func (r *SubscriptionRepo) Delete(ctx context.Context, broadcasterID string) error {
	if _, err := r.pool.Exec(ctx, deleteSubscriptionSQL, broadcasterID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) ListByTenant(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	return r.list(ctx, listByTenantSQL, tenantID)
}

func (r *SubscriptionRepo) List(ctx context.Context) ([]domain.Subscription, error) {
	return r.list(ctx, listSubscriptionsSQL)
}

func (r *SubscriptionRepo) execOne(ctx context.Context, sql, op string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepo) list(ctx context.Context, sql string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub     domain.Subscription
		tenants []byte
	)
	if err := row.Scan(&sub.BroadcasterID, &sub.BroadcasterName, &sub.SubscriptionID, &tenants, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tenants, &sub.Tenants); err != nil {
		return nil, fmt.Errorf("failed to decode tenants: %w", err)
	}
	if sub.Tenants == nil {
		sub.Tenants = map[string]domain.TenantState{}
	}
	return &sub, nil
}
