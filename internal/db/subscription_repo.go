package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// SubscriptionRepository manages the local mirror of provider subscriptions.
// One row exists per external subscription id; webhook events upsert into it
// with last-write-wins semantics. Rows are never deleted: cancellation marks
// the row canceled and keeps it for audit.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by
// the given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `s.id, s.user_id, s.external_customer_id, s.external_subscription_id,
	s.external_price_id, s.plan, s.status, s.cancel_at_period_end, s.current_period_end,
	s.created_at, s.updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ExternalCustomerID,
		&s.ExternalSubscriptionID,
		&s.ExternalPriceID,
		&s.Plan,
		&s.Status,
		&s.CancelAtPeriodEnd,
		&s.CurrentPeriodEnd,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert inserts or fully replaces the row keyed by external_subscription_id.
// Later events overwrite earlier state regardless of content; the idempotency
// ledger guarantees each event applies at most once, and the provider orders
// retries, so last-write-wins converges on provider state.
//
// The insert path uses the caller-supplied ID; the update path keeps the
// existing row's ID and created_at.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, external_customer_id, external_subscription_id,
		     external_price_id, plan, status, cancel_at_period_end, current_period_end,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (external_subscription_id) DO UPDATE SET
		     user_id = EXCLUDED.user_id,
		     external_customer_id = EXCLUDED.external_customer_id,
		     external_price_id = EXCLUDED.external_price_id,
		     plan = EXCLUDED.plan,
		     status = EXCLUDED.status,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     current_period_end = EXCLUDED.current_period_end,
		     updated_at = NOW()`,
		sub.ID,
		sub.UserID,
		sub.ExternalCustomerID,
		sub.ExternalSubscriptionID,
		sub.ExternalPriceID,
		sub.Plan,
		sub.Status,
		sub.CancelAtPeriodEnd,
		sub.CurrentPeriodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// MarkCanceled transitions the row for an external subscription id to the
// terminal canceled status. Unknown subscription ids are a no-op: a deletion
// event may arrive for a subscription this engine never saw created.
func (r *SubscriptionRepository) MarkCanceled(ctx context.Context, externalSubscriptionID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1, updated_at = NOW()
		 WHERE external_subscription_id = $2`,
		types.SubStatusCanceled,
		externalSubscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark subscription canceled", err)
	}
	return nil
}

// GetByExternalSubscriptionID retrieves a single subscription row.
// Returns ErrCodeNotFoundSubscription if no row exists.
func (r *SubscriptionRepository) GetByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.external_subscription_id = $1`,
		externalSubscriptionID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// GetCurrentForUser returns the user's most recently created entitled
// subscription (status active or trialing). Multiple entitled rows can exist
// transiently when a user re-subscribes before an old row is canceled; the
// newest row wins. Returns ErrCodeNotFoundSubscription when the user has no
// entitled subscription.
func (r *SubscriptionRepository) GetCurrentForUser(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.user_id = $1 AND s.status IN ($2, $3)
		 ORDER BY s.created_at DESC
		 LIMIT 1`,
		userID,
		types.SubStatusActive,
		types.SubStatusTrialing,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no entitled subscription", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve current subscription", err)
	}
	return sub, nil
}
