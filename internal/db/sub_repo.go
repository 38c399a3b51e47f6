package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"roomio/internal/types"
)

// SubscriptionRepo provides data access for the subscriptions table, one row
// per external subscription id. Rows are never deleted; cancellation is a
// status, not a removal.
//
// The denormalized credit counters on this table (credits_allocated,
// subscription_credits_remaining, credits_used) are a read optimization.
// They are only ever moved by ApplyAllocation/ApplyUsage inside the same
// transaction as the corresponding ledger write; the ledger sum stays
// authoritative.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a subscription repo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `stripe_subscription_id, user_hash, stripe_customer_id,
	plan_id, billing_period, status,
	current_period_start, current_period_end, cancel_at_period_end,
	credits_allocated, subscription_credits_remaining, credits_used,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.StripeSubscriptionID,
		&s.UserHash,
		&s.StripeCustomerID,
		&s.PlanID,
		&s.BillingPeriod,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CreditsAllocated,
		&s.CreditsRemaining,
		&s.CreditsUsed,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the subscription with the given external id, or (nil, nil)
// when no such row exists.
func (r *SubscriptionRepo) Get(ctx context.Context, subID string) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		subID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// GetForUpdate is Get with a row lock. It must be called inside a
// transaction; the lock serializes allocation-guard decisions and period
// updates for the subscription until the transaction ends, so two workers
// handling near-simultaneous events for the same subscription observe each
// other's period-start writes.
func (r *SubscriptionRepo) GetForUpdate(ctx context.Context, subID string) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1 FOR UPDATE`,
		subID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to lock subscription", err)
	}
	return sub, nil
}

// ActiveByUser returns the user's active subscription, or (nil, nil) when
// the user has none.
func (r *SubscriptionRepo) ActiveByUser(ctx context.Context, userHash string) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_hash = $1 AND status = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userHash, types.SubStatusActive,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load active subscription", err)
	}
	return sub, nil
}

// Upsert creates the subscription row on first checkout or refreshes the
// lifecycle fields on redelivery. The credit counters are deliberately not
// part of the conflict update: they move only through ApplyAllocation and
// ApplyUsage so they stay equal to the ledger sums.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
		    stripe_subscription_id, user_hash, stripe_customer_id,
		    plan_id, billing_period, status,
		    current_period_start, current_period_end, cancel_at_period_end,
		    credits_allocated, subscription_credits_remaining, credits_used)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0)
		 ON CONFLICT (stripe_subscription_id) DO UPDATE SET
		    stripe_customer_id   = EXCLUDED.stripe_customer_id,
		    plan_id              = EXCLUDED.plan_id,
		    billing_period       = EXCLUDED.billing_period,
		    status               = EXCLUDED.status,
		    current_period_start = EXCLUDED.current_period_start,
		    current_period_end   = EXCLUDED.current_period_end,
		    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		    updated_at           = NOW()`,
		sub.StripeSubscriptionID,
		sub.UserHash,
		sub.StripeCustomerID,
		sub.PlanID,
		sub.BillingPeriod,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// UpdateState refreshes the lifecycle status and period boundaries without
// touching credit counters. Used for subscription-updated events and for
// AlreadyAllocated boundary refreshes.
func (r *SubscriptionRepo) UpdateState(
	ctx context.Context,
	subID string,
	status types.SubscriptionStatus,
	periodStart, periodEnd time.Time,
	cancelAtPeriodEnd bool,
) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     current_period_start = $3,
		     current_period_end = $4,
		     cancel_at_period_end = $5,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1`,
		subID, status, periodStart, periodEnd, cancelAtPeriodEnd,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription state", err)
	}
	return nil
}

// UpdateStatus changes only the lifecycle status (cancellation, past_due).
func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, subID string, status types.SubscriptionStatus) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $2, updated_at = NOW()
		 WHERE stripe_subscription_id = $1`,
		subID, status,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}
	return nil
}

// ApplyAllocation moves the denormalized counters for a freshly credited
// renewal batch. Must run in the same transaction as the ledger append.
func (r *SubscriptionRepo) ApplyAllocation(ctx context.Context, subID string, credits int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET credits_allocated = credits_allocated + $2,
		     subscription_credits_remaining = subscription_credits_remaining + $2,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1`,
		subID, credits,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply allocation counters", err)
	}
	return nil
}

// ApplyUsage moves the denormalized counters for a debit. The remaining
// counter floors at zero because grant credits can be spent past the
// subscription's own batch. Must run in the same transaction as the ledger
// append.
func (r *SubscriptionRepo) ApplyUsage(ctx context.Context, subID string, amount int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET subscription_credits_remaining = GREATEST(0, subscription_credits_remaining - $2),
		     credits_used = credits_used + $2,
		     updated_at = NOW()
		 WHERE stripe_subscription_id = $1`,
		subID, amount,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply usage counters", err)
	}
	return nil
}
