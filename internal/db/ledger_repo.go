package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"roomio/internal/types"
)

// LedgerRepo provides data access for the credit_ledger table, the
// append-only source of truth for credit balances. Rows are immutable:
// there is no UPDATE or DELETE anywhere in this repository.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a ledger repo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Append writes one immutable ledger entry. The entry id is assigned here
// when the caller has not provided one.
//
// ref_entry_id is a UUID column, so the empty-string-to-NULL translation
// happens in Go: NULLIF over an untyped parameter would resolve to text and
// fail the uuid assignment at parse time.
func (r *LedgerRepo) Append(ctx context.Context, entry *types.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO credit_ledger (
		    id, user_hash, entry_type, amount, source,
		    subscription_id, generation_id, ref_entry_id, expires_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		entry.ID,
		entry.UserHash,
		entry.Type,
		entry.Amount,
		entry.Source,
		entry.SubscriptionID,
		entry.GenerationID,
		uuidParam(entry.RefEntryID),
		entry.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append ledger entry", err)
	}
	return nil
}

// uuidParam converts an optional uuid string into a nullable query
// parameter for a UUID column.
func uuidParam(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Balance computes the user's spendable balance at the given instant: the
// sum of all entries that have not expired by then. This recomputes from
// the entry set on every call; no cached counter is consulted.
func (r *LedgerRepo) Balance(ctx context.Context, userHash string, at time.Time) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_ledger
		 WHERE user_hash = $1
		   AND (expires_at IS NULL OR expires_at > $2)`,
		userHash, at,
	).Scan(&balance)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to compute balance", err)
	}
	return balance, nil
}

// SumAllocatedBySubscription returns the total of subscription_allocated
// entries for one subscription id. Used to verify that the denormalized
// credits_allocated counter has not drifted from the ledger.
func (r *LedgerRepo) SumAllocatedBySubscription(ctx context.Context, subID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_ledger
		 WHERE subscription_id = $1 AND entry_type = $2`,
		subID, types.EntrySubscriptionAllocated,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum allocations", err)
	}
	return total, nil
}

// LockUser takes a transaction-scoped advisory lock on the user's ledger.
// Balance-check-then-debit sequences run under this lock so concurrent
// debits for the same user serialize; the lock releases automatically at
// transaction end. Must be called inside a transaction.
func (r *LedgerRepo) LockUser(ctx context.Context, userHash string) error {
	_, err := r.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		userHash,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to lock user ledger", err)
	}
	return nil
}

// ExpireDue writes the compensating expired entry for every allocation
// whose expiry has passed and that has not been offset yet. Each offset
// references its source entry id and carries the source's expires_at, so
// the time-filtered balance formula excludes both rows and a second run
// finds nothing left to offset (idempotent by construction).
func (r *LedgerRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO credit_ledger (
		    id, user_hash, entry_type, amount, source,
		    subscription_id, ref_entry_id, expires_at)
		 SELECT gen_random_uuid(), t.user_hash, $1, -t.amount, t.source,
		        t.subscription_id, t.id, t.expires_at
		 FROM credit_ledger t
		 WHERE t.entry_type IN ($2, $3)
		   AND t.expires_at IS NOT NULL
		   AND t.expires_at <= $4
		   AND t.amount > 0
		   AND NOT EXISTS (
		        SELECT 1 FROM credit_ledger e
		        WHERE e.entry_type = $1 AND e.ref_entry_id = t.id)`,
		types.EntryExpired,
		types.EntrySubscriptionAllocated,
		types.EntryGrant,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire ledger entries", err)
	}
	return tag.RowsAffected(), nil
}
