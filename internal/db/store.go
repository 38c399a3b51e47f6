package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"roomio/internal/billing"
	"roomio/internal/types"
)

// Store bundles the repositories over a shared connection pool and exposes
// the transaction runners consumed by the billing package. Each runner
// opens one transaction, hands the callback a tx-bound view of the repos,
// and commits or rolls back as a unit — this is the single transaction
// boundary that keeps ledger writes, subscription updates, and journal
// marks from ever diverging.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Journal returns the pool-scoped event journal.
func (s *Store) Journal() *EventJournalRepo {
	return NewEventJournalRepo(s.pool)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Reconcile runs fn inside a transaction carrying the webhook
// reconciliation operations. Serialization and deadlock failures are
// mapped to AllocationConflict so the caller can rerun its guard-and-write
// sequence.
func (s *Store) Reconcile(ctx context.Context, fn func(tx billing.ReconcileTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&reconcileTx{
			subs:    NewSubscriptionRepo(tx),
			ledger:  NewLedgerRepo(tx),
			journal: NewEventJournalRepo(tx),
		})
	})
}

// Ledger runs fn inside a transaction carrying the credit operations
// (balance check, debit, grant).
func (s *Store) Ledger(ctx context.Context, fn func(tx billing.LedgerTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&ledgerTx{
			ledger:       NewLedgerRepo(tx),
			subs:         NewSubscriptionRepo(tx),
			participants: NewParticipantRepo(tx),
		})
	})
}

// Balance reads the user's current spendable balance outside any
// transaction. Point-in-time reads for check/balance endpoints.
func (s *Store) Balance(ctx context.Context, userHash string, at time.Time) (int64, error) {
	return NewLedgerRepo(s.pool).Balance(ctx, userHash, at)
}

// ActiveSubscription reads the user's active subscription outside any
// transaction.
func (s *Store) ActiveSubscription(ctx context.Context, userHash string) (*types.Subscription, error) {
	return NewSubscriptionRepo(s.pool).ActiveByUser(ctx, userHash)
}

// ExpireDue runs the idempotent expiration sweep. The whole sweep is one
// INSERT ... SELECT statement, so it needs no explicit transaction.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	return NewLedgerRepo(s.pool).ExpireDue(ctx, now)
}

// inTx is the shared begin/commit/rollback wrapper.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return mapTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxError(types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err))
	}
	return nil
}

// mapTxError rewrites Postgres concurrency failures (serialization and
// deadlock SQLSTATEs) into AllocationConflict; everything else passes
// through unchanged.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return types.NewAppError(
				types.ErrCodeAllocationConflict,
				"concurrent modification detected; retry the guard-and-write sequence",
				err,
			)
		}
	}
	return err
}

// reconcileTx is the tx-bound view handed to reconciliation callbacks.
type reconcileTx struct {
	subs    *SubscriptionRepo
	ledger  *LedgerRepo
	journal *EventJournalRepo
}

func (t *reconcileTx) SubscriptionForUpdate(ctx context.Context, subID string) (*types.Subscription, error) {
	return t.subs.GetForUpdate(ctx, subID)
}

func (t *reconcileTx) UpsertSubscription(ctx context.Context, sub *types.Subscription) error {
	return t.subs.Upsert(ctx, sub)
}

func (t *reconcileTx) UpdateSubscriptionState(
	ctx context.Context,
	subID string,
	status types.SubscriptionStatus,
	periodStart, periodEnd time.Time,
	cancelAtPeriodEnd bool,
) error {
	return t.subs.UpdateState(ctx, subID, status, periodStart, periodEnd, cancelAtPeriodEnd)
}

func (t *reconcileTx) UpdateSubscriptionStatus(ctx context.Context, subID string, status types.SubscriptionStatus) error {
	return t.subs.UpdateStatus(ctx, subID, status)
}

func (t *reconcileTx) AppendLedger(ctx context.Context, entry *types.LedgerEntry) error {
	return t.ledger.Append(ctx, entry)
}

func (t *reconcileTx) ApplyAllocation(ctx context.Context, subID string, credits int64) error {
	return t.subs.ApplyAllocation(ctx, subID, credits)
}

func (t *reconcileTx) MarkProcessed(ctx context.Context, eventID string) error {
	return t.journal.MarkProcessed(ctx, eventID)
}

// ledgerTx is the tx-bound view handed to credit operation callbacks.
type ledgerTx struct {
	ledger       *LedgerRepo
	subs         *SubscriptionRepo
	participants *ParticipantRepo
}

func (t *ledgerTx) LockUser(ctx context.Context, userHash string) error {
	return t.ledger.LockUser(ctx, userHash)
}

func (t *ledgerTx) Balance(ctx context.Context, userHash string, at time.Time) (int64, error) {
	return t.ledger.Balance(ctx, userHash, at)
}

func (t *ledgerTx) AppendLedger(ctx context.Context, entry *types.LedgerEntry) error {
	return t.ledger.Append(ctx, entry)
}

func (t *ledgerTx) ActiveSubscription(ctx context.Context, userHash string) (*types.Subscription, error) {
	return t.subs.ActiveByUser(ctx, userHash)
}

func (t *ledgerTx) ApplyUsage(ctx context.Context, subID string, amount int64) error {
	return t.subs.ApplyUsage(ctx, subID, amount)
}

func (t *ledgerTx) ClaimFreeGrant(ctx context.Context, userHash string, at time.Time) (bool, error) {
	return t.participants.ClaimFreeGrant(ctx, userHash, at)
}

// Compile-time assertions that Store satisfies the billing contracts.
var (
	_ billing.ReconcileRunner = (*Store)(nil)
	_ billing.LedgerRunner    = (*Store)(nil)
	_ billing.LedgerReader    = (*Store)(nil)
	_ billing.EventJournal    = (*EventJournalRepo)(nil)
	_ billing.ReconcileTx     = (*reconcileTx)(nil)
	_ billing.LedgerTx        = (*ledgerTx)(nil)
)
