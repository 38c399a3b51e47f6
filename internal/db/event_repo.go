package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"roomio/internal/types"
)

// EventJournalRepo provides data access for the payment_events table, the
// deduplication journal for inbound webhook events.
//
// Key invariants:
//   - At most one row exists per stripe_event_id (unique constraint).
//   - processed is monotonic: MarkProcessed is the only writer and it never
//     flips the flag back.
//   - RecordFailure increments retry_count atomically in SQL, never via
//     read-modify-write, so concurrent redeliveries cannot lose increments.
type EventJournalRepo struct {
	db DBTX
}

// NewEventJournalRepo creates a journal repo backed by the given database
// connection (pool or transaction).
func NewEventJournalRepo(db DBTX) *EventJournalRepo {
	return &EventJournalRepo{db: db}
}

// Get returns the journal row for the given external event id, or (nil, nil)
// when the event has never been seen.
func (r *EventJournalRepo) Get(ctx context.Context, eventID string) (*types.PaymentEvent, error) {
	var evt types.PaymentEvent
	err := r.db.QueryRow(ctx,
		`SELECT stripe_event_id, event_type, payload, processed, retry_count,
		        COALESCE(last_error, ''), created_at, updated_at
		 FROM payment_events
		 WHERE stripe_event_id = $1`,
		eventID,
	).Scan(
		&evt.StripeEventID,
		&evt.EventType,
		&evt.Payload,
		&evt.Processed,
		&evt.RetryCount,
		&evt.LastError,
		&evt.CreatedAt,
		&evt.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up payment event", err)
	}
	return &evt, nil
}

// Insert records the first sighting of an event id with processed=false.
// A concurrent duplicate insert is not an error: ON CONFLICT DO NOTHING
// makes the race benign, and the return value reports whether this call
// created the row.
func (r *EventJournalRepo) Insert(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO payment_events (stripe_event_id, event_type, payload, processed, retry_count)
		 VALUES ($1, $2, $3, FALSE, 0)
		 ON CONFLICT (stripe_event_id) DO NOTHING`,
		eventID, eventType, payload,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to journal payment event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed flips processed to true. Callers invoke this inside the same
// transaction as the handler's state and ledger writes so the journal can
// never claim success for a half-applied event.
func (r *EventJournalRepo) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payment_events
		 SET processed = TRUE, updated_at = NOW()
		 WHERE stripe_event_id = $1`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark event processed", err)
	}
	return nil
}

// RecordFailure increments the retry counter and stores the latest handler
// error for operator inspection.
func (r *EventJournalRepo) RecordFailure(ctx context.Context, eventID, lastError string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payment_events
		 SET retry_count = retry_count + 1,
		     last_error = $2,
		     updated_at = NOW()
		 WHERE stripe_event_id = $1`,
		eventID, lastError,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record event failure", err)
	}
	return nil
}
