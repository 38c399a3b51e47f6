package db

import (
	"context"
	"time"

	"roomio/internal/types"
)

// ParticipantRepo provides data access for the participants table. This
// subsystem only owns the free-grant bookkeeping; the identity itself is
// minted upstream.
type ParticipantRepo struct {
	db DBTX
}

// NewParticipantRepo creates a participant repo backed by the given
// database connection (pool or transaction).
func NewParticipantRepo(db DBTX) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

// ClaimFreeGrant atomically marks the one-time free grant as used for the
// given user, creating the participant row on first contact. Returns true
// exactly once per user: the conditional UPDATE makes a second claim a
// zero-row no-op regardless of concurrency.
func (r *ParticipantRepo) ClaimFreeGrant(ctx context.Context, userHash string, at time.Time) (bool, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO participants (user_hash, free_grant_used)
		 VALUES ($1, FALSE)
		 ON CONFLICT (user_hash) DO NOTHING`,
		userHash,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure participant", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE participants
		 SET free_grant_used = TRUE, free_grant_used_at = $2
		 WHERE user_hash = $1 AND NOT free_grant_used`,
		userHash, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim free grant", err)
	}
	return tag.RowsAffected() == 1, nil
}
