package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"roomio/internal/types"
)

// LedgerTx is the single-transaction view a credit operation works in. The
// advisory user lock, the balance recompute, and the debit append all
// happen through the same tx so concurrent debits serialize.
type LedgerTx interface {
	LockUser(ctx context.Context, userHash string) error
	Balance(ctx context.Context, userHash string, at time.Time) (int64, error)
	AppendLedger(ctx context.Context, entry *types.LedgerEntry) error
	ActiveSubscription(ctx context.Context, userHash string) (*types.Subscription, error)
	ApplyUsage(ctx context.Context, subID string, amount int64) error
	ClaimFreeGrant(ctx context.Context, userHash string, at time.Time) (bool, error)
}

// LedgerRunner runs a credit operation callback inside one transaction.
type LedgerRunner interface {
	Ledger(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerReader serves point-in-time reads and the expiration sweep, which
// need no surrounding transaction.
type LedgerReader interface {
	Balance(ctx context.Context, userHash string, at time.Time) (int64, error)
	ActiveSubscription(ctx context.Context, userHash string) (*types.Subscription, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// CreditService owns the credit economy operations the generation pipeline
// calls: balance reads, debits, the one-time free grant, and the
// expiration sweep. The ledger sum is the only source of truth it
// consults; the counters on the subscription row are maintained as a cache
// only.
type CreditService struct {
	runner        LedgerRunner
	reader        LedgerReader
	perGeneration int64
	freeGrant     int64
	logger        *slog.Logger
	now           func() time.Time
}

// CreditServiceConfig wires a CreditService.
type CreditServiceConfig struct {
	Runner        LedgerRunner
	Reader        LedgerReader
	PerGeneration int64
	FreeGrant     int64
	Logger        *slog.Logger
	Now           func() time.Time // for tests; defaults to time.Now
}

// NewCreditService creates a CreditService.
func NewCreditService(cfg CreditServiceConfig) *CreditService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	perGen := cfg.PerGeneration
	if perGen <= 0 {
		perGen = 10
	}
	grant := cfg.FreeGrant
	if grant <= 0 {
		grant = 600
	}
	return &CreditService{
		runner:        cfg.Runner,
		reader:        cfg.Reader,
		perGeneration: perGen,
		freeGrant:     grant,
		logger:        logger,
		now:           now,
	}
}

// PerGeneration returns the configured per-generation debit amount.
func (s *CreditService) PerGeneration() int64 {
	return s.perGeneration
}

// Balance returns the user's spendable balance and subscription snapshot.
func (s *CreditService) Balance(ctx context.Context, userHash string) (*types.BalanceSnapshot, error) {
	balance, err := s.reader.Balance(ctx, userHash, s.now())
	if err != nil {
		return nil, err
	}
	snapshot := &types.BalanceSnapshot{
		Balance:              balance,
		GenerationsAvailable: balance / s.perGeneration,
	}
	sub, err := s.reader.ActiveSubscription(ctx, userHash)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		snapshot.HasActiveSubscription = true
		snapshot.SubscriptionRemaining = sub.CreditsRemaining
	}
	return snapshot, nil
}

// Check reports whether the user can afford a debit of the given amount.
// A non-positive amount means one generation's cost.
func (s *CreditService) Check(ctx context.Context, userHash string, amount int64) (bool, int64, error) {
	if amount <= 0 {
		amount = s.perGeneration
	}
	balance, err := s.reader.Balance(ctx, userHash, s.now())
	if err != nil {
		return false, 0, err
	}
	return balance >= amount, balance, nil
}

// Debit spends credits for one completed generation. The balance check and
// the ledger append run in one critical section per user, so two
// concurrent debits can never both pass a check that only one of them can
// afford. Returns the balance after the debit.
func (s *CreditService) Debit(ctx context.Context, userHash, generationID string, amount int64) (int64, error) {
	if amount <= 0 {
		amount = s.perGeneration
	}
	if userHash == "" {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField, "user_hash is required", nil)
	}

	var remaining int64
	err := s.runner.Ledger(ctx, func(tx LedgerTx) error {
		if err := tx.LockUser(ctx, userHash); err != nil {
			return err
		}
		at := s.now()
		balance, err := tx.Balance(ctx, userHash, at)
		if err != nil {
			return err
		}
		if balance < amount {
			return types.NewAppErrorWithDetails(
				types.ErrCodeInsufficientBalance,
				fmt.Sprintf("balance %d is below the required %d credits", balance, amount),
				nil,
				map[string]any{"balance": balance, "required": amount},
			)
		}

		entry := &types.LedgerEntry{
			UserHash:     userHash,
			Type:         types.EntryUsed,
			Amount:       -amount,
			Source:       SourceGeneration,
			GenerationID: generationID,
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}

		// Counter cache refresh; skipped when the user spends grant credits
		// without any active subscription.
		sub, err := tx.ActiveSubscription(ctx, userHash)
		if err != nil {
			return err
		}
		if sub != nil {
			if err := tx.ApplyUsage(ctx, sub.StripeSubscriptionID, amount); err != nil {
				return err
			}
		}

		remaining = balance - amount
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "credits debited",
		"user_hash", userHash, "amount", amount, "generation_id", generationID)
	return remaining, nil
}

// GrantFree credits the one-time starter grant. The claim flips the
// participant's free_grant_used flag in the same transaction as the ledger
// append, so the grant can be issued at most once per user no matter how
// many requests race.
func (s *CreditService) GrantFree(ctx context.Context, userHash string) (int64, error) {
	if userHash == "" {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField, "user_hash is required", nil)
	}

	err := s.runner.Ledger(ctx, func(tx LedgerTx) error {
		claimed, err := tx.ClaimFreeGrant(ctx, userHash, s.now())
		if err != nil {
			return err
		}
		if !claimed {
			return types.NewAppError(
				types.ErrCodeGrantAlreadyUsed,
				"free credit grant has already been claimed",
				nil,
			)
		}
		return tx.AppendLedger(ctx, &types.LedgerEntry{
			UserHash: userHash,
			Type:     types.EntryGrant,
			Amount:   s.freeGrant,
			Source:   SourceFreeGrant,
		})
	})
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "free grant issued",
		"user_hash", userHash, "amount", s.freeGrant)
	return s.freeGrant, nil
}

// Sweep offsets every allocation whose expiry has passed. Safe to run
// repeatedly and concurrently; returns how many entries were offset by
// this run.
func (s *CreditService) Sweep(ctx context.Context) (int64, error) {
	expired, err := s.reader.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.InfoContext(ctx, "expiration sweep completed", "entries_expired", expired)
	}
	return expired, nil
}
