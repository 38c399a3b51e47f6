package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"roomio/internal/types"
)

// Ledger entry sources, recorded for operator inspection of the ledger.
const (
	SourceCheckout   = "checkout"
	SourceRenewal    = "renewal"
	SourceFreeGrant  = "free_grant"
	SourceGeneration = "generation"
)

// maxAllocationRetries bounds how often the processor reruns its own
// guard-and-write sequence after an allocation conflict before giving up
// and letting the provider redeliver.
const maxAllocationRetries = 3

// EventJournal is the journal access the processor needs outside the
// reconciliation transaction. MarkProcessed lives on ReconcileTx instead:
// the processed flag must commit atomically with the handler's writes.
type EventJournal interface {
	Get(ctx context.Context, eventID string) (*types.PaymentEvent, error)
	Insert(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	RecordFailure(ctx context.Context, eventID, lastError string) error
}

// ReconcileTx is the single-transaction view a lifecycle handler works in.
// Everything called on it commits or rolls back as one unit, which is what
// keeps the journal's processed flag truthful about ledger state.
type ReconcileTx interface {
	SubscriptionForUpdate(ctx context.Context, subID string) (*types.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *types.Subscription) error
	UpdateSubscriptionState(ctx context.Context, subID string, status types.SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error
	UpdateSubscriptionStatus(ctx context.Context, subID string, status types.SubscriptionStatus) error
	AppendLedger(ctx context.Context, entry *types.LedgerEntry) error
	ApplyAllocation(ctx context.Context, subID string, credits int64) error
	MarkProcessed(ctx context.Context, eventID string) error
}

// ReconcileRunner runs a handler callback inside one transaction.
type ReconcileRunner interface {
	Reconcile(ctx context.Context, fn func(tx ReconcileTx) error) error
}

// ProviderGateway re-fetches authoritative subscription state from the
// payment provider.
type ProviderGateway interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)
}

// SignatureVerifier validates a raw webhook body against its signature
// header.
type SignatureVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// Processor is the webhook ingestion gate. It is the sole owner of
// idempotency: signature check, journal lookup, dispatch to the lifecycle
// handlers, and the processed/retry bookkeeping all happen here, and no
// downstream component may assume an event is fresh.
type Processor struct {
	verifier       SignatureVerifier
	webhookSecret  string
	journal        EventJournal
	store          ReconcileRunner
	provider       ProviderGateway
	plans          *PlanCatalog
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// ProcessorConfig wires a Processor's collaborators.
type ProcessorConfig struct {
	Verifier       SignatureVerifier
	WebhookSecret  string
	Journal        EventJournal
	Store          ReconcileRunner
	Provider       ProviderGateway
	Plans          *PlanCatalog
	HandlerTimeout time.Duration
	Logger         *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	plans := cfg.Plans
	if plans == nil {
		plans = DefaultPlanCatalog()
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Processor{
		verifier:       cfg.Verifier,
		webhookSecret:  cfg.WebhookSecret,
		journal:        cfg.Journal,
		store:          cfg.Store,
		provider:       cfg.Provider,
		plans:          plans,
		handlerTimeout: timeout,
		logger:         logger,
	}
}

// ProcessEvent runs the full ingestion gate for one raw webhook delivery.
//
// A nil return means the event is settled: either freshly processed or an
// idempotent replay of one already processed. An error return carries the
// code that decides the HTTP response — invalid signature and malformed
// bodies reject with 4xx and leave no trace; handler failures journal the
// failure and surface a 5xx so the provider redelivers.
func (p *Processor) ProcessEvent(ctx context.Context, body []byte, sigHeader string) error {
	if err := p.verifier.Verify(body, sigHeader, p.webhookSecret); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return types.NewAppError(types.ErrCodeInvalidSignature, "webhook signature verification failed", err)
	}

	evt, err := types.ParseProviderEvent(body)
	if err != nil {
		return types.NewAppError(types.ErrCodeMalformedEvent, "webhook body is not a parseable event", err)
	}

	existing, err := p.journal.Get(ctx, evt.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Processed {
		p.logger.InfoContext(ctx, "duplicate event replay, no-op",
			"event_id", evt.ID, "event_type", evt.Type)
		return nil
	}
	if existing == nil {
		// A concurrent duplicate insert is "already being handled", not an
		// error; the allocation guard downstream protects either way.
		if _, err := p.journal.Insert(ctx, evt.ID, evt.Type, evt.Raw); err != nil {
			return err
		}
	}

	hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	if err := p.dispatch(hctx, evt); err != nil {
		// Record the failure on the parent context: the handler context may
		// already be past its deadline.
		if recErr := p.journal.RecordFailure(ctx, evt.ID, err.Error()); recErr != nil {
			p.logger.ErrorContext(ctx, "failed to record event failure",
				"event_id", evt.ID, "error", recErr)
		}
		p.logger.ErrorContext(ctx, "event handler failed",
			"event_id", evt.ID, "event_type", evt.Type, "error", err)
		return types.NewAppError(
			types.ErrCodeEventProcessing,
			fmt.Sprintf("handler for %s failed", evt.Type),
			err,
		)
	}

	p.logger.InfoContext(ctx, "event processed",
		"event_id", evt.ID, "event_type", evt.Type)
	return nil
}

// dispatch routes the event to its lifecycle handler by payload variant.
// Unknown event types are accepted and marked processed as a no-op so the
// provider can introduce new types without breaking ingestion.
func (p *Processor) dispatch(ctx context.Context, evt *types.ProviderEvent) error {
	payload, err := evt.Payload()
	if err != nil {
		return fmt.Errorf("decoding %s payload: %w", evt.Type, err)
	}

	switch pl := payload.(type) {
	case *types.CheckoutPayload:
		return p.handleCheckoutCompleted(ctx, evt, pl)
	case *types.SubscriptionPayload:
		if evt.Type == types.EventSubDeleted {
			return p.handleSubscriptionDeleted(ctx, evt, pl)
		}
		return p.handleSubscriptionUpdated(ctx, evt, pl)
	case *types.InvoicePayload:
		if evt.Type == types.EventInvoicePaid {
			return p.handleInvoicePaid(ctx, evt, pl)
		}
		return p.handleInvoiceFailed(ctx, evt, pl)
	case *types.UnknownPayload:
		p.logger.InfoContext(ctx, "ignoring unhandled event type",
			"event_id", evt.ID, "event_type", evt.Type)
		return p.markProcessedOnly(ctx, evt.ID)
	default:
		return fmt.Errorf("unreachable payload variant %T", pl)
	}
}

// markProcessedOnly settles an event that requires no state change.
func (p *Processor) markProcessedOnly(ctx context.Context, eventID string) error {
	return p.store.Reconcile(ctx, func(tx ReconcileTx) error {
		return tx.MarkProcessed(ctx, eventID)
	})
}

// handleCheckoutCompleted creates or refreshes the subscription row for a
// completed checkout and, when the allocation guard agrees, credits the
// first period's batch. Period boundaries come from a provider re-fetch,
// never from the checkout payload.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, evt *types.ProviderEvent, pl *types.CheckoutPayload) error {
	if pl.SubscriptionID == "" {
		// One-time payment sessions carry no subscription; nothing to do.
		p.logger.InfoContext(ctx, "checkout without subscription, no-op", "event_id", evt.ID)
		return p.markProcessedOnly(ctx, evt.ID)
	}

	userHash := pl.UserHash()
	if userHash == "" {
		return fmt.Errorf("checkout %s carries no user identity", pl.SubscriptionID)
	}

	plan, period, err := planFromMetadata(pl.Metadata)
	if err != nil {
		return err
	}
	credits, err := p.plans.Credits(plan, period)
	if err != nil {
		return err
	}

	provSub, err := p.provider.RetrieveSubscription(ctx, pl.SubscriptionID)
	if err != nil {
		return err
	}
	status := types.StatusFromProvider(provSub.Status)

	return p.withConflictRetry(ctx, evt.ID, func() error {
		return p.store.Reconcile(ctx, func(tx ReconcileTx) error {
			stored, err := tx.SubscriptionForUpdate(ctx, provSub.ID)
			if err != nil {
				return err
			}

			due := stored == nil || !stored.CurrentPeriodStart.Equal(provSub.CurrentPeriodStart)

			sub := &types.Subscription{
				StripeSubscriptionID: provSub.ID,
				UserHash:             userHash,
				StripeCustomerID:     provSub.CustomerID,
				PlanID:               plan,
				BillingPeriod:        period,
				Status:               status,
				CurrentPeriodStart:   provSub.CurrentPeriodStart,
				CurrentPeriodEnd:     provSub.CurrentPeriodEnd,
				CancelAtPeriodEnd:    provSub.CancelAtPeriodEnd,
			}
			if err := tx.UpsertSubscription(ctx, sub); err != nil {
				return err
			}

			// The guard alone decides: a completed checkout credits its first
			// period even when the provider still reports the subscription as
			// settling (async payment methods). The stored period start then
			// makes the first invoice for the same period resolve as already
			// allocated, so the batch is credited exactly once either way.
			if due {
				if err := p.allocate(ctx, tx, userHash, provSub, credits, SourceCheckout); err != nil {
					return err
				}
			}
			return tx.MarkProcessed(ctx, evt.ID)
		})
	})
}

// handleInvoicePaid settles a renewal invoice. Period boundaries are
// re-fetched from the provider; the guard compares the fetched period start
// against the stored one so a redelivered notification of an already
// credited period resolves to a boundary refresh, never a second batch.
func (p *Processor) handleInvoicePaid(ctx context.Context, evt *types.ProviderEvent, pl *types.InvoicePayload) error {
	if pl.SubscriptionID == "" {
		p.logger.InfoContext(ctx, "invoice without subscription, no-op", "event_id", evt.ID)
		return p.markProcessedOnly(ctx, evt.ID)
	}

	provSub, err := p.provider.RetrieveSubscription(ctx, pl.SubscriptionID)
	if err != nil {
		return err
	}
	status := types.StatusFromProvider(provSub.Status)

	return p.withConflictRetry(ctx, evt.ID, func() error {
		return p.store.Reconcile(ctx, func(tx ReconcileTx) error {
			stored, err := tx.SubscriptionForUpdate(ctx, provSub.ID)
			if err != nil {
				return err
			}
			if stored == nil {
				// Invoice for a subscription checkout never told us about.
				// Without a stored row there is no user to credit; settle the
				// event and let checkout-completed create the row.
				p.logger.WarnContext(ctx, "invoice for unknown subscription, no-op",
					"event_id", evt.ID, "subscription_id", provSub.ID)
				return tx.MarkProcessed(ctx, evt.ID)
			}
			if stored.IsCancelled() {
				// Cancelled is terminal: no allocation path may reactivate it.
				p.logger.WarnContext(ctx, "invoice for cancelled subscription, no-op",
					"event_id", evt.ID, "subscription_id", provSub.ID)
				return tx.MarkProcessed(ctx, evt.ID)
			}

			due := !stored.CurrentPeriodStart.Equal(provSub.CurrentPeriodStart)

			if err := tx.UpdateSubscriptionState(ctx, provSub.ID, status,
				provSub.CurrentPeriodStart, provSub.CurrentPeriodEnd, provSub.CancelAtPeriodEnd); err != nil {
				return err
			}

			if due {
				credits, err := p.plans.Credits(stored.PlanID, stored.BillingPeriod)
				if err != nil {
					return err
				}
				if err := p.allocate(ctx, tx, stored.UserHash, provSub, credits, SourceRenewal); err != nil {
					return err
				}
			}
			return tx.MarkProcessed(ctx, evt.ID)
		})
	})
}

// handleSubscriptionUpdated refreshes lifecycle state and period boundaries
// from the payload. This event never allocates credits on its own.
func (p *Processor) handleSubscriptionUpdated(ctx context.Context, evt *types.ProviderEvent, pl *types.SubscriptionPayload) error {
	return p.withConflictRetry(ctx, evt.ID, func() error {
		return p.store.Reconcile(ctx, func(tx ReconcileTx) error {
			stored, err := tx.SubscriptionForUpdate(ctx, pl.ID)
			if err != nil {
				return err
			}
			if stored == nil || stored.IsCancelled() {
				return tx.MarkProcessed(ctx, evt.ID)
			}
			if err := tx.UpdateSubscriptionState(ctx, pl.ID, types.StatusFromProvider(pl.Status),
				pl.PeriodStart(), pl.PeriodEnd(), pl.CancelAtPeriodEnd); err != nil {
				return err
			}
			return tx.MarkProcessed(ctx, evt.ID)
		})
	})
}

// handleSubscriptionDeleted moves the subscription to its terminal state.
func (p *Processor) handleSubscriptionDeleted(ctx context.Context, evt *types.ProviderEvent, pl *types.SubscriptionPayload) error {
	return p.withConflictRetry(ctx, evt.ID, func() error {
		return p.store.Reconcile(ctx, func(tx ReconcileTx) error {
			stored, err := tx.SubscriptionForUpdate(ctx, pl.ID)
			if err != nil {
				return err
			}
			if stored == nil {
				return tx.MarkProcessed(ctx, evt.ID)
			}
			if err := tx.UpdateSubscriptionStatus(ctx, pl.ID, types.SubStatusCancelled); err != nil {
				return err
			}
			return tx.MarkProcessed(ctx, evt.ID)
		})
	})
}

// handleInvoiceFailed marks the subscription past_due. The provider keeps
// retrying the charge; a later invoice-paid restores active.
func (p *Processor) handleInvoiceFailed(ctx context.Context, evt *types.ProviderEvent, pl *types.InvoicePayload) error {
	if pl.SubscriptionID == "" {
		return p.markProcessedOnly(ctx, evt.ID)
	}
	return p.withConflictRetry(ctx, evt.ID, func() error {
		return p.store.Reconcile(ctx, func(tx ReconcileTx) error {
			stored, err := tx.SubscriptionForUpdate(ctx, pl.SubscriptionID)
			if err != nil {
				return err
			}
			if stored == nil || stored.IsCancelled() {
				return tx.MarkProcessed(ctx, evt.ID)
			}
			if err := tx.UpdateSubscriptionStatus(ctx, pl.SubscriptionID, types.SubStatusPastDue); err != nil {
				return err
			}
			return tx.MarkProcessed(ctx, evt.ID)
		})
	})
}

// allocate appends the period's credit batch and moves the denormalized
// counters in lockstep. Callers hold the subscription row lock.
func (p *Processor) allocate(ctx context.Context, tx ReconcileTx, userHash string, provSub *types.ProviderSubscription, credits int64, source string) error {
	expiresAt := provSub.CurrentPeriodEnd
	entry := &types.LedgerEntry{
		UserHash:       userHash,
		Type:           types.EntrySubscriptionAllocated,
		Amount:         credits,
		Source:         source,
		SubscriptionID: provSub.ID,
		ExpiresAt:      &expiresAt,
	}
	if err := tx.AppendLedger(ctx, entry); err != nil {
		return err
	}
	return tx.ApplyAllocation(ctx, provSub.ID, credits)
}

// withConflictRetry reruns the guard-and-write sequence when the store
// reports an allocation conflict. Conflicts never escalate past this point
// unless the retry budget runs out, in which case the provider's own
// redelivery takes over.
func (p *Processor) withConflictRetry(ctx context.Context, eventID string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAllocationRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAllocationConflict {
			return err
		}
		p.logger.WarnContext(ctx, "allocation conflict, retrying guard-and-write",
			"event_id", eventID, "attempt", attempt)
	}
	return err
}

// planFromMetadata reads the plan identity our checkout creation stamps
// onto the session metadata.
func planFromMetadata(md map[string]string) (types.PlanID, types.BillingPeriod, error) {
	plan := types.PlanID(md["plan_id"])
	if plan == "" {
		return "", "", types.NewAppError(
			types.ErrCodeValidationMissingField,
			"checkout session metadata is missing plan_id",
			nil,
		)
	}
	period := types.BillingPeriod(md["billing_period"])
	if period == "" {
		period = types.PeriodMonthly
	}
	return plan, period, nil
}
