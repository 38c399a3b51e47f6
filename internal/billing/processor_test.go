package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomio/internal/types"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// memStore implements EventJournal and ReconcileRunner over plain maps so
// processor behavior can be exercised without a database. Reconcile runs
// the callback against the live maps; conflictsLeft injects allocation
// conflicts before the callback runs, mimicking a serialization failure.
type memStore struct {
	events        map[string]*types.PaymentEvent
	subs          map[string]*types.Subscription
	ledger        []*types.LedgerEntry
	conflictsLeft int
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]*types.PaymentEvent),
		subs:   make(map[string]*types.Subscription),
	}
}

func (s *memStore) Get(_ context.Context, eventID string) (*types.PaymentEvent, error) {
	if e, ok := s.events[eventID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) Insert(_ context.Context, eventID, eventType string, payload []byte) (bool, error) {
	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = &types.PaymentEvent{
		StripeEventID: eventID,
		EventType:     eventType,
		Payload:       payload,
	}
	return true, nil
}

func (s *memStore) RecordFailure(_ context.Context, eventID, lastError string) error {
	if e, ok := s.events[eventID]; ok {
		e.RetryCount++
		e.LastError = lastError
	}
	return nil
}

func (s *memStore) Reconcile(_ context.Context, fn func(tx ReconcileTx) error) error {
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		return types.NewAppError(types.ErrCodeAllocationConflict, "concurrent modification detected", nil)
	}
	return fn(&memTx{s: s})
}

type memTx struct {
	s *memStore
}

func (t *memTx) SubscriptionForUpdate(_ context.Context, subID string) (*types.Subscription, error) {
	if sub, ok := t.s.subs[subID]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) UpsertSubscription(_ context.Context, sub *types.Subscription) error {
	if existing, ok := t.s.subs[sub.StripeSubscriptionID]; ok {
		existing.StripeCustomerID = sub.StripeCustomerID
		existing.PlanID = sub.PlanID
		existing.BillingPeriod = sub.BillingPeriod
		existing.Status = sub.Status
		existing.CurrentPeriodStart = sub.CurrentPeriodStart
		existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
		existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		return nil
	}
	cp := *sub
	t.s.subs[sub.StripeSubscriptionID] = &cp
	return nil
}

func (t *memTx) UpdateSubscriptionState(_ context.Context, subID string, status types.SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	if sub, ok := t.s.subs[subID]; ok {
		sub.Status = status
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		sub.CancelAtPeriodEnd = cancelAtPeriodEnd
	}
	return nil
}

func (t *memTx) UpdateSubscriptionStatus(_ context.Context, subID string, status types.SubscriptionStatus) error {
	if sub, ok := t.s.subs[subID]; ok {
		sub.Status = status
	}
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, entry *types.LedgerEntry) error {
	cp := *entry
	t.s.ledger = append(t.s.ledger, &cp)
	return nil
}

func (t *memTx) ApplyAllocation(_ context.Context, subID string, credits int64) error {
	if sub, ok := t.s.subs[subID]; ok {
		sub.CreditsAllocated += credits
		sub.CreditsRemaining += credits
	}
	return nil
}

func (t *memTx) MarkProcessed(_ context.Context, eventID string) error {
	if e, ok := t.s.events[eventID]; ok {
		e.Processed = true
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mock collaborators
// ---------------------------------------------------------------------------

type mockVerifier struct {
	err error
}

func (m *mockVerifier) Verify(_ []byte, _ string, _ string) error {
	return m.err
}

type mockProvider struct {
	sub   *types.ProviderSubscription
	err   error
	calls int
}

func (m *mockProvider) RetrieveSubscription(_ context.Context, subID string) (*types.ProviderSubscription, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	cp := *m.sub
	cp.ID = subID
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Event body builders
// ---------------------------------------------------------------------------

func eventBody(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return body
}

func checkoutBody(t *testing.T, eventID, subID, userHash string) []byte {
	return eventBody(t, eventID, types.EventCheckoutCompleted, map[string]any{
		"subscription":        subID,
		"customer":            "cus_1",
		"client_reference_id": userHash,
		"metadata": map[string]string{
			"user_hash":      userHash,
			"plan_id":        "basic",
			"billing_period": "monthly",
		},
	})
}

func invoiceBody(t *testing.T, eventID, subID string) []byte {
	return eventBody(t, eventID, types.EventInvoicePaid, map[string]any{
		"subscription": subID,
		"customer":     "cus_1",
	})
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

var (
	periodT0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	periodT1 = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
)

func newTestProcessor(store *memStore, provider *mockProvider) *Processor {
	return NewProcessor(ProcessorConfig{
		Verifier:      &mockVerifier{},
		WebhookSecret: "whsec_test",
		Journal:       store,
		Store:         store,
		Provider:      provider,
	})
}

func activeProvider(start, end time.Time) *mockProvider {
	return &mockProvider{sub: &types.ProviderSubscription{
		CustomerID:         "cus_1",
		Status:             "active",
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}}
}

// ---------------------------------------------------------------------------
// Gate behavior
// ---------------------------------------------------------------------------

func TestProcessEvent_InvalidSignatureNoSideEffects(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(ProcessorConfig{
		Verifier:      &mockVerifier{err: types.NewAppError(types.ErrCodeInvalidSignature, "bad signature", nil)},
		WebhookSecret: "whsec_test",
		Journal:       store,
		Store:         store,
		Provider:      activeProvider(periodT0, periodT1),
	})

	err := p.ProcessEvent(context.Background(), checkoutBody(t, "evt_1", "sub_1", "user_a"), "sig")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInvalidSignature, appErr.Code)
	assert.Empty(t, store.events, "a rejected delivery must not be journaled")
	assert.Empty(t, store.ledger)
}

func TestProcessEvent_MalformedBody(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	for name, body := range map[string][]byte{
		"not json":   []byte("{nope"),
		"missing id": []byte(`{"type":"checkout.session.completed"}`),
	} {
		t.Run(name, func(t *testing.T) {
			err := p.ProcessEvent(context.Background(), body, "sig")
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeMalformedEvent, appErr.Code)
		})
	}
	assert.Empty(t, store.events)
}

func TestProcessEvent_UnknownTypeIsSettled(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	body := eventBody(t, "evt_new", "customer.updated", map[string]any{"id": "cus_1"})
	require.NoError(t, p.ProcessEvent(context.Background(), body, "sig"))

	require.Contains(t, store.events, "evt_new")
	assert.True(t, store.events["evt_new"].Processed)
	assert.Empty(t, store.ledger)
}

func TestProcessEvent_HandlerFailureRecordsRetry(t *testing.T) {
	store := newMemStore()
	provider := &mockProvider{err: types.NewAppError(types.ErrCodeUpstreamProvider, "provider down", nil)}
	p := newTestProcessor(store, provider)

	err := p.ProcessEvent(context.Background(), checkoutBody(t, "evt_f", "sub_1", "user_a"), "sig")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeEventProcessing, appErr.Code)

	evt := store.events["evt_f"]
	require.NotNil(t, evt)
	assert.False(t, evt.Processed)
	assert.Equal(t, 1, evt.RetryCount)
	assert.NotEmpty(t, evt.LastError)
}

// ---------------------------------------------------------------------------
// Allocation scenarios
// ---------------------------------------------------------------------------

func TestCheckoutCompleted_AllocatesOnce(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))
	body := checkoutBody(t, "evt_a", "sub_1", "user_a")

	require.NoError(t, p.ProcessEvent(context.Background(), body, "sig"))

	sub := store.subs["sub_1"]
	require.NotNil(t, sub)
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Equal(t, "user_a", sub.UserHash)
	assert.Equal(t, int64(2000), sub.CreditsAllocated)
	require.Len(t, store.ledger, 1)
	entry := store.ledger[0]
	assert.Equal(t, types.EntrySubscriptionAllocated, entry.Type)
	assert.Equal(t, int64(2000), entry.Amount)
	assert.Equal(t, "sub_1", entry.SubscriptionID)
	require.NotNil(t, entry.ExpiresAt)
	assert.True(t, entry.ExpiresAt.Equal(periodT1))
	assert.True(t, store.events["evt_a"].Processed)

	// Redelivery of the identical event id is an idempotent no-op.
	require.NoError(t, p.ProcessEvent(context.Background(), body, "sig"))
	assert.Len(t, store.ledger, 1, "a redelivered event must not append a second entry")
	assert.Equal(t, int64(2000), store.subs["sub_1"].CreditsAllocated)
}

func TestCheckoutCompleted_SettlingPaymentStillCreditsFirstPeriod(t *testing.T) {
	// Async payment methods complete checkout while the provider still
	// reports the subscription as incomplete. The first period must be
	// credited exactly once: at checkout, with the same-period invoice
	// resolving to already-allocated afterwards.
	store := newMemStore()
	provider := &mockProvider{sub: &types.ProviderSubscription{
		Status:             "incomplete",
		CurrentPeriodStart: periodT0,
		CurrentPeriodEnd:   periodT1,
	}}
	p := newTestProcessor(store, provider)

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_u", "sub_u", "user_a"), "sig"))

	require.NotNil(t, store.subs["sub_u"])
	assert.Equal(t, types.SubStatusUnpaid, store.subs["sub_u"].Status)
	require.Len(t, store.ledger, 1, "checkout must credit the first period regardless of settlement state")
	assert.Equal(t, int64(2000), store.subs["sub_u"].CreditsAllocated)

	// Payment settles: the invoice for the same period refreshes state but
	// must not credit a second batch.
	provider.sub.Status = "active"
	require.NoError(t, p.ProcessEvent(context.Background(), invoiceBody(t, "evt_u2", "sub_u"), "sig"))

	assert.Len(t, store.ledger, 1, "the settling invoice must not double-credit the period")
	assert.Equal(t, int64(2000), store.subs["sub_u"].CreditsAllocated)
	assert.Equal(t, types.SubStatusActive, store.subs["sub_u"].Status)
	assert.True(t, store.events["evt_u2"].Processed)
}

func TestInvoicePaid_SamePeriodIsBoundaryRefreshOnly(t *testing.T) {
	store := newMemStore()
	provider := activeProvider(periodT0, periodT1)
	p := newTestProcessor(store, provider)

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig"))
	require.Len(t, store.ledger, 1)

	// The first invoice for the same period must resolve to AlreadyAllocated.
	require.NoError(t, p.ProcessEvent(context.Background(), invoiceBody(t, "evt_b", "sub_1"), "sig"))

	assert.Len(t, store.ledger, 1, "same-period invoice must not allocate")
	assert.Equal(t, int64(2000), store.subs["sub_1"].CreditsAllocated)
	assert.True(t, store.events["evt_b"].Processed)
}

func TestInvoicePaid_NewPeriodAllocatesRenewal(t *testing.T) {
	store := newMemStore()
	provider := activeProvider(periodT0, periodT1)
	p := newTestProcessor(store, provider)

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig"))

	// Next billing period: the provider now reports a later period start.
	provider.sub.CurrentPeriodStart = periodT1
	provider.sub.CurrentPeriodEnd = periodT1.AddDate(0, 1, 0)

	require.NoError(t, p.ProcessEvent(context.Background(), invoiceBody(t, "evt_c", "sub_1"), "sig"))

	require.Len(t, store.ledger, 2)
	renewal := store.ledger[1]
	assert.Equal(t, int64(2000), renewal.Amount)
	assert.Equal(t, SourceRenewal, renewal.Source)
	assert.Equal(t, int64(4000), store.subs["sub_1"].CreditsAllocated)
	assert.True(t, store.subs["sub_1"].CurrentPeriodStart.Equal(periodT1))
}

func TestInvoicePaid_UnknownSubscriptionIsSettled(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	require.NoError(t, p.ProcessEvent(context.Background(), invoiceBody(t, "evt_x", "sub_missing"), "sig"))

	assert.Empty(t, store.ledger)
	assert.True(t, store.events["evt_x"].Processed)
}

func TestSubscriptionDeleted_TerminalNoReactivation(t *testing.T) {
	store := newMemStore()
	provider := activeProvider(periodT0, periodT1)
	p := newTestProcessor(store, provider)

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig"))

	deleted := eventBody(t, "evt_d", types.EventSubDeleted, map[string]any{
		"id":     "sub_1",
		"status": "canceled",
	})
	require.NoError(t, p.ProcessEvent(context.Background(), deleted, "sig"))
	assert.Equal(t, types.SubStatusCancelled, store.subs["sub_1"].Status)

	// A later invoice-paid for the cancelled id must never allocate.
	provider.sub.CurrentPeriodStart = periodT1
	require.NoError(t, p.ProcessEvent(context.Background(), invoiceBody(t, "evt_e", "sub_1"), "sig"))

	assert.Len(t, store.ledger, 1)
	assert.Equal(t, types.SubStatusCancelled, store.subs["sub_1"].Status)
	assert.True(t, store.events["evt_e"].Processed)
}

func TestInvoiceFailed_MarksPastDue(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig"))

	failed := eventBody(t, "evt_pf", types.EventInvoiceFailed, map[string]any{
		"subscription": "sub_1",
	})
	require.NoError(t, p.ProcessEvent(context.Background(), failed, "sig"))

	assert.Equal(t, types.SubStatusPastDue, store.subs["sub_1"].Status)
	assert.Len(t, store.ledger, 1, "payment failure must not touch the ledger")
}

func TestSubscriptionUpdated_RefreshesStateWithoutAllocating(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig"))

	updated := eventBody(t, "evt_up", types.EventSubUpdated, map[string]any{
		"id":                   "sub_1",
		"status":               "past_due",
		"current_period_start": periodT0.Unix(),
		"current_period_end":   periodT1.Unix(),
		"cancel_at_period_end": true,
	})
	require.NoError(t, p.ProcessEvent(context.Background(), updated, "sig"))

	sub := store.subs["sub_1"]
	assert.Equal(t, types.SubStatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Len(t, store.ledger, 1, "subscription-updated must never allocate on its own")
}

// ---------------------------------------------------------------------------
// Conflict retry
// ---------------------------------------------------------------------------

func TestConflictRetry_RecoversWithinBudget(t *testing.T) {
	store := newMemStore()
	store.conflictsLeft = 2
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	require.NoError(t, p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig"))
	assert.Len(t, store.ledger, 1)
	assert.True(t, store.events["evt_a"].Processed)
}

func TestConflictRetry_ExhaustedBudgetSurfacesFailure(t *testing.T) {
	store := newMemStore()
	store.conflictsLeft = maxAllocationRetries
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	err := p.ProcessEvent(context.Background(), checkoutBody(t, "evt_a", "sub_1", "user_a"), "sig")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeEventProcessing, appErr.Code)
	assert.False(t, store.events["evt_a"].Processed)
	assert.Equal(t, 1, store.events["evt_a"].RetryCount)
}

// ---------------------------------------------------------------------------
// Metadata resolution
// ---------------------------------------------------------------------------

func TestCheckout_MissingPlanMetadataFails(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, activeProvider(periodT0, periodT1))

	body := eventBody(t, "evt_m", types.EventCheckoutCompleted, map[string]any{
		"subscription":        "sub_1",
		"client_reference_id": "user_a",
	})
	err := p.ProcessEvent(context.Background(), body, "sig")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeEventProcessing, appErr.Code)
	assert.Empty(t, store.ledger)
}

func TestCheckout_WithoutSubscriptionIsSettled(t *testing.T) {
	store := newMemStore()
	provider := activeProvider(periodT0, periodT1)
	p := newTestProcessor(store, provider)

	body := eventBody(t, "evt_one_off", types.EventCheckoutCompleted, map[string]any{
		"client_reference_id": "user_a",
	})
	require.NoError(t, p.ProcessEvent(context.Background(), body, "sig"))

	assert.Zero(t, provider.calls)
	assert.True(t, store.events["evt_one_off"].Processed)
}

func TestPlanFromMetadata_DefaultsToMonthly(t *testing.T) {
	plan, period, err := planFromMetadata(map[string]string{"plan_id": "pro"})
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro, plan)
	assert.Equal(t, types.PeriodMonthly, period)
}

func TestIdempotence_RepeatedDeliveriesMatchSingleDelivery(t *testing.T) {
	// Deliver the same pair of events several times in mixed order; the
	// final state must match a single clean delivery.
	store := newMemStore()
	provider := activeProvider(periodT0, periodT1)
	p := newTestProcessor(store, provider)

	checkout := checkoutBody(t, "evt_a", "sub_1", "user_a")
	invoice := invoiceBody(t, "evt_b", "sub_1")

	for i := 0; i < 3; i++ {
		require.NoError(t, p.ProcessEvent(context.Background(), checkout, "sig"), fmt.Sprintf("round %d", i))
		require.NoError(t, p.ProcessEvent(context.Background(), invoice, "sig"), fmt.Sprintf("round %d", i))
	}

	assert.Len(t, store.ledger, 1)
	assert.Equal(t, int64(2000), store.subs["sub_1"].CreditsAllocated)
}
