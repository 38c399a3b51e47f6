// Package types defines the shared domain model for the Roomio billing
// subsystem: the payment event journal, subscription records, and the
// append-only credit ledger. It carries no persistence or transport logic.
package types

import "time"

// PlanID identifies a purchasable subscription plan.
type PlanID string

const (
	PlanBasic  PlanID = "basic"
	PlanPro    PlanID = "pro"
	PlanStudio PlanID = "studio"
)

// BillingPeriod is the provider-defined renewal cadence of a subscription.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// SubscriptionStatus is the lifecycle state of a subscription record.
// Cancelled is terminal: a resubscription creates a new external
// subscription id and therefore a new row.
type SubscriptionStatus string

const (
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusPastDue   SubscriptionStatus = "past_due"
	SubStatusUnpaid    SubscriptionStatus = "unpaid"
	SubStatusCancelled SubscriptionStatus = "cancelled"
)

// PaymentEvent is one row of the webhook event journal. Exactly one row
// exists per external event id; Processed flips to true at most once and
// never back.
type PaymentEvent struct {
	StripeEventID string
	EventType     string
	Payload       []byte
	Processed     bool
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Subscription mirrors one external subscription. It is keyed by the
// provider's subscription id; the owning user is identified by UserHash so
// that credit history survives provider customer-record changes.
//
// CreditsAllocated, CreditsRemaining and CreditsUsed are denormalized
// counters maintained alongside ledger writes. The ledger sum is
// authoritative; these exist only to serve cheap dashboard reads.
type Subscription struct {
	StripeSubscriptionID string
	UserHash             string
	StripeCustomerID     string
	PlanID               PlanID
	BillingPeriod        BillingPeriod
	Status               SubscriptionStatus
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	CreditsAllocated     int64
	CreditsRemaining     int64
	CreditsUsed          int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsCancelled reports whether the subscription has reached its terminal state.
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubStatusCancelled
}

// LedgerEntryType classifies a credit ledger entry.
type LedgerEntryType string

const (
	// EntryGrant is a one-time free credit grant. Never expires.
	EntryGrant LedgerEntryType = "grant"
	// EntrySubscriptionAllocated is a renewal batch credited for one billing
	// period. Carries ExpiresAt equal to the period end.
	EntrySubscriptionAllocated LedgerEntryType = "subscription_allocated"
	// EntryUsed is a debit recorded for a completed generation.
	EntryUsed LedgerEntryType = "used"
	// EntryExpired is the compensating record written by the expiration
	// sweep for an allocation whose ExpiresAt has passed. It references the
	// source entry via RefEntryID and carries the same ExpiresAt, so the
	// time-filtered balance formula counts neither row.
	EntryExpired LedgerEntryType = "expired"
)

// LedgerEntry is one immutable row of the credit ledger. Corrections are
// made by appending a compensating entry, never by update or delete.
//
// A user's spendable balance at time T is the sum of Amount over all of
// their entries where ExpiresAt is unset or after T.
type LedgerEntry struct {
	ID             string
	UserHash       string
	Type           LedgerEntryType
	Amount         int64
	Source         string
	SubscriptionID string
	GenerationID   string
	RefEntryID     string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Participant is the minimal per-user record this subsystem owns: whether
// the one-time free grant has been claimed. Identity itself lives upstream.
type Participant struct {
	UserHash        string
	FreeGrantUsed   bool
	FreeGrantUsedAt *time.Time
}

// BalanceSnapshot is the response shape for balance queries from the
// generation pipeline.
type BalanceSnapshot struct {
	Balance               int64 `json:"balance"`
	GenerationsAvailable  int64 `json:"generations_available"`
	HasActiveSubscription bool  `json:"has_active_subscription"`
	SubscriptionRemaining int64 `json:"subscription_credits_remaining"`
}

// ProviderSubscription is the authoritative view of a subscription as
// reported by the payment provider. Period boundaries from this struct,
// not from webhook payloads, drive allocation decisions on renewal.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// StatusFromProvider maps a provider-reported status string onto the local
// lifecycle enum. Anything that is not recognizably active or past_due is
// treated as unpaid; the provider's richer states (trialing, incomplete)
// collapse into the nearest local state.
func StatusFromProvider(s string) SubscriptionStatus {
	switch s {
	case "active", "trialing":
		return SubStatusActive
	case "past_due":
		return SubStatusPastDue
	case "canceled":
		return SubStatusCancelled
	default:
		return SubStatusUnpaid
	}
}
