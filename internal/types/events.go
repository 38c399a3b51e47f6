package types

import (
	"encoding/json"
	"errors"
	"time"
)

// Stripe event type constants prevent magic strings in webhook handling.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventInvoicePaid       = "invoice.payment_succeeded"
	EventInvoiceFailed     = "invoice.payment_failed"
)

// ProviderEvent is a minimal representation of a payment-provider webhook
// event, parsed once at ingestion. The event payload is modeled as a tagged
// union: exactly one of the typed accessors below succeeds depending on
// Type, and unrecognized types decode to UnknownPayload so that new
// provider event types never break ingestion.
//
// We deliberately avoid the full stripe-go event types to keep the journal
// and handlers decoupled from the vendor SDK and to make testing with
// hand-built payloads straightforward.
type ProviderEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    providerData    `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

type providerData struct {
	Object json.RawMessage `json:"object"`
}

// ErrMalformedEvent is returned when a webhook body cannot be parsed into a
// ProviderEvent with the minimal identifying fields present.
var ErrMalformedEvent = errors.New("malformed provider event")

// ParseProviderEvent decodes a raw webhook body. The body is retained on
// the event for journaling.
func ParseProviderEvent(body []byte) (*ProviderEvent, error) {
	var evt ProviderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, err
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, ErrMalformedEvent
	}
	evt.Raw = json.RawMessage(body)
	return &evt, nil
}

// Timestamp returns the event's provider-assigned creation instant.
func (e *ProviderEvent) Timestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// EventPayload is the closed set of payload variants carried by a
// ProviderEvent.
type EventPayload interface {
	isEventPayload()
}

// CheckoutPayload holds the fields extracted from a
// checkout.session.completed event's data object.
type CheckoutPayload struct {
	SubscriptionID    string            `json:"subscription"`
	CustomerID        string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (CheckoutPayload) isEventPayload() {}

// UserHash resolves the owning user identity for a checkout. The checkout
// session carries it in metadata (set by our checkout creation) with
// client_reference_id as the fallback.
func (p *CheckoutPayload) UserHash() string {
	if h := p.Metadata["user_hash"]; h != "" {
		return h
	}
	return p.ClientReferenceID
}

// SubscriptionPayload holds the fields extracted from a
// customer.subscription.updated/deleted event's data object.
type SubscriptionPayload struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

func (SubscriptionPayload) isEventPayload() {}

// PeriodStart returns the payload's period start as a UTC instant.
func (p *SubscriptionPayload) PeriodStart() time.Time {
	return time.Unix(p.CurrentPeriodStart, 0).UTC()
}

// PeriodEnd returns the payload's period end as a UTC instant.
func (p *SubscriptionPayload) PeriodEnd() time.Time {
	return time.Unix(p.CurrentPeriodEnd, 0).UTC()
}

// InvoicePayload holds the fields extracted from an invoice event's data
// object. Plan identity is never read from the invoice: renewals resolve it
// from the stored subscription row.
type InvoicePayload struct {
	SubscriptionID string `json:"subscription"`
	CustomerID     string `json:"customer"`
}

func (InvoicePayload) isEventPayload() {}

// UnknownPayload is the fallback variant for event types this subsystem
// does not handle. The raw object is kept for journaling only.
type UnknownPayload struct {
	Object json.RawMessage
}

func (UnknownPayload) isEventPayload() {}

// Payload decodes the event's data object into the variant matching the
// event type. Decoding failures surface as errors rather than zero-valued
// payloads so that a handler never acts on a half-parsed event.
func (e *ProviderEvent) Payload() (EventPayload, error) {
	switch e.Type {
	case EventCheckoutCompleted:
		var p CheckoutPayload
		if err := json.Unmarshal(e.Data.Object, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case EventSubUpdated, EventSubDeleted:
		var p SubscriptionPayload
		if err := json.Unmarshal(e.Data.Object, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case EventInvoicePaid, EventInvoiceFailed:
		var p InvoicePayload
		if err := json.Unmarshal(e.Data.Object, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return &UnknownPayload{Object: e.Data.Object}, nil
	}
}
