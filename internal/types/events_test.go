package types

import (
	"errors"
	"testing"
	"time"
)

func TestParseProviderEvent(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "invoice.payment_succeeded",
		"created": 1748736000,
		"data": {"object": {"subscription": "sub_1", "customer": "cus_1"}}
	}`)

	evt, err := ParseProviderEvent(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ID != "evt_1" {
		t.Errorf("expected id evt_1, got %q", evt.ID)
	}
	if evt.Type != EventInvoicePaid {
		t.Errorf("expected type %q, got %q", EventInvoicePaid, evt.Type)
	}
	if string(evt.Raw) != string(body) {
		t.Error("raw body must be retained verbatim for journaling")
	}
	if got := evt.Timestamp(); !got.Equal(time.Unix(1748736000, 0)) {
		t.Errorf("unexpected timestamp %v", got)
	}
}

func TestParseProviderEvent_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"id":`},
		{"missing id", `{"type":"invoice.payment_succeeded"}`},
		{"missing type", `{"id":"evt_1"}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProviderEvent([]byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}

	_, err := ParseProviderEvent([]byte(`{"id":"evt_1"}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("structurally valid JSON without identity must be ErrMalformedEvent, got %v", err)
	}
}

func TestPayload_Variants(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
		check     func(t *testing.T, p EventPayload)
	}{
		{
			name:      "checkout",
			eventType: EventCheckoutCompleted,
			object:    `{"subscription": "sub_1", "customer": "cus_1", "metadata": {"plan_id": "pro"}}`,
			check: func(t *testing.T, p EventPayload) {
				cp, ok := p.(*CheckoutPayload)
				if !ok {
					t.Fatalf("expected CheckoutPayload, got %T", p)
				}
				if cp.SubscriptionID != "sub_1" || cp.Metadata["plan_id"] != "pro" {
					t.Errorf("unexpected payload %+v", cp)
				}
			},
		},
		{
			name:      "subscription updated",
			eventType: EventSubUpdated,
			object:    `{"id": "sub_1", "status": "past_due", "current_period_start": 1748736000}`,
			check: func(t *testing.T, p EventPayload) {
				sp, ok := p.(*SubscriptionPayload)
				if !ok {
					t.Fatalf("expected SubscriptionPayload, got %T", p)
				}
				if sp.Status != "past_due" {
					t.Errorf("unexpected status %q", sp.Status)
				}
				if !sp.PeriodStart().Equal(time.Unix(1748736000, 0)) {
					t.Errorf("unexpected period start %v", sp.PeriodStart())
				}
			},
		},
		{
			name:      "invoice failed",
			eventType: EventInvoiceFailed,
			object:    `{"subscription": "sub_1", "subscription_details": {"metadata": {"plan_id": "pro"}}}`,
			check: func(t *testing.T, p EventPayload) {
				ip, ok := p.(*InvoicePayload)
				if !ok {
					t.Fatalf("expected InvoicePayload, got %T", p)
				}
				// Unmodeled invoice fields are tolerated and ignored.
				if ip.SubscriptionID != "sub_1" {
					t.Errorf("unexpected subscription id %q", ip.SubscriptionID)
				}
			},
		},
		{
			name:      "unknown type",
			eventType: "customer.created",
			object:    `{"id": "cus_1"}`,
			check: func(t *testing.T, p EventPayload) {
				if _, ok := p.(*UnknownPayload); !ok {
					t.Fatalf("expected UnknownPayload, got %T", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseProviderEvent([]byte(
				`{"id": "evt_1", "type": "` + tt.eventType + `", "data": {"object": ` + tt.object + `}}`))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			payload, err := evt.Payload()
			if err != nil {
				t.Fatalf("payload: %v", err)
			}
			tt.check(t, payload)
		})
	}
}

func TestCheckoutPayload_UserHash(t *testing.T) {
	tests := []struct {
		name    string
		payload CheckoutPayload
		want    string
	}{
		{
			name: "metadata wins",
			payload: CheckoutPayload{
				ClientReferenceID: "ref_user",
				Metadata:          map[string]string{"user_hash": "meta_user"},
			},
			want: "meta_user",
		},
		{
			name:    "client reference fallback",
			payload: CheckoutPayload{ClientReferenceID: "ref_user"},
			want:    "ref_user",
		},
		{
			name:    "no identity",
			payload: CheckoutPayload{},
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.UserHash(); got != tt.want {
				t.Errorf("UserHash() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusFromProvider(t *testing.T) {
	tests := []struct {
		provider string
		want     SubscriptionStatus
	}{
		{"active", SubStatusActive},
		{"trialing", SubStatusActive},
		{"past_due", SubStatusPastDue},
		{"canceled", SubStatusCancelled},
		{"incomplete", SubStatusUnpaid},
		{"incomplete_expired", SubStatusUnpaid},
		{"unpaid", SubStatusUnpaid},
		{"", SubStatusUnpaid},
	}
	for _, tt := range tests {
		if got := StatusFromProvider(tt.provider); got != tt.want {
			t.Errorf("StatusFromProvider(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}
