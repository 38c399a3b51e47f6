package external

import (
	"context"

	"roomio/internal/types"
)

// WebhookVerifier checks a raw webhook payload against its signature header.
// A nil return means the payload provably came from the provider.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// SubscriptionFetcher retrieves the authoritative subscription state from
// the payment provider. Renewal allocation decisions use these period
// boundaries, never the ones embedded in the triggering webhook payload.
type SubscriptionFetcher interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)
}
