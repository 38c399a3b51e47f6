package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"roomio/internal/types"
)

// stripeAPIBase is the default Stripe API base URL, overridable in tests.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds what a StripeClient needs to talk to Stripe.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements SubscriptionFetcher by calling the Stripe REST
// API directly through BaseClient. Direct HTTP keeps the call on the shared
// resilience path and makes httptest servers sufficient for testing.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	return NewStripeClientWithBase(
		NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "Roomio/1.0"),
		cfg,
	)
}

// NewStripeClientWithBase creates a StripeClient over a caller-provided
// BaseClient. For tests that need to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// RetrieveSubscription fetches the authoritative state of one subscription.
// Returns a not-found error when Stripe no longer knows the id.
func (s *StripeClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build subscription request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, subscriptionID)
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode subscription response", err)
	}
	return sub.toProvider(), nil
}

// handleErrorResponse maps a non-200 Stripe response to a typed error.
func (s *StripeClient) handleErrorResponse(resp *http.Response, subscriptionID string) error {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	// Best effort; a decode failure still yields a useful status-based error.
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode == http.StatusNotFound {
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("subscription %s not found at provider", subscriptionID),
			nil,
		)
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("provider error (%d) retrieving subscription %s", resp.StatusCode, subscriptionID),
		nil,
		map[string]any{"stripe_code": body.Error.Code, "stripe_message": body.Error.Message},
	)
}

// stripeSubscription is the slice of Stripe's subscription object this
// subsystem reads. Period boundaries live on the subscription item since
// API version 2025-03-31.
type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) toProvider() *types.ProviderSubscription {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if start == 0 && len(s.Items.Data) > 0 {
		start = s.Items.Data[0].CurrentPeriodStart
		end = s.Items.Data[0].CurrentPeriodEnd
	}
	return &types.ProviderSubscription{
		ID:                 s.ID,
		CustomerID:         s.Customer,
		Status:             s.Status,
		CurrentPeriodStart: time.Unix(start, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(end, 0).UTC(),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}
}

// StripeVerifier implements WebhookVerifier with stripe-go's constant-time
// signature check (HMAC-SHA256 plus timestamp tolerance).
type StripeVerifier struct{}

// Verify validates the payload against the Stripe-Signature header. An
// empty secret fails closed: without a configured secret no payload can be
// trusted.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if secret == "" {
		return types.NewAppError(types.ErrCodeInvalidSignature, "webhook signing secret is not configured", nil)
	}
	if header == "" {
		return types.NewAppError(types.ErrCodeInvalidSignature, "missing signature header", nil)
	}
	if err := webhook.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(types.ErrCodeInvalidSignature, "webhook signature verification failed", err)
	}
	return nil
}

var (
	_ SubscriptionFetcher = (*StripeClient)(nil)
	_ WebhookVerifier     = (*StripeVerifier)(nil)
)
