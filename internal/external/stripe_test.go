package external

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomio/internal/types"
)

func newTestStripeClient(serverURL string, client *http.Client) *StripeClient {
	base := NewBaseClient(client, "stripe-test", RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond}, "test")
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   serverURL,
	})
}

func TestRetrieveSubscription_TopLevelPeriods(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"cancel_at_period_end": true,
			"current_period_start": 1748736000,
			"current_period_end": 1751328000
		}`)
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL, server.Client())
	sub, err := client.RetrieveSubscription(context.Background(), "sub_1")
	require.NoError(t, err)

	assert.Equal(t, "/v1/subscriptions/sub_1", gotPath)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "active", sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, time.Unix(1748736000, 0).UTC(), sub.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1751328000, 0).UTC(), sub.CurrentPeriodEnd)
}

func TestRetrieveSubscription_ItemLevelPeriodFallback(t *testing.T) {
	// Since API version 2025-03-31 the period boundaries live on the
	// subscription item; the top-level fields come back zero.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"items": {"data": [{
				"current_period_start": 1748736000,
				"current_period_end": 1751328000
			}]}
		}`)
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL, server.Client())
	sub, err := client.RetrieveSubscription(context.Background(), "sub_1")
	require.NoError(t, err)

	assert.Equal(t, time.Unix(1748736000, 0).UTC(), sub.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1751328000, 0).UTC(), sub.CurrentPeriodEnd)
}

func TestRetrieveSubscription_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"type": "invalid_request_error", "code": "resource_missing"}}`)
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL, server.Client())
	_, err := client.RetrieveSubscription(context.Background(), "sub_gone")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestRetrieveSubscription_ProviderErrorCarriesDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"code": "api_key_expired", "message": "Expired API Key provided"}}`)
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL, server.Client())
	_, err := client.RetrieveSubscription(context.Background(), "sub_1")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
	assert.Equal(t, "api_key_expired", appErr.Details["stripe_code"])
}

// stripeSignatureHeader builds a Stripe-Signature header the way Stripe
// signs deliveries: HMAC-SHA256 over "timestamp.payload".
func stripeSignatureHeader(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.payment_succeeded"}`)
	secret := "whsec_test"
	v := &StripeVerifier{}

	t.Run("valid signature", func(t *testing.T) {
		header := stripeSignatureHeader(payload, secret, time.Now())
		assert.NoError(t, v.Verify(payload, header, secret))
	})

	t.Run("tampered payload", func(t *testing.T) {
		header := stripeSignatureHeader(payload, secret, time.Now())
		err := v.Verify([]byte(`{"id":"evt_2"}`), header, secret)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInvalidSignature, appErr.Code)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		header := stripeSignatureHeader(payload, secret, time.Now().Add(-time.Hour))
		err := v.Verify(payload, header, secret)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInvalidSignature, appErr.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		err := v.Verify(payload, "", secret)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInvalidSignature, appErr.Code)
	})

	t.Run("empty secret fails closed", func(t *testing.T) {
		header := stripeSignatureHeader(payload, secret, time.Now())
		err := v.Verify(payload, header, "")
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeInvalidSignature, appErr.Code)
	})
}
