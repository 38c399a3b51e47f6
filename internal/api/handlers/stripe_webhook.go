// Package handlers contains the HTTP handler implementations for the
// Roomio billing API.
//
// The webhook endpoint is not behind auth middleware; it is called
// directly by Stripe, and security comes from verifying the
// Stripe-Signature header inside the processor's ingestion gate.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"roomio/internal/core"
	"roomio/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB; real payloads
// are far smaller.
const maxWebhookBodySize = 64 * 1024

// EventProcessor is the ingestion gate the webhook handler hands raw
// deliveries to.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, body []byte, sigHeader string) error
}

// StripeWebhookHandler receives asynchronous events from Stripe and routes
// them through the billing processor. The handler itself decides nothing:
// the processor's returned error code determines the HTTP outcome, which
// in turn determines whether Stripe redelivers.
type StripeWebhookHandler struct {
	processor EventProcessor
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(processor EventProcessor, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{processor: processor, logger: logger}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one webhook delivery. 200 means settled (fresh or
// idempotent replay), 400 means Stripe must not retry (bad signature or
// malformed body), 5xx means Stripe should redeliver.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeMalformedEvent,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if err := h.processor.ProcessEvent(r.Context(), payload, sigHeader); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"received": true}})
}
