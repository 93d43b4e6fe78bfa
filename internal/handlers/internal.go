package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront-labs/orders-api/internal/platform/httpx"
	"github.com/storefront-labs/orders-api/internal/platform/jobs"
	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
	"github.com/storefront-labs/orders-api/internal/services"
)

const maxPushEnvelopeBody = 256 * 1024

// InternalHandlers serves Pub/Sub push deliveries. The /internal group is guarded by OIDC in the router.
type InternalHandlers struct {
	checkout services.CheckoutService
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(checkout services.CheckoutService) *InternalHandlers {
	return &InternalHandlers{checkout: checkout}
}

// Routes registers internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout/fulfillments:retry", h.retryFulfillment)
}

// retryFulfillment answers 204 to acknowledge the message and 503 to ask Pub/Sub to redeliver it.
// Undecodable envelopes are acknowledged so they do not loop forever.
func (h *InternalHandlers) retryFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushEnvelopeBody))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read push envelope", http.StatusBadRequest))
		return
	}
	failure, err := jobs.DecodeFulfillmentFailure(body)
	if err != nil {
		logger.Warn("fulfillment retry envelope invalid", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	requestctx.Annotate(ctx, "checkout_session_id", failure.SessionID)

	err = h.checkout.RetryFulfillment(ctx, failure)
	if errors.Is(err, services.ErrInvalidRequest) {
		logger.Warn("fulfillment retry rejected", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		logger.Error("fulfillment retry failed",
			zap.String("sessionId", failure.SessionID),
			zap.Int("attempt", failure.Attempt),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_retry_failed", "fulfillment could not be completed", http.StatusServiceUnavailable))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
