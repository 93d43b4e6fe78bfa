package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-labs/orders-api/internal/platform/auth"
	"github.com/storefront-labs/orders-api/internal/platform/httpx"
	"github.com/storefront-labs/orders-api/internal/services"
)

const (
	maxCheckoutRequestBody = 64 * 1024
	maxWebhookBody         = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	idempotencyKeyHeader   = "Idempotency-Key"
)

// CheckoutHandlers exposes hosted checkout session creation and the payment provider webhook.
type CheckoutHandlers struct {
	authn      *auth.Authenticator
	checkout   services.CheckoutService
	idempotent func(http.Handler) http.Handler
}

// CheckoutHandlersOption customises CheckoutHandlers.
type CheckoutHandlersOption func(*CheckoutHandlers)

// WithCheckoutIdempotency wraps session creation with the Idempotency-Key middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		h.idempotent = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers. Session creation requires a bearer token; the webhook is
// authenticated by its signature.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutHandlersOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.webhook)

	var session http.Handler = http.HandlerFunc(h.createSession)
	if h.idempotent != nil {
		session = h.idempotent(session)
	}
	if h.authn != nil {
		session = h.authn.RequireAuth()(session)
	}
	r.Method(http.MethodPost, "/session", session)
}

type checkoutSessionRequest struct {
	Email           string            `json:"email"`
	ShippingAddress *addressPayload   `json:"shippingAddress"`
	Items           []cartLinePayload `json:"items"`
	SuccessURL      string            `json:"successUrl"`
	CancelURL       string            `json:"cancelUrl"`
	Locale          string            `json:"locale"`
}

type checkoutSessionResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req checkoutSessionRequest
	if err := httpx.DecodeJSON(r, &req, maxCheckoutRequestBody); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	result, err := h.checkout.CreateSession(ctx, services.CreateSessionCommand{
		Identity:        callerFromIdentity(identity),
		Email:           req.Email,
		ShippingAddress: optionalAddress(req.ShippingAddress),
		Items:           cartLines(req.Items),
		SuccessURL:      strings.TrimSpace(req.SuccessURL),
		CancelURL:       strings.TrimSpace(req.CancelURL),
		Locale:          firstNonEmpty(req.Locale, r.Header.Get("Accept-Language")),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkoutSessionResponse{SessionID: result.SessionID, URL: result.URL})
}

// webhook reads the raw body because the signature covers the exact bytes sent by the provider.
func (h *CheckoutHandlers) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook payload", http.StatusBadRequest))
		return
	}

	signature := strings.TrimSpace(r.Header.Get(stripeSignatureHeader))
	if signature == "" {
		writeServiceError(ctx, w, services.ErrInvalidSignature)
		return
	}

	if err := h.checkout.HandleWebhook(ctx, payload, signature); err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			writeServiceError(ctx, w, err)
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be parsed", http.StatusBadRequest))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
