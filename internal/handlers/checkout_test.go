package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/storefront-labs/orders-api/internal/platform/auth"
	"github.com/storefront-labs/orders-api/internal/services"
)

func newCheckoutRouter(checkout services.CheckoutService) chi.Router {
	router := chi.NewRouter()
	router.Route("/checkout", NewCheckoutHandlers(nil, checkout).Routes)
	return router
}

func TestCheckoutHandlersCreateSession(t *testing.T) {
	var captured services.CreateSessionCommand
	router := newCheckoutRouter(&stubCheckoutService{
		sessionFn: func(_ context.Context, cmd services.CreateSessionCommand) (services.CheckoutSessionResult, error) {
			captured = cmd
			return services.CheckoutSessionResult{SessionID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
		},
	})

	payload := `{"items":[{"productId":5,"quantity":2}],"successUrl":" https://shop.example/success ","cancelUrl":"https://shop.example/cart"}`
	req := httptest.NewRequest(http.MethodPost, "/checkout/session", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "key-123")
	req.Header.Set("Accept-Language", "fr-CA,fr;q=0.9")
	req = req.WithContext(auth.WithIdentity(req.Context(), customer(7)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkoutSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "cs_test_1" || !strings.HasPrefix(resp.URL, "https://checkout.stripe.com/") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if captured.Identity == nil || captured.Identity.UserID != 7 {
		t.Fatalf("unexpected caller %+v", captured.Identity)
	}
	if captured.SuccessURL != "https://shop.example/success" || captured.IdempotencyKey != "key-123" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Locale != "fr-CA,fr;q=0.9" || captured.ShippingAddress != nil {
		t.Fatalf("expected header locale and deferred shipping, got %q %+v", captured.Locale, captured.ShippingAddress)
	}
	if len(captured.Items) != 1 || captured.Items[0].ProductID != 5 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
}

func TestCheckoutHandlersCreateSessionUnauthenticated(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", bytes.NewBufferString(`{"items":[]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutHandlersCreateSessionMapsServiceErrors(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{
		sessionFn: func(context.Context, services.CreateSessionCommand) (services.CheckoutSessionResult, error) {
			return services.CheckoutSessionResult{}, fmt.Errorf("%w: metadata value exceeds 500 characters", services.ErrInvalidRequest)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", bytes.NewBufferString(`{"items":[{"productId":1,"quantity":1}]}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), customer(7)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "invalid_request" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutHandlersWebhook(t *testing.T) {
	var gotPayload []byte
	var gotSignature string
	router := newCheckoutRouter(&stubCheckoutService{
		webhookFn: func(_ context.Context, payload []byte, signature string) error {
			gotPayload, gotSignature = payload, signature
			if signature == "t=1,v1=bad" {
				return fmt.Errorf("%w: no valid signature", services.ErrInvalidSignature)
			}
			if signature == "t=1,v1=garbled" {
				return errors.New("checkout: construct webhook event: unexpected end of JSON input")
			}
			return nil
		},
	})

	send := func(signature, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/checkout/webhook", strings.NewReader(body))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	event := `{"id":"evt_1","type":"checkout.session.completed"}`
	rr := send("t=1,v1=good", event)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["received"] != true {
		t.Fatalf("unexpected body %v", body)
	}
	if string(gotPayload) != event || gotSignature != "t=1,v1=good" {
		t.Fatalf("expected raw payload and signature forwarded, got %q %q", gotPayload, gotSignature)
	}

	rr = send("t=1,v1=bad", event)
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "invalid_signature" {
		t.Fatalf("expected invalid_signature, got %d %s", rr.Code, rr.Body.String())
	}

	rr = send("", event)
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "invalid_signature" {
		t.Fatalf("missing signature: expected invalid_signature, got %d", rr.Code)
	}

	rr = send("t=1,v1=garbled", event)
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "invalid_payload" {
		t.Fatalf("expected invalid_payload, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestCheckoutHandlersWebhookRejectsOversizedPayload(t *testing.T) {
	called := false
	router := newCheckoutRouter(&stubCheckoutService{
		webhookFn: func(context.Context, []byte, string) error {
			called = true
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/checkout/webhook", strings.NewReader(strings.Repeat("a", maxWebhookBody+1)))
	req.Header.Set("Stripe-Signature", "t=1,v1=good")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge || decodeBody(t, rr)["error"] != "payload_too_large" {
		t.Fatalf("expected 413 payload_too_large, got %d %s", rr.Code, rr.Body.String())
	}
	if called {
		t.Fatalf("oversized payload must not reach the service")
	}
}
