package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc123"})

	rr := httptest.NewRecorder()
	WriteError(ctx, rr, NewError("insufficient_stock", "insufficient stock\nfor Laptop", http.StatusBadRequest).
		WithDetails(map[string]any{"product": "Laptop", "available": 5, "requested": 6, "status": "ignored"}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := map[string]any{
		"error":      "insufficient_stock",
		"message":    "insufficient stock for Laptop",
		"status":     float64(400),
		"request_id": "req-1",
		"trace_id":   "abc123",
		"product":    "Laptop",
		"available":  float64(5),
		"requested":  float64(6),
	}
	for key, value := range want {
		if body[key] != value {
			t.Errorf("%s = %v, want %v", key, body[key], value)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Status string `json:"status"`
	}

	newRequest := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		return req
	}

	var ok payload
	if err := DecodeJSON(newRequest(`{"status":"shipped"}`), &ok, 0); err != nil || ok.Status != "shipped" {
		t.Fatalf("expected decode, got %v (%+v)", err, ok)
	}

	cases := map[string]string{
		"empty":    ``,
		"unknown":  `{"state":"x"}`,
		"type":     `{"status":5}`,
		"trailing": `{"status":"a"}{"status":"b"}`,
		"syntax":   `{"status":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var dst payload
			if err := DecodeJSON(newRequest(body), &dst, 0); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}

	var dst payload
	big := `{"status":"` + strings.Repeat("x", 64) + `"}`
	if err := DecodeJSON(newRequest(big), &dst, 16); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}
