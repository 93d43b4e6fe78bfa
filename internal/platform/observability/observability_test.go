package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.DebugLevel)
	reqCore, reqLogs := observer.New(zapcore.DebugLevel)

	logEvent := EventLogger(zap.New(baseCore))
	logEvent(context.Background(), "checkout.fulfilled", map[string]any{"orderId": "ord_1"})

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	logEvent(ctx, "order.event.publish.failed", map[string]any{"error": errors.New("boom")})

	if baseLogs.Len() != 1 || reqLogs.Len() != 1 {
		t.Fatalf("expected one entry per logger, got base=%d request=%d", baseLogs.Len(), reqLogs.Len())
	}
	entry := baseLogs.All()[0]
	if entry.Level != zapcore.InfoLevel || entry.ContextMap()["orderId"] != "ord_1" || entry.ContextMap()["event"] != "checkout.fulfilled" {
		t.Fatalf("unexpected base entry %+v", entry)
	}
	failed := reqLogs.All()[0]
	if failed.Level != zapcore.ErrorLevel || failed.ContextMap()["error"] != "boom" {
		t.Fatalf("unexpected request entry %+v", failed)
	}
}

func TestEventLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"checkout.fulfillment.enqueue_failed": zapcore.ErrorLevel,
		"auth.oidc.rejected":                  zapcore.WarnLevel,
		"checkout.webhook.signature_invalid":  zapcore.WarnLevel,
		"order.number.collision":              zapcore.WarnLevel,
		"inventory.reserved":                  zapcore.InfoLevel,
	}
	for event, want := range cases {
		if got := eventLevel(event); got != want {
			t.Errorf("eventLevel(%q) = %s, want %s", event, got, want)
		}
	}
}

func TestRequestLoggerIncludesAnnotations(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(RequestLoggerMiddleware())
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		requestctx.Annotate(r.Context(), "user_id", "7")
		requestctx.Annotate(r.Context(), "order_id", chi.URLParam(r, "orderID"))
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_9", nil))

	if logs.Len() != 1 {
		t.Fatalf("expected a single completion entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	fields := entry.ContextMap()
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for 404, got %s", entry.Level)
	}
	if fields["route"] != "/orders/{orderID}" || fields["user_id"] != "7" || fields["order_id"] != "ord_9" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if fields["status"] != int64(http.StatusNotFound) {
		t.Fatalf("unexpected status field %v", fields["status"])
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" || sc.SpanID().String() != "0000000000000001" || !sc.IsSampled() {
		t.Fatalf("unexpected span context %+v", sc)
	}

	for _, header := range []string{"", "nonsense", "zz/1;o=1", "105445aa7843bc8bf206b12000100000/;o=1"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Errorf("expected %q to be rejected", header)
		}
	}
}

func TestSanitizeRouteDropsControlCharacters(t *testing.T) {
	if got := SanitizeRoute("/orders\n/forged"); got != "/orders/forged" {
		t.Fatalf("unexpected route %q", got)
	}
	if got := SanitizeRoute(""); got != "/" {
		t.Fatalf("expected root route, got %q", got)
	}
}
