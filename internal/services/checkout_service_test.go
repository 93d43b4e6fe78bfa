package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/payments"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

type fakeProvider struct {
	createFn    func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	retrieveFn  func(context.Context, string) (payments.CheckoutSession, error)
	constructFn func([]byte, string) (payments.WebhookEvent, error)

	createCalls   int
	retrieveCalls int
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	f.createCalls++
	if f.createFn != nil {
		return f.createFn(ctx, req)
	}
	return payments.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (f *fakeProvider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (payments.CheckoutSession, error) {
	f.retrieveCalls++
	if f.retrieveFn != nil {
		return f.retrieveFn(ctx, sessionID)
	}
	return payments.CheckoutSession{}, errors.New("not implemented")
}

func (f *fakeProvider) ConstructEvent(payload []byte, signature string) (payments.WebhookEvent, error) {
	if f.constructFn != nil {
		return f.constructFn(payload, signature)
	}
	return payments.WebhookEvent{}, payments.ErrInvalidSignature
}

type recordingFailures struct {
	mu       sync.Mutex
	failures []FulfillmentFailure
	err      error
}

func (r *recordingFailures) PublishFulfillmentFailure(_ context.Context, failure FulfillmentFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure)
	return r.err
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, logged := range l.events {
		if logged == event {
			return true
		}
	}
	return false
}

type checkoutHarness struct {
	*memoryHarness
	checkout CheckoutService
	provider *fakeProvider
	failures *recordingFailures
	logs     *recordingLogger
}

func newCheckoutHarness(t *testing.T) *checkoutHarness {
	t.Helper()
	h := newMemoryHarness(t)
	provider := &fakeProvider{}
	failures := &recordingFailures{}
	logs := &recordingLogger{}
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Builder:    h.builder,
		Orders:     h.orders,
		UnitOfWork: h.store,
		Payments:   provider,
		Failures:   failures,
		Currency:   "USD",
		SuccessURL: "https://shop.example/success",
		CancelURL:  "https://shop.example/cart",
		Clock:      func() time.Time { return fixedNow },
		Logger:     logs.log,
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return &checkoutHarness{memoryHarness: h, checkout: checkout, provider: provider, failures: failures, logs: logs}
}

// paidSession encodes lines the same way CreateSession does and marks the session paid.
func paidSession(t *testing.T, id string, lines []CartLine, shipping *Address) payments.CheckoutSession {
	t.Helper()
	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, OrderItem{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: line.Quantity})
	}
	metadata, err := encodeCheckoutMetadata(OrderDraft{UserID: valuePtr(int64(7)), Email: "ada@example.com", Items: items}, shipping)
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	return payments.CheckoutSession{
		ID:              id,
		PaymentIntentID: "pi_" + id,
		PaymentStatus:   "paid",
		Metadata:        metadata,
	}
}

func (h *checkoutHarness) deliver(session payments.CheckoutSession, eventType string) error {
	h.provider.constructFn = func([]byte, string) (payments.WebhookEvent, error) {
		return payments.WebhookEvent{ID: "evt_" + session.ID, Type: eventType, Session: &session}, nil
	}
	return h.checkout.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=sig")
}

func TestCheckoutServiceWebhookRejectsInvalidSignature(t *testing.T) {
	h := newCheckoutHarness(t)
	h.provider.constructFn = func([]byte, string) (payments.WebhookEvent, error) {
		return payments.WebhookEvent{}, fmt.Errorf("%w: no valid signature", payments.ErrInvalidSignature)
	}

	err := h.checkout.HandleWebhook(context.Background(), []byte(`{"id":"evt_1"}`), "bogus")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	orders, err := h.orders.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(orders))
	}
	if !h.logs.has("checkout.webhook.signature_invalid") {
		t.Fatalf("expected signature failure logged, got %v", h.logs.events)
	}
}

func TestCheckoutServiceWebhookFulfillsPaidSession(t *testing.T) {
	h := newCheckoutHarness(t)
	address := testAddress()
	session := paidSession(t, "cs_1", []CartLine{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 2}}, &address)

	if err := h.deliver(session, payments.EventCheckoutSessionCompleted); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	orders, err := h.orders.ListByUser(context.Background(), 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	order := orders[0]
	if order.Status != domain.OrderStatusConfirmed || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected status %s/%s", order.Status, order.PaymentStatus)
	}
	if order.PaymentMethod != "stripe" || order.PaymentTransactionID != "pi_cs_1" || order.CheckoutSessionID != "cs_1" {
		t.Fatalf("unexpected payment fields %+v", order)
	}
	if order.PaidAt == nil {
		t.Fatalf("expected paidAt stamped")
	}
	if order.ShippingAddress.City != "London" || order.ShippingAddress.Country != "GB" {
		t.Fatalf("unexpected shipping address %+v", order.ShippingAddress)
	}
	if domain.FormatMoney(order.Totals.Total) != "2649.97" {
		t.Fatalf("unexpected total %s", domain.FormatMoney(order.Totals.Total))
	}
	if h.stock(t, 1) != 4 || h.stock(t, 2) != 8 {
		t.Fatalf("expected stock reserved, got laptop=%d phone=%d", h.stock(t, 1), h.stock(t, 2))
	}
	if types := h.events.types(); len(types) != 1 || types[0] != orderEventCreated {
		t.Fatalf("expected created event flushed after commit, got %v", types)
	}
	if !h.logs.has("checkout.fulfilled") {
		t.Fatalf("expected fulfilment logged")
	}
}

func TestCheckoutServiceWebhookRedeliveryIsNoop(t *testing.T) {
	h := newCheckoutHarness(t)
	address := testAddress()
	session := paidSession(t, "cs_dup", []CartLine{{ProductID: 1, Quantity: 2}}, &address)

	for range 2 {
		if err := h.deliver(session, payments.EventCheckoutSessionCompleted); err != nil {
			t.Fatalf("handle webhook: %v", err)
		}
	}

	orders, err := h.orders.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected a single order, got %d", len(orders))
	}
	if h.stock(t, 1) != 3 {
		t.Fatalf("expected stock reserved once, got %d", h.stock(t, 1))
	}
	if len(h.events.types()) != 1 {
		t.Fatalf("expected rolled back duplicate to publish nothing, got %v", h.events.types())
	}
	if !h.logs.has("checkout.fulfillment.duplicate") {
		t.Fatalf("expected duplicate logged")
	}
	if len(h.failures.failures) != 0 {
		t.Fatalf("duplicates are not failures: %+v", h.failures.failures)
	}
}

func TestCheckoutServiceWebhookQueuesBusinessFailureAsTerminal(t *testing.T) {
	h := newCheckoutHarness(t)
	address := testAddress()
	session := paidSession(t, "cs_oversold", []CartLine{{ProductID: 1, Quantity: 6}}, &address)

	if err := h.deliver(session, payments.EventCheckoutSessionCompleted); err != nil {
		t.Fatalf("expected webhook acknowledged, got %v", err)
	}
	if len(h.failures.failures) != 1 {
		t.Fatalf("expected one failure published, got %d", len(h.failures.failures))
	}
	failure := h.failures.failures[0]
	if failure.Retryable || failure.SessionID != "cs_oversold" || failure.EventID != "evt_cs_oversold" || failure.Attempt != 1 {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if failure.OccurredAt != fixedNow.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected occurredAt %s", failure.OccurredAt)
	}
	if !strings.Contains(failure.Reason, "insufficient stock") {
		t.Fatalf("expected stock reason, got %q", failure.Reason)
	}
	if h.stock(t, 1) != 5 {
		t.Fatalf("expected stock untouched, got %d", h.stock(t, 1))
	}
}

func TestCheckoutServiceWebhookQueuesTransientFailureAsRetryable(t *testing.T) {
	h := newCheckoutHarness(t)
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Builder: builderFunc(func(context.Context, BuildRequest) (OrderDraft, error) {
			return OrderDraft{}, fmt.Errorf("%w: firestore deadline exceeded", ErrUnavailable)
		}),
		Orders:   h.orders,
		Payments: h.provider,
		Failures: h.failures,
		Logger:   h.logs.log,
	})
	if err != nil {
		t.Fatalf("new checkout: %v", err)
	}
	session := paidSession(t, "cs_flaky", []CartLine{{ProductID: 1, Quantity: 1}}, nil)
	h.provider.constructFn = func([]byte, string) (payments.WebhookEvent, error) {
		return payments.WebhookEvent{ID: "evt_flaky", Type: payments.EventCheckoutSessionCompleted, Session: &session}, nil
	}

	if err := checkout.HandleWebhook(context.Background(), []byte(`{}`), "sig"); err != nil {
		t.Fatalf("expected webhook acknowledged, got %v", err)
	}
	if len(h.failures.failures) != 1 || !h.failures.failures[0].Retryable {
		t.Fatalf("expected retryable failure, got %+v", h.failures.failures)
	}
	if !h.logs.has("checkout.fulfillment.failed") {
		t.Fatalf("expected failure logged")
	}
}

func TestCheckoutServiceWebhookIgnoresOtherEvents(t *testing.T) {
	h := newCheckoutHarness(t)
	address := testAddress()

	if err := h.deliver(paidSession(t, "cs_other", []CartLine{{ProductID: 1, Quantity: 1}}, &address), "payment_intent.created"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	unpaid := paidSession(t, "cs_unpaid", []CartLine{{ProductID: 1, Quantity: 1}}, &address)
	unpaid.PaymentStatus = "unpaid"
	if err := h.deliver(unpaid, payments.EventCheckoutSessionCompleted); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	orders, err := h.orders.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(orders))
	}
	if !h.logs.has("checkout.webhook.ignored") || !h.logs.has("checkout.webhook.awaiting_payment") {
		t.Fatalf("unexpected logs %v", h.logs.events)
	}
}

func TestCheckoutServiceWebhookUsesCollectedShipping(t *testing.T) {
	h := newCheckoutHarness(t)
	session := paidSession(t, "cs_collected", []CartLine{{ProductID: 5, Quantity: 1}}, nil)
	session.Shipping = &payments.ShippingDetails{
		Name:       "Cher",
		Phone:      "+15555550100",
		Line1:      "1 Market St",
		City:       "San Francisco",
		State:      "CA",
		PostalCode: "94105",
		Country:    "US",
	}

	if err := h.deliver(session, "checkout.session.async_payment_succeeded"); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	orders, err := h.orders.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	addr := orders[0].ShippingAddress
	if addr.FirstName != "Cher" || addr.LastName != "Cher" || addr.City != "San Francisco" {
		t.Fatalf("unexpected shipping %+v", addr)
	}
	if orders[0].Phone != "+15555550100" {
		t.Fatalf("expected phone from shipping details, got %q", orders[0].Phone)
	}
}

func TestCheckoutServicePlaceOrder(t *testing.T) {
	h := newCheckoutHarness(t)

	if _, err := h.checkout.PlaceOrder(context.Background(), PlaceOrderCommand{Items: []CartLine{{ProductID: 1, Quantity: 1}}}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	order, err := h.checkout.PlaceOrder(context.Background(), PlaceOrderCommand{
		Identity:        &Caller{UserID: 7, Email: "Ada@Example.com"},
		ShippingAddress: testAddress(),
		Items:           []CartLine{{ProductID: 2, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unexpected status %s/%s", order.Status, order.PaymentStatus)
	}
	if order.Email != "ada@example.com" || order.UserID == nil || *order.UserID != 7 {
		t.Fatalf("expected caller identity on order, got %+v", order)
	}
	if h.stock(t, 2) != 9 {
		t.Fatalf("expected phone stock reserved, got %d", h.stock(t, 2))
	}
	if len(h.events.events) != 1 || h.events.events[0].ActorID != "user:7" {
		t.Fatalf("expected created event with actor, got %+v", h.events.events)
	}
}

func TestCheckoutServiceRollbackPublishesNothing(t *testing.T) {
	h := newMemoryHarness(t)
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Builder:    h.builder,
		Orders:     h.orders,
		UnitOfWork: failingCommit{store: h.store},
		Payments:   &fakeProvider{},
	})
	if err != nil {
		t.Fatalf("new checkout: %v", err)
	}

	_, err = checkout.PlaceOrder(context.Background(), PlaceOrderCommand{
		Identity:        &Caller{UserID: 7},
		ShippingAddress: testAddress(),
		Items:           []CartLine{{ProductID: 1, Quantity: 1}},
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	if len(h.events.types()) != 0 {
		t.Fatalf("expected no events after rollback, got %v", h.events.types())
	}
	if h.stock(t, 1) != 5 {
		t.Fatalf("expected stock restored, got %d", h.stock(t, 1))
	}
}

func TestCheckoutServiceCreateSession(t *testing.T) {
	h := newCheckoutHarness(t)
	var captured payments.CheckoutSessionRequest
	h.provider.createFn = func(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		captured = req
		return payments.CheckoutSession{ID: "cs_new", URL: "https://checkout.example/cs_new"}, nil
	}
	address := testAddress()

	result, err := h.checkout.CreateSession(context.Background(), CreateSessionCommand{
		Identity:        &Caller{UserID: 7, Email: "ada@example.com"},
		ShippingAddress: &address,
		Items:           []CartLine{{ProductID: 1, Quantity: 1}, {VariantID: valuePtr(int64(31)), Quantity: 2}},
		Locale:          "fr-CA",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if result.SessionID != "cs_new" || result.URL != "https://checkout.example/cs_new" {
		t.Fatalf("unexpected result %+v", result)
	}
	if captured.Currency != "usd" || captured.Locale != "fr" || captured.CustomerEmail != "ada@example.com" {
		t.Fatalf("unexpected session request %+v", captured)
	}
	if captured.SuccessURL != "https://shop.example/success" || captured.CancelURL != "https://shop.example/cart" {
		t.Fatalf("expected default redirect urls, got %s %s", captured.SuccessURL, captured.CancelURL)
	}
	if len(captured.Items) != 2 || captured.Items[0].UnitAmount != 99999 || captured.Items[1].Name != "T-Shirt (Large)" || captured.Items[1].UnitAmount != 2250 {
		t.Fatalf("unexpected line items %+v", captured.Items)
	}
	// Tax is 10% of 1044.99.
	if captured.TaxAmount != 10450 || captured.ShippingAmount != 1000 {
		t.Fatalf("unexpected tax/shipping %d/%d", captured.TaxAmount, captured.ShippingAmount)
	}
	if captured.Metadata[metadataUserID] != "7" || captured.Metadata[metadataCart] != `[{"p":1,"q":1},{"p":3,"v":31,"q":2}]` {
		t.Fatalf("unexpected metadata %+v", captured.Metadata)
	}
	if !strings.Contains(captured.Metadata[metadataShipping], `"cc":"GB"`) {
		t.Fatalf("expected shipping metadata, got %s", captured.Metadata[metadataShipping])
	}
	if len(captured.ShippingCountries) != 0 {
		t.Fatalf("address supplied, collection must be off")
	}
	if !strings.HasPrefix(captured.IdempotencyKey, "checkout_") || len(captured.IdempotencyKey) != len("checkout_")+32 {
		t.Fatalf("unexpected idempotency key %q", captured.IdempotencyKey)
	}
	if h.stock(t, 1) != 5 {
		t.Fatalf("sessions must not reserve stock")
	}
}

func TestCheckoutServiceCreateSessionCollectsShipping(t *testing.T) {
	h := newCheckoutHarness(t)
	var captured payments.CheckoutSessionRequest
	h.provider.createFn = func(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		captured = req
		return payments.CheckoutSession{ID: "cs_collect"}, nil
	}

	cmd := CreateSessionCommand{
		Identity:       &Caller{UserID: 7, Email: "ada@example.com"},
		Items:          []CartLine{{ProductID: 5, Quantity: 1}},
		IdempotencyKey: "client-key-1",
	}
	if _, err := h.checkout.CreateSession(context.Background(), cmd); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(captured.ShippingCountries) != 1 || captured.ShippingCountries[0] != "US" {
		t.Fatalf("expected default shipping countries, got %v", captured.ShippingCountries)
	}
	if _, ok := captured.Metadata[metadataShipping]; ok {
		t.Fatalf("expected no shipping metadata")
	}
	if captured.IdempotencyKey != "client-key-1" || captured.Locale != "auto" {
		t.Fatalf("unexpected key/locale %q %q", captured.IdempotencyKey, captured.Locale)
	}
}

func TestCheckoutServiceCreateSessionFailures(t *testing.T) {
	h := newCheckoutHarness(t)

	if _, err := h.checkout.CreateSession(context.Background(), CreateSessionCommand{Items: []CartLine{{ProductID: 1, Quantity: 1}}}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := h.checkout.CreateSession(context.Background(), CreateSessionCommand{
		Identity: &Caller{UserID: 7, Email: "ada@example.com"},
		Items:    []CartLine{{ProductID: 1, Quantity: 9}},
	}); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if h.provider.createCalls != 0 {
		t.Fatalf("provider must not be called for invalid carts")
	}

	h.provider.createFn = func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		return payments.CheckoutSession{}, errors.New("stripe: rate limited")
	}
	_, err := h.checkout.CreateSession(context.Background(), CreateSessionCommand{
		Identity: &Caller{UserID: 7, Email: "ada@example.com"},
		Items:    []CartLine{{ProductID: 1, Quantity: 1}},
	})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !h.logs.has("checkout.session.failed") {
		t.Fatalf("expected provider failure logged")
	}
}

func TestEncodeCheckoutMetadataRejectsOversizedCart(t *testing.T) {
	items := make([]OrderItem, 0, 60)
	for i := range 60 {
		items = append(items, OrderItem{ProductID: int64(1000 + i), Quantity: 1})
	}
	_, err := encodeCheckoutMetadata(OrderDraft{Email: "ada@example.com", Items: items}, nil)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCheckoutIdempotencyKeyIsStable(t *testing.T) {
	metadata := map[string]string{metadataUserID: "7", metadataCart: `[{"p":1,"q":1}]`}
	first := checkoutIdempotencyKey("", metadata)
	if first != checkoutIdempotencyKey(" ", metadata) {
		t.Fatalf("expected stable derived key")
	}
	metadata[metadataCart] = `[{"p":1,"q":2}]`
	if first == checkoutIdempotencyKey("", metadata) {
		t.Fatalf("expected key to change with cart")
	}
}

func TestCheckoutServiceRetryFulfillment(t *testing.T) {
	address := testAddress()

	t.Run("terminal failures are dropped", func(t *testing.T) {
		h := newCheckoutHarness(t)
		err := h.checkout.RetryFulfillment(context.Background(), FulfillmentFailure{SessionID: "cs_1", Retryable: false, Reason: "insufficient stock"})
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if h.provider.retrieveCalls != 0 || !h.logs.has("checkout.fulfillment.dropped") {
			t.Fatalf("expected drop without provider lookup")
		}
	})

	t.Run("missing session id", func(t *testing.T) {
		h := newCheckoutHarness(t)
		if err := h.checkout.RetryFulfillment(context.Background(), FulfillmentFailure{Retryable: true}); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("provider errors are redelivered", func(t *testing.T) {
		h := newCheckoutHarness(t)
		h.provider.retrieveFn = func(context.Context, string) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, errors.New("stripe: timeout")
		}
		if err := h.checkout.RetryFulfillment(context.Background(), FulfillmentFailure{SessionID: "cs_1", Retryable: true}); err == nil {
			t.Fatalf("expected error for redelivery")
		}
	})

	t.Run("recovers paid session", func(t *testing.T) {
		h := newCheckoutHarness(t)
		h.provider.retrieveFn = func(_ context.Context, id string) (payments.CheckoutSession, error) {
			return paidSession(t, id, []CartLine{{ProductID: 2, Quantity: 1}}, &address), nil
		}
		failure := FulfillmentFailure{EventID: "evt_1", SessionID: "cs_retry", Retryable: true, Attempt: 2}
		if err := h.checkout.RetryFulfillment(context.Background(), failure); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if !h.logs.has("checkout.fulfillment.recovered") || h.stock(t, 2) != 9 {
			t.Fatalf("expected recovered order")
		}
		// A second attempt finds the session already fulfilled.
		if err := h.checkout.RetryFulfillment(context.Background(), failure); err != nil {
			t.Fatalf("duplicate retry: %v", err)
		}
		if !h.logs.has("checkout.fulfillment.duplicate") || h.stock(t, 2) != 9 {
			t.Fatalf("expected duplicate to be a no-op")
		}
	})

	t.Run("unpaid session is dropped", func(t *testing.T) {
		h := newCheckoutHarness(t)
		h.provider.retrieveFn = func(_ context.Context, id string) (payments.CheckoutSession, error) {
			session := paidSession(t, id, []CartLine{{ProductID: 2, Quantity: 1}}, &address)
			session.PaymentStatus = "unpaid"
			return session, nil
		}
		if err := h.checkout.RetryFulfillment(context.Background(), FulfillmentFailure{SessionID: "cs_unpaid", Retryable: true}); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if h.stock(t, 2) != 10 {
			t.Fatalf("expected no order for unpaid session")
		}
	})

	t.Run("business errors stop retries", func(t *testing.T) {
		h := newCheckoutHarness(t)
		h.provider.retrieveFn = func(_ context.Context, id string) (payments.CheckoutSession, error) {
			return paidSession(t, id, []CartLine{{ProductID: 4, Quantity: 1}}, &address), nil
		}
		if err := h.checkout.RetryFulfillment(context.Background(), FulfillmentFailure{SessionID: "cs_inactive", Retryable: true}); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})
}

func TestNormalizeLocale(t *testing.T) {
	svc := &checkoutService{defaultLocale: "de"}
	cases := map[string]string{
		"":      "de",
		"auto":  "auto",
		"fr-CA": "fr",
		"pt-BR": "pt-BR",
		"ja":    "ja",
		"%%":    "auto",

		"ja-JP,en;q=0.5": "ja",
	}
	for input, want := range cases {
		if got := svc.normalizeLocale(input); got != want {
			t.Fatalf("normalizeLocale(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error when dependencies missing")
	}
}

type builderFunc func(context.Context, BuildRequest) (OrderDraft, error)

func (f builderFunc) Build(ctx context.Context, req BuildRequest) (OrderDraft, error) {
	return f(ctx, req)
}

// failingCommit runs fn inside the store transaction and then fails, discarding its writes.
type failingCommit struct {
	store repositories.UnitOfWork
}

func (f failingCommit) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return f.store.RunInTx(ctx, func(txCtx context.Context) error {
		if err := fn(txCtx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}
