package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/payments"
	"github.com/storefront-labs/orders-api/internal/platform/textutil"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const (
	paymentMethodStripe = "stripe"

	metadataUserID   = "userId"
	metadataEmail    = "email"
	metadataCart     = "cart"
	metadataShipping = "shipping"

	// maxMetadataValue is the provider limit for a single metadata value.
	maxMetadataValue = 500

	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// checkoutLocales lists the hosted checkout locales offered to customers.
var checkoutLocales = []language.Tag{
	language.English,
	language.French,
	language.German,
	language.Spanish,
	language.Italian,
	language.Japanese,
	language.Dutch,
	language.Portuguese,
	language.BrazilianPortuguese,
	language.Korean,
	language.SimplifiedChinese,
	language.Swedish,
	language.Danish,
	language.Finnish,
	language.Polish,
}

var checkoutLocaleMatcher = language.NewMatcher(checkoutLocales)

// FulfillmentFailurePublisher queues webhook fulfillments that could not complete.
type FulfillmentFailurePublisher interface {
	PublishFulfillmentFailure(ctx context.Context, failure FulfillmentFailure) error
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Builder    OrderBuilder
	Orders     OrderService
	UnitOfWork repositories.UnitOfWork
	Payments   payments.Provider
	Failures   FulfillmentFailurePublisher

	Currency      string
	SuccessURL    string
	CancelURL     string
	DefaultLocale string
	// ShippingCountries are offered for address collection when a session starts without an address.
	ShippingCountries []string

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	builder    OrderBuilder
	orders     OrderService
	unitOfWork repositories.UnitOfWork
	payments   payments.Provider
	failures   FulfillmentFailurePublisher

	currency          string
	successURL        string
	cancelURL         string
	defaultLocale     string
	shippingCountries []string

	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Builder == nil {
		return nil, errors.New("checkout service: order builder is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment provider is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	countries := deps.ShippingCountries
	if len(countries) == 0 {
		countries = []string{"US"}
	}

	return &checkoutService{
		builder:           deps.Builder,
		orders:            deps.Orders,
		unitOfWork:        unit,
		payments:          deps.Payments,
		failures:          deps.Failures,
		currency:          strings.ToLower(strings.TrimSpace(deps.Currency)),
		successURL:        strings.TrimSpace(deps.SuccessURL),
		cancelURL:         strings.TrimSpace(deps.CancelURL),
		defaultLocale:     strings.TrimSpace(deps.DefaultLocale),
		shippingCountries: countries,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// PlaceOrder builds and persists an order directly from the caller's cart.
func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	if cmd.Identity == nil {
		return Order{}, ErrUnauthenticated
	}
	email := strings.TrimSpace(cmd.Email)
	if email == "" {
		email = cmd.Identity.Email
	}

	return s.createOrder(ctx, BuildRequest{
		UserID:          callerUserID(cmd.Identity),
		Email:           email,
		Phone:           cmd.Phone,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		ShippingMethod:  cmd.ShippingMethod,
		Notes:           cmd.Notes,
		Items:           cmd.Items,
	}, CreateOrderOptions{
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		ActorID:       actorID(cmd.Identity),
	})
}

// CreateSession validates the cart and starts a hosted checkout session carrying the cart in its metadata.
func (s *checkoutService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (CheckoutSessionResult, error) {
	if cmd.Identity == nil {
		return CheckoutSessionResult{}, ErrUnauthenticated
	}
	successURL := firstNonEmpty(cmd.SuccessURL, s.successURL)
	cancelURL := firstNonEmpty(cmd.CancelURL, s.cancelURL)
	if successURL == "" || cancelURL == "" {
		return CheckoutSessionResult{}, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidRequest)
	}

	email := firstNonEmpty(cmd.Email, cmd.Identity.Email)
	req := BuildRequest{
		UserID:        callerUserID(cmd.Identity),
		Email:         email,
		Items:         cmd.Items,
		DeferShipping: cmd.ShippingAddress == nil,
	}
	if cmd.ShippingAddress != nil {
		req.ShippingAddress = *cmd.ShippingAddress
	}
	draft, err := s.builder.Build(ctx, req)
	if err != nil {
		return CheckoutSessionResult{}, err
	}

	metadata, err := encodeCheckoutMetadata(draft, cmd.ShippingAddress)
	if err != nil {
		return CheckoutSessionResult{}, err
	}

	lineItems := make([]payments.CheckoutLineItem, 0, len(draft.Items))
	for _, item := range draft.Items {
		name := item.ProductName
		if item.VariantName != "" {
			name += " (" + item.VariantName + ")"
		}
		lineItems = append(lineItems, payments.CheckoutLineItem{
			Name:       name,
			SKU:        item.SKU,
			Quantity:   int64(item.Quantity),
			UnitAmount: domain.MinorUnits(item.UnitPrice),
		})
	}

	sessionReq := payments.CheckoutSessionRequest{
		Currency:       s.currency,
		CustomerEmail:  draft.Email,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		Locale:         s.normalizeLocale(cmd.Locale),
		Metadata:       metadata,
		IdempotencyKey: checkoutIdempotencyKey(cmd.IdempotencyKey, metadata),
		Items:          lineItems,
		ShippingAmount: domain.MinorUnits(draft.Totals.Shipping),
		TaxAmount:      domain.MinorUnits(draft.Totals.Tax),
	}
	if cmd.ShippingAddress == nil {
		sessionReq.ShippingCountries = s.shippingCountries
	}

	session, err := s.payments.CreateCheckoutSession(ctx, sessionReq)
	if err != nil {
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"userId": cmd.Identity.UserID,
			"error":  err.Error(),
		})
		return CheckoutSessionResult{}, fmt.Errorf("checkout: create session: %w", err)
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"sessionId": session.ID,
		"userId":    cmd.Identity.UserID,
		"total":     domain.FormatMoney(draft.Totals.Total),
	})
	return CheckoutSessionResult{SessionID: session.ID, URL: session.URL}, nil
}

// HandleWebhook verifies and processes a provider event. Only signature failures are returned to the caller;
// fulfillment failures are queued for retry and acknowledged.
func (s *checkoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.payments.ConstructEvent(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			s.logger(ctx, "checkout.webhook.signature_invalid", map[string]any{"error": err.Error()})
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return fmt.Errorf("checkout: construct webhook event: %w", err)
	}

	switch event.Type {
	case payments.EventCheckoutSessionCompleted, eventAsyncPaymentSucceeded:
	default:
		s.logger(ctx, "checkout.webhook.ignored", map[string]any{"eventId": event.ID, "type": event.Type})
		return nil
	}
	if event.Session == nil {
		s.logger(ctx, "checkout.webhook.ignored", map[string]any{"eventId": event.ID, "type": event.Type, "reason": "missing session"})
		return nil
	}
	if !event.Session.Paid() {
		s.logger(ctx, "checkout.webhook.awaiting_payment", map[string]any{
			"eventId":       event.ID,
			"sessionId":     event.Session.ID,
			"paymentStatus": event.Session.PaymentStatus,
		})
		return nil
	}

	order, err := s.fulfill(ctx, *event.Session)
	switch {
	case err == nil:
		s.logger(ctx, "checkout.fulfilled", map[string]any{
			"eventId":     event.ID,
			"sessionId":   event.Session.ID,
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		})
	case errors.Is(err, repositories.ErrCheckoutSessionProcessed):
		s.logger(ctx, "checkout.fulfillment.duplicate", map[string]any{
			"eventId":   event.ID,
			"sessionId": event.Session.ID,
		})
	default:
		s.reportFailure(ctx, FulfillmentFailure{
			EventID:    event.ID,
			SessionID:  event.Session.ID,
			Reason:     err.Error(),
			Retryable:  !isBusinessError(err),
			Attempt:    1,
			OccurredAt: s.now().Format(time.RFC3339Nano),
		})
	}
	return nil
}

// RetryFulfillment re-runs fulfillment for a queued failure. Returning an error asks the queue to redeliver.
func (s *checkoutService) RetryFulfillment(ctx context.Context, failure FulfillmentFailure) error {
	sessionID := strings.TrimSpace(failure.SessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	fields := map[string]any{
		"eventId":   failure.EventID,
		"sessionId": sessionID,
		"attempt":   failure.Attempt,
	}
	if !failure.Retryable {
		fields["reason"] = failure.Reason
		s.logger(ctx, "checkout.fulfillment.dropped", fields)
		return nil
	}

	session, err := s.payments.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("checkout: retrieve session %s: %w", sessionID, err)
	}
	if !session.Paid() {
		fields["paymentStatus"] = session.PaymentStatus
		s.logger(ctx, "checkout.fulfillment.dropped", fields)
		return nil
	}

	order, err := s.fulfill(ctx, session)
	switch {
	case err == nil:
		fields["orderId"] = order.ID
		s.logger(ctx, "checkout.fulfillment.recovered", fields)
		return nil
	case errors.Is(err, repositories.ErrCheckoutSessionProcessed):
		s.logger(ctx, "checkout.fulfillment.duplicate", fields)
		return nil
	case isBusinessError(err):
		fields["error"] = err.Error()
		s.logger(ctx, "checkout.fulfillment.dropped", fields)
		return nil
	}
	return err
}

// fulfill rebuilds the cart stored on a paid session at current prices and persists the confirmed order.
func (s *checkoutService) fulfill(ctx context.Context, session payments.CheckoutSession) (Order, error) {
	req, err := decodeCheckoutMetadata(session)
	if err != nil {
		return Order{}, err
	}
	return s.createOrder(ctx, req, CreateOrderOptions{
		Status:               domain.OrderStatusConfirmed,
		PaymentStatus:        domain.PaymentStatusPaid,
		PaymentMethod:        paymentMethodStripe,
		PaymentTransactionID: session.PaymentIntentID,
		CheckoutSessionID:    session.ID,
		ActorID:              "checkout:" + session.ID,
	})
}

// createOrder runs the builder and order creation in one transaction and publishes order events after commit.
func (s *checkoutService) createOrder(ctx context.Context, req BuildRequest, opts CreateOrderOptions) (Order, error) {
	var (
		order Order
		queue *deferredEvents
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		txCtx, queue = withDeferredEvents(txCtx)
		draft, err := s.builder.Build(txCtx, req)
		if err != nil {
			return err
		}
		order, err = s.orders.Create(txCtx, draft, opts)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	queue.flush(ctx)
	return order, nil
}

func (s *checkoutService) reportFailure(ctx context.Context, failure FulfillmentFailure) {
	s.logger(ctx, "checkout.fulfillment.failed", map[string]any{
		"severity":  "ERROR",
		"eventId":   failure.EventID,
		"sessionId": failure.SessionID,
		"retryable": failure.Retryable,
		"error":     failure.Reason,
	})
	if s.failures == nil {
		return
	}
	if err := s.failures.PublishFulfillmentFailure(context.WithoutCancel(ctx), failure); err != nil {
		s.logger(ctx, "checkout.fulfillment.enqueue_failed", map[string]any{
			"severity":  "ERROR",
			"sessionId": failure.SessionID,
			"error":     err.Error(),
		})
	}
}

func (s *checkoutService) normalizeLocale(raw string) string {
	raw = firstNonEmpty(raw, s.defaultLocale)
	if raw == "" || strings.EqualFold(raw, "auto") {
		return "auto"
	}
	// accepts a single tag or an Accept-Language header value
	tags, _, err := language.ParseAcceptLanguage(raw)
	if err != nil || len(tags) == 0 {
		return "auto"
	}
	_, index, confidence := checkoutLocaleMatcher.Match(tags...)
	if confidence == language.No {
		return "auto"
	}
	return checkoutLocales[index].String()
}

// shippingMetadata keeps keys short so the address fits the provider metadata limit.
type shippingMetadata struct {
	FirstName  string `json:"fn"`
	LastName   string `json:"ln"`
	Company    string `json:"co,omitempty"`
	Line1      string `json:"l1"`
	Line2      string `json:"l2,omitempty"`
	City       string `json:"c"`
	State      string `json:"s"`
	PostalCode string `json:"z"`
	Country    string `json:"cc"`
	Phone      string `json:"ph,omitempty"`
}

func encodeCheckoutMetadata(draft OrderDraft, shipping *Address) (map[string]string, error) {
	lines := make([]CartLine, 0, len(draft.Items))
	for _, item := range draft.Items {
		lines = append(lines, CartLine{ProductID: item.ProductID, VariantID: item.VariantID, Quantity: item.Quantity})
	}
	cart, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("checkout: encode cart metadata: %w", err)
	}

	metadata := map[string]string{
		metadataCart:  string(cart),
		metadataEmail: draft.Email,
	}
	if draft.UserID != nil {
		metadata[metadataUserID] = strconv.FormatInt(*draft.UserID, 10)
	}
	if shipping != nil {
		addr := sanitizeAddress(*shipping)
		encoded, err := json.Marshal(shippingMetadata{
			FirstName:  addr.FirstName,
			LastName:   addr.LastName,
			Company:    addr.Company,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
			Phone:      addr.Phone,
		})
		if err != nil {
			return nil, fmt.Errorf("checkout: encode shipping metadata: %w", err)
		}
		metadata[metadataShipping] = string(encoded)
	}

	for key, value := range metadata {
		if len(value) > maxMetadataValue {
			return nil, fmt.Errorf("%w: %s exceeds %d characters for checkout", ErrInvalidRequest, key, maxMetadataValue)
		}
	}
	return metadata, nil
}

func decodeCheckoutMetadata(session payments.CheckoutSession) (BuildRequest, error) {
	metadata := textutil.TrimMetadata(session.Metadata)
	req := BuildRequest{
		Email: firstNonEmpty(metadata[metadataEmail], session.CustomerEmail),
	}

	if raw := strings.TrimSpace(metadata[metadataUserID]); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return BuildRequest{}, fmt.Errorf("%w: session %s has invalid user id %q", ErrInvalidRequest, session.ID, raw)
		}
		req.UserID = &userID
	}

	rawCart := strings.TrimSpace(metadata[metadataCart])
	if rawCart == "" {
		return BuildRequest{}, fmt.Errorf("%w: session %s has no cart", ErrInvalidRequest, session.ID)
	}
	if err := json.Unmarshal([]byte(rawCart), &req.Items); err != nil {
		return BuildRequest{}, fmt.Errorf("%w: session %s cart is malformed: %v", ErrInvalidRequest, session.ID, err)
	}

	if raw := strings.TrimSpace(metadata[metadataShipping]); raw != "" {
		var shipping shippingMetadata
		if err := json.Unmarshal([]byte(raw), &shipping); err != nil {
			return BuildRequest{}, fmt.Errorf("%w: session %s shipping is malformed: %v", ErrInvalidRequest, session.ID, err)
		}
		req.ShippingAddress = Address{
			FirstName:  shipping.FirstName,
			LastName:   shipping.LastName,
			Company:    shipping.Company,
			Line1:      shipping.Line1,
			Line2:      shipping.Line2,
			City:       shipping.City,
			State:      shipping.State,
			PostalCode: shipping.PostalCode,
			Country:    shipping.Country,
			Phone:      shipping.Phone,
		}
	} else if session.Shipping != nil {
		req.ShippingAddress = addressFromShipping(*session.Shipping)
		req.Phone = session.Shipping.Phone
	}
	return req, nil
}

// addressFromShipping splits the collected full name; a single-word name fills both name fields.
func addressFromShipping(details payments.ShippingDetails) Address {
	first, last := details.Name, details.Name
	if fields := strings.Fields(details.Name); len(fields) > 1 {
		first = fields[0]
		last = strings.Join(fields[1:], " ")
	}
	return Address{
		FirstName:  first,
		LastName:   last,
		Line1:      details.Line1,
		Line2:      details.Line2,
		City:       details.City,
		State:      details.State,
		PostalCode: details.PostalCode,
		Country:    details.Country,
		Phone:      details.Phone,
	}
}

func checkoutIdempotencyKey(explicit string, metadata map[string]string) string {
	if key := strings.TrimSpace(explicit); key != "" {
		return key
	}
	hash := sha256.New()
	for _, key := range []string{metadataUserID, metadataEmail, metadataCart, metadataShipping} {
		hash.Write([]byte(key))
		hash.Write([]byte{0})
		hash.Write([]byte(metadata[key]))
		hash.Write([]byte{0})
	}
	return "checkout_" + hex.EncodeToString(hash.Sum(nil))[:32]
}

// isBusinessError reports failures that will not succeed on retry.
func isBusinessError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		ErrProductNotFound,
		ErrInsufficientStock,
		ErrDuplicateItem,
		ErrUserNotFound,
		ErrInvalidTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func callerUserID(caller *Caller) *int64 {
	if caller == nil || caller.UserID <= 0 {
		return nil
	}
	return valuePtr(caller.UserID)
}

func actorID(caller *Caller) string {
	if caller == nil || caller.UserID <= 0 {
		return ""
	}
	return "user:" + strconv.FormatInt(caller.UserID, 10)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
