package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventItemsChanged  = "order.items.changed"
	orderEventDeleted       = "order.deleted"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "itm_"

	defaultOrderNumberPrefix = "ORD"
	eventPublishTimeout      = 5 * time.Second
)

var tracer = otel.Tracer("github.com/storefront-labs/orders-api/internal/services")

// orderStateTransitions moves an order one step forward at a time. Cancelling is possible until the order
// ships, since it puts reserved stock back; a shipped order can only be delivered or refunded.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusRefunded},
}

var paymentStateTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending: {
		domain.PaymentStatusPaid, domain.PaymentStatusFailed, domain.PaymentStatusRefunded, domain.PaymentStatusCancelled,
	},
	domain.PaymentStatusPaid: {
		domain.PaymentStatusFailed, domain.PaymentStatusRefunded, domain.PaymentStatusCancelled,
	},
}

var lockedStatuses = []domain.OrderStatus{
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
	domain.OrderStatusRefunded,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber"`
	UserID         *int64         `json:"userId,omitempty"`
	Email          string         `json:"email,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Products    repositories.ProductRepository
	Users       repositories.UserRepository
	Orders      repositories.OrderRepository
	Ledger      InventoryLedger
	Pricing     *PricingCalculator
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	// NumberGenerator returns an order number for the creation instant. Defaults to
	// PREFIX-<yyyymmddHHMMSS>-<6 random digits>.
	NumberGenerator func(now time.Time) string
	NumberPrefix    string
	Events          OrderEventPublisher
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	products   repositories.ProductRepository
	users      repositories.UserRepository
	orders     repositories.OrderRepository
	ledger     InventoryLedger
	pricing    *PricingCalculator
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	newNumber  func(time.Time) string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("order service: user repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: inventory ledger is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	pricing := deps.Pricing
	if pricing == nil {
		pricing = NewPricingCalculator(DefaultPricingPolicy())
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	numberGen := deps.NumberGenerator
	if numberGen == nil {
		prefix := strings.TrimSpace(deps.NumberPrefix)
		if prefix == "" {
			prefix = defaultOrderNumberPrefix
		}
		numberGen = func(now time.Time) string {
			return formatOrderNumber(prefix, now, randomDigits(6))
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		products:   deps.Products,
		users:      deps.Users,
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		pricing:    pricing,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		newNumber: numberGen,
		events:    deps.Events,
		logger:    logger,
	}, nil
}

// Create persists the draft with all of its items and reserves their stock in one transaction.
func (s *orderService) Create(ctx context.Context, draft OrderDraft, opts CreateOrderOptions) (order Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Create")
	defer func() { endSpan(span, err) }()

	if len(draft.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrInvalidRequest)
	}

	now := s.now()
	order = Order{
		ID:                   s.nextOrderID(),
		UserID:               draft.UserID,
		Email:                draft.Email,
		Phone:                draft.Phone,
		Status:               opts.Status,
		PaymentStatus:        opts.PaymentStatus,
		Totals:               draft.Totals,
		ShippingAddress:      draft.ShippingAddress,
		BillingAddress:       draft.BillingAddress,
		PaymentMethod:        opts.PaymentMethod,
		PaymentTransactionID: opts.PaymentTransactionID,
		CheckoutSessionID:    opts.CheckoutSessionID,
		ShippingMethod:       draft.ShippingMethod,
		Notes:                draft.Notes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = domain.PaymentStatusPending
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		order.PaidAt = valuePtr(now)
	}

	order.Items = make([]OrderItem, 0, len(draft.Items))
	for i, item := range draft.Items {
		item.ID = s.nextItemID()
		item.OrderID = order.ID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		order.Items = append(order.Items, item)
	}

	insert := func() error {
		return s.runInTx(ctx, func(txCtx context.Context) error {
			order.OrderNumber = s.newNumber(now)
			if err := s.orders.Insert(txCtx, order); err != nil {
				return err
			}
			for _, item := range order.Items {
				if err := s.ledger.Reserve(txCtx, StockRequest{
					ProductID: item.ProductID,
					VariantID: item.VariantID,
					Quantity:  item.Quantity,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err = insert()
	if errors.Is(err, repositories.ErrOrderNumberTaken) {
		s.logger(ctx, "order.number.collision", map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		})
		err = insert()
	}
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.number", order.OrderNumber))
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Email:         order.Email,
		CurrentStatus: string(order.Status),
		ActorID:       opts.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":         domain.FormatMoney(order.Totals.Total),
			"itemCount":     len(order.Items),
			"paymentStatus": string(order.PaymentStatus),
		},
	})
	return order, nil
}

// Get returns the order with items and, when it has an owner, the owner's summary.
func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if order.UserID != nil {
		user, err := s.users.FindByID(ctx, *order.UserID)
		switch {
		case err == nil:
			order.User = &user
		case repositories.IsNotFound(err):
		default:
			return Order{}, mapRepositoryError(err, ErrUserNotFound)
		}
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context) ([]Order, error) {
	orders, err := s.orders.List(ctx)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return orders, nil
}

func (s *orderService) ListByUser(ctx context.Context, userID int64) ([]Order, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		return nil, mapRepositoryError(err, ErrUserNotFound)
	}
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return orders, nil
}

// UpdateStatus applies header changes. Cancelling an order returns its stock within the same transaction.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderCommand) (result Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.UpdateStatus", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	targetStatus, targetPayment, err := parseStatusUpdate(cmd)
	if err != nil {
		return Order{}, err
	}
	if cmd.ShippingAddress != nil {
		if missing := cmd.ShippingAddress.MissingFields(); len(missing) > 0 {
			return Order{}, fmt.Errorf("%w: shipping address missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
		}
	}
	if cmd.BillingAddress != nil {
		if missing := cmd.BillingAddress.MissingFields(); len(missing) > 0 {
			return Order{}, fmt.Errorf("%w: billing address missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
		}
	}

	var previous domain.OrderStatus
	now := s.now()
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		previous = order.Status

		if targetStatus != nil {
			firstCancel := *targetStatus == domain.OrderStatusCancelled && order.CancelledAt == nil
			if err := applyStatusTransition(&order, *targetStatus, now); err != nil {
				return err
			}
			if firstCancel && previous != domain.OrderStatusCancelled {
				for _, item := range order.Items {
					if err := s.ledger.Release(txCtx, StockRequest{
						ProductID: item.ProductID,
						VariantID: item.VariantID,
						Quantity:  item.Quantity,
					}); err != nil {
						return err
					}
				}
			}
		}
		if targetPayment != nil {
			if err := applyPaymentTransition(&order, *targetPayment, now); err != nil {
				return err
			}
		}
		if cmd.TrackingNumber != nil {
			order.TrackingNumber = strings.TrimSpace(*cmd.TrackingNumber)
		}
		if cmd.ShippingMethod != nil {
			order.ShippingMethod = strings.TrimSpace(*cmd.ShippingMethod)
		}
		if cmd.ShippingAddress != nil {
			order.ShippingAddress = sanitizeAddress(*cmd.ShippingAddress)
		}
		if cmd.BillingAddress != nil {
			billing := sanitizeAddress(*cmd.BillingAddress)
			order.BillingAddress = &billing
		}
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		result = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if result.Status != previous {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        result.ID,
			OrderNumber:    result.OrderNumber,
			UserID:         result.UserID,
			Email:          result.Email,
			PreviousStatus: string(previous),
			CurrentStatus:  string(result.Status),
			ActorID:        cmd.ActorID,
			OccurredAt:     now,
		})
	}
	return result, nil
}

// AddItem appends a new line to an unlocked order, reserving its stock and recomputing totals.
func (s *orderService) AddItem(ctx context.Context, cmd AddItemCommand) (added OrderItem, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.AddItem", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	switch {
	case orderID == "":
		return OrderItem{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	case cmd.ProductID <= 0:
		return OrderItem{}, fmt.Errorf("%w: product id is required", ErrInvalidRequest)
	case cmd.Quantity < 1:
		return OrderItem{}, fmt.Errorf("%w: quantity must be at least 1", ErrInvalidRequest)
	case cmd.Quantity > maxLineQuantity:
		return OrderItem{}, fmt.Errorf("%w: quantity exceeds %d", ErrInvalidRequest, maxLineQuantity)
	}

	var order Order
	now := s.now()
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if isLocked(order.Status) {
			return &OrderError{Kind: ErrOrderLocked, Status: order.Status}
		}
		for _, existing := range order.Items {
			if existing.SameLine(cmd.ProductID, cmd.VariantID) {
				return &OrderError{Kind: ErrDuplicateItem, ProductID: existing.ProductID, Product: existing.ProductName}
			}
		}

		item, err := resolveLine(txCtx, s.products, CartLine{
			ProductID: cmd.ProductID,
			VariantID: cmd.VariantID,
			Quantity:  cmd.Quantity,
		})
		if err != nil {
			return err
		}
		if err := s.ledger.Reserve(txCtx, StockRequest{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		}); err != nil {
			return err
		}

		item.ID = s.nextItemID()
		item.OrderID = order.ID
		item.LineTotal = s.pricing.LineTotal(item.UnitPrice, item.Quantity)
		item.CreatedAt = now
		if err := s.orders.InsertItem(txCtx, item); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}

		order.Items = append(order.Items, item)
		order.Totals = s.pricing.Reprice(order.Items)
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		added = item
		return nil
	})
	if err != nil {
		return OrderItem{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventItemsChanged,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"added": added.ID,
			"total": domain.FormatMoney(order.Totals.Total),
		},
	})
	return added, nil
}

// RemoveItem deletes a line from an unlocked order, releasing its stock and recomputing totals.
func (s *orderService) RemoveItem(ctx context.Context, orderID string, itemID string) (removed OrderItem, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.RemoveItem", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	orderID = strings.TrimSpace(orderID)
	itemID = strings.TrimSpace(itemID)
	if orderID == "" || itemID == "" {
		return OrderItem{}, fmt.Errorf("%w: order id and item id are required", ErrInvalidRequest)
	}

	var order Order
	now := s.now()
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		index := slices.IndexFunc(order.Items, func(item OrderItem) bool { return item.ID == itemID })
		if index < 0 {
			return fmt.Errorf("%w: %s", ErrOrderItemNotFound, itemID)
		}
		if isLocked(order.Status) {
			return &OrderError{Kind: ErrOrderLocked, Status: order.Status}
		}
		if len(order.Items) == 1 {
			return fmt.Errorf("%w: cannot remove the last item; delete the order instead", ErrInvalidRequest)
		}

		removed = order.Items[index]
		if err := s.orders.DeleteItem(txCtx, orderID, itemID); err != nil {
			return mapRepositoryError(err, ErrOrderItemNotFound)
		}
		if err := s.ledger.Release(txCtx, StockRequest{
			ProductID: removed.ProductID,
			VariantID: removed.VariantID,
			Quantity:  removed.Quantity,
		}); err != nil {
			return err
		}

		order.Items = slices.Delete(order.Items, index, index+1)
		order.Totals = s.pricing.Reprice(order.Items)
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		return nil
	})
	if err != nil {
		return OrderItem{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventItemsChanged,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
		Metadata: map[string]any{
			"removed": removed.ID,
			"total":   domain.FormatMoney(order.Totals.Total),
		},
	})
	return removed, nil
}

// Delete removes the order and its items together. Reserved stock is not returned.
func (s *orderService) Delete(ctx context.Context, orderID string) (err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Delete", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	var order Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if err := s.orders.Delete(txCtx, orderID); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventDeleted,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(order.Status),
		OccurredAt:     s.now(),
	})
	return nil
}

func parseStatusUpdate(cmd UpdateOrderCommand) (*domain.OrderStatus, *domain.PaymentStatus, error) {
	var (
		status  *domain.OrderStatus
		payment *domain.PaymentStatus
	)
	if cmd.Status != nil {
		value, ok := parseOrderStatus(*cmd.Status)
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, *cmd.Status)
		}
		status = &value
	}
	if cmd.PaymentStatus != nil {
		value, ok := parsePaymentStatus(*cmd.PaymentStatus)
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidRequest, *cmd.PaymentStatus)
		}
		payment = &value
	}
	return status, payment, nil
}

func parseOrderStatus(raw string) (domain.OrderStatus, bool) {
	value := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded:
		return value, true
	}
	return "", false
}

func parsePaymentStatus(raw string) (domain.PaymentStatus, bool) {
	value := domain.PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case domain.PaymentStatusPending, domain.PaymentStatusPaid, domain.PaymentStatusFailed,
		domain.PaymentStatusRefunded, domain.PaymentStatusCancelled:
		return value, true
	}
	return "", false
}

func applyStatusTransition(order *Order, target domain.OrderStatus, now time.Time) error {
	if order.Status == target {
		return nil
	}
	if !canTransition(orderStateTransitions, order.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
	}
	order.Status = target
	switch target {
	case domain.OrderStatusShipped:
		if order.ShippedAt == nil {
			order.ShippedAt = valuePtr(now)
		}
	case domain.OrderStatusDelivered:
		if order.DeliveredAt == nil {
			order.DeliveredAt = valuePtr(now)
		}
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = valuePtr(now)
		}
	}
	return nil
}

func applyPaymentTransition(order *Order, target domain.PaymentStatus, now time.Time) error {
	if order.PaymentStatus == target {
		return nil
	}
	if !canTransition(paymentStateTransitions, order.PaymentStatus, target) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, order.PaymentStatus, target)
	}
	order.PaymentStatus = target
	if target == domain.PaymentStatusPaid && order.PaidAt == nil {
		order.PaidAt = valuePtr(now)
	}
	return nil
}

func isLocked(status domain.OrderStatus) bool {
	return slices.Contains(lockedStatuses, status)
}

func formatOrderNumber(prefix string, now time.Time, digits string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102150405"), digits)
}

func randomDigits(n int) string {
	limit := big.NewInt(10)
	var b strings.Builder
	b.Grow(n)
	for range n {
		digit, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand only fails when the OS source is broken; fall back to the clock.
			digit = big.NewInt(time.Now().UnixNano() % 10)
		}
		b.WriteByte(byte('0' + digit.Int64()))
	}
	return b.String()
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) nextItemID() string {
	return orderItemIDPrefix + s.newID()
}

// publishEvent runs after commit on a detached context; failures are logged only. Events raised inside a
// caller-owned transaction are queued until that caller flushes them.
func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if queue := deferredEventsFrom(ctx); queue != nil {
		queue.add(func(ctx context.Context) { s.publishNow(ctx, event) })
		return
	}
	s.publishNow(ctx, event)
}

func (s *orderService) publishNow(ctx context.Context, event OrderEvent) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := s.events.PublishOrderEvent(publishCtx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type deferredEventsKey struct{}

// deferredEvents collects post-commit side effects raised while an outer transaction is open.
type deferredEvents struct {
	mu      sync.Mutex
	pending []func(context.Context)
}

func withDeferredEvents(ctx context.Context) (context.Context, *deferredEvents) {
	queue := &deferredEvents{}
	return context.WithValue(ctx, deferredEventsKey{}, queue), queue
}

func deferredEventsFrom(ctx context.Context) *deferredEvents {
	queue, _ := ctx.Value(deferredEventsKey{}).(*deferredEvents)
	return queue
}

func (d *deferredEvents) add(fn func(context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, fn)
}

func (d *deferredEvents) flush(ctx context.Context) {
	if d == nil {
		return
	}
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, fn := range pending {
		fn(ctx)
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func valuePtr[T any](v T) *T {
	return &v
}

func canTransition[S comparable](transitions map[S][]S, current, target S) bool {
	if current == target {
		return true
	}
	next, ok := transitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
