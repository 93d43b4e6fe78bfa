package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/platform/auth"
	"github.com/storefront-labs/orders-api/internal/platform/httpx"
	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
	"github.com/storefront-labs/orders-api/internal/services"
)

const maxOrderBodySize = 64 * 1024

// OrderHandlers serves the /orders endpoints. Customers see only their own orders; staff and admins see all.
type OrderHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderService
	checkout   services.CheckoutService
	idempotent func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency wraps order placement with the Idempotency-Key middleware. It runs after
// authentication so keys are scoped to the caller.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotent = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, checkout services.CheckoutService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		orders:   orders,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}

	place := http.Handler(http.HandlerFunc(h.placeOrder))
	if h.idempotent != nil {
		place = h.idempotent(place)
	}
	r.Method(http.MethodPost, "/", place)
	r.Get("/", h.listOrders)
	r.Get("/user/{userID}", h.listUserOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}", h.updateOrder)
	r.Delete("/{orderID}", h.deleteOrder)
	r.Post("/{orderID}/items", h.addItem)
	r.Delete("/{orderID}/items/{itemID}", h.removeItem)
}

type placeOrderRequest struct {
	Email           string            `json:"email"`
	Phone           string            `json:"phone"`
	ShippingAddress addressPayload    `json:"shippingAddress"`
	BillingAddress  *addressPayload   `json:"billingAddress"`
	ShippingMethod  string            `json:"shippingMethod"`
	Notes           string            `json:"notes"`
	Items           []cartLinePayload `json:"items"`
}

type updateOrderRequest struct {
	Status          *string         `json:"status"`
	PaymentStatus   *string         `json:"paymentStatus"`
	TrackingNumber  *string         `json:"trackingNumber"`
	ShippingMethod  *string         `json:"shippingMethod"`
	ShippingAddress *addressPayload `json:"shippingAddress"`
	BillingAddress  *addressPayload `json:"billingAddress"`
}

func (r updateOrderRequest) empty() bool {
	return r.Status == nil && r.PaymentStatus == nil && r.TrackingNumber == nil &&
		r.ShippingMethod == nil && r.ShippingAddress == nil && r.BillingAddress == nil
}

// staffOnly reports whether the request touches fields only operators may set. Customers may still cancel.
func (r updateOrderRequest) staffOnly() bool {
	if r.PaymentStatus != nil || r.TrackingNumber != nil {
		return true
	}
	return r.Status != nil && !strings.EqualFold(strings.TrimSpace(*r.Status), string(domain.OrderStatusCancelled))
}

type addItemRequest struct {
	ProductID int64  `json:"productId"`
	VariantID *int64 `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req placeOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.checkout.PlaceOrder(ctx, services.PlaceOrderCommand{
		Identity:        callerFromIdentity(identity),
		Email:           req.Email,
		Phone:           req.Phone,
		ShippingAddress: req.ShippingAddress.toDomain(),
		BillingAddress:  optionalAddress(req.BillingAddress),
		ShippingMethod:  req.ShippingMethod,
		Notes:           req.Notes,
		Items:           cartLines(req.Items),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.Annotate(ctx, "order_id", order.ID)
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var (
		orders []services.Order
		err    error
	)
	if identity.IsStaff() {
		orders, err = h.orders.List(ctx)
	} else {
		orders, err = h.orders.ListByUser(ctx, identity.UserID)
		if errors.Is(err, services.ErrUserNotFound) {
			orders, err = nil, nil
		}
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderList(w, orders)
}

func (h *OrderHandlers) listUserOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "userID")), 10, 64)
	if err != nil || userID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "user id must be a positive integer", http.StatusBadRequest))
		return
	}
	if userID != identity.UserID && !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("user_not_found", "user not found", http.StatusNotFound))
		return
	}

	orders, err := h.orders.ListByUser(ctx, userID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeOrderList(w, orders)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, _, ok := h.loadAccessibleOrder(ctx, w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, identity, ok := h.loadAccessibleOrder(ctx, w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if req.empty() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no updatable fields supplied", http.StatusBadRequest))
		return
	}
	if req.staffOnly() && !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "only staff may change these fields", http.StatusForbidden))
		return
	}

	updated, err := h.orders.UpdateStatus(ctx, services.UpdateOrderCommand{
		OrderID:         order.ID,
		Status:          req.Status,
		PaymentStatus:   req.PaymentStatus,
		TrackingNumber:  req.TrackingNumber,
		ShippingMethod:  req.ShippingMethod,
		ShippingAddress: optionalAddress(req.ShippingAddress),
		BillingAddress:  optionalAddress(req.BillingAddress),
		ActorID:         actorID(identity),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(updated)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, _, ok := h.loadAccessibleOrder(ctx, w, r)
	if !ok {
		return
	}
	if err := h.orders.Delete(ctx, order.ID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, identity, ok := h.loadAccessibleOrder(ctx, w, r)
	if !ok {
		return
	}

	var req addItemRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	item, err := h.orders.AddItem(ctx, services.AddItemCommand{
		OrderID:   order.ID,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		ActorID:   actorID(identity),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderItemResponse{Item: buildOrderItemPayload(item)})
}

func (h *OrderHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, _, ok := h.loadAccessibleOrder(ctx, w, r)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	item, err := h.orders.RemoveItem(ctx, order.ID, itemID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderItemResponse{Item: buildOrderItemPayload(item)})
}

// loadAccessibleOrder resolves the {orderID} path parameter and checks the caller owns the order or is
// staff. Outsiders get the same 404 as a missing order.
func (h *OrderHandlers) loadAccessibleOrder(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.Order, *auth.Identity, bool) {
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return services.Order{}, nil, false
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, nil, false
	}
	requestctx.Annotate(ctx, "order_id", orderID)

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Order{}, nil, false
	}
	if !canAccessOrder(identity, order) {
		writeServiceError(ctx, w, services.ErrForbidden)
		return services.Order{}, nil, false
	}
	return order, identity, true
}

func writeOrderList(w http.ResponseWriter, orders []services.Order) {
	resp := orderListResponse{Items: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.UserID <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func canAccessOrder(identity *auth.Identity, order services.Order) bool {
	if identity.IsStaff() {
		return true
	}
	return order.UserID != nil && *order.UserID == identity.UserID
}

func callerFromIdentity(identity *auth.Identity) *services.Caller {
	return &services.Caller{
		UserID: identity.UserID,
		Email:  identity.Email,
		Staff:  identity.IsStaff(),
	}
}

func actorID(identity *auth.Identity) string {
	return "user:" + strconv.FormatInt(identity.UserID, 10)
}
