package services

import (
	"context"

	"github.com/shopspring/decimal"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderTotals        = domain.OrderTotals
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	Product            = domain.Product
	ProductVariant     = domain.ProductVariant
	User               = domain.User
	Address            = domain.Address
	CartLine           = domain.CartLine
	SystemHealthReport = domain.SystemHealthReport
)

// InventoryLedger checks and moves stock for a single product or variant. Reserve and Release participate in
// the transaction carried by ctx and never commit on their own.
type InventoryLedger interface {
	Check(ctx context.Context, req StockRequest) (StockLevel, error)
	Reserve(ctx context.Context, req StockRequest) error
	Release(ctx context.Context, req StockRequest) error
}

// OrderBuilder validates a requested cart against the catalog and produces a priced draft. It is read-only.
type OrderBuilder interface {
	Build(ctx context.Context, req BuildRequest) (OrderDraft, error)
}

// OrderService persists orders and enforces their lifecycle.
type OrderService interface {
	Create(ctx context.Context, draft OrderDraft, opts CreateOrderOptions) (Order, error)
	Get(ctx context.Context, orderID string) (Order, error)
	List(ctx context.Context) ([]Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderCommand) (Order, error)
	AddItem(ctx context.Context, cmd AddItemCommand) (OrderItem, error)
	RemoveItem(ctx context.Context, orderID string, itemID string) (OrderItem, error)
	Delete(ctx context.Context, orderID string) error
}

// CheckoutService turns carts into orders, either directly or from completed payment sessions.
type CheckoutService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (CheckoutSessionResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	RetryFulfillment(ctx context.Context, failure FulfillmentFailure) error
}

// SystemService exposes service health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// StockRequest identifies a quantity of a product, or of one of its variants.
type StockRequest struct {
	ProductID int64
	VariantID *int64
	Quantity  int
}

// StockLevel is the ledger view of a stock row.
type StockLevel struct {
	ProductID      int64
	VariantID      *int64
	Product        string
	OnHand         int
	Tracked        bool
	AllowBackorder bool
}

// PricedLine is the pricing input for one order line.
type PricedLine struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// BuildRequest is the raw order request accepted by the builder.
type BuildRequest struct {
	UserID          *int64
	Email           string
	Phone           string
	ShippingAddress Address
	BillingAddress  *Address
	ShippingMethod  string
	Notes           string
	Items           []CartLine
	// DeferShipping skips shipping address validation when the payment provider collects it later.
	DeferShipping bool
}

// OrderDraft is a validated, priced order that has not been persisted.
type OrderDraft struct {
	UserID          *int64
	Email           string
	Phone           string
	ShippingAddress Address
	BillingAddress  *Address
	ShippingMethod  string
	Notes           string
	Items           []OrderItem
	Totals          OrderTotals
}

// CreateOrderOptions sets the initial state of a new order.
type CreateOrderOptions struct {
	Status               OrderStatus
	PaymentStatus        PaymentStatus
	PaymentMethod        string
	PaymentTransactionID string
	CheckoutSessionID    string
	ActorID              string
}

// UpdateOrderCommand changes order header fields. Nil fields are left untouched.
type UpdateOrderCommand struct {
	OrderID         string
	Status          *string
	PaymentStatus   *string
	TrackingNumber  *string
	ShippingMethod  *string
	ShippingAddress *Address
	BillingAddress  *Address
	ActorID         string
}

// AddItemCommand appends a product line to an existing order.
type AddItemCommand struct {
	OrderID   string
	ProductID int64
	VariantID *int64
	Quantity  int
	ActorID   string
}

// PlaceOrderCommand creates an order directly from a cart.
type PlaceOrderCommand struct {
	Identity        *Caller
	Email           string
	Phone           string
	ShippingAddress Address
	BillingAddress  *Address
	ShippingMethod  string
	Notes           string
	Items           []CartLine
}

// CreateSessionCommand starts a hosted payment session for a cart.
type CreateSessionCommand struct {
	Identity        *Caller
	Email           string
	ShippingAddress *Address
	Items           []CartLine
	SuccessURL      string
	CancelURL       string
	Locale          string
	IdempotencyKey  string
}

// CheckoutSessionResult is returned to clients to redirect into hosted checkout.
type CheckoutSessionResult struct {
	SessionID string
	URL       string
}

// Caller is the authenticated principal acting on orders.
type Caller struct {
	UserID int64
	Email  string
	Staff  bool
}

// FulfillmentFailure describes a webhook fulfillment that could not complete.
type FulfillmentFailure struct {
	EventID    string `json:"eventId"`
	SessionID  string `json:"sessionId"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
	Attempt    int    `json:"attempt"`
	OccurredAt string `json:"occurredAt"`
}
