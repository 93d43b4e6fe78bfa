package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog entry orders are built from. Only stock fields are mutated by this service.
type Product struct {
	ID             int64
	Name           string
	Slug           string
	SKU            string
	Description    string
	Price          decimal.Decimal
	ComparePrice   *decimal.Decimal
	Quantity       int
	TrackQuantity  bool
	AllowBackorder bool
	Active         bool
	CategoryID     *int64
	Variants       []ProductVariant
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProductVariant is a purchasable option of a product (size, color, ...).
type ProductVariant struct {
	ID           int64
	ProductID    int64
	Name         string
	SKU          string
	Price        *decimal.Decimal
	ComparePrice *decimal.Decimal
	Quantity     int
	Options      map[string]string
}

// Variant returns the variant with the given id when it belongs to the product.
func (p Product) Variant(id int64) (ProductVariant, bool) {
	for _, variant := range p.Variants {
		if variant.ID == id {
			return variant, true
		}
	}
	return ProductVariant{}, false
}

// UnitPrice resolves the price charged for the product, preferring the variant override.
func (p Product) UnitPrice(variant *ProductVariant) decimal.Decimal {
	if variant != nil && variant.Price != nil {
		return *variant.Price
	}
	return p.Price
}

// UnitComparePrice resolves the strike-through price shown next to the unit price.
func (p Product) UnitComparePrice(variant *ProductVariant) *decimal.Decimal {
	if variant != nil && variant.ComparePrice != nil {
		return variant.ComparePrice
	}
	return p.ComparePrice
}

// User is the read-only customer summary attached to orders.
type User struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Phone     string
	CreatedAt time.Time
}

// Address is the postal snapshot stored on an order.
type Address struct {
	FirstName  string
	LastName   string
	Company    string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// MissingFields lists required address fields that are blank.
func (a Address) MissingFields() []string {
	required := []struct {
		name  string
		value string
	}{
		{"firstName", a.FirstName},
		{"lastName", a.LastName},
		{"line1", a.Line1},
		{"city", a.City},
		{"state", a.State},
		{"zip", a.PostalCode},
		{"country", a.Country},
	}
	var missing []string
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits confirmation or payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment or staff confirmed the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the order was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus enumerates the payment state of an order.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Order captures order headers and line items returned to handlers/services.
type Order struct {
	ID                   string
	OrderNumber          string
	UserID               *int64
	Email                string
	Phone                string
	Status               OrderStatus
	PaymentStatus        PaymentStatus
	Totals               OrderTotals
	Items                []OrderItem
	ShippingAddress      Address
	BillingAddress       *Address
	PaymentMethod        string
	PaymentTransactionID string
	CheckoutSessionID    string
	ShippingMethod       string
	TrackingNumber       string
	Notes                string
	User                 *User
	CreatedAt            time.Time
	UpdatedAt            time.Time
	PaidAt               *time.Time
	ShippedAt            *time.Time
	DeliveredAt          *time.Time
	CancelledAt          *time.Time
}

// OrderTotals holds rolled-up monetary fields. Total = Subtotal + Tax + Shipping - Discount.
type OrderTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// OrderItem snapshots a product at the time it was added to an order.
type OrderItem struct {
	ID           string
	OrderID      string
	ProductID    int64
	VariantID    *int64
	ProductName  string
	VariantName  string
	SKU          string
	UnitPrice    decimal.Decimal
	ComparePrice *decimal.Decimal
	Quantity     int
	LineTotal    decimal.Decimal
	CreatedAt    time.Time
}

// SameLine reports whether the item refers to the given product and variant.
func (i OrderItem) SameLine(productID int64, variantID *int64) bool {
	if i.ProductID != productID {
		return false
	}
	if i.VariantID == nil || variantID == nil {
		return i.VariantID == nil && variantID == nil
	}
	return *i.VariantID == *variantID
}

// CartLine is a requested product quantity, as sent by clients or carried in checkout metadata.
type CartLine struct {
	ProductID int64  `json:"p"`
	VariantID *int64 `json:"v,omitempty"`
	Quantity  int    `json:"q"`
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
