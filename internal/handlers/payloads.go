package handlers

import (
	"strings"
	"time"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/services"
)

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderItemResponse struct {
	Item orderItemPayload `json:"item"`
}

type orderPayload struct {
	ID                   string             `json:"id"`
	OrderNumber          string             `json:"orderNumber"`
	UserID               *int64             `json:"userId,omitempty"`
	Email                string             `json:"email,omitempty"`
	Phone                string             `json:"phone,omitempty"`
	Status               string             `json:"status"`
	PaymentStatus        string             `json:"paymentStatus"`
	Totals               orderTotalsPayload `json:"totals"`
	Items                []orderItemPayload `json:"items"`
	ShippingAddress      *addressPayload    `json:"shippingAddress,omitempty"`
	BillingAddress       *addressPayload    `json:"billingAddress,omitempty"`
	PaymentMethod        string             `json:"paymentMethod,omitempty"`
	PaymentTransactionID string             `json:"paymentTransactionId,omitempty"`
	CheckoutSessionID    string             `json:"checkoutSessionId,omitempty"`
	ShippingMethod       string             `json:"shippingMethod,omitempty"`
	TrackingNumber       string             `json:"trackingNumber,omitempty"`
	Notes                string             `json:"notes,omitempty"`
	User                 *userPayload       `json:"user,omitempty"`
	CreatedAt            string             `json:"createdAt"`
	UpdatedAt            string             `json:"updatedAt,omitempty"`
	PaidAt               string             `json:"paidAt,omitempty"`
	ShippedAt            string             `json:"shippedAt,omitempty"`
	DeliveredAt          string             `json:"deliveredAt,omitempty"`
	CancelledAt          string             `json:"cancelledAt,omitempty"`
}

// Money is rendered as fixed two-place strings.
type orderTotalsPayload struct {
	Subtotal string `json:"subtotal"`
	Tax      string `json:"tax"`
	Shipping string `json:"shipping"`
	Discount string `json:"discount"`
	Total    string `json:"total"`
}

type orderItemPayload struct {
	ID           string  `json:"id"`
	ProductID    int64   `json:"productId"`
	VariantID    *int64  `json:"variantId,omitempty"`
	ProductName  string  `json:"productName"`
	VariantName  string  `json:"variantName,omitempty"`
	SKU          string  `json:"sku,omitempty"`
	UnitPrice    string  `json:"unitPrice"`
	ComparePrice *string `json:"comparePrice,omitempty"`
	Quantity     int     `json:"quantity"`
	LineTotal    string  `json:"lineTotal"`
	CreatedAt    string  `json:"createdAt,omitempty"`
}

type userPayload struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// addressPayload is used for both requests and responses.
type addressPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Company   string `json:"company,omitempty"`
	Line1     string `json:"line1"`
	Line2     string `json:"line2,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Country   string `json:"country"`
	Phone     string `json:"phone,omitempty"`
}

func (a addressPayload) toDomain() services.Address {
	return services.Address{
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.Zip,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func optionalAddress(a *addressPayload) *services.Address {
	if a == nil {
		return nil
	}
	addr := a.toDomain()
	return &addr
}

type cartLinePayload struct {
	ProductID int64  `json:"productId"`
	VariantID *int64 `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

func cartLines(items []cartLinePayload) []services.CartLine {
	lines := make([]services.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, services.CartLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Email:         order.Email,
		Phone:         order.Phone,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Totals: orderTotalsPayload{
			Subtotal: domain.FormatMoney(order.Totals.Subtotal),
			Tax:      domain.FormatMoney(order.Totals.Tax),
			Shipping: domain.FormatMoney(order.Totals.Shipping),
			Discount: domain.FormatMoney(order.Totals.Discount),
			Total:    domain.FormatMoney(order.Totals.Total),
		},
		Items:                make([]orderItemPayload, 0, len(order.Items)),
		PaymentMethod:        order.PaymentMethod,
		PaymentTransactionID: order.PaymentTransactionID,
		CheckoutSessionID:    order.CheckoutSessionID,
		ShippingMethod:       order.ShippingMethod,
		TrackingNumber:       order.TrackingNumber,
		Notes:                order.Notes,
		CreatedAt:            formatTime(order.CreatedAt),
		UpdatedAt:            formatTime(order.UpdatedAt),
		PaidAt:               formatTime(pointerTime(order.PaidAt)),
		ShippedAt:            formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:          formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:          formatTime(pointerTime(order.CancelledAt)),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, buildOrderItemPayload(item))
	}
	if order.ShippingAddress != (services.Address{}) {
		addr := buildAddressPayload(order.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	if order.BillingAddress != nil {
		addr := buildAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &addr
	}
	if order.User != nil {
		payload.User = &userPayload{
			ID:        order.User.ID,
			Email:     order.User.Email,
			FirstName: order.User.FirstName,
			LastName:  order.User.LastName,
			Phone:     order.User.Phone,
		}
	}
	return payload
}

func buildOrderItemPayload(item services.OrderItem) orderItemPayload {
	payload := orderItemPayload{
		ID:          item.ID,
		ProductID:   item.ProductID,
		VariantID:   item.VariantID,
		ProductName: item.ProductName,
		VariantName: item.VariantName,
		SKU:         item.SKU,
		UnitPrice:   domain.FormatMoney(item.UnitPrice),
		Quantity:    item.Quantity,
		LineTotal:   domain.FormatMoney(item.LineTotal),
		CreatedAt:   formatTime(item.CreatedAt),
	}
	if item.ComparePrice != nil {
		compare := domain.FormatMoney(*item.ComparePrice)
		payload.ComparePrice = &compare
	}
	return payload
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		FirstName: strings.TrimSpace(addr.FirstName),
		LastName:  strings.TrimSpace(addr.LastName),
		Company:   strings.TrimSpace(addr.Company),
		Line1:     strings.TrimSpace(addr.Line1),
		Line2:     strings.TrimSpace(addr.Line2),
		City:      strings.TrimSpace(addr.City),
		State:     strings.TrimSpace(addr.State),
		Zip:       strings.TrimSpace(addr.PostalCode),
		Country:   strings.TrimSpace(addr.Country),
		Phone:     strings.TrimSpace(addr.Phone),
	}
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
