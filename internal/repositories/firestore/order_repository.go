package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	pfirestore "github.com/storefront-labs/orders-api/internal/platform/firestore"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const (
	orderCollection           = "orders"
	orderItemSubcollection    = "items"
	orderNumberCollection     = "orderNumbers"
	checkoutSessionCollection = "checkoutSessions"
)

// OrderRepository stores order headers in orders/{id} and line items in orders/{id}/items. Uniqueness of order
// numbers and checkout sessions is enforced with claim documents read inside the same transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	numbers  *pfirestore.Collection[claimDocument]
	sessions *pfirestore.Collection[claimDocument]
}

// NewOrderRepository constructs the Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, orderCollection),
		numbers:  pfirestore.NewCollection[claimDocument](provider, orderNumberCollection),
		sessions: pfirestore.NewCollection[claimDocument](provider, checkoutSessionCollection),
	}, nil
}

func (r *OrderRepository) items(orderID string) *pfirestore.Collection[orderItemDocument] {
	path := fmt.Sprintf("%s/%s/%s", orderCollection, orderID, orderItemSubcollection)
	return pfirestore.NewCollection[orderItemDocument](r.provider, path)
}

// Insert writes the header, the items and the uniqueness claims atomically.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.OrderNumber) == "" {
		return errors.New("order id and number are required")
	}
	claim := claimDocument{OrderID: order.ID, ClaimedAt: order.CreatedAt}

	return r.provider.RunInSession(ctx, func(ctx context.Context) error {
		taken, err := r.claimed(ctx, r.numbers, order.OrderNumber)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("orders.insert: %w", repositories.ErrOrderNumberTaken)
		}
		if order.CheckoutSessionID != "" {
			used, err := r.claimed(ctx, r.sessions, order.CheckoutSessionID)
			if err != nil {
				return err
			}
			if used {
				return fmt.Errorf("orders.insert: %w", repositories.ErrCheckoutSessionProcessed)
			}
			if err := r.sessions.Create(ctx, order.CheckoutSessionID, claim); err != nil {
				return err
			}
		}
		if err := r.numbers.Create(ctx, order.OrderNumber, claim); err != nil {
			return err
		}
		if err := r.orders.Create(ctx, order.ID, fromDomainOrder(order)); err != nil {
			return err
		}
		items := r.items(order.ID)
		for _, item := range order.Items {
			item.OrderID = order.ID
			if err := items.Create(ctx, item.ID, fromDomainOrderItem(item)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OrderRepository) claimed(ctx context.Context, claims *pfirestore.Collection[claimDocument], key string) (bool, error) {
	_, err := claims.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case repositories.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// FindByID loads the header and items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return r.hydrate(ctx, doc.ID, doc.Data)
}

// List returns every order ascending by creation time.
func (r *OrderRepository) List(ctx context.Context) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	return r.hydrateAll(ctx, docs)
}

// ListByUser returns the user's orders ascending by creation time. Sorting happens in memory so no composite
// index is required.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", userID)
	})
	if err != nil {
		return nil, err
	}
	return r.hydrateAll(ctx, docs)
}

func (r *OrderRepository) hydrateAll(ctx context.Context, docs []pfirestore.Document[orderDocument]) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := r.hydrate(ctx, doc.ID, doc.Data)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (r *OrderRepository) hydrate(ctx context.Context, orderID string, doc orderDocument) (domain.Order, error) {
	order, err := doc.toDomain()
	if err != nil {
		return domain.Order{}, err
	}
	order.ID = orderID

	itemDocs, err := r.items(orderID).Query(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	for _, itemDoc := range itemDocs {
		item, err := itemDoc.Data.toDomain()
		if err != nil {
			return domain.Order{}, err
		}
		item.ID = itemDoc.ID
		item.OrderID = orderID
		order.Items = append(order.Items, item)
	}
	sort.SliceStable(order.Items, func(i, j int) bool {
		if order.Items[i].CreatedAt.Equal(order.Items[j].CreatedAt) {
			return order.Items[i].ID < order.Items[j].ID
		}
		return order.Items[i].CreatedAt.Before(order.Items[j].CreatedAt)
	})
	return order, nil
}

// Update overwrites the header document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return r.provider.RunInSession(ctx, func(ctx context.Context) error {
		if _, err := r.orders.Get(ctx, order.ID); err != nil {
			return err
		}
		return r.orders.Set(ctx, order.ID, fromDomainOrder(order))
	})
}

// Delete removes items, the header and the order number claim. The checkout session claim is retained so a
// redelivered webhook cannot recreate a deleted order.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	return r.provider.RunInSession(ctx, func(ctx context.Context) error {
		doc, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		items := r.items(orderID)
		itemDocs, err := items.Query(ctx, nil)
		if err != nil {
			return err
		}
		for _, itemDoc := range itemDocs {
			if err := items.Delete(ctx, itemDoc.ID); err != nil {
				return err
			}
		}
		if err := r.orders.Delete(ctx, orderID); err != nil {
			return err
		}
		return r.numbers.Delete(ctx, doc.Data.OrderNumber)
	})
}

// InsertItem adds a line item to an existing order.
func (r *OrderRepository) InsertItem(ctx context.Context, item domain.OrderItem) error {
	return r.provider.RunInSession(ctx, func(ctx context.Context) error {
		if _, err := r.orders.Get(ctx, item.OrderID); err != nil {
			return err
		}
		return r.items(item.OrderID).Create(ctx, item.ID, fromDomainOrderItem(item))
	})
}

// DeleteItem removes a line item; NotFound when the pair does not exist.
func (r *OrderRepository) DeleteItem(ctx context.Context, orderID string, itemID string) error {
	items := r.items(orderID)
	return r.provider.RunInSession(ctx, func(ctx context.Context) error {
		if _, err := items.Get(ctx, itemID); err != nil {
			return err
		}
		return items.Delete(ctx, itemID)
	})
}

type claimDocument struct {
	OrderID   string    `firestore:"orderId"`
	ClaimedAt time.Time `firestore:"claimedAt"`
}

type addressDocument struct {
	FirstName  string `firestore:"firstName"`
	LastName   string `firestore:"lastName"`
	Company    string `firestore:"company,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

type totalsDocument struct {
	Subtotal string `firestore:"subtotal"`
	Tax      string `firestore:"tax"`
	Shipping string `firestore:"shipping"`
	Discount string `firestore:"discount"`
	Total    string `firestore:"total"`
}

type orderDocument struct {
	OrderNumber          string           `firestore:"orderNumber"`
	UserID               *int64           `firestore:"userId"`
	Email                string           `firestore:"email"`
	Phone                string           `firestore:"phone,omitempty"`
	Status               string           `firestore:"status"`
	PaymentStatus        string           `firestore:"paymentStatus"`
	Totals               totalsDocument   `firestore:"totals"`
	ShippingAddress      addressDocument  `firestore:"shippingAddress"`
	BillingAddress       *addressDocument `firestore:"billingAddress,omitempty"`
	PaymentMethod        string           `firestore:"paymentMethod,omitempty"`
	PaymentTransactionID string           `firestore:"paymentTransactionId,omitempty"`
	CheckoutSessionID    string           `firestore:"checkoutSessionId,omitempty"`
	ShippingMethod       string           `firestore:"shippingMethod,omitempty"`
	TrackingNumber       string           `firestore:"trackingNumber,omitempty"`
	Notes                string           `firestore:"notes,omitempty"`
	CreatedAt            time.Time        `firestore:"createdAt"`
	UpdatedAt            time.Time        `firestore:"updatedAt"`
	PaidAt               *time.Time       `firestore:"paidAt,omitempty"`
	ShippedAt            *time.Time       `firestore:"shippedAt,omitempty"`
	DeliveredAt          *time.Time       `firestore:"deliveredAt,omitempty"`
	CancelledAt          *time.Time       `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID    int64     `firestore:"productId"`
	VariantID    *int64    `firestore:"variantId,omitempty"`
	ProductName  string    `firestore:"productName"`
	VariantName  string    `firestore:"variantName,omitempty"`
	SKU          string    `firestore:"sku"`
	UnitPrice    string    `firestore:"unitPrice"`
	ComparePrice *string   `firestore:"comparePrice,omitempty"`
	Quantity     int       `firestore:"quantity"`
	LineTotal    string    `firestore:"lineTotal"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

func fromDomainAddress(a domain.Address) addressDocument {
	return addressDocument(a)
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address(d)
}

func fromDomainOrder(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Email:         o.Email,
		Phone:         o.Phone,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Totals: totalsDocument{
			Subtotal: domain.FormatMoney(o.Totals.Subtotal),
			Tax:      domain.FormatMoney(o.Totals.Tax),
			Shipping: domain.FormatMoney(o.Totals.Shipping),
			Discount: domain.FormatMoney(o.Totals.Discount),
			Total:    domain.FormatMoney(o.Totals.Total),
		},
		ShippingAddress:      fromDomainAddress(o.ShippingAddress),
		PaymentMethod:        o.PaymentMethod,
		PaymentTransactionID: o.PaymentTransactionID,
		CheckoutSessionID:    o.CheckoutSessionID,
		ShippingMethod:       o.ShippingMethod,
		TrackingNumber:       o.TrackingNumber,
		Notes:                o.Notes,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		PaidAt:               o.PaidAt,
		ShippedAt:            o.ShippedAt,
		DeliveredAt:          o.DeliveredAt,
		CancelledAt:          o.CancelledAt,
	}
	if o.BillingAddress != nil {
		billing := fromDomainAddress(*o.BillingAddress)
		doc.BillingAddress = &billing
	}
	return doc
}

func (d orderDocument) toDomain() (domain.Order, error) {
	var (
		totals domain.OrderTotals
		err    error
	)
	if totals.Subtotal, err = decodeMoney(d.Totals.Subtotal); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s subtotal: %w", d.OrderNumber, err)
	}
	if totals.Tax, err = decodeMoney(d.Totals.Tax); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s tax: %w", d.OrderNumber, err)
	}
	if totals.Shipping, err = decodeMoney(d.Totals.Shipping); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s shipping: %w", d.OrderNumber, err)
	}
	if totals.Discount, err = decodeMoney(d.Totals.Discount); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s discount: %w", d.OrderNumber, err)
	}
	if totals.Total, err = decodeMoney(d.Totals.Total); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total: %w", d.OrderNumber, err)
	}

	order := domain.Order{
		OrderNumber:          d.OrderNumber,
		UserID:               d.UserID,
		Email:                d.Email,
		Phone:                d.Phone,
		Status:               domain.OrderStatus(d.Status),
		PaymentStatus:        domain.PaymentStatus(d.PaymentStatus),
		Totals:               totals,
		ShippingAddress:      d.ShippingAddress.toDomain(),
		PaymentMethod:        d.PaymentMethod,
		PaymentTransactionID: d.PaymentTransactionID,
		CheckoutSessionID:    d.CheckoutSessionID,
		ShippingMethod:       d.ShippingMethod,
		TrackingNumber:       d.TrackingNumber,
		Notes:                d.Notes,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
		PaidAt:               d.PaidAt,
		ShippedAt:            d.ShippedAt,
		DeliveredAt:          d.DeliveredAt,
		CancelledAt:          d.CancelledAt,
	}
	if d.BillingAddress != nil {
		billing := d.BillingAddress.toDomain()
		order.BillingAddress = &billing
	}
	return order, nil
}

func fromDomainOrderItem(i domain.OrderItem) orderItemDocument {
	return orderItemDocument{
		ProductID:    i.ProductID,
		VariantID:    i.VariantID,
		ProductName:  i.ProductName,
		VariantName:  i.VariantName,
		SKU:          i.SKU,
		UnitPrice:    domain.FormatMoney(i.UnitPrice),
		ComparePrice: encodeOptionalMoney(i.ComparePrice),
		Quantity:     i.Quantity,
		LineTotal:    domain.FormatMoney(i.LineTotal),
		CreatedAt:    i.CreatedAt,
	}
}

func (d orderItemDocument) toDomain() (domain.OrderItem, error) {
	unitPrice, err := decodeMoney(d.UnitPrice)
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("decode item unit price: %w", err)
	}
	lineTotal, err := decodeMoney(d.LineTotal)
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("decode item line total: %w", err)
	}
	compare, err := decodeOptionalMoney(d.ComparePrice)
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("decode item compare price: %w", err)
	}
	return domain.OrderItem{
		ProductID:    d.ProductID,
		VariantID:    d.VariantID,
		ProductName:  d.ProductName,
		VariantName:  d.VariantName,
		SKU:          d.SKU,
		UnitPrice:    unitPrice,
		ComparePrice: compare,
		Quantity:     d.Quantity,
		LineTotal:    lineTotal,
		CreatedAt:    d.CreatedAt,
	}, nil
}
