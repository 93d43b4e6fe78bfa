package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/storefront-labs/orders-api/internal/platform/textutil"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const maxLineQuantity = 1000

// OrderBuilderDeps bundles collaborators required by the builder.
type OrderBuilderDeps struct {
	Products repositories.ProductRepository
	Ledger   InventoryLedger
	Pricing  *PricingCalculator
	Clock    func() time.Time
}

type orderBuilder struct {
	products repositories.ProductRepository
	ledger   InventoryLedger
	pricing  *PricingCalculator
	clock    func() time.Time
}

var _ OrderBuilder = (*orderBuilder)(nil)

// NewOrderBuilder wires the catalog, ledger and pricing into an OrderBuilder.
func NewOrderBuilder(deps OrderBuilderDeps) (OrderBuilder, error) {
	if deps.Products == nil {
		return nil, errors.New("order builder: product repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order builder: inventory ledger is required")
	}
	pricing := deps.Pricing
	if pricing == nil {
		pricing = NewPricingCalculator(DefaultPricingPolicy())
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &orderBuilder{
		products: deps.Products,
		ledger:   deps.Ledger,
		pricing:  pricing,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Build validates the request, resolves every line against the catalog, checks stock and prices the result.
// Lines naming the same product and variant are merged after resolution, so a bare variant id and its
// product-qualified form count against stock together. It fails on the first problem found.
func (b *orderBuilder) Build(ctx context.Context, req BuildRequest) (OrderDraft, error) {
	lines, err := validateBuildRequest(req)
	if err != nil {
		return OrderDraft{}, err
	}

	items := make([]OrderItem, 0, len(lines))
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		item, err := resolveLine(ctx, b.products, line)
		if err != nil {
			return OrderDraft{}, err
		}
		key := lineKey(item.ProductID, item.VariantID)
		at, seen := index[key]
		if !seen {
			index[key] = len(items)
			items = append(items, item)
			continue
		}
		items[at].Quantity += item.Quantity
		if items[at].Quantity > maxLineQuantity {
			return OrderDraft{}, fmt.Errorf("%w: items[%d] quantity exceeds %d", ErrInvalidRequest, i, maxLineQuantity)
		}
	}

	now := b.clock()
	priced := make([]PricedLine, 0, len(items))
	for i := range items {
		item := &items[i]
		if _, err := b.ledger.Check(ctx, StockRequest{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		}); err != nil {
			return OrderDraft{}, err
		}
		item.LineTotal = b.pricing.LineTotal(item.UnitPrice, item.Quantity)
		// Strictly increasing timestamps keep line order stable in stores that sort by creation time.
		item.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		priced = append(priced, PricedLine{UnitPrice: item.UnitPrice, Quantity: item.Quantity})
	}

	draft := OrderDraft{
		UserID:          req.UserID,
		Email:           strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:           textutil.StripMarkup(req.Phone),
		ShippingAddress: sanitizeAddress(req.ShippingAddress),
		ShippingMethod:  textutil.StripMarkup(req.ShippingMethod),
		Notes:           textutil.StripMarkup(req.Notes),
		Items:           items,
		Totals:          b.pricing.Price(priced),
	}
	if req.BillingAddress != nil {
		billing := sanitizeAddress(*req.BillingAddress)
		draft.BillingAddress = &billing
	}
	return draft, nil
}

// resolveLine turns a cart line into an order item carrying the current catalog values.
func resolveLine(ctx context.Context, products repositories.ProductRepository, line CartLine) (OrderItem, error) {
	productID := line.ProductID
	if productID == 0 && line.VariantID != nil {
		variant, err := products.FindVariant(ctx, *line.VariantID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return OrderItem{}, productNotFound(productID)
			}
			return OrderItem{}, mapRepositoryError(err, ErrProductNotFound)
		}
		productID = variant.ProductID
	}

	product, err := products.FindByID(ctx, productID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return OrderItem{}, productNotFound(productID)
		}
		return OrderItem{}, mapRepositoryError(err, ErrProductNotFound)
	}
	if !product.Active {
		return OrderItem{}, productNotFound(productID)
	}

	item := OrderItem{
		ProductID:    product.ID,
		ProductName:  product.Name,
		SKU:          product.SKU,
		UnitPrice:    product.UnitPrice(nil),
		ComparePrice: product.UnitComparePrice(nil),
		Quantity:     line.Quantity,
	}
	if line.VariantID != nil {
		variant, ok := product.Variant(*line.VariantID)
		if !ok {
			return OrderItem{}, productNotFound(productID)
		}
		variantID := variant.ID
		item.VariantID = &variantID
		item.VariantName = variant.Name
		if variant.SKU != "" {
			item.SKU = variant.SKU
		}
		item.UnitPrice = product.UnitPrice(&variant)
		item.ComparePrice = product.UnitComparePrice(&variant)
	}
	return item, nil
}

// validateBuildRequest checks request shape. Duplicate lines are merged by Build once they are resolved.
func validateBuildRequest(req BuildRequest) ([]CartLine, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrInvalidRequest)
	}
	if !req.DeferShipping {
		if missing := req.ShippingAddress.MissingFields(); len(missing) > 0 {
			return nil, fmt.Errorf("%w: shipping address missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
		}
	}
	if req.BillingAddress != nil {
		if missing := req.BillingAddress.MissingFields(); len(missing) > 0 {
			return nil, fmt.Errorf("%w: billing address missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
		}
	}
	email := strings.TrimSpace(req.Email)
	if req.UserID == nil && email == "" {
		return nil, fmt.Errorf("%w: email is required for guest orders", ErrInvalidRequest)
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, fmt.Errorf("%w: email is invalid", ErrInvalidRequest)
		}
	}

	for i, line := range req.Items {
		switch {
		case line.ProductID <= 0 && line.VariantID == nil:
			return nil, fmt.Errorf("%w: items[%d] product id is required", ErrInvalidRequest, i)
		case line.Quantity < 1:
			return nil, fmt.Errorf("%w: items[%d] quantity must be at least 1", ErrInvalidRequest, i)
		case line.Quantity > maxLineQuantity:
			return nil, fmt.Errorf("%w: items[%d] quantity exceeds %d", ErrInvalidRequest, i, maxLineQuantity)
		}
	}
	return req.Items, nil
}

func lineKey(productID int64, variantID *int64) string {
	if variantID == nil {
		return fmt.Sprintf("%d", productID)
	}
	return fmt.Sprintf("%d:%d", productID, *variantID)
}

func sanitizeAddress(addr Address) Address {
	return Address{
		FirstName:  textutil.StripMarkup(addr.FirstName),
		LastName:   textutil.StripMarkup(addr.LastName),
		Company:    textutil.StripMarkup(addr.Company),
		Line1:      textutil.StripMarkup(addr.Line1),
		Line2:      textutil.StripMarkup(addr.Line2),
		City:       textutil.StripMarkup(addr.City),
		State:      textutil.StripMarkup(addr.State),
		PostalCode: textutil.StripMarkup(addr.PostalCode),
		Country:    strings.ToUpper(textutil.StripMarkup(addr.Country)),
		Phone:      textutil.StripMarkup(addr.Phone),
	}
}
