package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	pfirestore "github.com/storefront-labs/orders-api/internal/platform/firestore"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const (
	productCollection = "products"
	variantCollection = "productVariants"
)

// ProductRepository reads the catalog and maintains stock counters. Stock adjustments run inside a
// transaction session so the read of the current quantity and the write of the new one are serialised.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
	variants *pfirestore.Collection[variantDocument]
	now      func() time.Time
}

// NewProductRepository constructs the Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productCollection),
		variants: pfirestore.NewCollection[variantDocument](provider, variantCollection),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// FindByID returns the product with its variants sorted by id.
func (r *ProductRepository) FindByID(ctx context.Context, productID int64) (domain.Product, error) {
	doc, err := r.products.Get(ctx, docID(productID))
	if err != nil {
		return domain.Product{}, err
	}
	product, err := doc.Data.toDomain()
	if err != nil {
		return domain.Product{}, err
	}
	product.ID = productID

	variants, err := r.variants.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("productId", "==", productID)
	})
	if err != nil {
		return domain.Product{}, err
	}
	for _, variantDoc := range variants {
		variant, err := variantDoc.Data.toDomain()
		if err != nil {
			return domain.Product{}, err
		}
		if variant.ProductID != productID {
			continue
		}
		product.Variants = append(product.Variants, variant)
	}
	sort.Slice(product.Variants, func(i, j int) bool { return product.Variants[i].ID < product.Variants[j].ID })
	return product, nil
}

// FindVariant returns a single variant by id.
func (r *ProductRepository) FindVariant(ctx context.Context, variantID int64) (domain.ProductVariant, error) {
	doc, err := r.variants.Get(ctx, docID(variantID))
	if err != nil {
		return domain.ProductVariant{}, err
	}
	return doc.Data.toDomain()
}

// AdjustStock applies the delta to the product or variant quantity. Calls made outside a session open their
// own transaction.
func (r *ProductRepository) AdjustStock(ctx context.Context, adj repositories.StockAdjustment) (int, error) {
	var next int
	err := r.provider.RunInSession(ctx, func(ctx context.Context) error {
		var err error
		if adj.VariantID != nil {
			next, err = r.adjustVariant(ctx, adj)
		} else {
			next, err = r.adjustProduct(ctx, adj)
		}
		return err
	})
	if err != nil {
		return 0, wrapInventoryError("products.adjustStock", err)
	}
	return next, nil
}

func (r *ProductRepository) adjustProduct(ctx context.Context, adj repositories.StockAdjustment) (int, error) {
	doc, err := r.products.Get(ctx, docID(adj.ProductID))
	if err != nil {
		if repositories.IsNotFound(err) {
			return 0, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("product %d not found", adj.ProductID), err)
		}
		return 0, err
	}
	data := doc.Data
	next := data.Quantity + adj.Delta
	if next < 0 && !adj.AllowNegative {
		return 0, repositories.NewInsufficientStockError("", adj.ProductID, -adj.Delta, data.Quantity)
	}
	data.Quantity = next
	data.UpdatedAt = r.now()
	if err := r.products.Set(ctx, doc.ID, data); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *ProductRepository) adjustVariant(ctx context.Context, adj repositories.StockAdjustment) (int, error) {
	doc, err := r.variants.Get(ctx, docID(*adj.VariantID))
	if err != nil {
		if repositories.IsNotFound(err) {
			return 0, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("variant %d not found", *adj.VariantID), err)
		}
		return 0, err
	}
	data := doc.Data
	if data.ProductID != adj.ProductID {
		return 0, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("variant %d does not belong to product %d", *adj.VariantID, adj.ProductID), nil)
	}
	next := data.Quantity + adj.Delta
	if next < 0 && !adj.AllowNegative {
		return 0, repositories.NewInsufficientStockError("", adj.ProductID, -adj.Delta, data.Quantity)
	}
	data.Quantity = next
	if err := r.variants.Set(ctx, doc.ID, data); err != nil {
		return 0, err
	}
	return next, nil
}

// Upsert replaces the product document and its variants.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	if product.ID <= 0 {
		return errors.New("product id is required")
	}
	return r.provider.RunInSession(ctx, func(ctx context.Context) error {
		existing, err := r.variants.Query(ctx, func(q firestore.Query) firestore.Query {
			return q.Where("productId", "==", product.ID)
		})
		if err != nil {
			return err
		}
		keep := make(map[string]struct{}, len(product.Variants))
		for _, variant := range product.Variants {
			keep[docID(variant.ID)] = struct{}{}
		}
		for _, doc := range existing {
			if _, ok := keep[doc.ID]; !ok {
				if err := r.variants.Delete(ctx, doc.ID); err != nil {
					return err
				}
			}
		}
		for _, variant := range product.Variants {
			variant.ProductID = product.ID
			if err := r.variants.Set(ctx, docID(variant.ID), fromDomainVariant(variant)); err != nil {
				return err
			}
		}
		return r.products.Set(ctx, docID(product.ID), fromDomainProduct(product, r.now()))
	})
}

type productDocument struct {
	ID             int64     `firestore:"id"`
	Name           string    `firestore:"name"`
	Slug           string    `firestore:"slug"`
	SKU            string    `firestore:"sku"`
	Description    string    `firestore:"description"`
	Price          string    `firestore:"price"`
	ComparePrice   *string   `firestore:"comparePrice,omitempty"`
	Quantity       int       `firestore:"quantity"`
	TrackQuantity  bool      `firestore:"trackQuantity"`
	AllowBackorder bool      `firestore:"allowBackorder"`
	Active         bool      `firestore:"active"`
	CategoryID     *int64    `firestore:"categoryId,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

type variantDocument struct {
	ID           int64             `firestore:"id"`
	ProductID    int64             `firestore:"productId"`
	Name         string            `firestore:"name"`
	SKU          string            `firestore:"sku"`
	Price        *string           `firestore:"price,omitempty"`
	ComparePrice *string           `firestore:"comparePrice,omitempty"`
	Quantity     int               `firestore:"quantity"`
	Options      map[string]string `firestore:"options,omitempty"`
}

func (d productDocument) toDomain() (domain.Product, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(d.Price))
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %d price: %w", d.ID, err)
	}
	compare, err := decodeOptionalMoney(d.ComparePrice)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %d compare price: %w", d.ID, err)
	}
	return domain.Product{
		ID:             d.ID,
		Name:           d.Name,
		Slug:           d.Slug,
		SKU:            d.SKU,
		Description:    d.Description,
		Price:          price,
		ComparePrice:   compare,
		Quantity:       d.Quantity,
		TrackQuantity:  d.TrackQuantity,
		AllowBackorder: d.AllowBackorder,
		Active:         d.Active,
		CategoryID:     d.CategoryID,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}, nil
}

func fromDomainProduct(p domain.Product, now time.Time) productDocument {
	doc := productDocument{
		ID:             p.ID,
		Name:           strings.TrimSpace(p.Name),
		Slug:           strings.TrimSpace(p.Slug),
		SKU:            strings.TrimSpace(p.SKU),
		Description:    p.Description,
		Price:          domain.FormatMoney(p.Price),
		ComparePrice:   encodeOptionalMoney(p.ComparePrice),
		Quantity:       p.Quantity,
		TrackQuantity:  p.TrackQuantity,
		AllowBackorder: p.AllowBackorder,
		Active:         p.Active,
		CategoryID:     p.CategoryID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	return doc
}

func (d variantDocument) toDomain() (domain.ProductVariant, error) {
	price, err := decodeOptionalMoney(d.Price)
	if err != nil {
		return domain.ProductVariant{}, fmt.Errorf("decode variant %d price: %w", d.ID, err)
	}
	compare, err := decodeOptionalMoney(d.ComparePrice)
	if err != nil {
		return domain.ProductVariant{}, fmt.Errorf("decode variant %d compare price: %w", d.ID, err)
	}
	return domain.ProductVariant{
		ID:           d.ID,
		ProductID:    d.ProductID,
		Name:         d.Name,
		SKU:          d.SKU,
		Price:        price,
		ComparePrice: compare,
		Quantity:     d.Quantity,
		Options:      d.Options,
	}, nil
}

func fromDomainVariant(v domain.ProductVariant) variantDocument {
	return variantDocument{
		ID:           v.ID,
		ProductID:    v.ProductID,
		Name:         strings.TrimSpace(v.Name),
		SKU:          strings.TrimSpace(v.SKU),
		Price:        encodeOptionalMoney(v.Price),
		ComparePrice: encodeOptionalMoney(v.ComparePrice),
		Quantity:     v.Quantity,
		Options:      v.Options,
	}
}

func encodeOptionalMoney(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	formatted := domain.FormatMoney(*value)
	return &formatted
}

func decodeOptionalMoney(raw *string) (*decimal.Decimal, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func decodeMoney(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
