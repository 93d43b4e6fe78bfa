package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const productColumns = `id, name, slug, sku, description, price::text, compare_price::text, quantity,
	track_quantity, allow_backorder, active, category_id, created_at, updated_at`

const variantColumns = `id, product_id, name, sku, price::text, compare_price::text, quantity, options`

type productRepository struct{ store *Store }

func (r productRepository) FindByID(ctx context.Context, productID int64) (domain.Product, error) {
	q := r.store.q(ctx)
	product, err := scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		return domain.Product{}, wrapError("products.findByID", err)
	}

	rows, err := q.Query(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return domain.Product{}, wrapError("products.findByID", err)
	}
	defer rows.Close()
	for rows.Next() {
		variant, err := scanVariant(rows)
		if err != nil {
			return domain.Product{}, wrapError("products.findByID", err)
		}
		product.Variants = append(product.Variants, variant)
	}
	if err := rows.Err(); err != nil {
		return domain.Product{}, wrapError("products.findByID", err)
	}
	return product, nil
}

func (r productRepository) FindVariant(ctx context.Context, variantID int64) (domain.ProductVariant, error) {
	variant, err := scanVariant(r.store.q(ctx).QueryRow(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE id = $1`, variantID))
	if err != nil {
		return domain.ProductVariant{}, wrapError("products.findVariant", err)
	}
	return variant, nil
}

func (r productRepository) AdjustStock(ctx context.Context, adj repositories.StockAdjustment) (int, error) {
	var next int
	err := r.store.atomic(ctx, func(q querier) error {
		var (
			current int
			err     error
		)
		if adj.VariantID != nil {
			err = q.QueryRow(ctx, `SELECT quantity FROM product_variants WHERE id = $1 AND product_id = $2 FOR UPDATE`,
				*adj.VariantID, adj.ProductID).Scan(&current)
		} else {
			err = q.QueryRow(ctx, `SELECT quantity FROM products WHERE id = $1 FOR UPDATE`, adj.ProductID).Scan(&current)
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound,
				fmt.Sprintf("stock row for product %d not found", adj.ProductID), err)
		}
		if err != nil {
			return wrapError("products.adjustStock", err)
		}

		next = current + adj.Delta
		if next < 0 && !adj.AllowNegative {
			return repositories.NewInsufficientStockError("products.adjustStock", adj.ProductID, -adj.Delta, current)
		}
		if adj.VariantID != nil {
			_, err = q.Exec(ctx, `UPDATE product_variants SET quantity = $2 WHERE id = $1`, *adj.VariantID, next)
		} else {
			_, err = q.Exec(ctx, `UPDATE products SET quantity = $2, updated_at = now() WHERE id = $1`, adj.ProductID, next)
		}
		return wrapError("products.adjustStock", err)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r productRepository) Upsert(ctx context.Context, product domain.Product) error {
	return r.store.atomic(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO products (id, name, slug, sku, description, price, compare_price, quantity,
				track_quantity, allow_backorder, active, category_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO UPDATE SET name=$2, slug=$3, sku=$4, description=$5, price=$6, compare_price=$7,
				quantity=$8, track_quantity=$9, allow_backorder=$10, active=$11, category_id=$12, updated_at=now()`,
			product.ID, strings.TrimSpace(product.Name), strings.TrimSpace(product.Slug), strings.TrimSpace(product.SKU),
			product.Description, domain.FormatMoney(product.Price), optionalMoney(product.ComparePrice), product.Quantity,
			product.TrackQuantity, product.AllowBackorder, product.Active, product.CategoryID)
		if err != nil {
			return wrapError("products.upsert", err)
		}

		keep := make([]int64, 0, len(product.Variants))
		for _, variant := range product.Variants {
			keep = append(keep, variant.ID)
		}
		if _, err := q.Exec(ctx, `DELETE FROM product_variants WHERE product_id = $1 AND NOT (id = ANY($2))`, product.ID, keep); err != nil {
			return wrapError("products.upsert", err)
		}

		batch := &pgx.Batch{}
		for _, variant := range product.Variants {
			options := variant.Options
			if options == nil {
				options = map[string]string{}
			}
			batch.Queue(`
				INSERT INTO product_variants (id, product_id, name, sku, price, compare_price, quantity, options)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
				ON CONFLICT (id) DO UPDATE SET product_id=$2, name=$3, sku=$4, price=$5, compare_price=$6, quantity=$7, options=$8`,
				variant.ID, product.ID, variant.Name, variant.SKU, optionalMoney(variant.Price),
				optionalMoney(variant.ComparePrice), variant.Quantity, options)
		}
		if batch.Len() == 0 {
			return nil
		}
		return wrapError("products.upsert", sendBatch(ctx, q, batch))
	})
}

func sendBatch(ctx context.Context, q querier, batch *pgx.Batch) error {
	sender, ok := q.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return fmt.Errorf("postgres: querier %T cannot send batches", q)
	}
	return sender.SendBatch(ctx, batch).Close()
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		product domain.Product
		price   string
		compare *string
	)
	if err := row.Scan(&product.ID, &product.Name, &product.Slug, &product.SKU, &product.Description, &price, &compare,
		&product.Quantity, &product.TrackQuantity, &product.AllowBackorder, &product.Active, &product.CategoryID,
		&product.CreatedAt, &product.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	var err error
	if product.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Product{}, err
	}
	if product.ComparePrice, err = parseOptionalMoney(compare); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func scanVariant(row pgx.Row) (domain.ProductVariant, error) {
	var (
		variant domain.ProductVariant
		price   *string
		compare *string
	)
	if err := row.Scan(&variant.ID, &variant.ProductID, &variant.Name, &variant.SKU, &price, &compare,
		&variant.Quantity, &variant.Options); err != nil {
		return domain.ProductVariant{}, err
	}
	var err error
	if variant.Price, err = parseOptionalMoney(price); err != nil {
		return domain.ProductVariant{}, err
	}
	if variant.ComparePrice, err = parseOptionalMoney(compare); err != nil {
		return domain.ProductVariant{}, err
	}
	return variant, nil
}

func optionalMoney(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	formatted := domain.FormatMoney(*value)
	return &formatted
}

func parseOptionalMoney(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	value, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}
