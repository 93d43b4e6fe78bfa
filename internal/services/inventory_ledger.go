package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/storefront-labs/orders-api/internal/repositories"
)

// InventoryLedgerDeps bundles collaborators required by the ledger.
type InventoryLedgerDeps struct {
	Products repositories.ProductRepository
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type inventoryLedger struct {
	products repositories.ProductRepository
	logger   func(context.Context, string, map[string]any)
}

var _ InventoryLedger = (*inventoryLedger)(nil)

// NewInventoryLedger constructs the stock ledger.
func NewInventoryLedger(deps InventoryLedgerDeps) (InventoryLedger, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory ledger: product repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventoryLedger{products: deps.Products, logger: logger}, nil
}

// Check reports whether the requested quantity is available without mutating stock.
func (l *inventoryLedger) Check(ctx context.Context, req StockRequest) (StockLevel, error) {
	level, err := l.level(ctx, req)
	if err != nil {
		return StockLevel{}, err
	}
	if level.Tracked && !level.AllowBackorder && level.OnHand < req.Quantity {
		return level, &OrderError{
			Kind:      ErrInsufficientStock,
			ProductID: level.ProductID,
			Product:   level.Product,
			Available: max(level.OnHand, 0),
			Requested: req.Quantity,
		}
	}
	return level, nil
}

// Reserve decrements stock inside the caller's transaction. Untracked products are left untouched.
func (l *inventoryLedger) Reserve(ctx context.Context, req StockRequest) error {
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	level, err := l.level(ctx, req)
	if err != nil {
		return err
	}
	if !level.Tracked {
		return nil
	}

	remaining, err := l.products.AdjustStock(ctx, repositories.StockAdjustment{
		ProductID:     req.ProductID,
		VariantID:     req.VariantID,
		Delta:         -req.Quantity,
		AllowNegative: level.AllowBackorder,
	})
	if err != nil {
		return l.mapStockError(err, level, req)
	}
	l.logger(ctx, "inventory.reserved", map[string]any{
		"productId": req.ProductID,
		"variantId": req.VariantID,
		"quantity":  req.Quantity,
		"remaining": remaining,
	})
	return nil
}

// Release returns stock. No inverse availability check is made.
func (l *inventoryLedger) Release(ctx context.Context, req StockRequest) error {
	if req.Quantity <= 0 {
		return nil
	}
	level, err := l.level(ctx, req)
	if err != nil {
		return err
	}
	if !level.Tracked {
		return nil
	}
	remaining, err := l.products.AdjustStock(ctx, repositories.StockAdjustment{
		ProductID:     req.ProductID,
		VariantID:     req.VariantID,
		Delta:         req.Quantity,
		AllowNegative: true,
	})
	if err != nil {
		return l.mapStockError(err, level, req)
	}
	l.logger(ctx, "inventory.released", map[string]any{
		"productId": req.ProductID,
		"variantId": req.VariantID,
		"quantity":  req.Quantity,
		"remaining": remaining,
	})
	return nil
}

func (l *inventoryLedger) level(ctx context.Context, req StockRequest) (StockLevel, error) {
	product, err := l.products.FindByID(ctx, req.ProductID)
	if err != nil {
		return StockLevel{}, l.mapLookupError(err, req.ProductID)
	}
	level := StockLevel{
		ProductID:      product.ID,
		Product:        product.Name,
		OnHand:         product.Quantity,
		Tracked:        product.TrackQuantity,
		AllowBackorder: product.AllowBackorder,
	}
	if req.VariantID != nil {
		variant, ok := product.Variant(*req.VariantID)
		if !ok {
			return StockLevel{}, productNotFound(req.ProductID)
		}
		level.VariantID = req.VariantID
		level.OnHand = variant.Quantity
		if variant.Name != "" {
			level.Product = product.Name + " (" + variant.Name + ")"
		}
	}
	return level, nil
}

func (l *inventoryLedger) mapLookupError(err error, productID int64) error {
	if repositories.IsNotFound(err) {
		return productNotFound(productID)
	}
	return mapRepositoryError(err, ErrProductNotFound)
}

func (l *inventoryLedger) mapStockError(err error, level StockLevel, req StockRequest) error {
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return &OrderError{
				Kind:      ErrInsufficientStock,
				ProductID: level.ProductID,
				Product:   level.Product,
				Available: max(invErr.Available, 0),
				Requested: req.Quantity,
			}
		case repositories.InventoryErrorStockNotFound:
			return productNotFound(req.ProductID)
		}
	}
	return mapRepositoryError(err, ErrProductNotFound)
}
