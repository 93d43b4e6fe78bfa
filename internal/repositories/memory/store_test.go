package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

const seedYAML = `
users:
  - id: 1
    email: ada@example.com
    firstName: Ada
    lastName: Lovelace
products:
  - id: 10
    name: Laptop
    sku: LAP-10
    price: "999.99"
    quantity: 5
  - id: 11
    name: T-Shirt
    sku: TEE-11
    price: "20.00"
    quantity: 0
    allowBackorder: true
    variants:
      - id: 110
        name: Large
        sku: TEE-11-L
        price: "22.50"
        quantity: 3
        options:
          size: L
`

func seededStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore()
	require.NoError(t, store.LoadSeed(context.Background(), strings.NewReader(seedYAML)))
	return store
}

func TestLoadSeedPopulatesCatalog(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	product, err := store.Products().FindByID(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, "T-Shirt", product.Name)
	assert.True(t, product.TrackQuantity)
	assert.True(t, product.Active)
	require.Len(t, product.Variants, 1)
	assert.True(t, product.Variants[0].Price.Equal(decimal.RequireFromString("22.50")))
	assert.Equal(t, "L", product.Variants[0].Options["size"])

	user, err := store.Users().FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
}

func TestLoadSeedRejectsUnknownFields(t *testing.T) {
	err := NewStore().LoadSeed(context.Background(), strings.NewReader("products:\n  - id: 1\n    colour: red\n"))
	require.Error(t, err)
}

func TestAdjustStockEnforcesAvailability(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	_, err := store.Products().AdjustStock(ctx, repositories.StockAdjustment{ProductID: 10, Delta: -6})
	var invErr *repositories.InventoryError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, repositories.InventoryErrorInsufficientStock, invErr.Code)
	assert.Equal(t, 5, invErr.Available)

	qty, err := store.Products().AdjustStock(ctx, repositories.StockAdjustment{ProductID: 10, Delta: -5})
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	variantID := int64(110)
	qty, err = store.Products().AdjustStock(ctx, repositories.StockAdjustment{ProductID: 11, VariantID: &variantID, Delta: -4, AllowNegative: true})
	require.NoError(t, err)
	assert.Equal(t, -1, qty)

	_, err = store.Products().AdjustStock(ctx, repositories.StockAdjustment{ProductID: 99, Delta: -1})
	assert.True(t, repositories.IsNotFound(err))
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := store.Products().AdjustStock(ctx, repositories.StockAdjustment{ProductID: 10, Delta: -2}); err != nil {
			return err
		}
		if err := store.Orders().Insert(ctx, domain.Order{ID: "ord_1", OrderNumber: "ORD-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	product, err := store.Products().FindByID(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, product.Quantity)
	_, err = store.Orders().FindByID(ctx, "ord_1")
	assert.True(t, repositories.IsNotFound(err))
}

func TestOrderInsertUniqueness(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: "ord_1", OrderNumber: "ORD-1", CheckoutSessionID: "cs_1"}))
	err := store.Orders().Insert(ctx, domain.Order{ID: "ord_2", OrderNumber: "ORD-1"})
	assert.ErrorIs(t, err, repositories.ErrOrderNumberTaken)
	err = store.Orders().Insert(ctx, domain.Order{ID: "ord_3", OrderNumber: "ORD-3", CheckoutSessionID: "cs_1"})
	assert.ErrorIs(t, err, repositories.ErrCheckoutSessionProcessed)
}

func TestOrderItemsLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	userID := int64(1)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Orders().Insert(ctx, domain.Order{
		ID: "ord_b", OrderNumber: "ORD-B", UserID: &userID, CreatedAt: base.Add(time.Minute),
		Items: []domain.OrderItem{{ID: "itm_1", ProductID: 10, Quantity: 1}},
	}))
	require.NoError(t, store.Orders().Insert(ctx, domain.Order{
		ID: "ord_a", OrderNumber: "ORD-A", UserID: &userID, CreatedAt: base,
	}))

	orders, err := store.Orders().ListByUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ord_a", orders[0].ID)
	assert.Equal(t, "ord_b", orders[1].ID)
	require.Len(t, orders[1].Items, 1)
	assert.Equal(t, "ord_b", orders[1].Items[0].OrderID)

	require.NoError(t, store.Orders().InsertItem(ctx, domain.OrderItem{ID: "itm_2", OrderID: "ord_b", ProductID: 11, Quantity: 2}))
	require.NoError(t, store.Orders().DeleteItem(ctx, "ord_b", "itm_1"))
	assert.True(t, repositories.IsNotFound(store.Orders().DeleteItem(ctx, "ord_b", "itm_1")))

	order, err := store.Orders().FindByID(ctx, "ord_b")
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "itm_2", order.Items[0].ID)

	require.NoError(t, store.Orders().Delete(ctx, "ord_b"))
	_, err = store.Orders().FindByID(ctx, "ord_b")
	assert.True(t, repositories.IsNotFound(err))
	assert.True(t, repositories.IsNotFound(store.Orders().Delete(ctx, "ord_b")))
}
