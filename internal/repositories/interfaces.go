package repositories

import (
	"context"
	"errors"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

var (
	// ErrOrderNumberTaken is returned by OrderRepository.Insert when the order number already exists.
	ErrOrderNumberTaken = errors.New("repositories: order number already taken")
	// ErrCheckoutSessionProcessed is returned by OrderRepository.Insert when an order already exists for the
	// checkout session.
	ErrCheckoutSessionProcessed = errors.New("repositories: checkout session already fulfilled")
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	// Ping verifies the backing store is reachable; used by readiness checks.
	Ping(ctx context.Context) error

	Products() ProductRepository
	Users() UserRepository
	Orders() OrderRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repository calls made with the
// context passed to fn participate in the transaction; nested RunInTx calls join the outer transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// StockAdjustment changes on-hand quantity for a product or, when VariantID is set, one of its variants.
type StockAdjustment struct {
	ProductID int64
	VariantID *int64
	Delta     int
	// AllowNegative permits the resulting quantity to drop below zero (backorders).
	AllowNegative bool
}

// ProductRepository reads catalog entries and mutates their stock counters.
type ProductRepository interface {
	// FindByID returns the product with its variants. Returns a RepositoryError with IsNotFound when absent.
	FindByID(ctx context.Context, productID int64) (domain.Product, error)
	FindVariant(ctx context.Context, variantID int64) (domain.ProductVariant, error)
	// AdjustStock locks the stock row, applies Delta and returns the new on-hand quantity. Decrements that
	// would go negative without AllowNegative fail with an InventoryError carrying the available quantity.
	AdjustStock(ctx context.Context, adj StockAdjustment) (int, error)
	Upsert(ctx context.Context, product domain.Product) error
}

// UserRepository resolves customer summaries.
type UserRepository interface {
	FindByID(ctx context.Context, userID int64) (domain.User, error)
	Upsert(ctx context.Context, user domain.User) error
}

// OrderRepository persists orders together with their items.
type OrderRepository interface {
	// Insert stores the order header and all of its items. Returns ErrOrderNumberTaken when the order number
	// collides and ErrCheckoutSessionProcessed when CheckoutSessionID was already used.
	Insert(ctx context.Context, order domain.Order) error
	// FindByID returns the order with its items ordered by creation.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// List returns every order with items, ascending by creation time.
	List(ctx context.Context) ([]domain.Order, error)
	// ListByUser returns a user's orders with items, ascending by creation time.
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
	// Update overwrites the order header. Items are not touched.
	Update(ctx context.Context, order domain.Order) error
	// Delete removes the order and its items.
	Delete(ctx context.Context, orderID string) error
	InsertItem(ctx context.Context, item domain.OrderItem) error
	DeleteItem(ctx context.Context, orderID string, itemID string) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// IsNotFound reports whether err is a RepositoryError flagged as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
