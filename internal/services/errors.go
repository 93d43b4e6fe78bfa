package services

import (
	"errors"
	"fmt"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

var (
	// ErrInvalidRequest signals the caller provided invalid data.
	ErrInvalidRequest = errors.New("order: invalid request")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrUnauthenticated indicates the operation requires a caller identity.
	ErrUnauthenticated = errors.New("order: authentication required")
	// ErrForbidden indicates the caller may not access the order.
	ErrForbidden = errors.New("order: forbidden")
	// ErrProductNotFound indicates a referenced product or variant does not exist or is inactive.
	ErrProductNotFound = errors.New("order: product not found")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderItemNotFound indicates the order item could not be located on the order.
	ErrOrderItemNotFound = errors.New("order: item not found")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("order: user not found")
	// ErrInsufficientStock indicates stock could not cover the requested quantity.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrDuplicateItem indicates the order already has a line for the product and variant.
	ErrDuplicateItem = errors.New("order: duplicate item")
	// ErrOrderLocked indicates items can no longer change in the order's status.
	ErrOrderLocked = errors.New("order: locked")
	// ErrInvalidSignature indicates a webhook payload failed signature verification.
	ErrInvalidSignature = errors.New("checkout: invalid webhook signature")
	// ErrUnavailable indicates a dependency could not be reached.
	ErrUnavailable = errors.New("order: dependency unavailable")
)

// OrderError carries the product or order context of a failure. Kind is one of the sentinels above and is
// matched through errors.Is.
type OrderError struct {
	Kind      error
	ProductID int64
	Product   string
	Available int
	Requested int
	Status    domain.OrderStatus
}

func (e *OrderError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrInsufficientStock):
		return fmt.Sprintf("%v: %s has %d available, %d requested", e.Kind, e.Product, e.Available, e.Requested)
	case errors.Is(e.Kind, ErrDuplicateItem):
		return fmt.Sprintf("%v: %s is already on the order", e.Kind, e.Product)
	case errors.Is(e.Kind, ErrOrderLocked):
		return fmt.Sprintf("%v: items cannot change while %s", e.Kind, e.Status)
	case errors.Is(e.Kind, ErrProductNotFound):
		return fmt.Sprintf("%v: %d", e.Kind, e.ProductID)
	}
	return e.Kind.Error()
}

func (e *OrderError) Unwrap() error { return e.Kind }

func productNotFound(productID int64) error {
	return &OrderError{Kind: ErrProductNotFound, ProductID: productID}
}

// mapRepositoryError translates persistence failures into service sentinels. notFound selects the sentinel
// returned for missing rows.
func mapRepositoryError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var orderErr *OrderError
	if errors.As(err, &orderErr) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
