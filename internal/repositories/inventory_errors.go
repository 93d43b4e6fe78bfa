package repositories

import "fmt"

// InventoryErrorCode classifies a failed stock adjustment.
type InventoryErrorCode string

const (
	InventoryErrorUnknown           InventoryErrorCode = "inventory_unknown"
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	InventoryErrorStockNotFound     InventoryErrorCode = "inventory_stock_not_found"
)

// InventoryError is returned by AdjustStock. Available is only meaningful for
// InventoryErrorInsufficientStock and holds the quantity left when the adjustment was refused.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	Message   string
	Available int
	Err       error
}

func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Code: code, Message: message, Err: err}
}

func NewInsufficientStockError(op string, productID int64, requested, available int) *InventoryError {
	return &InventoryError{
		Op:        op,
		Code:      InventoryErrorInsufficientStock,
		Message:   fmt.Sprintf("product %d: requested %d, available %d", productID, requested, available),
		Available: available,
	}
}

func (e *InventoryError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op == "":
		return e.Message
	default:
		return e.Op + ": " + e.Message
	}
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RepositoryError classification: a missing product or variant is not-found, a refused decrement is a
// conflict. Outages never surface as InventoryError.
func (e *InventoryError) IsNotFound() bool    { return e != nil && e.Code == InventoryErrorStockNotFound }
func (e *InventoryError) IsConflict() bool    { return e != nil && e.Code == InventoryErrorInsufficientStock }
func (e *InventoryError) IsUnavailable() bool { return false }
