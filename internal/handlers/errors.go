package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/storefront-labs/orders-api/internal/platform/httpx"
	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
	"github.com/storefront-labs/orders-api/internal/services"
)

// writeServiceError maps service failures onto the JSON error envelope. Unclassified errors are logged and
// answered with a generic message.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var orderErr *services.OrderError
	if errors.As(err, &orderErr) {
		if apiErr, ok := orderErrorResponse(orderErr); ok {
			httpx.WriteError(ctx, w, apiErr)
			return
		}
	}

	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUnauthenticated):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_item_not_found", "order item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrUserNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("user_not_found", "user not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock", http.StatusBadRequest))
	case errors.Is(err, services.ErrDuplicateItem):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_item", "item already on the order", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderLocked):
		httpx.WriteError(ctx, w, httpx.NewError("order_locked", "order items can no longer change", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful can be written
	default:
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

func orderErrorResponse(e *services.OrderError) (httpx.Error, bool) {
	switch {
	case errors.Is(e.Kind, services.ErrInsufficientStock):
		return httpx.NewError("insufficient_stock", e.Error(), http.StatusBadRequest).WithDetails(map[string]any{
			"product":   e.Product,
			"available": e.Available,
			"requested": e.Requested,
		}), true
	case errors.Is(e.Kind, services.ErrDuplicateItem):
		return httpx.NewError("duplicate_item", e.Error(), http.StatusBadRequest).WithDetails(map[string]any{
			"product": e.Product,
		}), true
	case errors.Is(e.Kind, services.ErrOrderLocked):
		return httpx.NewError("order_locked", e.Error(), http.StatusBadRequest).WithDetails(map[string]any{
			"status": string(e.Status),
		}), true
	case errors.Is(e.Kind, services.ErrProductNotFound):
		return httpx.NewError("product_not_found", "product not found", http.StatusNotFound).WithDetails(map[string]any{
			"productId": e.ProductID,
		}), true
	}
	return httpx.Error{}, false
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}
