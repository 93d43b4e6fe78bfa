package handlers

import (
	"context"
	"errors"

	"github.com/storefront-labs/orders-api/internal/platform/auth"
	"github.com/storefront-labs/orders-api/internal/services"
)

type stubOrderService struct {
	createFn     func(context.Context, services.OrderDraft, services.CreateOrderOptions) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context) ([]services.Order, error)
	listByUserFn func(context.Context, int64) ([]services.Order, error)
	updateFn     func(context.Context, services.UpdateOrderCommand) (services.Order, error)
	addItemFn    func(context.Context, services.AddItemCommand) (services.OrderItem, error)
	removeItemFn func(context.Context, string, string) (services.OrderItem, error)
	deleteFn     func(context.Context, string) error
}

func (s *stubOrderService) Create(ctx context.Context, draft services.OrderDraft, opts services.CreateOrderOptions) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, draft, opts)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) List(ctx context.Context) ([]services.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return nil, nil
}

func (s *stubOrderService) ListByUser(ctx context.Context, userID int64) ([]services.Order, error) {
	if s.listByUserFn != nil {
		return s.listByUserFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderCommand) (services.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) AddItem(ctx context.Context, cmd services.AddItemCommand) (services.OrderItem, error) {
	if s.addItemFn != nil {
		return s.addItemFn(ctx, cmd)
	}
	return services.OrderItem{}, errors.New("not implemented")
}

func (s *stubOrderService) RemoveItem(ctx context.Context, orderID, itemID string) (services.OrderItem, error) {
	if s.removeItemFn != nil {
		return s.removeItemFn(ctx, orderID, itemID)
	}
	return services.OrderItem{}, errors.New("not implemented")
}

func (s *stubOrderService) Delete(ctx context.Context, orderID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID)
	}
	return errors.New("not implemented")
}

type stubCheckoutService struct {
	placeFn   func(context.Context, services.PlaceOrderCommand) (services.Order, error)
	sessionFn func(context.Context, services.CreateSessionCommand) (services.CheckoutSessionResult, error)
	webhookFn func(context.Context, []byte, string) error
	retryFn   func(context.Context, services.FulfillmentFailure) error
}

func (s *stubCheckoutService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.Order, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubCheckoutService) CreateSession(ctx context.Context, cmd services.CreateSessionCommand) (services.CheckoutSessionResult, error) {
	if s.sessionFn != nil {
		return s.sessionFn(ctx, cmd)
	}
	return services.CheckoutSessionResult{}, errors.New("not implemented")
}

func (s *stubCheckoutService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, payload, signature)
	}
	return nil
}

func (s *stubCheckoutService) RetryFulfillment(ctx context.Context, failure services.FulfillmentFailure) error {
	if s.retryFn != nil {
		return s.retryFn(ctx, failure)
	}
	return nil
}

var (
	_ services.OrderService    = (*stubOrderService)(nil)
	_ services.CheckoutService = (*stubCheckoutService)(nil)
)

func customer(id int64) *auth.Identity {
	return &auth.Identity{UserID: id, Email: "customer@example.com", Roles: []string{auth.RoleUser}}
}

func staffMember(id int64) *auth.Identity {
	return &auth.Identity{UserID: id, Email: "ops@example.com", Roles: []string{auth.RoleStaff}}
}
