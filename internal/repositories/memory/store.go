// Package memory provides an in-process implementation of the repository registry used for local
// development and tests. Transactions hold a store-wide lock and roll back by restoring a snapshot.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

// Error implements repositories.RepositoryError for the memory store.
type Error struct {
	op       string
	err      error
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error       { return e.err }
func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return false }

var errNotFound = errors.New("not found")

func notFound(op string) error {
	return &Error{op: op, err: errNotFound, notFound: true}
}

type state struct {
	products     map[int64]domain.Product
	variants     map[int64]domain.ProductVariant
	users        map[int64]domain.User
	orders       map[string]domain.Order
	items        map[string][]domain.OrderItem
	orderNumbers map[string]string
	sessions     map[string]string
}

func newState() *state {
	return &state{
		products:     make(map[int64]domain.Product),
		variants:     make(map[int64]domain.ProductVariant),
		users:        make(map[int64]domain.User),
		orders:       make(map[string]domain.Order),
		items:        make(map[string][]domain.OrderItem),
		orderNumbers: make(map[string]string),
		sessions:     make(map[string]string),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.variants {
		out.variants[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.items {
		out.items[k] = append([]domain.OrderItem(nil), v...)
	}
	for k, v := range s.orderNumbers {
		out.orderNumbers[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	return out
}

// Store is a registry backed by process memory.
type Store struct {
	mu   sync.RWMutex
	data *state
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: newState()}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) rlock(ctx context.Context) {
	if !s.inTx(ctx) {
		s.mu.RLock()
	}
}

func (s *Store) runlock(ctx context.Context) {
	if !s.inTx(ctx) {
		s.mu.RUnlock()
	}
}

func (s *Store) wlock(ctx context.Context) {
	if !s.inTx(ctx) {
		s.mu.Lock()
	}
}

func (s *Store) wunlock(ctx context.Context) {
	if !s.inTx(ctx) {
		s.mu.Unlock()
	}
}

// RunInTx serialises fn against every other store access and discards its writes when fn fails.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	err := fn(context.WithValue(ctx, txKey{}, s))
	if err != nil {
		s.data = snapshot
	}
	return err
}

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

// Ping implements repositories.Registry.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Products() repositories.ProductRepository { return productRepository{store: s} }
func (s *Store) Users() repositories.UserRepository       { return userRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository     { return orderRepository{store: s} }

type productRepository struct{ store *Store }

func (r productRepository) FindByID(ctx context.Context, productID int64) (domain.Product, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	return r.store.data.product(productID)
}

func (s *state) product(productID int64) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, notFound("memory: product")
	}
	product.Variants = nil
	for _, variant := range s.variants {
		if variant.ProductID == productID {
			product.Variants = append(product.Variants, variant)
		}
	}
	sort.Slice(product.Variants, func(i, j int) bool { return product.Variants[i].ID < product.Variants[j].ID })
	return product, nil
}

func (r productRepository) FindVariant(ctx context.Context, variantID int64) (domain.ProductVariant, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	variant, ok := r.store.data.variants[variantID]
	if !ok {
		return domain.ProductVariant{}, notFound("memory: variant")
	}
	return variant, nil
}

func (r productRepository) AdjustStock(ctx context.Context, adj repositories.StockAdjustment) (int, error) {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)

	data := r.store.data
	if adj.VariantID != nil {
		variant, ok := data.variants[*adj.VariantID]
		if !ok || variant.ProductID != adj.ProductID {
			return 0, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "memory: variant not found", nil)
		}
		next := variant.Quantity + adj.Delta
		if next < 0 && !adj.AllowNegative {
			return 0, repositories.NewInsufficientStockError("memory: adjust stock", adj.ProductID, -adj.Delta, variant.Quantity)
		}
		variant.Quantity = next
		data.variants[variant.ID] = variant
		return next, nil
	}

	product, ok := data.products[adj.ProductID]
	if !ok {
		return 0, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "memory: product not found", nil)
	}
	next := product.Quantity + adj.Delta
	if next < 0 && !adj.AllowNegative {
		return 0, repositories.NewInsufficientStockError("memory: adjust stock", adj.ProductID, -adj.Delta, product.Quantity)
	}
	product.Quantity = next
	data.products[product.ID] = product
	return next, nil
}

func (r productRepository) Upsert(ctx context.Context, product domain.Product) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)

	data := r.store.data
	for id, variant := range data.variants {
		if variant.ProductID == product.ID {
			delete(data.variants, id)
		}
	}
	for _, variant := range product.Variants {
		variant.ProductID = product.ID
		data.variants[variant.ID] = variant
	}
	product.Variants = nil
	data.products[product.ID] = product
	return nil
}

type userRepository struct{ store *Store }

func (r userRepository) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	user, ok := r.store.data.users[userID]
	if !ok {
		return domain.User{}, notFound("memory: user")
	}
	return user, nil
}

func (r userRepository) Upsert(ctx context.Context, user domain.User) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	r.store.data.users[user.ID] = user
	return nil
}

type orderRepository struct{ store *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)

	data := r.store.data
	if _, exists := data.orders[order.ID]; exists {
		return &Error{op: "memory: insert order", err: fmt.Errorf("order %s already exists", order.ID), conflict: true}
	}
	if _, taken := data.orderNumbers[order.OrderNumber]; taken {
		return fmt.Errorf("memory: insert order: %w", repositories.ErrOrderNumberTaken)
	}
	if order.CheckoutSessionID != "" {
		if _, used := data.sessions[order.CheckoutSessionID]; used {
			return fmt.Errorf("memory: insert order: %w", repositories.ErrCheckoutSessionProcessed)
		}
		data.sessions[order.CheckoutSessionID] = order.ID
	}
	data.orderNumbers[order.OrderNumber] = order.ID

	items := append([]domain.OrderItem(nil), order.Items...)
	for i := range items {
		items[i].OrderID = order.ID
	}
	order.Items = nil
	order.User = nil
	data.orders[order.ID] = order
	data.items[order.ID] = items
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	order, ok := r.store.data.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("memory: order")
	}
	return r.store.data.withItems(order), nil
}

func (s *state) withItems(order domain.Order) domain.Order {
	order.Items = append([]domain.OrderItem(nil), s.items[order.ID]...)
	return order
}

func (r orderRepository) List(ctx context.Context) ([]domain.Order, error) {
	return r.filter(ctx, func(domain.Order) bool { return true }), nil
}

func (r orderRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	return r.filter(ctx, func(order domain.Order) bool {
		return order.UserID != nil && *order.UserID == userID
	}), nil
}

func (r orderRepository) filter(ctx context.Context, keep func(domain.Order) bool) []domain.Order {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)

	out := make([]domain.Order, 0)
	for _, order := range r.store.data.orders {
		if keep(order) {
			out = append(out, r.store.data.withItems(order))
		}
	}
	sortChronologically(out)
	return out
}

func sortChronologically(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	if _, ok := r.store.data.orders[order.ID]; !ok {
		return notFound("memory: update order")
	}
	order.Items = nil
	order.User = nil
	r.store.data.orders[order.ID] = order
	return nil
}

func (r orderRepository) Delete(ctx context.Context, orderID string) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)

	data := r.store.data
	order, ok := data.orders[orderID]
	if !ok {
		return notFound("memory: delete order")
	}
	delete(data.items, orderID)
	delete(data.orders, orderID)
	delete(data.orderNumbers, order.OrderNumber)
	return nil
}

func (r orderRepository) InsertItem(ctx context.Context, item domain.OrderItem) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	if _, ok := r.store.data.orders[item.OrderID]; !ok {
		return notFound("memory: insert order item")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	r.store.data.items[item.OrderID] = append(r.store.data.items[item.OrderID], item)
	return nil
}

func (r orderRepository) DeleteItem(ctx context.Context, orderID string, itemID string) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)

	items := r.store.data.items[orderID]
	for i, item := range items {
		if item.ID == itemID {
			r.store.data.items[orderID] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return notFound("memory: delete order item")
}
