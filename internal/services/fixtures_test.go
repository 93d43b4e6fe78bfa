package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories/memory"
)

const catalogYAML = `
users:
  - id: 7
    email: ada@example.com
    firstName: Ada
    lastName: Lovelace
products:
  - id: 1
    name: Laptop
    sku: LAP-1
    price: "999.99"
    quantity: 5
  - id: 2
    name: Phone
    sku: PHN-2
    price: "699.99"
    quantity: 10
  - id: 3
    name: T-Shirt
    sku: TEE-3
    price: "20.00"
    comparePrice: "25.00"
    quantity: 0
    variants:
      - id: 31
        name: Large
        sku: TEE-3-L
        price: "22.50"
        quantity: 4
  - id: 4
    name: Discontinued
    sku: OLD-4
    price: "5.00"
    quantity: 100
    active: false
  - id: 5
    name: Gift Card
    sku: GFT-5
    price: "50.00"
    trackQuantity: false
`

var fixedNow = time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type memoryHarness struct {
	store   *memory.Store
	ledger  InventoryLedger
	builder OrderBuilder
	orders  OrderService
	events  *recordingPublisher
}

func newMemoryHarness(t *testing.T) *memoryHarness {
	t.Helper()
	store := memory.NewStore()
	if err := store.LoadSeed(context.Background(), strings.NewReader(catalogYAML)); err != nil {
		t.Fatalf("load seed: %v", err)
	}

	ledger, err := NewInventoryLedger(InventoryLedgerDeps{Products: store.Products()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	pricing := NewPricingCalculator(DefaultPricingPolicy())
	builder, err := NewOrderBuilder(OrderBuilderDeps{
		Products: store.Products(),
		Ledger:   ledger,
		Pricing:  pricing,
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	events := &recordingPublisher{}
	orders, err := NewOrderService(OrderServiceDeps{
		Products:   store.Products(),
		Users:      store.Users(),
		Orders:     store.Orders(),
		Ledger:     ledger,
		Pricing:    pricing,
		UnitOfWork: store,
		Clock:      func() time.Time { return fixedNow },
		Events:     events,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return &memoryHarness{store: store, ledger: ledger, builder: builder, orders: orders, events: events}
}

func (h *memoryHarness) stock(t *testing.T, productID int64) int {
	t.Helper()
	product, err := h.store.Products().FindByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("find product %d: %v", productID, err)
	}
	return product.Quantity
}

func (h *memoryHarness) variantStock(t *testing.T, productID, variantID int64) int {
	t.Helper()
	product, err := h.store.Products().FindByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("find product %d: %v", productID, err)
	}
	variant, ok := product.Variant(variantID)
	if !ok {
		t.Fatalf("variant %d missing", variantID)
	}
	return variant.Quantity
}

// advance walks the order through each status in turn.
func (h *memoryHarness) advance(t *testing.T, orderID string, statuses ...string) {
	t.Helper()
	for _, status := range statuses {
		if _, err := h.orders.UpdateStatus(context.Background(), UpdateOrderCommand{OrderID: orderID, Status: valuePtr(status)}); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}
}

// place builds and creates an order for user 7 in one transaction.
func (h *memoryHarness) place(t *testing.T, lines ...CartLine) (Order, error) {
	t.Helper()
	var order Order
	err := h.store.RunInTx(context.Background(), func(ctx context.Context) error {
		draft, err := h.builder.Build(ctx, BuildRequest{
			UserID:          valuePtr(int64(7)),
			Email:           "ada@example.com",
			ShippingAddress: testAddress(),
			Items:           lines,
		})
		if err != nil {
			return err
		}
		order, err = h.orders.Create(ctx, draft, CreateOrderOptions{})
		return err
	})
	return order, err
}

func testAddress() Address {
	return domain.Address{
		FirstName:  "Ada",
		LastName:   "Lovelace",
		Line1:      "12 Analytical Way",
		City:       "London",
		State:      "LDN",
		PostalCode: "N1 9GU",
		Country:    "gb",
	}
}
