package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/storefront-labs/orders-api/internal/domain"
	"github.com/storefront-labs/orders-api/internal/repositories"
)

type stubLedger struct {
	checkFn   func(context.Context, StockRequest) (StockLevel, error)
	reserveFn func(context.Context, StockRequest) error
	releaseFn func(context.Context, StockRequest) error
}

func (s *stubLedger) Check(ctx context.Context, req StockRequest) (StockLevel, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, req)
	}
	return StockLevel{ProductID: req.ProductID, OnHand: req.Quantity, Tracked: true}, nil
}

func (s *stubLedger) Reserve(ctx context.Context, req StockRequest) error {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, req)
	}
	return nil
}

func (s *stubLedger) Release(ctx context.Context, req StockRequest) error {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, req)
	}
	return nil
}

type stubProductRepo struct {
	findFn    func(context.Context, int64) (domain.Product, error)
	variantFn func(context.Context, int64) (domain.ProductVariant, error)
	adjustFn  func(context.Context, repositories.StockAdjustment) (int, error)
}

func (s *stubProductRepo) FindByID(ctx context.Context, productID int64) (domain.Product, error) {
	if s.findFn != nil {
		return s.findFn(ctx, productID)
	}
	return domain.Product{}, errors.New("not implemented")
}

func (s *stubProductRepo) FindVariant(ctx context.Context, variantID int64) (domain.ProductVariant, error) {
	if s.variantFn != nil {
		return s.variantFn(ctx, variantID)
	}
	return domain.ProductVariant{}, errors.New("not implemented")
}

func (s *stubProductRepo) AdjustStock(ctx context.Context, adj repositories.StockAdjustment) (int, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, adj)
	}
	return 0, nil
}

func (s *stubProductRepo) Upsert(context.Context, domain.Product) error { return nil }

var _ InventoryLedger = (*stubLedger)(nil)
var _ repositories.ProductRepository = (*stubProductRepo)(nil)

func TestOrderBuilderBuildPricesSnapshot(t *testing.T) {
	h := newMemoryHarness(t)

	draft, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		Email:           "  Ada@Example.com ",
		ShippingAddress: testAddress(),
		Notes:           "<b>leave at door</b>",
		Items: []CartLine{
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(draft.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(draft.Items))
	}
	if domain.FormatMoney(draft.Totals.Total) != "2649.97" {
		t.Fatalf("expected total 2649.97, got %s", domain.FormatMoney(draft.Totals.Total))
	}
	if draft.Items[1].SKU != "PHN-2" || domain.FormatMoney(draft.Items[1].LineTotal) != "1399.98" {
		t.Fatalf("unexpected phone line %+v", draft.Items[1])
	}
	if draft.Email != "ada@example.com" {
		t.Fatalf("expected normalised email, got %q", draft.Email)
	}
	if draft.Notes != "leave at door" {
		t.Fatalf("expected markup stripped, got %q", draft.Notes)
	}
	if draft.ShippingAddress.Country != "GB" {
		t.Fatalf("expected upper-case country, got %q", draft.ShippingAddress.Country)
	}
	if h.stock(t, 1) != 5 {
		t.Fatalf("build must not touch stock")
	}
}

func TestOrderBuilderVariantSnapshotPrecedence(t *testing.T) {
	h := newMemoryHarness(t)

	draft, err := h.builder.Build(context.Background(), BuildRequest{
		Email:           "guest@example.com",
		ShippingAddress: testAddress(),
		Items:           []CartLine{{VariantID: valuePtr(int64(31)), Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	item := draft.Items[0]
	if item.ProductID != 3 || item.VariantName != "Large" || item.SKU != "TEE-3-L" {
		t.Fatalf("unexpected variant snapshot %+v", item)
	}
	if domain.FormatMoney(item.UnitPrice) != "22.50" {
		t.Fatalf("expected variant price 22.50, got %s", domain.FormatMoney(item.UnitPrice))
	}
	if item.ComparePrice == nil || domain.FormatMoney(*item.ComparePrice) != "25.00" {
		t.Fatalf("expected product compare price fallback, got %v", item.ComparePrice)
	}
}

func TestOrderBuilderInsufficientStockReportsAvailable(t *testing.T) {
	h := newMemoryHarness(t)

	_, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		ShippingAddress: testAddress(),
		Items:           []CartLine{{ProductID: 1, Quantity: 6}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("expected OrderError, got %T", err)
	}
	if orderErr.Available != 5 || orderErr.Requested != 6 || orderErr.Product != "Laptop" {
		t.Fatalf("unexpected error detail %+v", orderErr)
	}
}

func TestOrderBuilderMergesDuplicateLinesBeforeStockCheck(t *testing.T) {
	h := newMemoryHarness(t)

	_, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		ShippingAddress: testAddress(),
		Items: []CartLine{
			{ProductID: 1, Quantity: 3},
			{ProductID: 1, Quantity: 3},
		},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected merged quantity to exceed stock, got %v", err)
	}

	draft, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		ShippingAddress: testAddress(),
		Items: []CartLine{
			{ProductID: 2, Quantity: 1},
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(draft.Items) != 2 || draft.Items[0].ProductID != 2 || draft.Items[0].Quantity != 3 {
		t.Fatalf("expected merged phone line first, got %+v", draft.Items)
	}
}

func TestOrderBuilderMergesVariantLinesAfterResolution(t *testing.T) {
	h := newMemoryHarness(t)

	_, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		ShippingAddress: testAddress(),
		Items: []CartLine{
			{VariantID: valuePtr(int64(31)), Quantity: 3},
			{ProductID: 3, VariantID: valuePtr(int64(31)), Quantity: 2},
		},
	})
	var orderErr *OrderError
	if !errors.Is(err, ErrInsufficientStock) || !errors.As(err, &orderErr) {
		t.Fatalf("expected insufficient stock for the combined variant lines, got %v", err)
	}
	if orderErr.Available != 4 || orderErr.Requested != 5 {
		t.Fatalf("expected 5 requested against 4 available, got %+v", orderErr)
	}

	draft, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		ShippingAddress: testAddress(),
		Items: []CartLine{
			{VariantID: valuePtr(int64(31)), Quantity: 2},
			{ProductID: 1, Quantity: 1},
			{ProductID: 3, VariantID: valuePtr(int64(31)), Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(draft.Items) != 2 {
		t.Fatalf("expected variant lines merged into one, got %+v", draft.Items)
	}
	first := draft.Items[0]
	if first.ProductID != 3 || first.VariantID == nil || *first.VariantID != 31 || first.Quantity != 3 {
		t.Fatalf("unexpected merged variant line %+v", first)
	}
	if domain.FormatMoney(first.LineTotal) != "67.50" {
		t.Fatalf("expected line total 67.50, got %s", domain.FormatMoney(first.LineTotal))
	}
}

func TestOrderBuilderValidation(t *testing.T) {
	builder, err := NewOrderBuilder(OrderBuilderDeps{
		Products: &stubProductRepo{},
		Ledger:   &stubLedger{},
	})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	incomplete := testAddress()
	incomplete.City = " "

	cases := map[string]BuildRequest{
		"no items":         {UserID: valuePtr(int64(7)), ShippingAddress: testAddress()},
		"zero quantity":    {UserID: valuePtr(int64(7)), ShippingAddress: testAddress(), Items: []CartLine{{ProductID: 1}}},
		"missing product":  {UserID: valuePtr(int64(7)), ShippingAddress: testAddress(), Items: []CartLine{{Quantity: 1}}},
		"address":          {UserID: valuePtr(int64(7)), ShippingAddress: incomplete, Items: []CartLine{{ProductID: 1, Quantity: 1}}},
		"guest email":      {ShippingAddress: testAddress(), Items: []CartLine{{ProductID: 1, Quantity: 1}}},
		"malformed email":  {Email: "not-an-email", ShippingAddress: testAddress(), Items: []CartLine{{ProductID: 1, Quantity: 1}}},
		"quantity ceiling": {UserID: valuePtr(int64(7)), ShippingAddress: testAddress(), Items: []CartLine{{ProductID: 1, Quantity: maxLineQuantity + 1}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := builder.Build(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestOrderBuilderDeferShippingSkipsAddress(t *testing.T) {
	h := newMemoryHarness(t)
	draft, err := h.builder.Build(context.Background(), BuildRequest{
		UserID:        valuePtr(int64(7)),
		Items:         []CartLine{{ProductID: 5, Quantity: 3}},
		DeferShipping: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if domain.FormatMoney(draft.Totals.Subtotal) != "150.00" {
		t.Fatalf("unexpected subtotal %s", domain.FormatMoney(draft.Totals.Subtotal))
	}
}

func TestOrderBuilderProductNotFound(t *testing.T) {
	h := newMemoryHarness(t)

	cases := map[string]CartLine{
		"unknown product":  {ProductID: 999, Quantity: 1},
		"inactive product": {ProductID: 4, Quantity: 1},
		"foreign variant":  {ProductID: 1, VariantID: valuePtr(int64(31)), Quantity: 1},
		"unknown variant":  {VariantID: valuePtr(int64(777)), Quantity: 1},
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.builder.Build(context.Background(), BuildRequest{
				UserID:          valuePtr(int64(7)),
				ShippingAddress: testAddress(),
				Items:           []CartLine{line},
			})
			if !errors.Is(err, ErrProductNotFound) {
				t.Fatalf("expected ErrProductNotFound, got %v", err)
			}
		})
	}
}

func TestOrderBuilderSurfacesUnavailableStore(t *testing.T) {
	products := &stubProductRepo{
		findFn: func(context.Context, int64) (domain.Product, error) {
			return domain.Product{}, unavailableErr{}
		},
	}
	ledger, err := NewInventoryLedger(InventoryLedgerDeps{Products: products})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	builder, err := NewOrderBuilder(OrderBuilderDeps{Products: products, Ledger: ledger})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	_, err = builder.Build(context.Background(), BuildRequest{
		UserID:          valuePtr(int64(7)),
		ShippingAddress: testAddress(),
		Items:           []CartLine{{ProductID: 1, Quantity: 1}},
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

type unavailableErr struct{}

func (unavailableErr) Error() string       { return "store offline" }
func (unavailableErr) IsNotFound() bool    { return false }
func (unavailableErr) IsConflict() bool    { return false }
func (unavailableErr) IsUnavailable() bool { return true }
