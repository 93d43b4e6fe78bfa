package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/storefront-labs/orders-api/internal/domain"
)

// PricingPolicy holds the tax rate and flat shipping fee applied to every order.
type PricingPolicy struct {
	TaxRate      decimal.Decimal
	FlatShipping decimal.Decimal
}

// DefaultPricingPolicy is 10% tax and a 10.00 flat shipping fee.
func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		TaxRate:      decimal.RequireFromString("0.10"),
		FlatShipping: decimal.RequireFromString("10.00"),
	}
}

// PricingCalculator derives order totals from priced lines.
type PricingCalculator struct {
	policy PricingPolicy
}

// NewPricingCalculator constructs a calculator for the policy.
func NewPricingCalculator(policy PricingPolicy) *PricingCalculator {
	return &PricingCalculator{policy: policy}
}

// LineTotal is unit price times quantity, rounded to money precision.
func (c *PricingCalculator) LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return domain.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

// Price computes subtotal, tax, shipping, discount and total. Tax is rounded half away from zero.
func (c *PricingCalculator) Price(lines []PricedLine) OrderTotals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(c.LineTotal(line.UnitPrice, line.Quantity))
	}
	tax := domain.RoundMoney(subtotal.Mul(c.policy.TaxRate))
	shipping := domain.RoundMoney(c.policy.FlatShipping)
	discount := decimal.Zero
	return OrderTotals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    subtotal.Add(tax).Add(shipping).Sub(discount),
	}
}

// Reprice recomputes totals from persisted order items.
func (c *PricingCalculator) Reprice(items []OrderItem) OrderTotals {
	lines := make([]PricedLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, PricedLine{UnitPrice: item.UnitPrice, Quantity: item.Quantity})
	}
	return c.Price(lines)
}
