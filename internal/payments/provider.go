// Package payments adapts hosted payment providers used by checkout.
package payments

import (
	"context"
	"errors"
	"time"
)

// EventCheckoutSessionCompleted is emitted once the customer finished a hosted checkout session.
const EventCheckoutSessionCompleted = "checkout.session.completed"

var (
	// ErrInvalidSignature is returned when a webhook payload does not match its signature header.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookNotConfigured is returned when no webhook signing secret was supplied.
	ErrWebhookNotConfigured = errors.New("payments: webhook secret not configured")
)

// CheckoutLineItem describes a single line item to include in a checkout session. UnitAmount is in minor units.
type CheckoutLineItem struct {
	Name        string
	Description string
	SKU         string
	Quantity    int64
	UnitAmount  int64
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
type CheckoutSessionRequest struct {
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
	// ShippingAmount and TaxAmount are charged as separate lines when positive.
	ShippingAmount int64
	TaxAmount      int64
	// ShippingCountries enables address collection on the hosted page when non-empty.
	ShippingCountries []string
}

// ShippingDetails is the address collected by the provider during checkout.
type ShippingDetails struct {
	Name       string
	Phone      string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// CheckoutSession represents the provider session returned to the client or carried in webhooks.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
	PaymentStatus   string
	CustomerEmail   string
	Metadata        map[string]string
	Shipping        *ShippingDetails
	ExpiresAt       time.Time
}

// Paid reports whether the provider considers the session paid.
func (s CheckoutSession) Paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// WebhookEvent is a verified provider event. Session is set for checkout session events only.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *CheckoutSession
}

// Provider defines the contract for hosted checkout adapters.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	// ConstructEvent verifies the signature header and decodes the payload. Failures wrap ErrInvalidSignature.
	ConstructEvent(payload []byte, signature string) (WebhookEvent, error)
}
