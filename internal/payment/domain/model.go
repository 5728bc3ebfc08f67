package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	// EventTypeCheckoutTopup is a one-time token pack purchase
	// (checkout.session.completed, mode=payment).
	EventTypeCheckoutTopup = "checkout.topup"
	// EventTypeCheckoutSubscription is a new subscription checkout
	// (checkout.session.completed, mode=subscription).
	EventTypeCheckoutSubscription = "checkout.subscription"
	// EventTypeInvoicePaid is a paid billing-cycle invoice (invoice.paid).
	EventTypeInvoicePaid = "invoice.paid"
	// EventTypeSubscriptionUpdated covers plan changes, status changes and
	// scheduled cancellations (customer.subscription.updated).
	EventTypeSubscriptionUpdated = "subscription.updated"
	// EventTypeSubscriptionDeleted ends the subscription
	// (customer.subscription.deleted).
	EventTypeSubscriptionDeleted = "subscription.deleted"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrUnknownCustomer  = errors.New("unknown_customer")
	ErrUnknownPlan      = errors.New("unknown_plan")
)

// PaymentEvent is the provider-neutral shape of a webhook event. Only the
// fields relevant to the event's Type are populated.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string

	// Checkout events identify the buyer directly.
	UserID            string
	CheckoutSessionID string
	SKU               string
	Tokens            int64

	// Subscription events identify the buyer through the provider customer.
	CustomerID       string
	SubscriptionID   string
	Status           string
	PriceID          string
	PeriodStart      time.Time
	CancellationTime *time.Time

	OccurredAt time.Time
	RawPayload []byte
}

// Adapter verifies and normalizes a provider's webhook delivery.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// Service ingests verified webhook deliveries and drives the token ledger.
// Redelivery is safe end to end: each resulting ledger operation carries an
// idempotency reference derived from the provider objects.
type Service interface {
	IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error
}
