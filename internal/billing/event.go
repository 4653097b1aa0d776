package billing

import (
	"context"
	"errors"
	"time"
)

// Event types the reconciler acts on. Anything else is acknowledged and
// ignored.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// ErrInvalidSignature is returned by a verifier when the payload cannot be
// authenticated. The webhook answers 400 and changes nothing.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// Event is a verified processor event reduced to the fields the reconciler
// needs. Exactly one of Subscription or Invoice is set for the types that
// carry one.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	Subscription *Subscription
	Invoice      *Invoice
}

// Subscription mirrors the processor subscription object.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// Invoice mirrors the processor invoice object.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// EventVerifier authenticates a raw webhook payload and decodes it.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (Event, error)
}

// Processor is the outbound half of the payment processor.
type Processor interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (customerID string, err error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
}

type CustomerParams struct {
	AccountID string
	Email     string
	Name      string
}

type CheckoutParams struct {
	AccountID  string
	CustomerID string
	PriceID    string
	TrialDays  int
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}
