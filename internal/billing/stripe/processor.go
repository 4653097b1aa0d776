package stripe

import (
	"context"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ylayali/family-coloring-page-generator/internal/billing"
)

var _ billing.Processor = (*Processor)(nil)

// Processor creates customers and checkout sessions through the Stripe API.
//
// It uses its own client.API rather than the package-level stripe.Key, so
// several processors (and tests) can coexist in one process.
type Processor struct {
	api *client.API
}

func NewProcessor(secretKey string) *Processor {
	return newProcessorWithBackends(secretKey, nil)
}

func newProcessorWithBackends(secretKey string, backends *stripelib.Backends) *Processor {
	api := &client.API{}
	api.Init(strings.TrimSpace(secretKey), backends)
	return &Processor{api: api}
}

// CreateCustomer registers the account with Stripe and returns the
// customer id. The account id is kept in metadata for support lookups and
// doubles as the idempotency key, so a retried or concurrent request for
// the same account yields the same customer.
func (p *Processor) CreateCustomer(ctx context.Context, params billing.CustomerParams) (string, error) {
	cp := &stripelib.CustomerParams{
		Email: stripelib.String(params.Email),
	}
	if params.Name != "" {
		cp.Name = stripelib.String(params.Name)
	}
	cp.Context = ctx
	cp.SetIdempotencyKey(customerIdempotencyKey(params.AccountID))
	cp.AddMetadata("accountId", params.AccountID)

	c, err := p.api.Customers.New(cp)
	if err != nil {
		return "", fmt.Errorf("stripe: creating customer: %w", err)
	}
	return c.ID, nil
}

func customerIdempotencyKey(accountID string) string {
	return "customer-" + accountID
}

// CreateCheckoutSession starts a hosted subscription checkout for one
// plan price.
func (p *Processor) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	subData := &stripelib.CheckoutSessionSubscriptionDataParams{
		Metadata: map[string]string{"accountId": params.AccountID},
	}
	if params.TrialDays > 0 {
		subData.TrialPeriodDays = stripelib.Int64(int64(params.TrialDays))
	}

	sp := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:          stripelib.String(params.CustomerID),
		ClientReferenceID: stripelib.String(params.AccountID),
		SuccessURL:        stripelib.String(params.SuccessURL),
		CancelURL:         stripelib.String(params.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(params.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: subData,
	}
	sp.Context = ctx

	s, err := p.api.CheckoutSessions.New(sp)
	if err != nil {
		return nil, fmt.Errorf("stripe: creating checkout session: %w", err)
	}
	return &billing.CheckoutSession{ID: s.ID, URL: s.URL}, nil
}
