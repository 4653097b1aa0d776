package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/billing"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
)

// CheckoutTrialDays is the processor-side trial attached to every new
// subscription.
const CheckoutTrialDays = 7

// BillingService lists plans and starts processor checkouts. Entitlement
// changes never happen here; they arrive as webhook events.
type BillingService struct {
	accounts  repository.AccountRepository
	processor billing.Processor
	catalog   *billing.Catalog
	publicURL string
	logger    *slog.Logger
}

func NewBillingService(
	accounts repository.AccountRepository,
	processor billing.Processor,
	catalog *billing.Catalog,
	publicURL string,
	logger *slog.Logger,
) *BillingService {
	return &BillingService{
		accounts:  accounts,
		processor: processor,
		catalog:   catalog,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

func (s *BillingService) Plans() []billing.Plan {
	return s.catalog.Plans()
}

// CreateCheckoutSession links the account to a processor customer on first
// use, then opens a subscription checkout for the plan.
func (s *BillingService) CreateCheckoutSession(ctx context.Context, accountID, planID string) (*billing.CheckoutSession, error) {
	plan, ok := s.catalog.Lookup(strings.TrimSpace(planID))
	if !ok {
		return nil, apperror.ValidationFailed("planId", "Invalid subscription plan")
	}
	if plan.PriceID == "" {
		return nil, fmt.Errorf("service/billing: plan %s has no price id configured", plan.ID)
	}

	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service/billing: loading account: %w", err)
	}

	customerID, err := s.ensureCustomer(ctx, acct)
	if err != nil {
		return nil, err
	}

	session, err := s.processor.CreateCheckoutSession(ctx, billing.CheckoutParams{
		AccountID:  acct.ID,
		CustomerID: customerID,
		PriceID:    plan.PriceID,
		TrialDays:  CheckoutTrialDays,
		SuccessURL: s.publicURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.publicURL + "/cancel",
	})
	if err != nil {
		return nil, fmt.Errorf("service/billing: %w", err)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		slog.String("accountID", acct.ID),
		slog.String("plan", plan.ID),
		slog.String("sessionID", session.ID),
	)
	return session, nil
}

// ensureCustomer returns the account's processor customer, creating one on
// first checkout. Concurrent checkouts may each create a customer; the
// ledger keeps the first link and every caller continues with that one, so
// subscription events always resolve to this account.
func (s *BillingService) ensureCustomer(ctx context.Context, acct *model.Account) (string, error) {
	if acct.StripeCustomerID != "" {
		return acct.StripeCustomerID, nil
	}

	created, err := s.processor.CreateCustomer(ctx, billing.CustomerParams{
		AccountID: acct.ID,
		Email:     acct.Email,
		Name:      acct.Name,
	})
	if err != nil {
		return "", fmt.Errorf("service/billing: %w", err)
	}

	linked, err := s.accounts.LinkStripeCustomer(ctx, acct.ID, created)
	if err != nil {
		return "", fmt.Errorf("service/billing: saving customer id: %w", err)
	}
	if linked != created {
		s.logger.WarnContext(ctx, "customer already linked by a concurrent checkout",
			slog.String("accountID", acct.ID),
			slog.String("linked", linked),
			slog.String("discarded", created),
		)
	}
	return linked, nil
}
