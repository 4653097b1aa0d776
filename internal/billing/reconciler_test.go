package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylayali/family-coloring-page-generator/internal/metrics"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
	"github.com/ylayali/family-coloring-page-generator/internal/repository/memory"
	"github.com/ylayali/family-coloring-page-generator/internal/repository/repositorytest"
)

// =========================================================================
// HELPERS
// =========================================================================

const (
	basicPrice   = "price_basic"
	premiumPrice = "price_premium"
	customerID   = "cus_123"
	subID        = "sub_123"
)

type fixture struct {
	repo    *memory.Store
	rec     *Reconciler
	metrics *metrics.Metrics
	account *model.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := memory.New()
	a := repositorytest.NewTrialAccount("parent@example.com", 3, time.Now().Add(-24*time.Hour))
	a.StripeCustomerID = customerID
	require.NoError(t, repo.Create(context.Background(), a))

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		repo:    repo,
		rec:     NewReconciler(repo, NewCatalog(basicPrice, premiumPrice), logger, m),
		metrics: m,
		account: a,
	}
}

func (f *fixture) get(t *testing.T) *model.Account {
	t.Helper()
	a, err := f.repo.GetByID(context.Background(), f.account.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) apply(t *testing.T, ev Event) Outcome {
	t.Helper()
	out, err := f.rec.Apply(context.Background(), ev)
	require.NoError(t, err)
	return out
}

// assertSameState compares two snapshots of an account field by field,
// ignoring only the ledger's own UpdatedAt bookkeeping.
func assertSameState(t *testing.T, want, got *model.Account) {
	t.Helper()
	w, g := *want, *got
	w.UpdatedAt, g.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func subscriptionEvent(typ string, at time.Time, status, price string) Event {
	return Event{
		ID:      "evt_" + typ,
		Type:    typ,
		Created: at,
		Subscription: &Subscription{
			ID:                 subID,
			CustomerID:         customerID,
			Status:             status,
			PriceID:            price,
			CurrentPeriodStart: at,
			CurrentPeriodEnd:   at.AddDate(0, 1, 0),
		},
	}
}

func invoiceEvent(typ string, at time.Time) Event {
	return Event{
		ID:      "evt_" + typ,
		Type:    typ,
		Created: at,
		Invoice: &Invoice{ID: "in_1", CustomerID: customerID, SubscriptionID: subID},
	}
}

// =========================================================================
// SUBSCRIPTION CREATED TESTS
// =========================================================================

func TestSubscriptionCreated_ActivatesPlan(t *testing.T) {
	f := newFixture(t)

	out := f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", premiumPrice))
	assert.Equal(t, OutcomeApplied, out)

	a := f.get(t)
	assert.Equal(t, subID, a.SubscriptionID)
	assert.Equal(t, PlanPremium, a.SubscriptionPlan)
	assert.Equal(t, model.StatusActive, a.SubscriptionStatus)
	assert.Equal(t, 12, a.CreditsRemaining)
	assert.False(t, a.IsTrialActive)
	require.NotNil(t, a.CurrentPeriodEnd)
	assert.True(t, a.CurrentPeriodEnd.Equal(base.AddDate(0, 1, 0)))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.WebhookEventsTotal.WithLabelValues(EventSubscriptionCreated, "applied")))
}

func TestSubscriptionCreated_TrialingKeepsTrialFlag(t *testing.T) {
	f := newFixture(t)

	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "trialing", basicPrice))

	a := f.get(t)
	assert.Equal(t, model.StatusTrialing, a.SubscriptionStatus)
	assert.True(t, a.IsTrialActive)
	assert.Equal(t, 5, a.CreditsRemaining)
}

func TestSubscriptionCreated_Redelivery(t *testing.T) {
	f := newFixture(t)
	ev := subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice)

	assert.Equal(t, OutcomeApplied, f.apply(t, ev))
	first := f.get(t)

	assert.Equal(t, OutcomeApplied, f.apply(t, ev))
	second := f.get(t)

	assertSameState(t, first, second)
	assert.Equal(t, subID, second.SubscriptionID)
	assert.False(t, second.IsTrialActive)
	require.NotNil(t, second.CurrentPeriodStart)
	assert.True(t, second.CurrentPeriodStart.Equal(base))
	require.NotNil(t, second.CurrentPeriodEnd)
	assert.True(t, second.CurrentPeriodEnd.Equal(base.AddDate(0, 1, 0)))
	require.NotNil(t, second.BillingEventAt)
	assert.True(t, second.BillingEventAt.Equal(base))
}

func TestSubscriptionCreated_UnknownPrice(t *testing.T) {
	f := newFixture(t)

	out := f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", "price_other"))
	assert.Equal(t, OutcomeUnknownPlan, out)

	a := f.get(t)
	assert.Empty(t, a.SubscriptionID)
	assert.Equal(t, 3, a.CreditsRemaining)
}

func TestSubscriptionCreated_UnknownCustomer(t *testing.T) {
	f := newFixture(t)
	ev := subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice)
	ev.Subscription.CustomerID = "cus_nobody"

	assert.Equal(t, OutcomeNoAccount, f.apply(t, ev))
}

func TestSubscriptionCreated_SubscriptionOwnedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := repositorytest.NewTrialAccount("other@example.com", 3, base)
	other.SubscriptionID = subID
	require.NoError(t, f.repo.Create(ctx, other))

	out := f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice))
	assert.Equal(t, OutcomeConflict, out)
}

// =========================================================================
// SUBSCRIPTION UPDATED / DELETED TESTS
// =========================================================================

func TestSubscriptionUpdated_ChangesPlanNotCredits(t *testing.T) {
	f := newFixture(t)
	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice))

	// Spend two credits before the upgrade arrives.
	_, err := f.repo.DebitCredit(context.Background(), f.account.ID)
	require.NoError(t, err)
	_, err = f.repo.DebitCredit(context.Background(), f.account.ID)
	require.NoError(t, err)

	out := f.apply(t, subscriptionEvent(EventSubscriptionUpdated, base.Add(time.Hour), "active", premiumPrice))
	assert.Equal(t, OutcomeApplied, out)

	a := f.get(t)
	assert.Equal(t, PlanPremium, a.SubscriptionPlan)
	assert.Equal(t, 3, a.CreditsRemaining)
}

func TestSubscriptionUpdated_StatusNormalised(t *testing.T) {
	f := newFixture(t)
	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice))

	f.apply(t, subscriptionEvent(EventSubscriptionUpdated, base.Add(time.Hour), "unpaid", basicPrice))
	assert.Equal(t, model.StatusPastDue, f.get(t).SubscriptionStatus)

	f.apply(t, subscriptionEvent(EventSubscriptionUpdated, base.Add(2*time.Hour), "canceled", basicPrice))
	assert.Equal(t, model.StatusCancelled, f.get(t).SubscriptionStatus)
}

func TestSubscriptionUpdated_StaleEventSkipped(t *testing.T) {
	f := newFixture(t)
	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice))
	f.apply(t, subscriptionEvent(EventSubscriptionUpdated, base.Add(2*time.Hour), "active", premiumPrice))

	out := f.apply(t, subscriptionEvent(EventSubscriptionUpdated, base.Add(time.Hour), "past_due", basicPrice))
	assert.Equal(t, OutcomeStale, out)

	a := f.get(t)
	assert.Equal(t, PlanPremium, a.SubscriptionPlan)
	assert.Equal(t, model.StatusActive, a.SubscriptionStatus)
}

func TestSubscriptionDeleted_ClearsEntitlement(t *testing.T) {
	f := newFixture(t)
	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", premiumPrice))

	out := f.apply(t, subscriptionEvent(EventSubscriptionDeleted, base.Add(time.Hour), "canceled", premiumPrice))
	assert.Equal(t, OutcomeApplied, out)

	a := f.get(t)
	assert.Empty(t, a.SubscriptionID)
	assert.Empty(t, a.SubscriptionPlan)
	assert.Equal(t, model.StatusCancelled, a.SubscriptionStatus)
	assert.Equal(t, 0, a.CreditsRemaining)
	assert.False(t, a.IsTrialActive)
}

func TestSubscriptionDeleted_UnknownSubscription(t *testing.T) {
	f := newFixture(t)

	out := f.apply(t, subscriptionEvent(EventSubscriptionDeleted, base, "canceled", basicPrice))
	assert.Equal(t, OutcomeNoAccount, out)
	assert.Equal(t, 3, f.get(t).CreditsRemaining)
}

// =========================================================================
// INVOICE TESTS
// =========================================================================

func TestInvoicePaid_ResetsToPlanGrant(t *testing.T) {
	tests := []struct {
		name  string
		price string
		want  int
	}{
		{"basic", basicPrice, 5},
		{"premium", premiumPrice, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", tt.price))

			// Leave one credit so the reset is visibly absolute.
			for f.get(t).CreditsRemaining > 1 {
				_, err := f.repo.DebitCredit(context.Background(), f.account.ID)
				require.NoError(t, err)
			}

			paidAt := base.AddDate(0, 1, 0)
			out := f.apply(t, invoiceEvent(EventInvoicePaymentSucceeded, paidAt))
			assert.Equal(t, OutcomeApplied, out)

			a := f.get(t)
			assert.Equal(t, tt.want, a.CreditsRemaining)
			assert.Equal(t, model.StatusActive, a.SubscriptionStatus)
			require.NotNil(t, a.LastCreditReset)
			assert.True(t, a.LastCreditReset.Equal(paidAt))
			require.NotNil(t, a.BillingEventAt)
			assert.True(t, a.BillingEventAt.Equal(paidAt))

			// Redelivery leaves the account exactly as one delivery did.
			assert.Equal(t, OutcomeApplied, f.apply(t, invoiceEvent(EventInvoicePaymentSucceeded, paidAt)))
			assertSameState(t, a, f.get(t))
		})
	}
}

func TestInvoicePaid_ReactivatesPastDue(t *testing.T) {
	f := newFixture(t)
	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice))
	f.apply(t, invoiceEvent(EventInvoicePaymentFailed, base.Add(time.Hour)))
	require.Equal(t, model.StatusPastDue, f.get(t).SubscriptionStatus)

	f.apply(t, invoiceEvent(EventInvoicePaymentSucceeded, base.Add(2*time.Hour)))
	assert.Equal(t, model.StatusActive, f.get(t).SubscriptionStatus)
}

func TestInvoiceFailed_KeepsCredits(t *testing.T) {
	f := newFixture(t)
	f.apply(t, subscriptionEvent(EventSubscriptionCreated, base, "active", premiumPrice))

	out := f.apply(t, invoiceEvent(EventInvoicePaymentFailed, base.Add(time.Hour)))
	assert.Equal(t, OutcomeApplied, out)

	a := f.get(t)
	assert.Equal(t, model.StatusPastDue, a.SubscriptionStatus)
	assert.Equal(t, 12, a.CreditsRemaining)
}

func TestInvoiceWithoutSubscriptionIgnored(t *testing.T) {
	f := newFixture(t)
	ev := invoiceEvent(EventInvoicePaymentSucceeded, base)
	ev.Invoice.SubscriptionID = ""

	assert.Equal(t, OutcomeIgnored, f.apply(t, ev))
}

// =========================================================================
// OTHER EVENTS
// =========================================================================

func TestIgnoredEvents(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, OutcomeIgnored, f.apply(t, Event{ID: "evt_1", Type: EventCheckoutCompleted, Created: base}))
	assert.Equal(t, OutcomeIgnored, f.apply(t, Event{ID: "evt_2", Type: "customer.created", Created: base}))
	assert.Equal(t, OutcomeIgnored, f.apply(t, Event{ID: "evt_3", Type: EventSubscriptionUpdated, Created: base}))

	assert.Equal(t, 3, f.get(t).CreditsRemaining)
}

// failingRepo wraps a ledger and fails every write.
type failingRepo struct {
	repository.AccountRepository
}

func (failingRepo) Update(context.Context, string, model.AccountUpdate) (bool, error) {
	return false, errors.New("disk full")
}

func TestLedgerFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	rec := NewReconciler(failingRepo{f.repo}, NewCatalog(basicPrice, premiumPrice),
		slog.New(slog.NewTextHandler(io.Discard, nil)), f.metrics)

	_, err := rec.Apply(context.Background(), subscriptionEvent(EventSubscriptionCreated, base, "active", basicPrice))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		f.metrics.WebhookEventsTotal.WithLabelValues(EventSubscriptionCreated, "error")))
}
