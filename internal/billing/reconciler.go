package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/metrics"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
)

// Outcome describes what the reconciler did with one event.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeStale       Outcome = "stale"
	OutcomeNoAccount   Outcome = "no_account"
	OutcomeUnknownPlan Outcome = "unknown_plan"
	OutcomeConflict    Outcome = "conflict"
)

// Reconciler maps processor lifecycle events onto account transitions.
//
// RULES:
//   - Every transition writes absolute values, so applying an event twice
//     leaves the account exactly as applying it once.
//   - Each write carries the event's creation time; the ledger skips it
//     when a newer event has already been applied.
//   - Lookup misses, unknown prices and subscription id clashes are logged
//     and acknowledged. Redelivery would not change them.
//   - Only ledger failures return an error. The webhook then answers 5xx
//     and the processor redelivers.
type Reconciler struct {
	accounts repository.AccountRepository
	catalog  *Catalog
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReconciler(accounts repository.AccountRepository, catalog *Catalog, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		accounts: accounts,
		catalog:  catalog,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Apply processes one verified event.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	outcome, err := r.apply(ctx, ev)
	if err != nil {
		r.metrics.ObserveWebhookEvent(ev.Type, "error")
		return "", fmt.Errorf("billing: reconciling %s %s: %w", ev.Type, ev.ID, err)
	}

	r.metrics.ObserveWebhookEvent(ev.Type, string(outcome))

	level := slog.LevelInfo
	if outcome == OutcomeNoAccount || outcome == OutcomeUnknownPlan || outcome == OutcomeConflict {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "billing event reconciled",
		slog.String("eventID", ev.ID),
		slog.String("type", ev.Type),
		slog.String("outcome", string(outcome)),
	)

	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Type {
	case EventCheckoutCompleted:
		// The subscription.created event that follows carries everything.
		return OutcomeIgnored, nil

	case EventSubscriptionCreated:
		if ev.Subscription == nil {
			return OutcomeIgnored, nil
		}
		return r.subscriptionCreated(ctx, ev)

	case EventSubscriptionUpdated:
		if ev.Subscription == nil {
			return OutcomeIgnored, nil
		}
		return r.subscriptionUpdated(ctx, ev)

	case EventSubscriptionDeleted:
		if ev.Subscription == nil {
			return OutcomeIgnored, nil
		}
		return r.subscriptionDeleted(ctx, ev)

	case EventInvoicePaymentSucceeded:
		if ev.Invoice == nil || ev.Invoice.SubscriptionID == "" {
			return OutcomeIgnored, nil
		}
		return r.invoicePaid(ctx, ev)

	case EventInvoicePaymentFailed:
		if ev.Invoice == nil || ev.Invoice.SubscriptionID == "" {
			return OutcomeIgnored, nil
		}
		return r.invoiceFailed(ctx, ev)

	default:
		return OutcomeIgnored, nil
	}
}

// subscriptionCreated links the subscription to the account that owns the
// processor customer and grants the plan's credits.
func (r *Reconciler) subscriptionCreated(ctx context.Context, ev Event) (Outcome, error) {
	sub := ev.Subscription

	plan, ok := r.catalog.ByPriceID(sub.PriceID)
	if !ok {
		r.logUnknownPrice(ctx, ev, sub.PriceID)
		return OutcomeUnknownPlan, nil
	}

	acct, outcome, err := r.lookup(ctx, ev, "customer", sub.CustomerID, r.accounts.GetByStripeCustomerID)
	if acct == nil {
		return outcome, err
	}

	status := model.NormalizeStatus(sub.Status)
	upd := model.AccountUpdate{
		SubscriptionID:     &sub.ID,
		SubscriptionPlan:   &plan.ID,
		SubscriptionStatus: &status,
		CreditsRemaining:   &plan.Credits,
		IsTrialActive:      boolPtr(status == model.StatusTrialing),
	}
	setPeriod(&upd, sub)

	return r.update(ctx, ev, acct, upd)
}

// subscriptionUpdated re-resolves plan and status. Credits are left alone;
// they are replenished only by a paid invoice.
func (r *Reconciler) subscriptionUpdated(ctx context.Context, ev Event) (Outcome, error) {
	sub := ev.Subscription

	plan, ok := r.catalog.ByPriceID(sub.PriceID)
	if !ok {
		r.logUnknownPrice(ctx, ev, sub.PriceID)
		return OutcomeUnknownPlan, nil
	}

	acct, outcome, err := r.lookup(ctx, ev, "subscription", sub.ID, r.accounts.GetBySubscriptionID)
	if acct == nil {
		return outcome, err
	}

	status := model.NormalizeStatus(sub.Status)
	upd := model.AccountUpdate{
		SubscriptionPlan:   &plan.ID,
		SubscriptionStatus: &status,
		IsTrialActive:      boolPtr(status == model.StatusTrialing),
	}
	setPeriod(&upd, sub)

	return r.update(ctx, ev, acct, upd)
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, ev Event) (Outcome, error) {
	acct, outcome, err := r.lookup(ctx, ev, "subscription", ev.Subscription.ID, r.accounts.GetBySubscriptionID)
	if acct == nil {
		return outcome, err
	}

	cancelled := model.StatusCancelled
	none := ""
	zero := 0
	return r.update(ctx, ev, acct, model.AccountUpdate{
		SubscriptionID:     &none,
		SubscriptionPlan:   &none,
		SubscriptionStatus: &cancelled,
		CreditsRemaining:   &zero,
		IsTrialActive:      boolPtr(false),
	})
}

// invoicePaid is the monthly replenishment point: the balance is reset to
// the plan's grant, whatever it was before.
func (r *Reconciler) invoicePaid(ctx context.Context, ev Event) (Outcome, error) {
	acct, outcome, err := r.lookup(ctx, ev, "subscription", ev.Invoice.SubscriptionID, r.accounts.GetBySubscriptionID)
	if acct == nil {
		return outcome, err
	}

	plan, ok := r.catalog.Lookup(acct.SubscriptionPlan)
	if !ok {
		r.logger.WarnContext(ctx, "paid invoice for account without a known plan",
			slog.String("eventID", ev.ID),
			slog.String("accountID", acct.ID),
			slog.String("plan", acct.SubscriptionPlan),
		)
		return OutcomeUnknownPlan, nil
	}

	active := model.StatusActive
	resetAt := ev.Created
	if resetAt.IsZero() {
		resetAt = r.now()
	}
	return r.update(ctx, ev, acct, model.AccountUpdate{
		CreditsRemaining:   &plan.Credits,
		SubscriptionStatus: &active,
		LastCreditReset:    &resetAt,
	})
}

func (r *Reconciler) invoiceFailed(ctx context.Context, ev Event) (Outcome, error) {
	acct, outcome, err := r.lookup(ctx, ev, "subscription", ev.Invoice.SubscriptionID, r.accounts.GetBySubscriptionID)
	if acct == nil {
		return outcome, err
	}

	pastDue := model.StatusPastDue
	return r.update(ctx, ev, acct, model.AccountUpdate{SubscriptionStatus: &pastDue})
}

// lookup resolves the account for an event. A miss is terminal and returns
// (nil, OutcomeNoAccount, nil).
func (r *Reconciler) lookup(
	ctx context.Context,
	ev Event,
	keyName, key string,
	get func(context.Context, string) (*model.Account, error),
) (*model.Account, Outcome, error) {
	acct, err := get(ctx, key)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			r.logger.WarnContext(ctx, "no account for billing event",
				slog.String("eventID", ev.ID),
				slog.String("type", ev.Type),
				slog.String(keyName, key),
			)
			return nil, OutcomeNoAccount, nil
		}
		return nil, "", fmt.Errorf("looking up account by %s: %w", keyName, err)
	}
	return acct, "", nil
}

// update writes the transition guarded by the event's creation time.
func (r *Reconciler) update(ctx context.Context, ev Event, acct *model.Account, upd model.AccountUpdate) (Outcome, error) {
	if !ev.Created.IsZero() {
		created := ev.Created
		upd.EventAt = &created
	}

	applied, err := r.accounts.Update(ctx, acct.ID, upd)
	switch {
	case errors.Is(err, apperror.ErrConflict):
		r.logger.WarnContext(ctx, "subscription already linked to another account",
			slog.String("eventID", ev.ID),
			slog.String("accountID", acct.ID),
		)
		return OutcomeConflict, nil
	case errors.Is(err, apperror.ErrNotFound):
		return OutcomeNoAccount, nil
	case err != nil:
		return "", fmt.Errorf("updating account %s: %w", acct.ID, err)
	case !applied:
		return OutcomeStale, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) logUnknownPrice(ctx context.Context, ev Event, priceID string) {
	r.logger.WarnContext(ctx, "billing event references unknown price",
		slog.String("eventID", ev.ID),
		slog.String("type", ev.Type),
		slog.String("priceID", priceID),
	)
}

// setPeriod copies billing-cycle bounds that the event actually carries.
func setPeriod(upd *model.AccountUpdate, sub *Subscription) {
	if !sub.CurrentPeriodStart.IsZero() {
		start := sub.CurrentPeriodStart
		upd.CurrentPeriodStart = &start
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		upd.CurrentPeriodEnd = &end
	}
}

func boolPtr(b bool) *bool { return &b }
