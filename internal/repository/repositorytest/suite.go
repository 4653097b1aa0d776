// Package repositorytest holds the behaviour every AccountRepository must
// share. Each ledger backend runs the suite from its own tests:
//
//	func TestAccountRepository(t *testing.T) {
//	    repositorytest.Run(t, func(t *testing.T) repository.AccountRepository { ... })
//	}
package repositorytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
)

// Factory returns a fresh, empty ledger for one test.
type Factory func(t *testing.T) repository.AccountRepository

// Run executes the full suite against the ledger produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("Create", func(t *testing.T) { testCreate(t, newRepo(t)) })
	t.Run("CreateDuplicateEmail", func(t *testing.T) { testCreateDuplicateEmail(t, newRepo(t)) })
	t.Run("Lookups", func(t *testing.T) { testLookups(t, newRepo(t)) })
	t.Run("LookupMisses", func(t *testing.T) { testLookupMisses(t, newRepo(t)) })
	t.Run("UpdateFields", func(t *testing.T) { testUpdateFields(t, newRepo(t)) })
	t.Run("UpdateClearsFields", func(t *testing.T) { testUpdateClears(t, newRepo(t)) })
	t.Run("UpdateEventGuard", func(t *testing.T) { testUpdateEventGuard(t, newRepo(t)) })
	t.Run("UpdateSubscriptionConflict", func(t *testing.T) { testUpdateSubscriptionConflict(t, newRepo(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newRepo(t)) })
	t.Run("LinkStripeCustomer", func(t *testing.T) { testLinkStripeCustomer(t, newRepo(t)) })
	t.Run("ConcurrentLinkStripeCustomer", func(t *testing.T) { testConcurrentLinkStripeCustomer(t, newRepo(t)) })
	t.Run("ExpireTrial", func(t *testing.T) { testExpireTrial(t, newRepo(t)) })
	t.Run("ExpireTrialSkipsSubscribed", func(t *testing.T) { testExpireTrialSkipsSubscribed(t, newRepo(t)) })
	t.Run("DebitCredit", func(t *testing.T) { testDebitCredit(t, newRepo(t)) })
	t.Run("DebitCreditNotFound", func(t *testing.T) { testDebitNotFound(t, newRepo(t)) })
	t.Run("ConcurrentDebit", func(t *testing.T) { testConcurrentDebit(t, newRepo(t)) })
}

// NewTrialAccount returns an unsaved account in its sign-up state.
func NewTrialAccount(email string, credits int, trialStart time.Time) *model.Account {
	return &model.Account{
		Email:            email,
		PasswordHash:     "$2a$04$placeholder",
		Name:             "Test",
		CreditsRemaining: credits,
		IsTrialActive:    true,
		TrialStartDate:   trialStart,
	}
}

func mustCreate(t *testing.T, repo repository.AccountRepository, a *model.Account) *model.Account {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), a))
	return a
}

func ptr[T any](v T) *T { return &v }

// ms truncates to the millisecond precision every backend can store.
func ms(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

// =========================================================================
// CREATE
// =========================================================================

func testCreate(t *testing.T, repo repository.AccountRepository) {
	start := ms(time.Now())
	a := mustCreate(t, repo, NewTrialAccount("  Mixed@Case.COM ", 3, start))

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "mixed@case.com", a.Email)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "mixed@case.com", got.Email)
	assert.Equal(t, 3, got.CreditsRemaining)
	assert.True(t, got.IsTrialActive)
	assert.True(t, got.TrialStartDate.Equal(start), "trial start %v, want %v", got.TrialStartDate, start)
	assert.Empty(t, got.SubscriptionID)
	assert.Nil(t, got.CurrentPeriodEnd)
}

func testCreateDuplicateEmail(t *testing.T, repo repository.AccountRepository) {
	mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))

	err := repo.Create(context.Background(), NewTrialAccount("A@X.com", 3, time.Now()))
	assert.True(t, errors.Is(err, apperror.ErrConflict), "error = %v, want ErrConflict", err)
}

// =========================================================================
// LOOKUPS
// =========================================================================

func testLookups(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))
	mustCreate(t, repo, NewTrialAccount("b@x.com", 3, time.Now()))

	_, err := repo.Update(ctx, a.ID, model.AccountUpdate{
		SubscriptionID:   ptr("sub_1"),
		StripeCustomerID: ptr("cus_1"),
	})
	require.NoError(t, err)

	byEmail, err := repo.GetByEmail(ctx, "A@x.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byEmail.ID)

	bySub, err := repo.GetBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, bySub.ID)

	byCustomer, err := repo.GetByStripeCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byCustomer.ID)
}

func testLookupMisses(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))

	_, err := repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = repo.GetByEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = repo.GetBySubscriptionID(ctx, "sub_missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, err = repo.GetByStripeCustomerID(ctx, "cus_missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	// An empty key must never match accounts whose column is unset.
	_, err = repo.GetBySubscriptionID(ctx, "")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// UPDATE
// =========================================================================

func testUpdateFields(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))

	start := ms(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	end := ms(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	status := model.StatusActive

	applied, err := repo.Update(ctx, a.ID, model.AccountUpdate{
		CreditsRemaining:   ptr(12),
		IsTrialActive:      ptr(false),
		SubscriptionPlan:   ptr("premium"),
		SubscriptionStatus: &status,
		SubscriptionID:     ptr("sub_9"),
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.CreditsRemaining)
	assert.False(t, got.IsTrialActive)
	assert.Equal(t, "premium", got.SubscriptionPlan)
	assert.Equal(t, model.StatusActive, got.SubscriptionStatus)
	assert.Equal(t, "sub_9", got.SubscriptionID)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(end))
	assert.True(t, got.CurrentPeriodStart.Equal(start))
	// untouched
	assert.Equal(t, "a@x.com", got.Email)
}

func testUpdateClears(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))
	end := time.Now().Add(24 * time.Hour)

	_, err := repo.Update(ctx, a.ID, model.AccountUpdate{
		SubscriptionID:   ptr("sub_1"),
		SubscriptionPlan: ptr("basic"),
		CurrentPeriodEnd: &end,
	})
	require.NoError(t, err)

	var zero time.Time
	_, err = repo.Update(ctx, a.ID, model.AccountUpdate{
		SubscriptionID:   ptr(""),
		SubscriptionPlan: ptr(""),
		CurrentPeriodEnd: &zero,
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SubscriptionID)
	assert.Empty(t, got.SubscriptionPlan)
	assert.Nil(t, got.CurrentPeriodEnd)

	_, err = repo.GetBySubscriptionID(ctx, "sub_1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func testUpdateEventGuard(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))

	newer := ms(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC))
	older := newer.Add(-time.Hour)
	active, pastDue := model.StatusActive, model.StatusPastDue

	applied, err := repo.Update(ctx, a.ID, model.AccountUpdate{SubscriptionStatus: &active, EventAt: &newer})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.Update(ctx, a.ID, model.AccountUpdate{SubscriptionStatus: &pastDue, EventAt: &older})
	require.NoError(t, err)
	assert.False(t, applied, "older event must be skipped")

	got, _ := repo.GetByID(ctx, a.ID)
	assert.Equal(t, model.StatusActive, got.SubscriptionStatus)

	// Redelivery of the same event is applied again.
	applied, err = repo.Update(ctx, a.ID, model.AccountUpdate{SubscriptionStatus: &active, EventAt: &newer})
	require.NoError(t, err)
	assert.True(t, applied)

	// Unguarded updates are never blocked by the guard.
	applied, err = repo.Update(ctx, a.ID, model.AccountUpdate{Name: ptr("New Name")})
	require.NoError(t, err)
	assert.True(t, applied)
}

func testUpdateSubscriptionConflict(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))
	b := mustCreate(t, repo, NewTrialAccount("b@x.com", 3, time.Now()))

	_, err := repo.Update(ctx, a.ID, model.AccountUpdate{SubscriptionID: ptr("sub_1")})
	require.NoError(t, err)

	_, err = repo.Update(ctx, b.ID, model.AccountUpdate{SubscriptionID: ptr("sub_1")})
	assert.ErrorIs(t, err, apperror.ErrConflict)

	// Re-assigning the same id to its owner is fine.
	_, err = repo.Update(ctx, a.ID, model.AccountUpdate{SubscriptionID: ptr("sub_1")})
	assert.NoError(t, err)
}

func testUpdateNotFound(t *testing.T, repo repository.AccountRepository) {
	_, err := repo.Update(context.Background(), "missing", model.AccountUpdate{CreditsRemaining: ptr(1)})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// CUSTOMER LINK
// =========================================================================

func testLinkStripeCustomer(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))

	linked, err := repo.LinkStripeCustomer(ctx, a.ID, "cus_first")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", linked)

	linked, err = repo.LinkStripeCustomer(ctx, a.ID, "cus_second")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", linked, "an existing link is never replaced")

	got, err := repo.GetByStripeCustomerID(ctx, "cus_first")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = repo.LinkStripeCustomer(ctx, "missing", "cus_x")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// Racing links all report the same winner, and the ledger holds it.
func testConcurrentLinkStripeCustomer(t *testing.T, repo repository.AccountRepository) {
	const racers = 8
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 3, time.Now()))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		linked = map[string]int{}
		errs   []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := repo.LinkStripeCustomer(ctx, a.ID, fmt.Sprintf("cus_%d", i))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			linked[id]++
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, linked, 1, "every racer must see the same customer")

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, racers, linked[got.StripeCustomerID])
}

// =========================================================================
// TRIAL EXPIRY
// =========================================================================

func testExpireTrial(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	start := ms(time.Now().Add(-8 * 24 * time.Hour))
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 2, start))

	expired, err := repo.ExpireTrial(ctx, a.ID, start.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, expired, "cutoff before trial start must not expire")

	expired, err = repo.ExpireTrial(ctx, a.ID, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	got, _ := repo.GetByID(ctx, a.ID)
	assert.False(t, got.IsTrialActive)
	assert.Equal(t, 0, got.CreditsRemaining)

	expired, err = repo.ExpireTrial(ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, expired, "second expiry is a no-op")
}

func testExpireTrialSkipsSubscribed(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 5, time.Now().Add(-30*24*time.Hour)))
	_, err := repo.Update(ctx, a.ID, model.AccountUpdate{SubscriptionID: ptr("sub_1")})
	require.NoError(t, err)

	expired, err := repo.ExpireTrial(ctx, a.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, expired)

	got, _ := repo.GetByID(ctx, a.ID)
	assert.Equal(t, 5, got.CreditsRemaining)
}

// =========================================================================
// DEBIT
// =========================================================================

func testDebitCredit(t *testing.T, repo repository.AccountRepository) {
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", 2, time.Now()))

	after, err := repo.DebitCredit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CreditsRemaining)
	assert.Equal(t, 1, after.TotalCreditsUsed)
	assert.Equal(t, 1, after.TrialCreditsUsed)

	// Outside the trial only the total grows.
	_, err = repo.Update(ctx, a.ID, model.AccountUpdate{IsTrialActive: ptr(false)})
	require.NoError(t, err)

	after, err = repo.DebitCredit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.CreditsRemaining)
	assert.Equal(t, 2, after.TotalCreditsUsed)
	assert.Equal(t, 1, after.TrialCreditsUsed)

	_, err = repo.DebitCredit(ctx, a.ID)
	assert.ErrorIs(t, err, apperror.ErrNoCredits)

	got, _ := repo.GetByID(ctx, a.ID)
	assert.Equal(t, 0, got.CreditsRemaining, "balance must never go negative")
}

func testDebitNotFound(t *testing.T, repo repository.AccountRepository) {
	_, err := repo.DebitCredit(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// N concurrent debits against k credits: exactly k succeed.
func testConcurrentDebit(t *testing.T, repo repository.AccountRepository) {
	const (
		credits  = 3
		requests = 10
	)
	ctx := context.Background()
	a := mustCreate(t, repo, NewTrialAccount("a@x.com", credits, time.Now()))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		noCredits int
		other     []error
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.DebitCredit(ctx, a.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperror.ErrNoCredits):
				noCredits++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, credits, succeeded)
	assert.Equal(t, requests-credits, noCredits)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CreditsRemaining)
	assert.Equal(t, credits, got.TotalCreditsUsed)
}
