// Package memory is an in-process Account Ledger.
//
// It honours the same contract as the sqlite ledger, including the
// conditional debit and the billing event guard, by holding one mutex
// across each read-check-write. It is meant for local development and
// tests; state is lost on restart and is not shared between instances.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
)

var _ repository.AccountRepository = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	now      func() time.Time
}

func New() *Store {
	return &Store{
		accounts: make(map[string]*model.Account),
		now:      time.Now,
	}
}

// clone returns a deep copy so callers can never mutate stored state.
func clone(a *model.Account) *model.Account {
	c := *a
	c.CurrentPeriodStart = copyTime(a.CurrentPeriodStart)
	c.CurrentPeriodEnd = copyTime(a.CurrentPeriodEnd)
	c.LastCreditReset = copyTime(a.LastCreditReset)
	c.BillingEventAt = copyTime(a.BillingEventAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *Store) Create(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := model.NormalizeEmail(a.Email)
	for _, existing := range s.accounts {
		if existing.Email == email {
			return apperror.Conflict("account", email)
		}
		if a.SubscriptionID != "" && existing.SubscriptionID == a.SubscriptionID {
			return apperror.Conflict("subscription", a.SubscriptionID)
		}
	}

	now := s.now().UTC()
	a.ID = xid.New().String()
	a.Email = email
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.TrialStartDate.IsZero() {
		a.TrialStartDate = now
	}

	s.accounts[a.ID] = clone(a)
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, apperror.NotFound("account", id)
	}
	return clone(a), nil
}

func (s *Store) GetByEmail(_ context.Context, email string) (*model.Account, error) {
	email = model.NormalizeEmail(email)
	return s.find(email, func(a *model.Account) bool { return a.Email == email })
}

func (s *Store) GetBySubscriptionID(_ context.Context, subscriptionID string) (*model.Account, error) {
	return s.find(subscriptionID, func(a *model.Account) bool {
		return subscriptionID != "" && a.SubscriptionID == subscriptionID
	})
}

func (s *Store) GetByStripeCustomerID(_ context.Context, customerID string) (*model.Account, error) {
	return s.find(customerID, func(a *model.Account) bool {
		return customerID != "" && a.StripeCustomerID == customerID
	})
}

func (s *Store) find(key string, match func(*model.Account) bool) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if match(a) {
			return clone(a), nil
		}
	}
	return nil, apperror.NotFound("account", key)
}

func (s *Store) Update(_ context.Context, id string, upd model.AccountUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return false, apperror.NotFound("account", id)
	}

	if upd.EventAt != nil && a.BillingEventAt != nil && a.BillingEventAt.After(*upd.EventAt) {
		return false, nil
	}

	if upd.SubscriptionID != nil && *upd.SubscriptionID != "" {
		for otherID, other := range s.accounts {
			if otherID != id && other.SubscriptionID == *upd.SubscriptionID {
				return false, apperror.Conflict("subscription", *upd.SubscriptionID)
			}
		}
	}

	if upd.IsEmpty() {
		return true, nil
	}

	upd.Apply(a)
	a.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) LinkStripeCustomer(_ context.Context, id, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return "", apperror.NotFound("account", id)
	}
	if a.StripeCustomerID == "" {
		a.StripeCustomerID = customerID
		a.UpdatedAt = s.now().UTC()
	}
	return a.StripeCustomerID, nil
}

func (s *Store) ExpireTrial(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok || !a.IsTrialActive || a.SubscriptionID != "" || a.TrialStartDate.After(cutoff) {
		return false, nil
	}

	a.IsTrialActive = false
	a.CreditsRemaining = 0
	a.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) DebitCredit(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, apperror.NotFound("account", id)
	}
	if a.CreditsRemaining <= 0 {
		return nil, apperror.NoCredits()
	}

	a.CreditsRemaining--
	a.TotalCreditsUsed++
	if a.IsTrialActive {
		a.TrialCreditsUsed++
	}
	a.UpdatedAt = s.now().UTC()
	return clone(a), nil
}
