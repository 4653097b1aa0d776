// Package repository defines the Account Ledger contract.
//
// The ledger is the sole writer of account state. Two implementations
// exist (sqlite and memory) and are selected at construction time; callers
// only ever see AccountRepository.
package repository

import (
	"context"
	"time"

	"github.com/ylayali/family-coloring-page-generator/internal/model"
)

// AccountRepository is implemented by every ledger backend.
//
// Lookups that miss return an *apperror.AppError wrapping ErrNotFound.
// Every mutation is a single conditional statement so that concurrent
// requests, possibly on different server instances, cannot lose updates.
type AccountRepository interface {
	// Create inserts a new account and fills in ID, CreatedAt and UpdatedAt.
	// A duplicate email yields apperror.ErrConflict.
	Create(ctx context.Context, account *model.Account) error

	GetByID(ctx context.Context, id string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.Account, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*model.Account, error)

	// Update applies the set fields of upd. applied is false only when
	// upd.EventAt is older than the last applied processor event.
	Update(ctx context.Context, id string, upd model.AccountUpdate) (applied bool, err error)

	// LinkStripeCustomer sets the processor customer id only while the
	// account has none, and returns the id the account ends up with. A
	// concurrent link that got there first wins and its id is returned.
	LinkStripeCustomer(ctx context.Context, id, customerID string) (string, error)

	// ExpireTrial ends a lapsed trial: is_trial_active=false and
	// credits_remaining=0, but only if the trial is still active, started
	// at or before cutoff, and no processor subscription is attached.
	ExpireTrial(ctx context.Context, id string, cutoff time.Time) (expired bool, err error)

	// DebitCredit takes one credit if the balance is positive and returns
	// the account after the debit. An empty balance yields
	// apperror.ErrNoCredits.
	DebitCredit(ctx context.Context, id string) (*model.Account, error)
}
