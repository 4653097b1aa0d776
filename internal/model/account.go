// Package model defines the data structures used throughout the application.
package model

import (
	"strings"
	"time"
)

// SubscriptionStatus is the account-level view of the processor subscription.
// Processor statuses outside this set are folded in by NormalizeStatus.
type SubscriptionStatus string

const (
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// NormalizeStatus maps a payment-processor subscription status onto the
// four statuses an Account can hold. Unknown values map to past_due so the
// account is never reported as paid by mistake.
func NormalizeStatus(processorStatus string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(processorStatus)) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCancelled
	default:
		// past_due, unpaid, incomplete, paused
		return StatusPastDue
	}
}

// Account is the persisted user identity plus its credit and subscription
// state. It is the only mutable entity in the system.
//
// Optional processor fields use the zero value ("" or nil) for "absent".
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Name         string `json:"name,omitempty"`

	CreditsRemaining int `json:"creditsRemaining"`
	TotalCreditsUsed int `json:"totalCreditsUsed"`
	TrialCreditsUsed int `json:"trialCreditsUsed"`

	IsTrialActive  bool      `json:"isTrialActive"`
	TrialStartDate time.Time `json:"trialStartDate"`

	SubscriptionPlan   string             `json:"subscriptionPlan,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	SubscriptionID     string             `json:"subscriptionId,omitempty"`
	StripeCustomerID   string             `json:"stripeCustomerId,omitempty"`

	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	LastCreditReset    *time.Time `json:"lastCreditReset,omitempty"`

	// BillingEventAt is the creation time of the newest processor event
	// applied to this account. Older events are skipped.
	BillingEventAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasProcessorSubscription reports whether the payment processor currently
// manages this account's plan.
func (a *Account) HasProcessorSubscription() bool {
	return a.SubscriptionID != ""
}

// AccountUpdate is a field-level change set applied in a single statement.
// Nil fields are left untouched. For string fields "" clears the column, and
// for time fields a zero time clears it.
//
// EventAt, when set, turns the update into a guarded one: it is applied only
// if no newer processor event has been applied, and it records EventAt.
type AccountUpdate struct {
	Name               *string
	CreditsRemaining   *int
	IsTrialActive      *bool
	SubscriptionPlan   *string
	SubscriptionStatus *SubscriptionStatus
	SubscriptionID     *string
	StripeCustomerID   *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	LastCreditReset    *time.Time

	EventAt *time.Time
}

// IsEmpty reports whether the update would change nothing.
func (u AccountUpdate) IsEmpty() bool {
	return u.Name == nil && u.CreditsRemaining == nil && u.IsTrialActive == nil &&
		u.SubscriptionPlan == nil && u.SubscriptionStatus == nil && u.SubscriptionID == nil &&
		u.StripeCustomerID == nil && u.CurrentPeriodStart == nil && u.CurrentPeriodEnd == nil &&
		u.LastCreditReset == nil && u.EventAt == nil
}

// Apply copies the set fields of u onto a. Both ledgers use it so that the
// in-memory and SQL representations agree on clearing semantics.
func (u AccountUpdate) Apply(a *Account) {
	if u.Name != nil {
		a.Name = *u.Name
	}
	if u.CreditsRemaining != nil {
		a.CreditsRemaining = *u.CreditsRemaining
	}
	if u.IsTrialActive != nil {
		a.IsTrialActive = *u.IsTrialActive
	}
	if u.SubscriptionPlan != nil {
		a.SubscriptionPlan = *u.SubscriptionPlan
	}
	if u.SubscriptionStatus != nil {
		a.SubscriptionStatus = *u.SubscriptionStatus
	}
	if u.SubscriptionID != nil {
		a.SubscriptionID = *u.SubscriptionID
	}
	if u.StripeCustomerID != nil {
		a.StripeCustomerID = *u.StripeCustomerID
	}
	if u.CurrentPeriodStart != nil {
		a.CurrentPeriodStart = optionalTime(*u.CurrentPeriodStart)
	}
	if u.CurrentPeriodEnd != nil {
		a.CurrentPeriodEnd = optionalTime(*u.CurrentPeriodEnd)
	}
	if u.LastCreditReset != nil {
		a.LastCreditReset = optionalTime(*u.LastCreditReset)
	}
	if u.EventAt != nil {
		a.BillingEventAt = optionalTime(*u.EventAt)
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NormalizeEmail lower-cases and trims an email address. Every lookup and
// every insert goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
