// Package trial decides when a free trial has lapsed.
//
// Trials are not swept by a background job. Instead the decision is taken
// lazily on every authenticated access, so an account nobody touches keeps
// isTrialActive=true until its next request. Nothing reads the flag in the
// meantime.
package trial

import (
	"time"

	"github.com/ylayali/family-coloring-page-generator/internal/model"
)

// DefaultLength is the trial window used when none is configured.
const DefaultLength = 7 * 24 * time.Hour

// Evaluator is a pure function of the account and the current time.
type Evaluator struct {
	Length time.Duration
}

// New returns an Evaluator for the given trial length in days. Values below
// one day fall back to DefaultLength.
func New(days int) Evaluator {
	if days < 1 {
		return Evaluator{Length: DefaultLength}
	}
	return Evaluator{Length: time.Duration(days) * 24 * time.Hour}
}

// Decision is the evaluator's verdict. When Expire is true the caller must
// apply the expiry transition (isTrialActive=false, creditsRemaining=0) for
// trials that started at or before Cutoff.
type Decision struct {
	Expire bool
	Cutoff time.Time
}

// Expired reports whether an active trial has run its full length.
func (e Evaluator) Expired(a *model.Account, now time.Time) bool {
	if !a.IsTrialActive || a.TrialStartDate.IsZero() {
		return false
	}
	return !now.Before(a.TrialStartDate.Add(e.Length))
}

// Decide returns the transition to apply at time now.
//
// Accounts whose plan is managed by the payment processor are left alone:
// their isTrialActive mirrors the processor's own trial and is changed only
// by billing events.
func (e Evaluator) Decide(a *model.Account, now time.Time) Decision {
	if a.HasProcessorSubscription() || !e.Expired(a, now) {
		return Decision{}
	}
	return Decision{Expire: true, Cutoff: now.Add(-e.Length)}
}
