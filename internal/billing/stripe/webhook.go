// Package stripe adapts Stripe to the processor-neutral billing interfaces.
package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ylayali/family-coloring-page-generator/internal/billing"
)

var _ billing.EventVerifier = (*WebhookVerifier)(nil)

// WebhookVerifier checks the Stripe-Signature header with the endpoint
// secret and decodes the event into billing.Event.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: strings.TrimSpace(secret)}
}

// Verify returns billing.ErrInvalidSignature for any authentication
// failure, including a missing secret. Decoding errors on an authenticated
// payload are returned as-is.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (billing.Event, error) {
	if v.secret == "" || strings.TrimSpace(signatureHeader) == "" {
		return billing.Event{}, billing.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return billing.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	return decodeEvent(&event)
}

func decodeEvent(event *stripelib.Event) (billing.Event, error) {
	ev := billing.Event{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if event.Created > 0 {
		ev.Created = time.Unix(event.Created, 0).UTC()
	}
	if event.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return billing.Event{}, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		ev.Subscription = sub.toBilling()

	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return billing.Event{}, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		ev.Invoice = inv.toBilling()
	}

	return ev, nil
}

// subscription is the subset of the Stripe subscription object we read.
// Newer API versions moved the period bounds onto the subscription items,
// so both places are decoded.
type subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

func (s *subscription) period() (start, end int64) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	return start, end
}

func (s *subscription) toBilling() *billing.Subscription {
	start, end := s.period()
	return &billing.Subscription{
		ID:                 strings.TrimSpace(s.ID),
		CustomerID:         strings.TrimSpace(s.Customer),
		Status:             s.Status,
		PriceID:            s.FirstPriceID(),
		CurrentPeriodStart: unixTime(start),
		CurrentPeriodEnd:   unixTime(end),
	}
}

// invoice is the subset of the Stripe invoice object we read. The
// subscription id sits at the top level on older API versions and under
// parent.subscription_details on newer ones.
type invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *invoice) toBilling() *billing.Invoice {
	subID := strings.TrimSpace(i.Subscription)
	if subID == "" {
		subID = strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
	}
	return &billing.Invoice{
		ID:             i.ID,
		CustomerID:     strings.TrimSpace(i.Customer),
		SubscriptionID: subID,
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
