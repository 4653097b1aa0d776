// Package billing holds the plan catalog, the processor-neutral event model,
// and the reconciler that turns processor events into account transitions.
package billing

import "strings"

// Plan is one entry of the fixed plan catalog.
type Plan struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	PriceUSD    float64 `json:"price"`
	Credits     int     `json:"credits"`
	Description string  `json:"description"`

	// PriceID is the processor's price identifier. It is not exposed to
	// clients; checkout is requested by plan id.
	PriceID string `json:"-"`
}

const (
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// Catalog is the immutable set of purchasable plans.
type Catalog struct {
	plans []Plan
}

// NewCatalog builds the standard catalog with the processor price ids from
// configuration.
func NewCatalog(basicPriceID, premiumPriceID string) *Catalog {
	return &Catalog{plans: []Plan{
		{
			ID:          PlanBasic,
			Name:        "Basic Plan",
			PriceUSD:    5,
			Credits:     5,
			Description: "5 coloring pages per month",
			PriceID:     basicPriceID,
		},
		{
			ID:          PlanPremium,
			Name:        "Premium Plan",
			PriceUSD:    10,
			Credits:     12,
			Description: "12 coloring pages per month",
			PriceID:     premiumPriceID,
		},
	}}
}

// Plans returns the catalog in display order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Lookup finds a plan by its id.
func (c *Catalog) Lookup(id string) (Plan, bool) {
	for _, p := range c.plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// ByPriceID finds the plan sold under a processor price id.
func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}
