// Package billing implements the synchronization domain: plan mapping,
// customer resolution, the webhook state machine, checkout orchestration,
// and the subscription status read model.
package billing

import (
	"encoding/json"
	"fmt"
	"sort"

	"subsync/internal/config"
)

// PlanCatalog is the bidirectional mapping between plan names and provider
// price ids. It is built once from configuration and is immutable; lookups
// are safe for concurrent use.
type PlanCatalog struct {
	priceToPlan  map[string]string
	planToPrice  map[string]string
	defaultLabel string
}

// NewPlanCatalog parses the configured plan-to-price JSON mapping.
// Duplicate price ids across plans are a configuration error.
func NewPlanCatalog(cfg config.BillingConfig) (*PlanCatalog, error) {
	var planToPrice map[string]string
	if err := json.Unmarshal([]byte(cfg.PlanPrices), &planToPrice); err != nil {
		return nil, fmt.Errorf("parsing plan price mapping: %w", err)
	}
	if len(planToPrice) == 0 {
		return nil, fmt.Errorf("plan price mapping is empty")
	}

	priceToPlan := make(map[string]string, len(planToPrice))
	for plan, priceID := range planToPrice {
		if plan == "" || priceID == "" {
			return nil, fmt.Errorf("plan price mapping contains empty plan or price id")
		}
		if existing, ok := priceToPlan[priceID]; ok {
			return nil, fmt.Errorf("price id %s mapped to both %s and %s", priceID, existing, plan)
		}
		priceToPlan[priceID] = plan
	}

	return &PlanCatalog{
		priceToPlan:  priceToPlan,
		planToPrice:  planToPrice,
		defaultLabel: cfg.DefaultPlanLabel,
	}, nil
}

// PlanForPrice maps a provider price id to its plan name. Unknown price ids
// return the default label and false so the caller can flag the condition
// without failing processing.
func (c *PlanCatalog) PlanForPrice(priceID string) (string, bool) {
	if plan, ok := c.priceToPlan[priceID]; ok {
		return plan, true
	}
	return c.defaultLabel, false
}

// PriceForPlan maps a plan name to its provider price id.
func (c *PlanCatalog) PriceForPlan(plan string) (string, bool) {
	priceID, ok := c.planToPrice[plan]
	return priceID, ok
}

// Plans returns the configured plan names in sorted order.
func (c *PlanCatalog) Plans() []string {
	plans := make([]string, 0, len(c.planToPrice))
	for plan := range c.planToPrice {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}
