package billing

import (
	"context"
	"fmt"
	"log/slog"

	"subsync/internal/external"
	"subsync/internal/types"
)

// CheckoutSession is the result handed back to the API: the hosted page URL
// the client redirects to, plus the provider session id for support lookups.
type CheckoutSession struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// CheckoutOrchestrator drives the purchase flow: plan validation, user and
// provider-customer resolution, and hosted checkout session creation.
type CheckoutOrchestrator struct {
	resolver     *CustomerResolver
	billing      external.BillingService
	catalog      *PlanCatalog
	dashboardURL string
	logger       *slog.Logger
}

// NewCheckoutOrchestrator wires the orchestrator. dashboardURL is the public
// base URL the provider redirects back to after checkout.
func NewCheckoutOrchestrator(
	resolver *CustomerResolver,
	billingSvc external.BillingService,
	catalog *PlanCatalog,
	dashboardURL string,
	logger *slog.Logger,
) *CheckoutOrchestrator {
	return &CheckoutOrchestrator{
		resolver:     resolver,
		billing:      billingSvc,
		catalog:      catalog,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// StartCheckout opens a hosted checkout session for the given email and plan.
//
// The user is created on first contact, and the provider customer is created
// and bound first-write-wins before the session opens, so the webhook events
// that follow always resolve. Plans outside the catalog are a 400, not a
// provider call.
func (o *CheckoutOrchestrator) StartCheckout(ctx context.Context, email, plan string) (*CheckoutSession, error) {
	priceID, ok := o.catalog.PriceForPlan(plan)
	if !ok {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationUnknownPlan,
			fmt.Sprintf("plan %q is not offered", plan),
			nil,
			map[string]any{"available_plans": o.catalog.Plans()},
		)
	}

	user, err := o.resolver.EnsureUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	customerID := user.ExternalCustomerID
	if customerID == "" {
		customerID, err = o.billing.EnsureCustomer(ctx, email)
		if err != nil {
			return nil, err
		}
		if err := o.resolver.BindCustomer(ctx, user.ID, customerID); err != nil {
			return nil, err
		}
	}

	url, sessionID, err := o.billing.CreateCheckoutSession(ctx, external.CheckoutParams{
		CustomerID:        customerID,
		PriceID:           priceID,
		ClientReferenceID: user.ID,
		SuccessURL:        o.dashboardURL + "/billing?checkout=success",
		CancelURL:         o.dashboardURL + "/billing?checkout=cancel",
	})
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "checkout session created",
		"user_id", user.ID,
		"plan", plan,
		"session_id", sessionID,
	)

	return &CheckoutSession{URL: url, SessionID: sessionID}, nil
}
