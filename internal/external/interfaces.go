package external

import (
	"context"
)

// CheckoutParams carries everything the provider needs to open a hosted
// checkout page for a subscription purchase.
type CheckoutParams struct {
	// CustomerID is the provider customer the session is opened for.
	CustomerID string

	// PriceID is the provider price id of the plan being purchased.
	PriceID string

	// ClientReferenceID correlates the resulting webhook events back to the
	// local user; it is echoed in checkout.session.completed.
	ClientReferenceID string

	SuccessURL string
	CancelURL  string
}

// BillingService abstracts interactions with the payment provider.
// Implementations translate between domain types and vendor-specific APIs.
type BillingService interface {
	// EnsureCustomer retrieves or creates a provider customer for the given
	// email. Search-first so repeated checkouts never mint duplicate customers.
	EnsureCustomer(ctx context.Context, email string) (customerID string, err error)

	// CreateCheckoutSession opens a hosted checkout page and returns its URL
	// and session id.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (checkoutURL string, sessionID string, err error)
}

// WebhookVerifier abstracts webhook signature checking. Verification happens
// before any parsing or state change; an unverified payload is untrusted input.
type WebhookVerifier interface {
	// Verify validates a raw webhook payload against the provided signature
	// header and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Provider event type constants prevent magic strings in webhook handlers.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventSubCreated        = "customer.subscription.created"
	EventSubUpdated        = "customer.subscription.updated"
	EventSubDeleted        = "customer.subscription.deleted"
	EventInvoicePaid       = "invoice.paid"
	EventPaymentFailed     = "invoice.payment_failed"
)
