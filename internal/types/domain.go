package types

import "time"

// SubscriptionStatus is the canonical status enumeration for a subscription.
// Values mirror the provider's wire values so events map without translation.
type SubscriptionStatus string

const (
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusTrialing   SubscriptionStatus = "trialing"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusCanceled   SubscriptionStatus = "canceled"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// IsEntitled reports whether the status grants access to paid features.
// Only active and trialing subscriptions count for status queries.
func (s SubscriptionStatus) IsEntitled() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// FreePlan is the plan label reported for users without an entitled subscription.
const FreePlan = "free"

// User is the local identity record. Created on first checkout or on the
// first webhook referencing an unknown email; never deleted by this engine.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	ExternalCustomerID string    `json:"external_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Subscription is one logical row per external subscription id. Mutated only
// by the state machine in response to verified, non-duplicate events.
//
// CurrentPeriodEnd is stored in epoch milliseconds. The provider sends whole
// seconds on the wire; conversion happens exactly once, at event decode time.
type Subscription struct {
	ID                     string             `json:"id"`
	UserID                 string             `json:"user_id"`
	ExternalCustomerID     string             `json:"external_customer_id"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	ExternalPriceID        string             `json:"external_price_id"`
	Plan                   string             `json:"plan"`
	Status                 SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CurrentPeriodEnd       int64              `json:"current_period_end"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// ProcessedEvent is the idempotency ledger entry keyed by external event id.
// Append-only; never updated or deleted by this engine.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// SubscriptionStatusView is the read model returned by the status query
// service. PeriodEnd is epoch milliseconds, zero when not subscribed.
type SubscriptionStatusView struct {
	Subscribed        bool               `json:"subscribed"`
	Plan              string             `json:"plan"`
	Status            SubscriptionStatus `json:"status,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	PeriodEnd         int64              `json:"period_end,omitempty"`
}

// FreeStatusView is the view returned for users with no entitled subscription.
func FreeStatusView() *SubscriptionStatusView {
	return &SubscriptionStatusView{
		Subscribed: false,
		Plan:       FreePlan,
	}
}

// OpsAlert is an operator-attention message published to the alert queue when
// the engine encounters a condition requiring manual resolution (unmapped
// price id, customer binding conflict).
type OpsAlert struct {
	Kind       string            `json:"kind"`
	EventID    string            `json:"event_id,omitempty"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Ops alert kinds.
const (
	AlertKindUnmappedPrice    = "unmapped_price_id"
	AlertKindCustomerConflict = "customer_binding_conflict"
	AlertKindUnknownCustomer  = "unknown_customer"
)
