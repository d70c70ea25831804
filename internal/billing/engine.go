package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"subsync/internal/external"
	"subsync/internal/types"
)

// Event is the decoded, trusted form of a verified webhook payload. Only the
// fields this engine acts on are decoded; everything else in the provider
// payload is ignored.
type Event struct {
	ID   string
	Type string

	// Checkout is set for checkout.session.completed events.
	Checkout *CheckoutEvent

	// Subscription is set for customer.subscription.* events.
	Subscription *SubscriptionEvent
}

// CheckoutEvent carries the identity references from a completed checkout.
type CheckoutEvent struct {
	SessionID         string
	CustomerID        string
	ClientReferenceID string
	Email             string
}

// SubscriptionEvent is the provider subscription snapshot embedded in a
// subscription lifecycle event. CurrentPeriodEnd is epoch milliseconds; the
// wire value is whole seconds and is converted exactly once, here.
type SubscriptionEvent struct {
	ID                string
	CustomerID        string
	PriceID           string
	Status            types.SubscriptionStatus
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  int64
}

// Wire structs mirror the provider's JSON envelope. Decoded leniently: extra
// fields are the norm, missing identity fields are the error.
type wireEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type wireCheckoutSession struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type wireSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// ParseEvent decodes a verified webhook payload into an Event. It returns a
// validation AppError for undecodable JSON or a missing event id or type;
// those map to a 400 so the provider stops redelivering a payload that can
// never succeed.
func ParseEvent(payload []byte) (*Event, error) {
	var raw wireEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"webhook payload is not valid JSON", err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"webhook payload missing event id or type", nil)
	}

	evt := &Event{ID: raw.ID, Type: raw.Type}

	switch raw.Type {
	case external.EventCheckoutCompleted:
		var session wireCheckoutSession
		if err := json.Unmarshal(raw.Data.Object, &session); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"checkout session object is not valid JSON", err)
		}
		email := session.CustomerDetails.Email
		if email == "" {
			email = session.CustomerEmail
		}
		evt.Checkout = &CheckoutEvent{
			SessionID:         session.ID,
			CustomerID:        session.Customer,
			ClientReferenceID: session.ClientReferenceID,
			Email:             email,
		}

	case external.EventSubCreated, external.EventSubUpdated, external.EventSubDeleted:
		var sub wireSubscription
		if err := json.Unmarshal(raw.Data.Object, &sub); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON,
				"subscription object is not valid JSON", err)
		}
		if sub.ID == "" {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField,
				"subscription event missing subscription id", nil)
		}
		var priceID string
		if len(sub.Items.Data) > 0 {
			priceID = sub.Items.Data[0].Price.ID
		}
		evt.Subscription = &SubscriptionEvent{
			ID:                sub.ID,
			CustomerID:        sub.Customer,
			PriceID:           priceID,
			Status:            types.SubscriptionStatus(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			// Provider timestamps are whole seconds on the wire.
			CurrentPeriodEnd: sub.CurrentPeriodEnd * 1000,
		}
	}

	return evt, nil
}

// SubscriptionStore is the subscription data access surface the engine needs.
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub *types.Subscription) error
	MarkCanceled(ctx context.Context, externalSubscriptionID string) error
}

// EventStore is the idempotency ledger surface the engine needs.
type EventStore interface {
	Admit(ctx context.Context, eventID, eventType string) (bool, error)
}

// Store bundles the per-transaction repositories the engine operates on.
type Store struct {
	Users         UserStore
	Subscriptions SubscriptionStore
	Events        EventStore
}

// TxRunner executes fn against a Store inside one transaction. The ledger
// admission and every state change it causes commit or roll back together:
// a storage failure after admission rolls the admission back too, so the
// provider's retry is processed fresh instead of being swallowed as a
// duplicate.
type TxRunner func(ctx context.Context, fn func(s Store) error) error

// Outcome classifies the result of processing one verified event.
type Outcome string

const (
	// OutcomeApplied means the event was admitted and its state change applied.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already in the ledger.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event was admitted but carries no state
	// change for this engine (observability-only and unknown kinds).
	OutcomeIgnored Outcome = "ignored"
)

// Engine is the subscription state machine. It consumes verified, decoded
// events and converges local billing state on what the provider reports.
type Engine struct {
	run     TxRunner
	catalog *PlanCatalog
	alerts  AlertPublisher
	logger  *slog.Logger
}

// AlertPublisher publishes operator-attention alerts. Satisfied by
// queue.SQSAlertPublisher and queue.NopAlertPublisher.
type AlertPublisher interface {
	Publish(ctx context.Context, alert types.OpsAlert)
}

// NewEngine creates the state machine.
func NewEngine(run TxRunner, catalog *PlanCatalog, alerts AlertPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		run:     run,
		catalog: catalog,
		alerts:  alerts,
		logger:  logger,
	}
}

// ProcessEvent admits the event to the idempotency ledger and applies its
// state change, all in one transaction. Duplicates short-circuit after the
// ledger check. Alerts raised while applying are published only after the
// transaction commits.
func (e *Engine) ProcessEvent(ctx context.Context, evt *Event) (Outcome, error) {
	var outcome Outcome
	var alerts []types.OpsAlert

	err := e.run(ctx, func(s Store) error {
		admitted, err := s.Events.Admit(ctx, evt.ID, evt.Type)
		if err != nil {
			return err
		}
		if !admitted {
			outcome = OutcomeDuplicate
			return nil
		}

		switch evt.Type {
		case external.EventCheckoutCompleted:
			outcome = OutcomeApplied
			return e.applyCheckout(ctx, s, evt, &alerts)

		case external.EventSubCreated, external.EventSubUpdated:
			outcome = OutcomeApplied
			return e.applySubscriptionChange(ctx, s, evt, &alerts)

		case external.EventSubDeleted:
			outcome = OutcomeApplied
			return s.Subscriptions.MarkCanceled(ctx, evt.Subscription.ID)

		case external.EventInvoicePaid, external.EventPaymentFailed:
			// Observability only: no local state change, but the event
			// stays in the ledger so redeliveries are suppressed.
			e.logger.InfoContext(ctx, "invoice event observed",
				"event_id", evt.ID, "event_type", evt.Type)
			outcome = OutcomeIgnored
			return nil

		default:
			// Unknown kinds are acknowledged so the provider stops
			// retrying something this engine will never act on.
			e.logger.InfoContext(ctx, "unhandled event kind acknowledged",
				"event_id", evt.ID, "event_type", evt.Type)
			outcome = OutcomeIgnored
			return nil
		}
	})
	if err != nil {
		return "", err
	}

	for _, alert := range alerts {
		e.alerts.Publish(ctx, alert)
	}
	return outcome, nil
}

// applyCheckout resolves and binds the user a completed checkout belongs to.
// Checkout completion never writes subscription rows; the subscription
// lifecycle events that follow carry the authoritative state.
//
// Resolution order: existing customer binding, then our echoed
// client_reference_id, then the checkout email (creating the user on first
// contact). A checkout that resolves to no user is acknowledged and logged;
// failing it would only make the provider redeliver an event that cannot
// improve on retry.
func (e *Engine) applyCheckout(ctx context.Context, s Store, evt *Event, alerts *[]types.OpsAlert) error {
	data := evt.Checkout
	resolver := NewCustomerResolver(s.Users, e.logger)

	var user *types.User
	var err error

	if data.CustomerID != "" {
		user, err = resolver.ResolveByCustomerID(ctx, data.CustomerID)
		if err == nil {
			return nil // already bound
		}
		if !isNotFound(err) {
			return err
		}
	}

	if data.ClientReferenceID != "" {
		user, err = resolver.ResolveByUserID(ctx, data.ClientReferenceID)
		if err != nil && !isNotFound(err) {
			return err
		}
	}

	if user == nil && data.Email != "" {
		user, err = resolver.EnsureUserByEmail(ctx, data.Email)
		if err != nil {
			return err
		}
	}

	if user == nil {
		e.logger.WarnContext(ctx, "checkout resolves to no local user",
			"event_id", evt.ID,
			"session_id", data.SessionID,
			"customer_id", data.CustomerID,
		)
		return nil
	}

	if data.CustomerID == "" {
		return nil
	}

	if err := resolver.BindCustomer(ctx, user.ID, data.CustomerID); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictCustomerBinding {
			// The user is already bound to a different customer. Keep the
			// existing binding and hand the discrepancy to an operator.
			*alerts = append(*alerts, types.OpsAlert{
				Kind:    types.AlertKindCustomerConflict,
				EventID: evt.ID,
				Message: fmt.Sprintf("checkout %s references customer %s but user %s is bound elsewhere",
					data.SessionID, data.CustomerID, user.ID),
				Attributes: map[string]string{
					"user_id":     user.ID,
					"customer_id": data.CustomerID,
					"session_id":  data.SessionID,
				},
			})
			return nil
		}
		return err
	}
	return nil
}

// applySubscriptionChange upserts the local mirror row for a created or
// updated subscription. Unmapped price ids get the default plan label plus
// an operator alert; an unknown customer id is acknowledged with an alert
// because the engine has no email to create a user from.
func (e *Engine) applySubscriptionChange(ctx context.Context, s Store, evt *Event, alerts *[]types.OpsAlert) error {
	data := evt.Subscription
	resolver := NewCustomerResolver(s.Users, e.logger)

	user, err := resolver.ResolveByCustomerID(ctx, data.CustomerID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		e.logger.WarnContext(ctx, "subscription event for unknown customer",
			"event_id", evt.ID,
			"customer_id", data.CustomerID,
			"subscription_id", data.ID,
		)
		*alerts = append(*alerts, types.OpsAlert{
			Kind:    types.AlertKindUnknownCustomer,
			EventID: evt.ID,
			Message: fmt.Sprintf("subscription %s references customer %s with no local user", data.ID, data.CustomerID),
			Attributes: map[string]string{
				"customer_id":     data.CustomerID,
				"subscription_id": data.ID,
			},
		})
		return nil
	}

	plan, mapped := e.catalog.PlanForPrice(data.PriceID)
	if !mapped {
		*alerts = append(*alerts, types.OpsAlert{
			Kind:    types.AlertKindUnmappedPrice,
			EventID: evt.ID,
			Message: fmt.Sprintf("price id %s has no configured plan", data.PriceID),
			Attributes: map[string]string{
				"price_id":        data.PriceID,
				"subscription_id": data.ID,
			},
		})
	}

	return s.Subscriptions.Upsert(ctx, &types.Subscription{
		ID:                     uuid.NewString(),
		UserID:                 user.ID,
		ExternalCustomerID:     data.CustomerID,
		ExternalSubscriptionID: data.ID,
		ExternalPriceID:        data.PriceID,
		Plan:                   plan,
		Status:                 data.Status,
		CancelAtPeriodEnd:      data.CancelAtPeriodEnd,
		CurrentPeriodEnd:       data.CurrentPeriodEnd,
	})
}
