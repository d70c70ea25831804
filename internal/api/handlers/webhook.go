// Package handlers contains the HTTP handler implementations for the billing
// synchronization API.
//
// The webhook handler is NOT behind any auth middleware; it is called
// directly by the payment provider. Security is provided by verifying the
// Stripe-Signature header before anything else touches the payload.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/external"
	"subsync/internal/metrics"
	"subsync/internal/types"
)

// maxWebhookBodySize caps webhook payloads at 64 KB. Provider payloads are
// small; the limit protects against abuse on an unauthenticated endpoint.
const maxWebhookBodySize = 64 * 1024

// WebhookProcessor is the state machine surface the handler drives.
type WebhookProcessor interface {
	ProcessEvent(ctx context.Context, evt *billing.Event) (billing.Outcome, error)
}

// WebhookHandler receives asynchronous events from the payment provider.
type WebhookHandler struct {
	verifier external.WebhookVerifier
	engine   WebhookProcessor
	recorder metrics.Recorder
	secret   string
	logger   *slog.Logger
}

// NewWebhookHandler creates the handler with its dependencies.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	engine WebhookProcessor,
	recorder metrics.Recorder,
	secret string,
	logger *slog.Logger,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier: verifier,
		engine:   engine,
		recorder: recorder,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// webhookAck is the 200 response body. The provider only inspects the status
// code; the body exists for humans replaying deliveries.
type webhookAck struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// Handle processes one webhook delivery:
//
//  1. Read the raw body with a size limit.
//  2. Verify the Stripe-Signature header. Failures are 400: the provider
//     retries any non-2xx, and an unverifiable payload never improves.
//  3. Decode the event.
//  4. Run ledger admission plus state application in one transaction.
//
// Both a first delivery and a duplicate return 200 so the provider stops
// redelivering. Only transient faults (storage, in this path) return 5xx.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.recorder.RecordWebhookOutcome(ctx, "", metrics.OutcomeMalformed)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationBodyTooLarge, "webhook payload exceeds the size limit", err))
			return
		}
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationUnreadableBody, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(ctx, "missing Stripe-Signature header")
		h.recorder.RecordWebhookOutcome(ctx, "", metrics.OutcomeSignatureInvalid)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureMissing, "missing Stripe-Signature header", nil))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		h.recorder.RecordWebhookOutcome(ctx, "", metrics.OutcomeSignatureInvalid)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureInvalid, "webhook signature verification failed", err))
		return
	}

	evt, err := billing.ParseEvent(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		h.recorder.RecordWebhookOutcome(ctx, "", metrics.OutcomeMalformed)
		core.Error(w, r, err)
		return
	}

	outcome, err := h.engine.ProcessEvent(ctx, evt)
	if err != nil {
		h.logger.ErrorContext(ctx, "webhook processing failed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		h.recorder.RecordWebhookOutcome(ctx, evt.Type, metrics.OutcomeFailed)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "webhook processed",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"outcome", string(outcome),
	)
	h.recorder.RecordWebhookOutcome(ctx, evt.Type, outcomeMetric(outcome))

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Status: string(outcome)})
}

func outcomeMetric(outcome billing.Outcome) metrics.Outcome {
	switch outcome {
	case billing.OutcomeApplied:
		return metrics.OutcomeProcessed
	case billing.OutcomeDuplicate:
		return metrics.OutcomeDuplicate
	default:
		return metrics.OutcomeIgnored
	}
}
