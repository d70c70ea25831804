package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally so the handler depends on the contract, not the concrete
// orchestrator and read model, and tests can inject spies.

// CheckoutStarter drives the purchase flow.
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, email, plan string) (*billing.CheckoutSession, error)
}

// StatusProvider answers subscription status queries.
type StatusProvider interface {
	GetStatus(ctx context.Context, email string) (*types.SubscriptionStatusView, error)
	GetStatusByUserID(ctx context.Context, userID string) (*types.SubscriptionStatusView, error)
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the body for POST /v1/billing/checkout-session.
//
// Success and cancel URLs are intentionally not accepted from the client;
// they are built server-side from DashboardURL to prevent open redirects.
type CreateCheckoutRequest struct {
	Email string `json:"email" validate:"required,email"`
	Plan  string `json:"plan" validate:"required"`
}

// CheckoutResponse is the body for a created checkout session.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// BillingHandler serves the synchronous billing API: checkout session
// creation and subscription status reads.
type BillingHandler struct {
	checkout  CheckoutStarter
	status    StatusProvider
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates the handler with its dependencies.
func NewBillingHandler(
	checkout CheckoutStarter,
	status StatusProvider,
	validator *core.Validator,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		checkout:  checkout,
		status:    status,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout-session", h.CreateCheckoutSession)
	r.Get("/billing/status", h.GetStatus)
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.checkout.StartCheckout(r.Context(), req.Email, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, CheckoutResponse{
		CheckoutURL: session.URL,
		SessionID:   session.SessionID,
	})
}

// GetStatus handles GET /v1/billing/status, keyed by either ?email= or
// ?userId= (exactly one). Unknown identities return the free view rather
// than a 404, so the endpoint does not reveal which accounts exist.
func (h *BillingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	userID := r.URL.Query().Get("userId")

	switch {
	case email == "" && userID == "":
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField, "email or userId query parameter is required", nil))
		return
	case email != "" && userID != "":
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationConflictParams, "email and userId are mutually exclusive", nil))
		return
	}

	var (
		view *types.SubscriptionStatusView
		err  error
	)
	if email != "" {
		if _, perr := mail.ParseAddress(email); perr != nil {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidEmail, "email is not a valid address", perr))
			return
		}
		view, err = h.status.GetStatus(r.Context(), email)
	} else {
		view, err = h.status.GetStatusByUserID(r.Context(), userID)
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, view)
}
