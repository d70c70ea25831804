package billing

import (
	"context"
	"log/slog"

	"subsync/internal/types"
)

// StatusReader is the read surface the status service needs.
type StatusReader interface {
	GetCurrentForUser(ctx context.Context, userID string) (*types.Subscription, error)
}

// StatusService answers "what is this user entitled to right now". It is a
// pure read model over the synchronized state; it never calls the provider.
type StatusService struct {
	users  UserStore
	subs   StatusReader
	logger *slog.Logger
}

// NewStatusService creates the read model.
func NewStatusService(users UserStore, subs StatusReader, logger *slog.Logger) *StatusService {
	return &StatusService{users: users, subs: subs, logger: logger}
}

// GetStatus returns the subscription view for an email. Unknown users and
// users without an entitled subscription both get the free view; the status
// endpoint never reveals whether an email exists.
func (s *StatusService) GetStatus(ctx context.Context, email string) (*types.SubscriptionStatusView, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return types.FreeStatusView(), nil
		}
		return nil, err
	}
	return s.currentView(ctx, user.ID)
}

// GetStatusByUserID returns the subscription view for a local user id. An
// unknown id gets the same free view as an unknown email.
func (s *StatusService) GetStatusByUserID(ctx context.Context, userID string) (*types.SubscriptionStatusView, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return types.FreeStatusView(), nil
		}
		return nil, err
	}
	return s.currentView(ctx, user.ID)
}

func (s *StatusService) currentView(ctx context.Context, userID string) (*types.SubscriptionStatusView, error) {
	sub, err := s.subs.GetCurrentForUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return types.FreeStatusView(), nil
		}
		return nil, err
	}

	return &types.SubscriptionStatusView{
		Subscribed:        true,
		Plan:              sub.Plan,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodEnd:         sub.CurrentPeriodEnd,
	}, nil
}
