package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"subsync/internal/types"
)

// UserStore is the data access surface the resolver needs. *db.UserRepository
// satisfies it whether bound to a pool or a transaction.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	GetByExternalCustomerID(ctx context.Context, customerID string) (*types.User, error)
	Create(ctx context.Context, user *types.User) error
	AttachExternalCustomerID(ctx context.Context, userID, customerID string) error
}

// CustomerResolver maps provider identities (customer id, checkout email) to
// local users, creating users lazily on first contact. The customer binding
// is first-write-wins and never overwritten.
type CustomerResolver struct {
	store  UserStore
	logger *slog.Logger

	// group collapses concurrent creates for the same email into one
	// insert. The unique index on email is still the authority; this just
	// avoids burning conflicts under request bursts.
	group singleflight.Group
}

// NewCustomerResolver creates a resolver over the given store.
func NewCustomerResolver(store UserStore, logger *slog.Logger) *CustomerResolver {
	return &CustomerResolver{store: store, logger: logger}
}

// EnsureUserByEmail returns the user for an email, creating one if none
// exists. Safe under concurrency: a lost insert race falls back to reading
// the winner's row.
func (r *CustomerResolver) EnsureUserByEmail(ctx context.Context, email string) (*types.User, error) {
	user, err := r.store.GetByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	v, err, _ := r.group.Do(email, func() (any, error) {
		// Re-check inside the flight; an earlier caller may have created it.
		if existing, getErr := r.store.GetByEmail(ctx, email); getErr == nil {
			return existing, nil
		}

		created := &types.User{
			ID:    uuid.NewString(),
			Email: email,
		}
		createErr := r.store.Create(ctx, created)
		if createErr == nil {
			r.logger.InfoContext(ctx, "user created", "user_id", created.ID)
			return created, nil
		}

		// Lost the insert race against another process.
		var appErr *types.AppError
		if errors.As(createErr, &appErr) && appErr.Code == types.ErrCodeConflictEmail {
			return r.store.GetByEmail(ctx, email)
		}
		return nil, createErr
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.User), nil
}

// ResolveByCustomerID returns the user bound to a provider customer id.
// Returns ErrCodeNotFoundUser when no binding exists.
func (r *CustomerResolver) ResolveByCustomerID(ctx context.Context, customerID string) (*types.User, error) {
	return r.store.GetByExternalCustomerID(ctx, customerID)
}

// ResolveByUserID returns the user for a local id, used when an event echoes
// our client_reference_id.
func (r *CustomerResolver) ResolveByUserID(ctx context.Context, userID string) (*types.User, error) {
	return r.store.GetByID(ctx, userID)
}

// BindCustomer attaches a provider customer id to a user, first-write-wins.
// A conflicting existing binding surfaces as ErrCodeConflictCustomerBinding;
// the caller decides whether that is fatal or an operator alert.
func (r *CustomerResolver) BindCustomer(ctx context.Context, userID, customerID string) error {
	return r.store.AttachExternalCustomerID(ctx, userID, customerID)
}

func isNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) &&
		(appErr.Code == types.ErrCodeNotFoundUser || appErr.Code == types.ErrCodeNotFoundSubscription)
}
