package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"subsync/internal/types"
)

// UserRepository provides data access for the users table. Users are created
// lazily by the customer resolver and are never deleted.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// Used consistently across all query methods to avoid column drift.
const userColumns = `u.id, u.email, u.external_customer_id, u.created_at`

// scanUser scans a single user row into a types.User struct. The columns
// must match the order defined in userColumns. external_customer_id is NULL
// until a checkout binds the user to a provider customer.
func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var customerID *string
	err := row.Scan(
		&u.ID,
		&u.Email,
		&customerID,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID != nil {
		u.ExternalCustomerID = *customerID
	}
	return &u, nil
}

// GetByID retrieves a user by primary key.
// Returns ErrCodeNotFoundUser if no user exists.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`,
		id,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email address.
// Returns ErrCodeNotFoundUser if no user exists.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.email = $1`,
		email,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetByExternalCustomerID retrieves the user bound to a provider customer id.
// Returns ErrCodeNotFoundUser if no user carries the binding.
func (r *UserRepository) GetByExternalCustomerID(ctx context.Context, customerID string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.external_customer_id = $1`,
		customerID,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// Create inserts a new user record. The caller supplies the generated ID.
// Returns ErrCodeConflictEmail (409) if a user with the same email already
// exists (unique constraint on idx_users_email).
func (r *UserRepository) Create(ctx context.Context, user *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, external_customer_id, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		user.ID,
		user.Email,
		nilIfEmpty(user.ExternalCustomerID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "user already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// AttachExternalCustomerID binds a provider customer id to a user. The
// binding is first-write-wins: once set, it is never overwritten. Attaching
// the same customer id again is a no-op; attaching a different one returns
// ErrCodeConflictCustomerBinding so the event can be flagged for operators.
func (r *UserRepository) AttachExternalCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET external_customer_id = $1
		 WHERE id = $2
		   AND (external_customer_id IS NULL OR external_customer_id = $1)`,
		customerID,
		userID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictCustomerBinding,
				"customer id already bound to another user", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to attach customer id", err)
	}

	if tag.RowsAffected() == 0 {
		// Either the user does not exist or it is already bound to a
		// different customer id. Distinguish the two for the caller.
		var existing *string
		err := r.db.QueryRow(ctx,
			`SELECT external_customer_id FROM users WHERE id = $1`,
			userID,
		).Scan(&existing)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to check customer binding", err)
		}
		return types.NewAppError(types.ErrCodeConflictCustomerBinding,
			"user already bound to a different customer id", nil)
	}
	return nil
}

// nilIfEmpty converts an empty string to nil so the column stores NULL
// instead of the empty string. Required for partial unique indexes.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
