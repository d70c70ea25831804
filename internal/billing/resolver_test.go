package billing

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestEnsureUserByEmail_ReturnsExisting(t *testing.T) {
	users := newMemUsers(&types.User{ID: "usr_1", Email: "jane@example.com"})
	resolver := NewCustomerResolver(users, slog.Default())

	user, err := resolver.EnsureUserByEmail(context.Background(), "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", user.ID)
	assert.Len(t, users.byID, 1)
}

func TestEnsureUserByEmail_CreatesOnFirstContact(t *testing.T) {
	users := newMemUsers()
	resolver := NewCustomerResolver(users, slog.Default())

	user, err := resolver.EnsureUserByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "new@example.com", user.Email)
	assert.Len(t, users.byID, 1)
}

func TestEnsureUserByEmail_ConcurrentCallsShareOneUser(t *testing.T) {
	users := newMemUsers()
	resolver := NewCustomerResolver(users, slog.Default())

	const n = 8
	results := make([]*types.User, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := resolver.EnsureUserByEmail(context.Background(), "burst@example.com")
			require.NoError(t, err)
			results[i] = u
		}(i)
	}
	wg.Wait()

	assert.Len(t, users.byID, 1)
	for _, u := range results {
		assert.Equal(t, results[0].ID, u.ID)
	}
}

// raceUsers simulates another process winning the insert between our
// not-found read and our create.
type raceUsers struct {
	*memUsers
	winner  *types.User
	created bool
}

func (r *raceUsers) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	if r.created {
		return r.winner, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
}

func (r *raceUsers) Create(ctx context.Context, user *types.User) error {
	r.created = true
	return types.NewAppError(types.ErrCodeConflictEmail, "user already exists", nil)
}

func TestEnsureUserByEmail_LostInsertRaceReadsWinner(t *testing.T) {
	store := &raceUsers{
		memUsers: newMemUsers(),
		winner:   &types.User{ID: "usr_winner", Email: "raced@example.com"},
	}
	resolver := NewCustomerResolver(store, slog.Default())

	user, err := resolver.EnsureUserByEmail(context.Background(), "raced@example.com")
	require.NoError(t, err)
	assert.Equal(t, "usr_winner", user.ID)
}

func TestBindCustomer_ConflictSurfaces(t *testing.T) {
	users := newMemUsers(&types.User{ID: "usr_1", Email: "jane@example.com", ExternalCustomerID: "cus_a"})
	resolver := NewCustomerResolver(users, slog.Default())

	err := resolver.BindCustomer(context.Background(), "usr_1", "cus_b")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictCustomerBinding, appErr.Code)
}

func TestBindCustomer_SameBindingIsNoop(t *testing.T) {
	users := newMemUsers(&types.User{ID: "usr_1", Email: "jane@example.com", ExternalCustomerID: "cus_a"})
	resolver := NewCustomerResolver(users, slog.Default())

	err := resolver.BindCustomer(context.Background(), "usr_1", "cus_a")
	require.NoError(t, err)
}
