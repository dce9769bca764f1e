package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"userdir/internal/domain"
)

type mockUsersRepo struct {
	mock.Mock
}

var _ UserRepository = (*mockUsersRepo)(nil)

func (m *mockUsersRepo) FindByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*domain.User)
	return u, args.Error(1)
}

func (m *mockUsersRepo) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	u, _ := args.Get(0).(*domain.User)
	return u, args.Error(1)
}

func (m *mockUsersRepo) FindByRole(ctx context.Context, role domain.Role) ([]*domain.User, error) {
	args := m.Called(ctx, role)
	u, _ := args.Get(0).([]*domain.User)
	return u, args.Error(1)
}

func (m *mockUsersRepo) FindAll(ctx context.Context, opts FilterOptions) ([]*domain.User, error) {
	args := m.Called(ctx, opts)
	u, _ := args.Get(0).([]*domain.User)
	return u, args.Error(1)
}

func (m *mockUsersRepo) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	args := m.Called(ctx, user)
	u, _ := args.Get(0).(*domain.User)
	return u, args.Error(1)
}

func (m *mockUsersRepo) Update(ctx context.Context, id string, upd UserUpdate) (*domain.User, error) {
	args := m.Called(ctx, id, upd)
	u, _ := args.Get(0).(*domain.User)
	return u, args.Error(1)
}

func (m *mockUsersRepo) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockUsersRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	args := m.Called(ctx, email)
	return args.Bool(0), args.Error(1)
}

func (m *mockUsersRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockUsersRepo) CountByRole(ctx context.Context, role domain.Role) (int, error) {
	args := m.Called(ctx, role)
	return args.Int(0), args.Error(1)
}

func (m *mockUsersRepo) FindByDateRange(ctx context.Context, from, to time.Time) ([]*domain.User, error) {
	args := m.Called(ctx, from, to)
	u, _ := args.Get(0).([]*domain.User)
	return u, args.Error(1)
}

func newFallbackUnderTest() (*FallbackUsersRepository, *mockUsersRepo, *mockUsersRepo) {
	primary := new(mockUsersRepo)
	secondary := new(mockUsersRepo)
	return NewFallbackUsersRepository(primary, secondary, zap.NewNop()), primary, secondary
}

func TestFallback_PrimarySuccessSkipsSecondary(t *testing.T) {
	repo, primary, secondary := newFallbackUnderTest()
	want := &domain.User{ID: "u1", Email: "a@example.com"}
	primary.On("FindByID", mock.Anything, "u1").Return(want, nil)

	got, err := repo.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Same(t, want, got)

	primary.AssertExpectations(t)
	secondary.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
}

func TestFallback_InfrastructureFailureFallsOver(t *testing.T) {
	repo, primary, secondary := newFallbackUnderTest()
	want := &domain.User{ID: "u1"}
	primary.On("FindByID", mock.Anything, "u1").
		Return(nil, &domain.ConnectionError{Op: "search", Err: errors.New("refused")})
	secondary.On("FindByID", mock.Anything, "u1").Return(want, nil)

	got, err := repo.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Same(t, want, got)
	secondary.AssertExpectations(t)
}

func TestFallback_AuthoritativeErrorsShortCircuit(t *testing.T) {
	authoritative := []error{
		domain.ErrNotFound,
		&domain.DuplicateError{Email: "a@example.com"},
		&domain.ValidationError{Field: "email", Reason: "malformed"},
	}
	for _, wantErr := range authoritative {
		repo, primary, secondary := newFallbackUnderTest()
		primary.On("FindByEmail", mock.Anything, "a@example.com").Return(nil, wantErr)

		_, err := repo.FindByEmail(context.Background(), "a@example.com")
		assert.Equal(t, wantErr, err)
		secondary.AssertNotCalled(t, "FindByEmail", mock.Anything, mock.Anything)
	}
}

func TestFallback_BothFailAggregates(t *testing.T) {
	repo, primary, secondary := newFallbackUnderTest()
	primaryErr := &domain.ConnectionError{Op: "bind", Err: errors.New("timeout")}
	secondaryErr := errors.New("pq: connection reset")
	primary.On("Count", mock.Anything).Return(0, primaryErr)
	secondary.On("Count", mock.Anything).Return(0, secondaryErr)

	_, err := repo.Count(context.Background())
	var failed *domain.FailoverError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "count", failed.Op)
	assert.ErrorIs(t, failed, primaryErr)
	assert.ErrorIs(t, failed, secondaryErr)
}

func TestFallback_SecondaryAuthoritativePassesThrough(t *testing.T) {
	repo, primary, secondary := newFallbackUnderTest()
	primary.On("Delete", mock.Anything, "gone").
		Return(&domain.ConnectionError{Op: "delete", Err: errors.New("refused")})
	secondary.On("Delete", mock.Anything, "gone").Return(domain.ErrNotFound)

	err := repo.Delete(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFallback_CreateFallsOverOnce(t *testing.T) {
	repo, primary, secondary := newFallbackUnderTest()
	in := &domain.User{Email: "a@example.com", Password: "x"}
	out := &domain.User{ID: "u1", Email: "a@example.com"}
	primary.On("Create", mock.Anything, in).
		Return(nil, &domain.ConnectionError{Op: "add", Err: errors.New("down")})
	secondary.On("Create", mock.Anything, in).Return(out, nil)

	got, err := repo.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Same(t, out, got)
	primary.AssertNumberOfCalls(t, "Create", 1)
	secondary.AssertNumberOfCalls(t, "Create", 1)
}
