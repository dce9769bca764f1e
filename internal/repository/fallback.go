package repository

import (
	"context"
	"time"

	"go.uber.org/zap"

	"userdir/internal/domain"
)

// FallbackUsersRepository 双后端容错存储
// Every operation tries the primary (directory) store and falls over to the
// secondary (relational) store when the primary fails. Authoritative
// outcomes — not-found, duplicate, validation — return immediately: they mean
// the same thing on any backend and retrying them would turn a correct
// rejection into a cross-store inconsistency.
//
// There is no reconciliation: when the primary fails and the secondary
// succeeds, the record exists only in the secondary until a repair pass runs.
// That is a deliberate availability-over-consistency tradeoff.
type FallbackUsersRepository struct {
	primary   UserRepository
	secondary UserRepository
	logger    *zap.Logger
}

// NewFallbackUsersRepository 创建容错 Repository
func NewFallbackUsersRepository(primary, secondary UserRepository, logger *zap.Logger) *FallbackUsersRepository {
	return &FallbackUsersRepository{primary: primary, secondary: secondary, logger: logger}
}

var _ UserRepository = (*FallbackUsersRepository)(nil)

// failover runs op against the primary once and the secondary at most once.
func failover[T any](r *FallbackUsersRepository, ctx context.Context, name string,
	op func(ctx context.Context, repo UserRepository) (T, error)) (T, error) {

	result, primaryErr := op(ctx, r.primary)
	if primaryErr == nil || domain.Authoritative(primaryErr) {
		return result, primaryErr
	}

	r.logger.Warn("primary store failed, trying secondary",
		zap.String("operation", name),
		zap.Error(primaryErr),
	)

	result, secondaryErr := op(ctx, r.secondary)
	if secondaryErr == nil || domain.Authoritative(secondaryErr) {
		return result, secondaryErr
	}

	var zero T
	return zero, &domain.FailoverError{Op: name, Primary: primaryErr, Secondary: secondaryErr}
}

func (r *FallbackUsersRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return failover(r, ctx, "findById", func(ctx context.Context, repo UserRepository) (*domain.User, error) {
		return repo.FindByID(ctx, id)
	})
}

func (r *FallbackUsersRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return failover(r, ctx, "findByEmail", func(ctx context.Context, repo UserRepository) (*domain.User, error) {
		return repo.FindByEmail(ctx, email)
	})
}

func (r *FallbackUsersRepository) FindByRole(ctx context.Context, role domain.Role) ([]*domain.User, error) {
	return failover(r, ctx, "findByRole", func(ctx context.Context, repo UserRepository) ([]*domain.User, error) {
		return repo.FindByRole(ctx, role)
	})
}

func (r *FallbackUsersRepository) FindAll(ctx context.Context, opts FilterOptions) ([]*domain.User, error) {
	return failover(r, ctx, "findAll", func(ctx context.Context, repo UserRepository) ([]*domain.User, error) {
		return repo.FindAll(ctx, opts)
	})
}

func (r *FallbackUsersRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	return failover(r, ctx, "create", func(ctx context.Context, repo UserRepository) (*domain.User, error) {
		return repo.Create(ctx, user)
	})
}

func (r *FallbackUsersRepository) Update(ctx context.Context, id string, upd UserUpdate) (*domain.User, error) {
	return failover(r, ctx, "update", func(ctx context.Context, repo UserRepository) (*domain.User, error) {
		return repo.Update(ctx, id, upd)
	})
}

func (r *FallbackUsersRepository) Delete(ctx context.Context, id string) error {
	_, err := failover(r, ctx, "delete", func(ctx context.Context, repo UserRepository) (struct{}, error) {
		return struct{}{}, repo.Delete(ctx, id)
	})
	return err
}

func (r *FallbackUsersRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return failover(r, ctx, "existsByEmail", func(ctx context.Context, repo UserRepository) (bool, error) {
		return repo.ExistsByEmail(ctx, email)
	})
}

func (r *FallbackUsersRepository) Count(ctx context.Context) (int, error) {
	return failover(r, ctx, "count", func(ctx context.Context, repo UserRepository) (int, error) {
		return repo.Count(ctx)
	})
}

func (r *FallbackUsersRepository) CountByRole(ctx context.Context, role domain.Role) (int, error) {
	return failover(r, ctx, "countByRole", func(ctx context.Context, repo UserRepository) (int, error) {
		return repo.CountByRole(ctx, role)
	})
}

func (r *FallbackUsersRepository) FindByDateRange(ctx context.Context, from, to time.Time) ([]*domain.User, error) {
	return failover(r, ctx, "findByDateRange", func(ctx context.Context, repo UserRepository) ([]*domain.User, error) {
		return repo.FindByDateRange(ctx, from, to)
	})
}
