package repository

import (
	"context"
	"time"

	"userdir/internal/domain"
)

// FilterOptions 列表查询过滤器
type FilterOptions struct {
	Role        domain.Role
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
	Offset      int
}

// UserUpdate 部分更新载荷
// Nil pointers leave the field untouched. An explicit empty string clears an
// optional field (the directory backend turns that into an attribute delete).
// Password and PasswordHash are mutually exclusive, as on create.
type UserUpdate struct {
	Email                  *string
	Password               *string
	PasswordHash           *string
	Role                   *domain.Role
	EmailVerified          *bool
	FullName               *string
	Nationality            *string
	Phone                  *string
	LastLoginAt            *time.Time
	PasswordResetToken     *string
	PasswordResetExpires   *time.Time
	EmailVerificationToken *string
	InitialPasswordChanged *bool
}

// Validate rejects contradictory update payloads before any write.
func (u *UserUpdate) Validate() error {
	if u.Password != nil && *u.Password != "" && u.PasswordHash != nil && *u.PasswordHash != "" {
		return &domain.ValidationError{Field: "password", Reason: "plaintext and hashed material are mutually exclusive"}
	}
	if u.Role != nil && !domain.ValidRole(*u.Role) {
		return &domain.ValidationError{Field: "role", Reason: "unknown role " + string(*u.Role)}
	}
	return nil
}

// UserRepository 账号存储契约
// Both backends (directory and relational) and the fallback decorator
// implement the same interface; callers are injected with whichever
// composition the deployment wants.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByRole(ctx context.Context, role domain.Role) ([]*domain.User, error)
	FindAll(ctx context.Context, opts FilterOptions) ([]*domain.User, error)
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*domain.User, error)
	Delete(ctx context.Context, id string) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Count(ctx context.Context) (int, error)
	CountByRole(ctx context.Context, role domain.Role) (int, error)
	FindByDateRange(ctx context.Context, from, to time.Time) ([]*domain.User, error)
}
