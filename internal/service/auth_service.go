package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"userdir/internal/domain"
	"userdir/internal/repository"
)

// ErrInvalidCredentials covers both "no such account" and "wrong password";
// callers must not learn which, nor which backend answered.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialVerifier 凭据协作方契约
// Hashing and token primitives live outside this module; the core only
// stores and forwards their output.
type CredentialVerifier interface {
	HashPassword(ctx context.Context, plain string) (string, error)
	VerifyPassword(ctx context.Context, plain, hash string) (bool, error)
	IssueToken(ctx context.Context, user *domain.User) (string, error)
	ValidateToken(ctx context.Context, token string) (userID string, err error)
}

// AuthService 认证服务
// Composite operations over the Record Store + Credential Verifier. The
// store injected here is normally the fallback repository, so failover
// happens underneath without this layer (or its callers) seeing which
// backend served.
type AuthService struct {
	store    repository.UserRepository
	verifier CredentialVerifier
	logger   *zap.Logger
}

// NewAuthService 创建 AuthService
func NewAuthService(store repository.UserRepository, verifier CredentialVerifier, logger *zap.Logger) *AuthService {
	return &AuthService{store: store, verifier: verifier, logger: logger}
}

// Authenticate verifies email+password and returns the account with a fresh
// token. The last-login stamp is best effort: a failed stamp update never
// fails a correct login.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if user.PasswordHash == "" {
		return nil, "", ErrInvalidCredentials
	}
	ok, err := s.verifier.VerifyPassword(ctx, password, user.PasswordHash)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.verifier.IssueToken(ctx, user)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	if _, err := s.store.Update(ctx, user.ID, repository.UserUpdate{LastLoginAt: &now}); err != nil {
		s.logger.Warn("failed to stamp last login",
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
	} else {
		user.LastLoginAt = now
	}

	return user, token, nil
}
