package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
)

// MinPasswordLength applies to registration and rotation.
const MinPasswordLength = 10

// AuthService implements registration, login, refresh and password rotation.
type AuthService struct {
	accounts ports.AccountRepository
	creds    ports.CredentialStore
	tokens   ports.TokenIssuer
	now      func() time.Time
}

func NewAuthService(accounts ports.AccountRepository, creds ports.CredentialStore, tokens ports.TokenIssuer) *AuthService {
	return &AuthService{accounts: accounts, creds: creds, tokens: tokens, now: time.Now}
}

// Register creates a Teacher or Parent account. Privileged roles are never
// self-service.
func (s *AuthService) Register(ctx context.Context, in ports.RegisterInput) (*domain.Account, error) {
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return nil, domain.ErrInvalidCredentials
	}
	if !isSelfService(in.Role) {
		return nil, domain.ErrForbidden
	}
	if len(in.Password) < MinPasswordLength {
		return nil, domain.ErrWeakPassword
	}

	now := s.now().UTC()
	acc := &domain.Account{
		Username:  in.Username,
		Email:     strings.ToLower(in.Email),
		Roles:     []domain.Role{in.Role},
		CreatedAt: now,
		UpdatedAt: now,
	}

	hash, err := s.creds.HashPassword(acc, in.Password)
	if err != nil {
		return nil, err
	}
	acc.PasswordHash = hash

	created, err := s.creds.CreateAccount(ctx, acc)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Login verifies email and password and mints a credential.
func (s *AuthService) Login(ctx context.Context, email, password string) (*ports.Session, error) {
	acc, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if acc.MustRotatePassword {
		return nil, domain.ErrRotationRequired
	}
	return s.issue(acc)
}

// Refresh re-issues a credential for principal with roles re-read from the
// store, so role changes take effect on the next refresh.
func (s *AuthService) Refresh(ctx context.Context, principal *domain.Principal) (*ports.Session, error) {
	if principal == nil || principal.AccountID == "" {
		return nil, domain.ErrInvalidCredential
	}
	acc, err := s.accounts.FindByID(ctx, principal.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.ErrInvalidCredential
		}
		return nil, err
	}
	if acc.MustRotatePassword {
		return nil, domain.ErrRotationRequired
	}
	return s.issue(acc)
}

// RotatePassword replaces the password of the account identified by email.
// It is the only way to clear MustRotatePassword.
func (s *AuthService) RotatePassword(ctx context.Context, email, current, next string) error {
	acc, err := s.authenticate(ctx, email, current)
	if err != nil {
		return err
	}
	if len(next) < MinPasswordLength {
		return domain.ErrWeakPassword
	}
	if next == current {
		return domain.ErrInvalidCredentials
	}

	hash, err := s.creds.HashPassword(acc, next)
	if err != nil {
		return err
	}
	return s.accounts.UpdatePassword(ctx, acc.ID, hash)
}

func (s *AuthService) authenticate(ctx context.Context, email, password string) (*domain.Account, error) {
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	acc, err := s.accounts.FindByEmail(ctx, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if !s.accounts.VerifyPassword(acc, password) {
		return nil, domain.ErrInvalidCredentials
	}
	return acc, nil
}

func (s *AuthService) issue(acc *domain.Account) (*ports.Session, error) {
	now := s.now()
	token, err := s.tokens.Issue(acc.ID, acc.Roles, now)
	if err != nil {
		return nil, err
	}
	return &ports.Session{
		Token:     token,
		ExpiresAt: s.tokens.ExpiresAt(now),
		Account:   acc,
	}, nil
}

func isSelfService(r domain.Role) bool {
	for _, allowed := range domain.SelfServiceRoles {
		if r == allowed {
			return true
		}
	}
	return false
}
