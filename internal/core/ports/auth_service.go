package ports

import (
	"context"
	"time"

	"github.com/campusline/school-backend/internal/core/domain"
)

// TokenIssuer mints signed credentials.
type TokenIssuer interface {
	Issue(accountID string, roles []domain.Role, now time.Time) (string, error)
	TTL() time.Duration
	// ExpiresAt is the expiry stamped on a credential issued at now.
	ExpiresAt(now time.Time) time.Time
}

// TokenValidator verifies signed credentials. Implementations must be pure.
type TokenValidator interface {
	Validate(token string, now time.Time) (*domain.Principal, error)
}

// Session is what a successful login or refresh hands back.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   *domain.Account
}

// RegisterInput carries a self-service registration.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     domain.Role
}

type AuthService interface {
	Register(ctx context.Context, in RegisterInput) (*domain.Account, error)
	Login(ctx context.Context, email, password string) (*Session, error)
	Refresh(ctx context.Context, principal *domain.Principal) (*Session, error)
	RotatePassword(ctx context.Context, email, current, next string) error
}
