package ports

import (
	"context"

	"github.com/campusline/school-backend/internal/core/domain"
)

// CredentialStore persists accounts, password hashes and role memberships.
// It is the contract consumed by the role seeder.
type CredentialStore interface {
	RoleExists(ctx context.Context, name domain.Role) (bool, error)
	// CreateRole returns domain.ErrRoleExists if the role is already present.
	CreateRole(ctx context.Context, name domain.Role) error
	AnySuperuserExists(ctx context.Context) (bool, error)
	// CreateAccount returns domain.ErrSuperuserExists when acc.IsSuperuser is
	// set and another superuser is already stored, and domain.ErrAccountExists
	// on a username or email collision.
	CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error)
	// AssignRole is idempotent.
	AssignRole(ctx context.Context, accountID string, role domain.Role) error
	// HashPassword is the only place a password hash may be derived.
	HashPassword(acc *domain.Account, plaintext string) (string, error)
}

// AccountRepository is the read side used by login and refresh.
type AccountRepository interface {
	FindByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindByID(ctx context.Context, id string) (*domain.Account, error)
	VerifyPassword(acc *domain.Account, plaintext string) bool
	// UpdatePassword stores a new hash and clears MustRotatePassword.
	UpdatePassword(ctx context.Context, accountID, hash string) error
}

// SeedLock serialises seeding across instances sharing one store.
type SeedLock interface {
	// Acquire blocks until the lock is held or ctx is done. The returned
	// release func must be called exactly once.
	Acquire(ctx context.Context) (release func(), err error)
}
