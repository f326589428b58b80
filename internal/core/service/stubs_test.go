package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusline/school-backend/internal/core/domain"
)

// stubStore is an in-memory CredentialStore + AccountRepository. It enforces
// the same uniqueness rules as the Mongo adapter.
type stubStore struct {
	mu       sync.Mutex
	roles    map[domain.Role]int // creation count, must stay 1
	accounts map[string]*domain.Account
	nextID   int

	roleExistsErr   error
	createRoleErr   error
	superuserErr    error
	createAcctErr   error
	assignRoleErr   error
	createRoleCalls int
	createAcctCalls int
}

func newStubStore() *stubStore {
	return &stubStore{
		roles:    make(map[domain.Role]int),
		accounts: make(map[string]*domain.Account),
	}
}

func cloneAccount(a *domain.Account) *domain.Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Roles = append([]domain.Role(nil), a.Roles...)
	return &c
}

func (s *stubStore) RoleExists(_ context.Context, name domain.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleExistsErr != nil {
		return false, s.roleExistsErr
	}
	return s.roles[name] > 0, nil
}

func (s *stubStore) CreateRole(_ context.Context, name domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createRoleCalls++
	if s.createRoleErr != nil {
		return s.createRoleErr
	}
	if s.roles[name] > 0 {
		return domain.ErrRoleExists
	}
	s.roles[name]++
	return nil
}

func (s *stubStore) AnySuperuserExists(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.superuserErr != nil {
		return false, s.superuserErr
	}
	return s.superuserCount() > 0, nil
}

func (s *stubStore) superuserCount() int {
	n := 0
	for _, a := range s.accounts {
		if a.IsSuperuser {
			n++
		}
	}
	return n
}

func (s *stubStore) CreateAccount(_ context.Context, acc *domain.Account) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createAcctCalls++
	if s.createAcctErr != nil {
		return nil, s.createAcctErr
	}
	if acc.IsSuperuser && s.superuserCount() > 0 {
		return nil, domain.ErrSuperuserExists
	}
	for _, a := range s.accounts {
		if a.Username == acc.Username || a.Email == acc.Email {
			return nil, domain.ErrAccountExists
		}
	}
	s.nextID++
	c := cloneAccount(acc)
	c.ID = fmt.Sprintf("acc-%d", s.nextID)
	s.accounts[c.ID] = c
	return cloneAccount(c), nil
}

func (s *stubStore) AssignRole(_ context.Context, accountID string, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignRoleErr != nil {
		return s.assignRoleErr
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if s.roles[role] == 0 {
		return domain.ErrRoleNotFound
	}
	if !a.HasRole(role) {
		a.Roles = append(a.Roles, role)
	}
	return nil
}

func (s *stubStore) HashPassword(_ *domain.Account, plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *stubStore) FindByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			return cloneAccount(a), nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (s *stubStore) FindByID(_ context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return cloneAccount(a), nil
	}
	return nil, domain.ErrAccountNotFound
}

func (s *stubStore) VerifyPassword(acc *domain.Account, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(plaintext)) == nil
}

func (s *stubStore) UpdatePassword(_ context.Context, accountID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.PasswordHash = hash
	a.MustRotatePassword = false
	return nil
}

func (s *stubStore) superusers() []*domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Account
	for _, a := range s.accounts {
		if a.IsSuperuser {
			out = append(out, cloneAccount(a))
		}
	}
	return out
}

type stubLock struct {
	err      error
	acquired int
	released int
}

func (l *stubLock) Acquire(context.Context) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

var errStoreDown = errors.New("store unavailable")

func nopLogger() zerolog.Logger { return zerolog.Nop() }
