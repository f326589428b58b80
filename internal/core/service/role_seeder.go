package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusline/school-backend/internal/core/domain"
	"github.com/campusline/school-backend/internal/core/ports"
)

// generatedPasswordBytes is the entropy of a generated superuser password.
const generatedPasswordBytes = 16

// SeedConfig is the fixed identity of the seeded superuser.
type SeedConfig struct {
	Username string
	Email    string
	// Password is operator supplied. When empty a random password is
	// generated and the account is flagged for mandatory rotation.
	Password string
	// Notice receives the generated password, once. Defaults to os.Stderr;
	// the password never goes to the structured log.
	Notice io.Writer
}

// SeedReport summarises one seeding run. Errors are collected, not raised.
type SeedReport struct {
	CreatedRoles      []domain.Role
	SuperuserCreated  bool
	SuperuserID       string
	GeneratedPassword bool
	Errors            []error
}

// OK reports whether the run finished without errors.
func (r SeedReport) OK() bool { return len(r.Errors) == 0 }

func (r *SeedReport) fail(step string, err error) {
	r.Errors = append(r.Errors, &domain.SeedingError{Step: step, Err: err})
}

// RoleSeeder makes the role taxonomy and the single-superuser invariant true.
type RoleSeeder struct {
	store ports.CredentialStore
	lock  ports.SeedLock
	cfg   SeedConfig
	log   zerolog.Logger
	now   func() time.Time
}

// NewRoleSeeder returns a RoleSeeder. lock may be nil for single-instance
// deployments.
func NewRoleSeeder(store ports.CredentialStore, lock ports.SeedLock, cfg SeedConfig, log zerolog.Logger) *RoleSeeder {
	if lock == nil {
		lock = noopLock{}
	}
	if cfg.Notice == nil {
		cfg.Notice = os.Stderr
	}
	return &RoleSeeder{store: store, lock: lock, cfg: cfg, log: log, now: time.Now}
}

// Run seeds roles and the superuser. It is idempotent: a second run against
// the same store writes nothing.
func (s *RoleSeeder) Run(ctx context.Context) SeedReport {
	var report SeedReport

	release, err := s.lock.Acquire(ctx)
	if err != nil {
		report.fail("acquire_lock", err)
		return report
	}
	defer release()

	// 1. Roles. Each one is independent; a failure does not stop the rest.
	for _, role := range domain.AllRoles {
		created, err := s.ensureRole(ctx, role)
		if err != nil {
			report.fail("ensure_role:"+string(role), err)
			continue
		}
		if created {
			report.CreatedRoles = append(report.CreatedRoles, role)
		}
	}

	// 2. Superuser presence check.
	exists, err := s.store.AnySuperuserExists(ctx)
	if err != nil {
		report.fail("superuser_lookup", err)
		return report
	}
	if exists {
		s.log.Debug().Msg("superuser present, skipping superuser seed")
		return report
	}

	// 3. Build, hash, persist, assign.
	acc, password, generated, err := s.createSuperuser(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrSuperuserExists) {
			s.log.Info().Msg("superuser created concurrently by another instance")
			return report
		}
		report.fail("create_superuser", err)
		return report
	}
	report.SuperuserCreated = true
	report.SuperuserID = acc.ID
	report.GeneratedPassword = generated

	if err := s.store.AssignRole(ctx, acc.ID, domain.RoleSuperuser); err != nil {
		report.fail("assign_superuser_role", err)
		return report
	}

	if generated {
		fmt.Fprintf(s.cfg.Notice, "generated superuser password for %q: %s (rotation is required before first login)\n", acc.Username, password)
		s.log.Warn().
			Str("username", acc.Username).
			Str("action_required", "rotate the generated superuser password before first use").
			Msg("superuser seeded with generated password")
	} else {
		s.log.Info().Str("username", acc.Username).Msg("superuser seeded")
	}
	return report
}

func (s *RoleSeeder) ensureRole(ctx context.Context, role domain.Role) (bool, error) {
	ok, err := s.store.RoleExists(ctx, role)
	if err != nil {
		return false, fmt.Errorf("role exists: %w", err)
	}
	if ok {
		return false, nil
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		if errors.Is(err, domain.ErrRoleExists) {
			return false, nil
		}
		return false, fmt.Errorf("create role: %w", err)
	}
	s.log.Info().Str("role", string(role)).Msg("role created")
	return true, nil
}

func (s *RoleSeeder) createSuperuser(ctx context.Context) (*domain.Account, string, bool, error) {
	if s.cfg.Username == "" || s.cfg.Email == "" {
		return nil, "", false, errors.New("superuser username and email are required")
	}

	password := s.cfg.Password
	generated := false
	if password == "" {
		p, err := randomPassword()
		if err != nil {
			return nil, "", false, err
		}
		password, generated = p, true
	}

	now := s.now().UTC()
	acc := &domain.Account{
		Username:           s.cfg.Username,
		Email:              s.cfg.Email,
		IsSuperuser:        true,
		Roles:              []domain.Role{domain.RoleSuperuser},
		MustRotatePassword: generated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	hash, err := s.store.HashPassword(acc, password)
	if err != nil {
		return nil, "", false, fmt.Errorf("hash password: %w", err)
	}
	acc.PasswordHash = hash

	created, err := s.store.CreateAccount(ctx, acc)
	if err != nil {
		return nil, "", false, err
	}
	return created, password, generated, nil
}

func randomPassword() (string, error) {
	b := make([]byte, generatedPasswordBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type noopLock struct{}

func (noopLock) Acquire(context.Context) (func(), error) { return func() {}, nil }
