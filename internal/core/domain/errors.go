package domain

import (
	"errors"
	"fmt"
)

// Authentication and account errors.
var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrMissingCredential  = errors.New("missing credential")
	ErrForbidden          = errors.New("access forbidden")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrRoleExists         = errors.New("role already exists")
	ErrRoleNotFound       = errors.New("role not found")
	ErrSuperuserExists    = errors.New("a superuser account already exists")
	ErrRotationRequired   = errors.New("password rotation required")
	ErrWeakPassword       = errors.New("password does not meet the minimum length")
)

// ConfigError is a startup condition the process cannot run with.
type ConfigError struct {
	Component string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a fatal startup error for component.
func NewConfigError(component string, err error) error {
	return &ConfigError{Component: component, Err: err}
}

// SeedingError records a failed seeding step. It is reported, never fatal.
type SeedingError struct {
	Step string
	Err  error
}

func (e *SeedingError) Error() string {
	return fmt.Sprintf("seed: %s: %v", e.Step, e.Err)
}

func (e *SeedingError) Unwrap() error { return e.Err }

// Policy rejection reasons.
const (
	ReasonInsecureTransport = "insecure_transport"
	ReasonOriginNotAllowed  = "origin_not_allowed"
)

// PolicyRejection is returned when a request fails the transport policy.
// It is produced before any authentication work happens.
type PolicyRejection struct {
	Reason string
	Detail string
}

func (e *PolicyRejection) Error() string {
	if e.Detail == "" {
		return "transport policy: " + e.Reason
	}
	return fmt.Sprintf("transport policy: %s (%s)", e.Reason, e.Detail)
}
