package domain

import (
	"strings"
	"time"
)

// Role is a name from the fixed role taxonomy.
type Role string

const (
	RoleSuperuser Role = "Superuser"
	RoleAdmin     Role = "Admin"
	RoleTeacher   Role = "Teacher"
	RoleParent    Role = "Parent"
)

// AllRoles is the complete role enumeration. Seeding creates exactly this set.
var AllRoles = []Role{RoleSuperuser, RoleAdmin, RoleTeacher, RoleParent}

// SelfServiceRoles are the roles an account may request at registration.
var SelfServiceRoles = []Role{RoleTeacher, RoleParent}

// IsValid reports whether r belongs to the role enumeration.
func (r Role) IsValid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole matches s against the enumeration, ignoring case.
func ParseRole(s string) (Role, bool) {
	for _, known := range AllRoles {
		if strings.EqualFold(string(known), s) {
			return known, true
		}
	}
	return "", false
}

// Account models an authenticated actor in the system.
type Account struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email,omitempty"`
	PasswordHash       string    `json:"-"`
	IsSuperuser        bool      `json:"is_superuser"`
	Roles              []Role    `json:"roles"`
	MustRotatePassword bool      `json:"must_rotate_password,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasRole reports whether the account holds role r.
func (a *Account) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Principal is the identity recovered from a validated credential.
type Principal struct {
	AccountID string    `json:"account_id"`
	Roles     []Role    `json:"roles"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasAnyRole reports whether the principal holds at least one of roles.
func (p *Principal) HasAnyRole(roles ...Role) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}
