// Package auth is the principal boundary. Identity and course roles are
// established by an upstream gateway; this package only carries them and
// answers role checks.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is a course role. Roles are ordered: a higher role implies the lower ones.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTutor      Role = "tutor"
	RoleLecturer   Role = "lecturer"
	RoleMaintainer Role = "maintainer"
	RoleOwner      Role = "owner"
)

var roleRank = map[Role]int{
	RoleStudent:    1,
	RoleTutor:      2,
	RoleLecturer:   3,
	RoleMaintainer: 4,
	RoleOwner:      5,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown course role %q", s)
	}
	return r, nil
}

// Implies reports whether holding r satisfies a requirement of required.
func (r Role) Implies(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// Principal is the caller of an operation.
type Principal interface {
	// ID identifies the caller in history and run records.
	ID() string
	HasCourseRole(courseID uuid.UUID, role Role) bool
	// IsAdmin reports platform-wide administration rights, required for
	// hierarchy reconciliation.
	IsAdmin() bool
}

// ErrUnauthenticated is returned when no principal is present.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrForbidden is returned when the principal lacks a required role.
var ErrForbidden = errors.New("forbidden")

// Claims is the concrete Principal built from gateway headers.
type Claims struct {
	Subject     string
	Admin       bool
	CourseRoles map[uuid.UUID]Role
}

var _ Principal = (*Claims)(nil)

func (c *Claims) ID() string    { return c.Subject }
func (c *Claims) IsAdmin() bool { return c.Admin }

func (c *Claims) HasCourseRole(courseID uuid.UUID, role Role) bool {
	if c.Admin {
		return true
	}
	have, ok := c.CourseRoles[courseID]
	return ok && have.Implies(role)
}

// System returns an admin principal for internal callers such as the CLI.
func System(name string) *Claims {
	return &Claims{Subject: "system:" + name, Admin: true}
}

// RequireCourseRole returns ErrForbidden wrapped with detail when p lacks role on courseID.
func RequireCourseRole(p Principal, courseID uuid.UUID, role Role) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if !p.HasCourseRole(courseID, role) {
		return fmt.Errorf("%w: %s requires %s on course %s", ErrForbidden, p.ID(), role, courseID)
	}
	return nil
}

// RequireAdmin returns ErrForbidden unless p is an administrator.
func RequireAdmin(p Principal) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if !p.IsAdmin() {
		return fmt.Errorf("%w: %s is not an administrator", ErrForbidden, p.ID())
	}
	return nil
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p != nil
}
