package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Headers set by the upstream gateway.
const (
	HeaderPrincipal   = "X-Principal"
	HeaderAdmin       = "X-Principal-Admin"
	HeaderCourseRoles = "X-Course-Roles"
)

// HeaderResolver builds Claims from gateway headers. X-Course-Roles is a
// comma-separated list of <course-uuid>:<role> pairs.
type HeaderResolver struct{}

// Resolve parses the principal from h.
func (HeaderResolver) Resolve(h http.Header) (*Claims, error) {
	subject := strings.TrimSpace(h.Get(HeaderPrincipal))
	if subject == "" {
		return nil, ErrUnauthenticated
	}
	claims := &Claims{Subject: subject, CourseRoles: map[uuid.UUID]Role{}}

	if v := h.Get(HeaderAdmin); v != "" {
		admin, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header: %w", HeaderAdmin, err)
		}
		claims.Admin = admin
	}

	for _, pair := range strings.Split(h.Get(HeaderCourseRoles), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, roleName, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", HeaderCourseRoles, pair)
		}
		courseID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid course id in %s: %w", HeaderCourseRoles, err)
		}
		role, err := ParseRole(roleName)
		if err != nil {
			return nil, err
		}
		if prev, ok := claims.CourseRoles[courseID]; !ok || role.Implies(prev) {
			claims.CourseRoles[courseID] = role
		}
	}
	return claims, nil
}

// echoPrincipalKey stores the principal in the echo context.
const echoPrincipalKey = "principal"

// PrincipalMiddleware resolves the principal of every request and rejects
// requests without one with 401.
func PrincipalMiddleware(resolver HeaderResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := resolver.Resolve(c.Request().Header)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "authentication failed: " + err.Error(),
				})
			}
			c.Set(echoPrincipalKey, Principal(claims))
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

// FromEcho returns the principal set by PrincipalMiddleware.
func FromEcho(c echo.Context) (Principal, bool) {
	p, ok := c.Get(echoPrincipalKey).(Principal)
	return p, ok && p != nil
}
