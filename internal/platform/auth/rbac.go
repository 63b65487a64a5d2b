package auth

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

// RequireRole allows the request when the principal holds one of roles. It
// must run after JWTMiddleware.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c)
			if !ok {
				return apperr.InvalidToken()
			}
			if HasRole(p, roles...) {
				return next(c)
			}
			return apperr.Forbidden(fmt.Sprintf("requires role %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether p holds one of roles.
func HasRole(p *Principal, roles ...string) bool {
	if p == nil {
		return false
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
