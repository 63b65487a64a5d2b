// Package auth authenticates requests with access tokens and guards routes by
// role.
package auth

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/token"
)

// Cookie names shared by the auth handlers and this middleware.
const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

type contextKey string

const principalKey contextKey = "principal"

// echoPrincipalKey is the echo context key holding the principal.
const echoPrincipalKey = "principal"

// Verifier checks an access token and returns its payload.
type Verifier interface {
	VerifyAccessToken(tokenStr string) (*token.Payload, error)
}

// Principal is the authenticated caller.
type Principal = token.Payload

// JWTMiddleware authenticates with a Bearer header or, failing that, the
// accessToken cookie. The verified principal is stored on both the echo
// context and the request context.
func JWTMiddleware(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := extractToken(c)
			if err != nil {
				return err
			}
			p, err := v.VerifyAccessToken(raw)
			if err != nil {
				return apperr.InvalidToken()
			}

			c.Set(echoPrincipalKey, p)
			ctx := WithPrincipal(c.Request().Context(), p)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func extractToken(c echo.Context) (string, error) {
	if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", apperr.InvalidToken()
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if cookie, err := c.Cookie(AccessCookie); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", apperr.InvalidToken()
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller stored by JWTMiddleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// PrincipalFrom reads the principal from the echo context, falling back to
// the request context.
func PrincipalFrom(c echo.Context) (*Principal, bool) {
	if p, ok := c.Get(echoPrincipalKey).(*Principal); ok && p != nil {
		return p, true
	}
	return PrincipalFromContext(c.Request().Context())
}
