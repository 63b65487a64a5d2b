package authn

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/platform/auth"
)

// CookieConfig controls the auth cookies. Secure is set in production.
type CookieConfig struct {
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (cfg CookieConfig) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (cfg CookieConfig) setAccess(c echo.Context, access string) {
	c.SetCookie(cfg.cookie(auth.AccessCookie, access, cfg.AccessTTL))
}

func (cfg CookieConfig) setSession(c echo.Context, s *Session) {
	cfg.setAccess(c, s.AccessToken)
	c.SetCookie(cfg.cookie(auth.RefreshCookie, s.RefreshToken, cfg.RefreshTTL))
}

func (cfg CookieConfig) clear(c echo.Context) {
	for _, name := range []string{auth.AccessCookie, auth.RefreshCookie} {
		ck := cfg.cookie(name, "", 0)
		ck.MaxAge = -1
		ck.Expires = time.Unix(0, 0)
		c.SetCookie(ck)
	}
}

// stateCookie holds the OAuth nonce. It is Lax because the browser reaches
// the callback through a cross-site redirect from Google.
func (cfg CookieConfig) stateCookie(nonce string, ttl time.Duration) *http.Cookie {
	ck := cfg.cookie(StateCookie, nonce, ttl)
	ck.Path = "/auth/google"
	ck.SameSite = http.SameSiteLaxMode
	return ck
}

func (cfg CookieConfig) clearState(c echo.Context) {
	ck := cfg.stateCookie("", 0)
	ck.MaxAge = -1
	ck.Expires = time.Unix(0, 0)
	c.SetCookie(ck)
}
