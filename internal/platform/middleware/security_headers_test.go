package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityHeaders_SetsAllHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := SecurityHeaders(true)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	require.NoError(t, err)

	want := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
		"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
		"Cache-Control":             "no-store",
	}
	for k, v := range want {
		assert.Equal(t, v, rec.Header().Get(k), k)
	}
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_NoHSTSOutsideProduction(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	_ = SecurityHeaders(false)(func(c echo.Context) error { return nil })(c)
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	want := errors.New("handler failed")

	err := SecurityHeaders(false)(func(c echo.Context) error { return want })(c)
	assert.ErrorIs(t, err, want)
}
