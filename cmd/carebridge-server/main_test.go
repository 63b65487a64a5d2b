package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/carebridge/internal/config"
	"github.com/carebridge/carebridge/internal/platform/db"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:             "0",
		Env:              "test",
		StoreDriver:      config.DriverMemory,
		OTPStoreDriver:   config.DriverMemory,
		OTPTTL:           60 * time.Second,
		OTPLength:        6,
		OTPRetention:     10 * time.Minute,
		OTPVerifiedTTL:   10 * time.Minute,
		JWTAccessSecret:  "main-test-access",
		JWTRefreshSecret: "main-test-refresh",
		JWTAccessTTL:     15 * time.Minute,
		JWTRefreshTTL:    7 * 24 * time.Hour,
		JWTIssuer:        "carebridge",
		BcryptCost:       4,
		FrontendURL:      "http://localhost:3000",
		UploadDir:        t.TempDir(),
		PublicBaseURL:    "http://localhost:8000",
		CORSOrigins:      []string{"http://localhost:3000"},
		RateLimitRPS:     100,
		RateLimitBurst:   100,
	}
}

func newTestRouter(t *testing.T) *echo.Echo {
	t.Helper()
	cfg := memoryConfig(t)
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	e, err := a.Router()
	require.NoError(t, err)
	return e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func postJSON(path string, body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate", "up"}, {"migrate", "status"}, {"superadmin", "create"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestLoadConfig_RequiresTokenSecrets(t *testing.T) {
	t.Setenv("STORE_DRIVER", config.DriverMemory)
	t.Setenv("OTP_STORE_DRIVER", config.DriverMemory)
	t.Setenv("JWT_ACCESS_SECRET", "")
	t.Setenv("JWT_REFRESH_SECRET", "")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_ACCESS_SECRET")
}

func TestNewApp_RejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.StoreDriver = "sqlite"
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestRouter_Health(t *testing.T) {
	e := newTestRouter(t)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"ok","data":{"status":"ok","version":"`+version+`"}}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	// No database, no database health route.
	rec = serve(e, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	e := newTestRouter(t)
	serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `carebridge_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestRouter_PatientJourney(t *testing.T) {
	e := newTestRouter(t)

	rec := serve(e, postJSON("/auth/signup", map[string]string{
		"name": "Asha Rao", "email": "asha@example.com", "password": "secret123",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(e, postJSON("/auth/login", map[string]string{
		"email": "asha@example.com", "password": "secret123", "role": "patient",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var access *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "accessToken" {
			access = c
		}
	}
	require.NotNil(t, access)
	assert.False(t, access.Secure, "cookies are only Secure in production")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(access)
	rec = serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"email":"asha@example.com"`)

	// A patient token does not open the review queue.
	req = httptest.NewRequest(http.MethodGet, "/admin/doctors", nil)
	req.AddCookie(access)
	rec = serve(e, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/superadmin/hospitals", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_SendOTPUsesLogSender(t *testing.T) {
	e := newTestRouter(t)
	rec := serve(e, postJSON("/auth/send-otp", map[string]string{"email": "new@example.com", "purpose": "signup"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"expiresIn":60`)
}

func TestRouter_UnknownUploadIsNotFound(t *testing.T) {
	e := newTestRouter(t)
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/uploads/missing.pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_GoogleRoutesFollowConfig(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.GoogleClientID = "cid"
	cfg.GoogleClientSecret = "secret"
	cfg.GoogleRedirectURL = "http://localhost:8000/auth/google/callback"
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	e, err := a.Router()
	require.NoError(t, err)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/auth/google", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://accounts.google.com/"))
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "oauthState=")

	// A callback this browser never started is refused.
	rec = serve(e, httptest.NewRequest(http.MethodGet, "/auth/google/callback?state=patient&code=abc", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "accounts", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "indexes"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "applied")
	assert.Contains(t, lines[2], "2026-02-01 12:00:00")
	assert.Contains(t, lines[3], "pending")
}
