package authn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/auth"
	"github.com/carebridge/carebridge/internal/platform/blobstore"
)

// Form fields that are never copied into Account.Profile.
var reservedFields = map[string]bool{
	"name": true, "email": true, "phone": true, "password": true, "role": true,
}

type HandlerConfig struct {
	Orchestrators Orchestrators
	Challenges    *ChallengeService
	Accounts      *account.Registry
	Uploader      *blobstore.Uploader
	// Verifier reads the role of the token being logged out, for metrics.
	Verifier auth.Verifier
	// Google is nil when Google sign-in is disabled.
	Google *GoogleProvider
	// GoogleState signs the OAuth state. NewHandler creates a process-local
	// one when it is nil and Google is enabled.
	GoogleState *StateSigner
	Cookies     CookieConfig
	FrontendURL string
	Logger      zerolog.Logger
}

type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) *Handler {
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	if cfg.Google != nil && cfg.GoogleState == nil {
		signer, err := NewStateSigner("", 0)
		if err != nil {
			// Without a state signer the Google routes stay unregistered.
			cfg.Logger.Error().Err(err).Msg("google sign-in disabled")
			cfg.Google = nil
		}
		cfg.GoogleState = signer
	}
	return &Handler{cfg: cfg}
}

// RegisterRoutes mounts the auth endpoints on g (the /auth group). authMW
// guards the endpoints that need a logged-in caller.
func (h *Handler) RegisterRoutes(g *echo.Group, authMW echo.MiddlewareFunc) {
	g.POST("/send-otp", h.SendOTP)
	g.POST("/verify-otp", h.VerifyOTP)
	g.POST("/signup", h.PatientSignup)
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.POST("/reset-password", h.ResetPassword)
	g.POST("/logout", h.Logout)

	g.POST("/admin/signup", h.HospitalSignup)
	g.POST("/admin/login", h.loginAs(account.RoleAdmin))
	g.POST("/doctor/login", h.loginAs(account.RoleDoctor))
	g.POST("/RegistorDoctor", h.DoctorSignup)
	g.POST("/Superadmin/login", h.loginAs(account.RoleSuperAdmin))

	if h.cfg.Google != nil {
		g.GET("/google", h.GoogleRedirect)
		g.GET("/google/callback", h.GoogleCallback)
	}

	g.GET("/me", h.Me, authMW)
}

// -- OTP --

type sendOTPRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	Role    string `json:"role"`
}

func (h *Handler) SendOTP(c echo.Context) error {
	var req sendOTPRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	if req.Role == "" {
		req.Role = string(account.RolePatient)
	}
	if err := h.cfg.Challenges.RequestChallenge(c.Request().Context(), req.Email, req.Purpose, req.Role); err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "OTP sent", map[string]any{
		"email":     account.NormalizeEmail(req.Email),
		"expiresIn": int(h.cfg.Challenges.TTL().Seconds()),
	})
}

type verifyOTPRequest struct {
	SignupData struct {
		Email string `json:"email"`
	} `json:"signupData"`
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (h *Handler) VerifyOTP(c echo.Context) error {
	var req verifyOTPRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	email := req.SignupData.Email
	if email == "" {
		email = req.Email
	}
	if err := h.cfg.Challenges.VerifyChallenge(c.Request().Context(), email, strings.TrimSpace(req.OTP)); err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "OTP verified", map[string]any{
		"email":    account.NormalizeEmail(email),
		"verified": true,
	})
}

// -- Signup --

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) PatientSignup(c echo.Context) error {
	var req signupRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	if req.Role != "" {
		if r, err := account.ParseRole(req.Role); err != nil || r != account.RolePatient {
			return apperr.Validation("this endpoint only registers patients")
		}
	}
	orch, err := h.cfg.Orchestrators.For(string(account.RolePatient))
	if err != nil {
		return err
	}
	acc, err := orch.Signup(c.Request().Context(), SignupInput{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusCreated, "signup successful", acc)
}

func (h *Handler) DoctorSignup(c echo.Context) error {
	return h.multipartSignup(c, account.RoleDoctor, "profileImage", "license")
}

func (h *Handler) HospitalSignup(c echo.Context) error {
	return h.multipartSignup(c, account.RoleAdmin, "logo", "licence")
}

// multipartSignup stores the uploaded documents first and then creates the
// account with their URLs. Input that would fail the signup, including an
// email already registered for role, is rejected before any file is stored;
// files of a signup that still fails are removed again.
func (h *Handler) multipartSignup(c echo.Context, role account.Role, fileFields ...string) error {
	form, err := c.MultipartForm()
	if err != nil {
		return apperr.Validation("expected a multipart form")
	}
	value := func(key string) string {
		if vs := form.Value[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	in := SignupInput{
		Name:     value("name"),
		Email:    value("email"),
		Phone:    value("phone"),
		Password: value("password"),
		Profile:  make(map[string]string),
	}
	for key, vs := range form.Value {
		if reservedFields[key] || len(vs) == 0 || vs[0] == "" {
			continue
		}
		in.Profile[key] = vs[0]
	}

	orch, err := h.cfg.Orchestrators.For(string(role))
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := precheckSignup(in); err != nil {
		return err
	}
	if err := h.precheckEmail(ctx, role, in.Email); err != nil {
		return err
	}
	docs, err := h.cfg.Uploader.SaveForm(ctx, form, account.NormalizeEmail(in.Email), fileFields...)
	if err != nil {
		return err
	}
	in.Documents = docs

	acc, err := orch.Signup(ctx, in)
	if err != nil {
		if derr := h.cfg.Uploader.Discard(ctx, docs); derr != nil {
			h.cfg.Logger.Warn().Err(derr).Str("role", string(role)).
				Interface("documents", docs).Msg("signup failed and its documents could not be removed")
		}
		return err
	}
	return apperr.JSON(c, http.StatusCreated, "registration submitted for review", acc)
}

// precheckSignup rejects obviously bad input before any file is stored.
func precheckSignup(in SignupInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return apperr.Validation("name is required")
	}
	if err := validateEmail(account.NormalizeEmail(in.Email)); err != nil {
		return err
	}
	return validatePassword(in.Password)
}

// precheckEmail fails with AlreadyExists when email is registered for role.
func (h *Handler) precheckEmail(ctx context.Context, role account.Role, email string) error {
	if h.cfg.Accounts == nil {
		return nil
	}
	store, ok := h.cfg.Accounts.For(role)
	if !ok {
		return nil
	}
	taken, err := emailTaken(ctx, store, account.NormalizeEmail(email))
	if err != nil {
		return err
	}
	if taken {
		return apperr.AlreadyExists("email already registered")
	}
	return nil
}

// -- Login / session --

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	if req.Role == "" {
		req.Role = string(account.RolePatient)
	}
	return h.login(c, req)
}

func (h *Handler) loginAs(role account.Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := c.Bind(&req); err != nil {
			return apperr.Validation("malformed request body")
		}
		req.Role = string(role)
		return h.login(c, req)
	}
}

func (h *Handler) login(c echo.Context, req loginRequest) error {
	orch, err := h.cfg.Orchestrators.For(req.Role)
	if err != nil {
		return err
	}
	sess, err := orch.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	h.cfg.Cookies.setSession(c, sess)
	return apperr.JSON(c, http.StatusOK, "login successful", sess)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	Role         string `json:"role"`
}

// Refresh reads the refresh token from the cookie, then the body, then an
// "Authorization: Refresh <token>" header.
func (h *Handler) Refresh(c echo.Context) error {
	var req refreshRequest
	_ = c.Bind(&req)

	raw := ""
	if ck, err := c.Cookie(auth.RefreshCookie); err == nil {
		raw = ck.Value
	}
	if raw == "" {
		raw = req.RefreshToken
	}
	if raw == "" {
		if scheme, tok, ok := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " "); ok && strings.EqualFold(scheme, "refresh") {
			raw = strings.TrimSpace(tok)
		}
	}

	role := req.Role
	if role == "" {
		role = string(account.RolePatient)
	}
	orch, err := h.cfg.Orchestrators.For(role)
	if err != nil {
		return err
	}
	access, err := orch.RefreshAccessToken(c.Request().Context(), raw)
	if err != nil {
		return err
	}
	h.cfg.Cookies.setAccess(c, access)
	return apperr.JSON(c, http.StatusOK, "token refreshed", map[string]string{"accessToken": access})
}

type resetPasswordRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	if req.Role == "" {
		req.Role = string(account.RolePatient)
	}
	orch, err := h.cfg.Orchestrators.For(req.Role)
	if err != nil {
		return err
	}
	if err := orch.ResetPassword(c.Request().Context(), req.Email, req.Password); err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "password updated", nil)
}

func (h *Handler) Logout(c echo.Context) error {
	role := string(account.RolePatient)
	if ck, err := c.Cookie(auth.AccessCookie); err == nil && ck.Value != "" {
		if h.cfg.Verifier != nil {
			if p, err := h.cfg.Verifier.VerifyAccessToken(ck.Value); err == nil {
				role = p.Role
			}
		}
	}
	if orch, err := h.cfg.Orchestrators.For(role); err == nil {
		_ = orch.Logout(c.Request().Context())
	}
	h.cfg.Cookies.clear(c)
	return apperr.JSON(c, http.StatusOK, "logged out", nil)
}

// Me returns the caller's own account.
func (h *Handler) Me(c echo.Context) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return apperr.InvalidToken()
	}
	role, err := account.ParseRole(p.Role)
	if err != nil {
		return apperr.InvalidToken()
	}
	id, err := uuid.Parse(p.UserID)
	if err != nil {
		return apperr.InvalidToken()
	}
	store, ok := h.cfg.Accounts.For(role)
	if !ok {
		return apperr.InvalidToken()
	}
	acc, err := store.GetByID(c.Request().Context(), id)
	if errors.Is(err, account.ErrNotFound) {
		return apperr.NotFound("account not found")
	}
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "profile", acc.Sanitized())
}

// -- Google --

// GoogleRedirect starts the OAuth flow for the role named by the state
// query parameter (patient by default).
func (h *Handler) GoogleRedirect(c echo.Context) error {
	role := c.QueryParam("state")
	if role == "" {
		role = string(account.RolePatient)
	}
	if _, err := h.cfg.Orchestrators.For(role); err != nil {
		return err
	}
	state, nonce, err := h.cfg.GoogleState.Issue(role)
	if err != nil {
		return err
	}
	c.SetCookie(h.cfg.Cookies.stateCookie(nonce, h.cfg.GoogleState.TTL()))
	return c.Redirect(http.StatusTemporaryRedirect, h.cfg.Google.AuthCodeURL(state))
}

// GoogleCallback completes the OAuth flow, sets the auth cookies and sends the
// browser to the frontend with the user as URL-encoded JSON. The state must
// have been issued to this browser by GoogleRedirect.
func (h *Handler) GoogleCallback(c echo.Context) error {
	nonce := ""
	if ck, err := c.Cookie(StateCookie); err == nil {
		nonce = ck.Value
	}
	h.cfg.Cookies.clearState(c)

	if e := c.QueryParam("error"); e != "" {
		return apperr.Forbidden("Google sign-in was cancelled")
	}
	role, err := h.cfg.GoogleState.Verify(c.QueryParam("state"), nonce)
	if err != nil {
		return err
	}
	orch, err := h.cfg.Orchestrators.For(role)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	id, err := h.cfg.Google.Exchange(ctx, c.QueryParam("code"))
	if err != nil {
		return err
	}
	sess, err := orch.GoogleLogin(ctx, *id)
	if err != nil {
		return err
	}
	h.cfg.Cookies.setSession(c, sess)

	user, err := json.Marshal(sess.User)
	if err != nil {
		return err
	}
	target := h.cfg.FrontendURL + "/auth/google/success?user=" + url.QueryEscape(string(user))
	return c.Redirect(http.StatusFound, target)
}
