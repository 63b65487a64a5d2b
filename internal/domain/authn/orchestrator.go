// Package authn implements signup, login, password reset, token refresh and
// logout for every account role, plus the OTP challenge flow and Google
// sign-in for patients.
package authn

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/telemetry"
	"github.com/carebridge/carebridge/internal/platform/token"
)

// SignupInput carries a new account. Documents holds uploaded file URLs keyed
// by form field.
type SignupInput struct {
	Name      string
	Email     string
	Phone     string
	Password  string
	Profile   map[string]string
	Documents map[string]string
}

// Session is the result of a successful login.
type Session struct {
	User *account.Account `json:"user"`
	token.Pair
}

// ExternalIdentity is an identity asserted by an OAuth provider.
type ExternalIdentity struct {
	Subject string
	Email   string
	Name    string
}

// Orchestrator is the auth contract shared by every role.
type Orchestrator interface {
	Role() account.Role
	Signup(ctx context.Context, in SignupInput) (*account.Account, error)
	Login(ctx context.Context, email, password string) (*Session, error)
	ResetPassword(ctx context.Context, email, newPassword string) error
	RefreshAccessToken(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context) error
	GoogleLogin(ctx context.Context, id ExternalIdentity) (*Session, error)
}

// Orchestrators selects the orchestrator for a role.
type Orchestrators map[account.Role]Orchestrator

// For parses role and returns its orchestrator.
func (o Orchestrators) For(role string) (Orchestrator, error) {
	r, err := account.ParseRole(role)
	if err != nil {
		return nil, apperr.Validation("unsupported role %q", role)
	}
	orch, ok := o[r]
	if !ok {
		return nil, apperr.Validation("unsupported role %q", role)
	}
	return orch, nil
}

// policy holds what differs between roles.
type policy struct {
	selfSignup   bool
	google       bool
	requiredDocs []string
	defaults     func(a *account.Account)
}

var policies = map[account.Role]policy{
	account.RolePatient: {
		selfSignup: true,
		google:     true,
		defaults: func(a *account.Account) {
			a.IsActive = true
		},
	},
	account.RoleDoctor: {
		selfSignup:   true,
		requiredDocs: []string{"license"},
		defaults: func(a *account.Account) {
			a.IsActive = false
			pending := account.ReviewPending
			a.ReviewStatus = &pending
		},
	},
	account.RoleAdmin: {
		selfSignup:   true,
		requiredDocs: []string{"licence"},
		defaults: func(a *account.Account) {
			a.IsActive = true
			pending := account.ReviewPending
			a.ReviewStatus = &pending
		},
	},
	account.RoleSuperAdmin: {
		defaults: func(a *account.Account) {
			a.IsActive = true
		},
	},
}

// Deps are the collaborators shared by all orchestrators.
type Deps struct {
	Accounts   *account.Registry
	Tokens     *token.Service
	Hasher     account.Hasher
	Challenges *ChallengeService
	// RequireOTPForReset makes ResetPassword demand a verified OTP for the
	// email before changing the password.
	RequireOTPForReset bool
	Logger             zerolog.Logger
	Metrics            *telemetry.Provider
}

// NewOrchestrators builds one orchestrator per role registered in d.Accounts.
func NewOrchestrators(d Deps) (Orchestrators, error) {
	if d.Accounts == nil || d.Tokens == nil || d.Hasher == nil {
		return nil, errors.New("authn: accounts, tokens and hasher are required")
	}
	if d.RequireOTPForReset && d.Challenges == nil {
		return nil, errors.New("authn: otp challenges are required when reset needs a verified otp")
	}
	dummy, err := d.Hasher.Hash("carebridge-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("authn: prepare dummy hash: %w", err)
	}

	out := make(Orchestrators)
	for _, role := range d.Accounts.Roles() {
		store, _ := d.Accounts.For(role)
		out[role] = &roleOrchestrator{
			store:     store,
			policy:    policies[role],
			deps:      d,
			dummyHash: dummy,
			logger:    d.Logger.With().Str("component", "authn").Str("role", string(role)).Logger(),
		}
	}
	return out, nil
}

type roleOrchestrator struct {
	store     account.Store
	policy    policy
	deps      Deps
	dummyHash string
	logger    zerolog.Logger
}

func (o *roleOrchestrator) Role() account.Role { return o.store.Role() }

func (o *roleOrchestrator) role() string { return string(o.store.Role()) }

func (o *roleOrchestrator) Signup(ctx context.Context, in SignupInput) (*account.Account, error) {
	if !o.policy.selfSignup {
		return nil, apperr.Forbidden(fmt.Sprintf("%s accounts cannot sign up", o.role()))
	}
	for _, doc := range o.policy.requiredDocs {
		if in.Documents[doc] == "" {
			return nil, apperr.Validation("%s is required", doc)
		}
	}
	acc, err := createAccount(ctx, o.store, o.deps.Hasher, in)
	if err != nil {
		o.deps.Metrics.RecordAuth("signup", o.role(), telemetry.ResultFailure)
		return nil, err
	}
	o.deps.Metrics.RecordAuth("signup", o.role(), telemetry.ResultSuccess)
	o.logger.Info().Str("account_id", acc.ID.String()).Msg("account created")
	return acc, nil
}

// Login never reveals whether the email or the password was wrong. The hash
// comparison runs even when no account exists.
func (o *roleOrchestrator) Login(ctx context.Context, email, password string) (*Session, error) {
	email = account.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}

	acc, err := o.store.GetByEmailWithSecret(ctx, email)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("login lookup: %w", err)
	}

	hash := o.dummyHash
	if acc != nil && acc.HasPassword() {
		hash = *acc.PasswordHash
	}
	matched := o.deps.Hasher.Verify(password, hash)
	if acc == nil || !acc.HasPassword() || !matched {
		o.deps.Metrics.RecordAuth("login", o.role(), telemetry.ResultFailure)
		return nil, apperr.InvalidCredentials()
	}
	if !acc.IsActive {
		o.deps.Metrics.RecordAuth("login", o.role(), "blocked")
		return nil, apperr.AccountBlocked()
	}

	sess, err := o.issueSession(acc)
	if err != nil {
		return nil, err
	}
	o.deps.Metrics.RecordAuth("login", o.role(), telemetry.ResultSuccess)
	return sess, nil
}

func (o *roleOrchestrator) ResetPassword(ctx context.Context, email, newPassword string) error {
	email = account.NormalizeEmail(email)
	if email == "" {
		return apperr.Validation("email is required")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	acc, err := o.store.GetByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		return apperr.NotFound("no account registered with this email")
	}
	if err != nil {
		return fmt.Errorf("reset lookup: %w", err)
	}

	if o.deps.RequireOTPForReset {
		verified, err := o.deps.Challenges.TakeVerified(ctx, email, PurposeForgotPassword, o.store.Role())
		if err != nil {
			return err
		}
		if !verified {
			return apperr.Validation("email not verified")
		}
	}

	hash, err := o.deps.Hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := o.store.UpdatePassword(ctx, acc.ID, hash); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return apperr.NotFound("no account registered with this email")
		}
		return fmt.Errorf("update password: %w", err)
	}
	o.deps.Metrics.RecordAuth("reset_password", o.role(), telemetry.ResultSuccess)
	return nil
}

// RefreshAccessToken mints a new access token from a valid refresh token. The
// refresh token is not rotated and the account is not re-read, so a
// deactivated account keeps refreshing until its refresh token expires.
func (o *roleOrchestrator) RefreshAccessToken(_ context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", apperr.SessionExpired()
	}
	p, err := o.deps.Tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		o.deps.Metrics.RecordAuth("refresh", o.role(), telemetry.ResultFailure)
		return "", apperr.SessionExpired()
	}
	access, err := o.deps.Tokens.IssueAccessToken(*p)
	if err != nil {
		return "", err
	}
	o.deps.Metrics.RecordAuth("refresh", p.Role, telemetry.ResultSuccess)
	return access, nil
}

// Logout is stateless: issued tokens stay valid until they expire.
func (o *roleOrchestrator) Logout(context.Context) error {
	o.deps.Metrics.RecordAuth("logout", o.role(), telemetry.ResultSuccess)
	return nil
}

// GoogleLogin finds or creates a password-less patient for a verified Google
// identity and logs it in.
func (o *roleOrchestrator) GoogleLogin(ctx context.Context, id ExternalIdentity) (*Session, error) {
	if !o.policy.google {
		return nil, apperr.Forbidden("Google sign-in is only available for patients")
	}
	email := account.NormalizeEmail(id.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	acc, err := o.store.GetByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		acc, err = o.createGoogleAccount(ctx, email, id.Name)
	}
	if err != nil {
		o.deps.Metrics.RecordAuth("google_login", o.role(), telemetry.ResultFailure)
		return nil, err
	}
	if !acc.IsActive {
		o.deps.Metrics.RecordAuth("google_login", o.role(), "blocked")
		return nil, apperr.AccountBlocked()
	}

	sess, err := o.issueSession(acc)
	if err != nil {
		return nil, err
	}
	o.deps.Metrics.RecordAuth("google_login", o.role(), telemetry.ResultSuccess)
	return sess, nil
}

func (o *roleOrchestrator) createGoogleAccount(ctx context.Context, email, name string) (*account.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	acc := &account.Account{
		Role:         o.store.Role(),
		Name:         name,
		Email:        email,
		IsGoogleAuth: true,
	}
	o.policy.defaults(acc)

	err := o.store.Create(ctx, acc)
	if errors.Is(err, account.ErrDuplicateEmail) {
		// Lost a race with a concurrent first login.
		return o.store.GetByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("create google account: %w", err)
	}
	o.logger.Info().Str("account_id", acc.ID.String()).Msg("google account created")
	return acc, nil
}

func (o *roleOrchestrator) issueSession(acc *account.Account) (*Session, error) {
	pair, err := o.deps.Tokens.IssuePair(token.Payload{
		UserID: acc.ID.String(),
		Email:  acc.Email,
		Role:   string(acc.Role),
	})
	if err != nil {
		return nil, err
	}
	return &Session{User: acc.Sanitized(), Pair: pair}, nil
}

// CreateSuperAdmin provisions a super admin outside the HTTP surface.
func CreateSuperAdmin(ctx context.Context, store account.Store, hasher account.Hasher, in SignupInput) (*account.Account, error) {
	if store.Role() != account.RoleSuperAdmin {
		return nil, fmt.Errorf("store holds %s accounts, not super admins", store.Role())
	}
	return createAccount(ctx, store, hasher, in)
}

func createAccount(ctx context.Context, store account.Store, hasher account.Hasher, in SignupInput) (*account.Account, error) {
	name := strings.TrimSpace(in.Name)
	email := account.NormalizeEmail(in.Email)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	taken, err := emailTaken(ctx, store, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.AlreadyExists("email already registered")
	}

	hash, err := hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	acc := &account.Account{
		Role:         store.Role(),
		Name:         name,
		Email:        email,
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: &hash,
		Profile:      in.Profile,
		Documents:    in.Documents,
	}
	policies[store.Role()].defaults(acc)

	if err := store.Create(ctx, acc); err != nil {
		if errors.Is(err, account.ErrDuplicateEmail) {
			return nil, apperr.AlreadyExists("email already registered")
		}
		return nil, fmt.Errorf("create %s account: %w", store.Role(), err)
	}
	return acc.Sanitized(), nil
}

func validateEmail(email string) error {
	if email == "" {
		return apperr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.Validation("email is not a valid address")
	}
	return nil
}

func validatePassword(pw string) error {
	if len(pw) < account.MinPasswordLength {
		return apperr.Validation("password must be at least %d characters", account.MinPasswordLength)
	}
	if len(pw) > account.MaxPasswordLength {
		return apperr.Validation("password must be at most %d bytes", account.MaxPasswordLength)
	}
	return nil
}
