package authn

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/otpstore"
	"github.com/carebridge/carebridge/internal/platform/telemetry"
)

// OTP purposes accepted by RequestChallenge.
const (
	PurposeSignup         = "signup"
	PurposeForgotPassword = "forgot-password"
)

// Notifier delivers an OTP code. *notification.Dispatcher satisfies it.
type Notifier interface {
	SendOTP(ctx context.Context, to, code, purpose string, ttl time.Duration) error
}

type ChallengeConfig struct {
	TTL         time.Duration
	Length      int
	Retention   time.Duration
	VerifiedTTL time.Duration
}

func (c *ChallengeConfig) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.Length <= 0 {
		c.Length = 6
	}
	if c.Retention < c.TTL {
		c.Retention = 10 * time.Minute
		if c.Retention < c.TTL {
			c.Retention = c.TTL
		}
	}
	if c.VerifiedTTL <= 0 {
		c.VerifiedTTL = 10 * time.Minute
	}
}

// ChallengeService issues and verifies OTP challenges. Challenges live in an
// injected otpstore.Store keyed by normalized email.
type ChallengeService struct {
	store    otpstore.Store
	accounts *account.Registry
	notifier Notifier
	cfg      ChallengeConfig
	logger   zerolog.Logger
	metrics  *telemetry.Provider
	now      func() time.Time
	random   io.Reader
}

func NewChallengeService(store otpstore.Store, accounts *account.Registry, notifier Notifier, cfg ChallengeConfig, logger zerolog.Logger, metrics *telemetry.Provider) *ChallengeService {
	cfg.withDefaults()
	return &ChallengeService{
		store:    store,
		accounts: accounts,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "otp").Logger(),
		metrics:  metrics,
		now:      time.Now,
		random:   rand.Reader,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *ChallengeService) SetClock(now func() time.Time) { s.now = now }

func (s *ChallengeService) TTL() time.Duration { return s.cfg.TTL }

// RequestChallenge stores a fresh code for email, replacing any earlier one,
// and sends it. Signup requires that the email is not yet registered for role;
// forgot-password requires that it is.
func (s *ChallengeService) RequestChallenge(ctx context.Context, email, purpose, role string) error {
	email = account.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	r, err := account.ParseRole(role)
	if err != nil {
		return apperr.Validation("unsupported role %q", role)
	}
	store, ok := s.accounts.For(r)
	if !ok {
		return apperr.Validation("unsupported role %q", role)
	}

	exists, err := emailTaken(ctx, store, email)
	if err != nil {
		return err
	}
	switch purpose {
	case PurposeSignup:
		if r == account.RoleSuperAdmin {
			return apperr.Forbidden("super admin accounts cannot sign up")
		}
		if exists {
			s.metrics.RecordOTP(purpose, "already_exists")
			return apperr.AlreadyExists("email already registered")
		}
	case PurposeForgotPassword:
		if !exists {
			s.metrics.RecordOTP(purpose, "not_found")
			return apperr.NotFound("no account registered with this email")
		}
	default:
		return apperr.Validation("purpose must be %q or %q", PurposeSignup, PurposeForgotPassword)
	}

	code, err := generateCode(s.random, s.cfg.Length)
	if err != nil {
		return err
	}
	now := s.now()
	challenge := otpstore.Challenge{
		Email:     email,
		Code:      code,
		Purpose:   purpose,
		Role:      string(r),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if err := s.store.Set(ctx, challenge, s.cfg.Retention); err != nil {
		return fmt.Errorf("store otp challenge: %w", err)
	}

	if err := s.notifier.SendOTP(ctx, email, code, purpose, s.cfg.TTL); err != nil {
		s.metrics.RecordOTP(purpose, "dispatch_failed")
		s.logger.Error().Err(err).Str("email", email).Str("purpose", purpose).
			Msg("otp stored but email dispatch failed")
		return apperr.Upstream(err, "failed to send OTP email")
	}
	s.metrics.RecordOTP(purpose, "issued")
	return nil
}

// VerifyChallenge redeems the code stored for email. A code can be redeemed
// once; a concurrent redemption that loses the race sees NotFound.
func (s *ChallengeService) VerifyChallenge(ctx context.Context, email, code string) error {
	email = account.NormalizeEmail(email)
	if email == "" || code == "" {
		return apperr.Validation("email and otp are required")
	}

	c, err := s.store.Get(ctx, email)
	if errors.Is(err, otpstore.ErrNotFound) {
		s.metrics.RecordOTP("verify", "not_found")
		return apperr.NotFound("OTP not found or already used")
	}
	if err != nil {
		return fmt.Errorf("load otp challenge: %w", err)
	}

	if c.Expired(s.now()) {
		if err := s.store.Delete(ctx, email); err != nil {
			s.logger.Warn().Err(err).Str("email", email).Msg("delete expired otp challenge")
		}
		s.metrics.RecordOTP(c.Purpose, "expired")
		return apperr.OTPExpired()
	}
	if subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) != 1 {
		s.metrics.RecordOTP(c.Purpose, "invalid")
		return apperr.OTPInvalid()
	}

	consumed, err := s.store.Consume(ctx, email, code)
	if err != nil {
		return fmt.Errorf("consume otp challenge: %w", err)
	}
	if !consumed {
		s.metrics.RecordOTP(c.Purpose, "not_found")
		return apperr.NotFound("OTP not found or already used")
	}

	mark := otpstore.Verification{Email: email, Purpose: c.Purpose, Role: c.Role}
	if err := s.store.MarkVerified(ctx, mark, s.cfg.VerifiedTTL); err != nil {
		s.logger.Warn().Err(err).Str("email", email).Msg("record otp verification")
	}
	s.metrics.RecordOTP(c.Purpose, "verified")
	return nil
}

// TakeVerified consumes the marker left by a successful verification of a
// challenge issued for purpose and role.
func (s *ChallengeService) TakeVerified(ctx context.Context, email, purpose string, role account.Role) (bool, error) {
	ok, err := s.store.TakeVerified(ctx, otpstore.Verification{
		Email:   account.NormalizeEmail(email),
		Purpose: purpose,
		Role:    string(role),
	})
	if err != nil {
		return false, fmt.Errorf("read otp verification: %w", err)
	}
	return ok, nil
}

// generateCode returns a uniformly random numeric code of the given length,
// zero padded.
func generateCode(r io.Reader, length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(r, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

func emailTaken(ctx context.Context, store account.Store, email string) (bool, error) {
	_, err := store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, account.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("lookup %s account: %w", store.Role(), err)
	}
}
