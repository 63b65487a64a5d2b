// Package token issues and verifies the HS256 access and refresh tokens
// handed out at login. Both kinds carry the same payload; they differ only in
// signing secret and lifetime.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// ErrMissingSecret is returned by New when either signing secret is empty.
var ErrMissingSecret = errors.New("token: access and refresh secrets are required")

// Payload is what a token asserts about its holder. Role is fixed at issuance.
type Payload struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Claims is the JWT body.
type Claims struct {
	Payload
	jwt.RegisteredClaims
}

// Pair is an access token together with its refresh token.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
	newID         func() string
}

// New builds the service. Missing secrets are a startup error.
func New(cfg Config) (*Service, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &Service{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
		newID:         func() string { return uuid.NewString() },
	}, nil
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *Service) IssueAccessToken(p Payload) (string, error) {
	return s.sign(p, s.accessSecret, s.accessTTL)
}

func (s *Service) IssueRefreshToken(p Payload) (string, error) {
	return s.sign(p, s.refreshSecret, s.refreshTTL)
}

// IssuePair issues both tokens for p.
func (s *Service) IssuePair(p Payload) (Pair, error) {
	access, err := s.IssueAccessToken(p)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.IssueRefreshToken(p)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccessToken checks signature and expiry against the access secret.
func (s *Service) VerifyAccessToken(tokenStr string) (*Payload, error) {
	return s.verify(tokenStr, s.accessSecret)
}

// VerifyRefreshToken checks signature and expiry against the refresh secret.
func (s *Service) VerifyRefreshToken(tokenStr string) (*Payload, error) {
	return s.verify(tokenStr, s.refreshSecret)
}

func (s *Service) sign(p Payload, secret []byte, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.newID(),
			Subject:   p.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) verify(tokenStr string, secret []byte) (*Payload, error) {
	if tokenStr == "" {
		return nil, apperr.InvalidToken()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, apperr.InvalidToken()
	}
	if claims.UserID == "" || claims.Role == "" {
		return nil, apperr.InvalidToken()
	}

	p := claims.Payload
	return &p, nil
}
