package authn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

const (
	// StateCookie carries the nonce of a pending Google sign-in.
	StateCookie     = "oauthState"
	defaultStateTTL = 10 * time.Minute
	stateAudience   = "google-oauth-state"
	stateKeyLabel   = "carebridge google oauth state"
)

type stateClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// StateSigner issues and checks the OAuth state parameter. A state is a
// short-lived signed token naming the role being signed in and a nonce; the
// same nonce is kept in a browser cookie so that a callback only completes in
// the browser that started the flow.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner derives its signing key from secret. The derived key differs
// from secret itself, so states never verify as session tokens signed with
// it. An empty secret gets a random key, which only suits a single process.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	var key []byte
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate state key: %w", err)
		}
	} else {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(stateKeyLabel))
		key = mac.Sum(nil)
	}
	return &StateSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// SetClock overrides the time source.
func (s *StateSigner) SetClock(now func() time.Time) { s.now = now }

// TTL is the lifetime of an issued state and of its cookie.
func (s *StateSigner) TTL() time.Duration { return s.ttl }

// Issue returns a state for role and the nonce to store in StateCookie.
func (s *StateSigner) Issue(role string) (state, nonce string, err error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate state nonce: %w", err)
	}
	nonce = base64.RawURLEncoding.EncodeToString(raw)

	now := s.now()
	claims := stateClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	state, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", "", fmt.Errorf("sign state: %w", err)
	}
	return state, nonce, nil
}

// Verify checks state against the nonce from the browser cookie and returns
// the role it was issued for.
func (s *StateSigner) Verify(state, nonce string) (string, error) {
	invalid := apperr.Forbidden("Google sign-in state is invalid or expired")
	if state == "" || nonce == "" {
		return "", invalid
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", invalid
	}
	if subtle.ConstantTimeCompare([]byte(claims.ID), []byte(nonce)) != 1 {
		return "", invalid
	}
	return claims.Role, nil
}
