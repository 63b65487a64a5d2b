// Package otpstore keeps one-time-password challenges keyed by normalized
// email. Implementations must make Consume atomic so that a stored code can
// be redeemed at most once.
package otpstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no challenge is stored for the email.
var ErrNotFound = errors.New("otp challenge not found")

// Challenge is a pending one-time code.
type Challenge struct {
	Email     string
	Code      string
	Purpose   string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge is past its expiry at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

type Store interface {
	// Set stores c under c.Email, replacing any previous challenge. The record
	// is kept for retain so that an expired challenge can still be told apart
	// from a missing one.
	Set(ctx context.Context, c Challenge, retain time.Duration) error
	Get(ctx context.Context, email string) (*Challenge, error)
	Delete(ctx context.Context, email string) error
	// Consume deletes the challenge for email only if its code equals code,
	// and reports whether this call removed it.
	Consume(ctx context.Context, email, code string) (bool, error)

	// MarkVerified records that v.Email passed verification for v.Purpose
	// under v.Role.
	MarkVerified(ctx context.Context, v Verification, ttl time.Duration) error
	// TakeVerified removes the marker matching all of v's fields and reports
	// whether it was present.
	TakeVerified(ctx context.Context, v Verification) (bool, error)
}

// Verification identifies a redeemed challenge. Markers for different
// purposes or roles of the same email are independent.
type Verification struct {
	Email   string
	Purpose string
	Role    string
}

func (v Verification) key() string {
	return v.Purpose + ":" + v.Role + ":" + v.Email
}
