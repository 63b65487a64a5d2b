package authn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/otpstore"
	"github.com/carebridge/carebridge/internal/platform/telemetry"
	"github.com/carebridge/carebridge/internal/platform/token"
)

type sentOTP struct {
	To, Code, Purpose string
	TTL               time.Duration
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentOTP
	err  error
}

func (n *recordingNotifier) SendOTP(_ context.Context, to, code, purpose string, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentOTP{To: to, Code: code, Purpose: purpose, TTL: ttl})
	return nil
}

func (n *recordingNotifier) calls() []sentOTP {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentOTP(nil), n.sent...)
}

func (n *recordingNotifier) last(t *testing.T) sentOTP {
	t.Helper()
	calls := n.calls()
	require.NotEmpty(t, calls, "no OTP was sent")
	return calls[len(calls)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	accounts   *account.Registry
	otp        *otpstore.MemoryStore
	notifier   *recordingNotifier
	challenges *ChallengeService
	tokens     *token.Service
	orch       Orchestrators
	metrics    *telemetry.Provider
	clock      *clock
}

type fixtureOption func(*Deps)

func requireOTPForReset(d *Deps) { d.RequireOTPForReset = true }

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	accounts := account.NewMemoryRegistry()
	store := otpstore.NewMemoryStore()
	store.SetClock(clk.Now)
	notifier := &recordingNotifier{}
	metrics := telemetry.NewProvider()

	challenges := NewChallengeService(store, accounts, notifier, ChallengeConfig{
		TTL:         60 * time.Second,
		Length:      6,
		Retention:   10 * time.Minute,
		VerifiedTTL: 10 * time.Minute,
	}, zerolog.Nop(), metrics)
	challenges.SetClock(clk.Now)

	tokens, err := token.New(token.Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		Issuer:        "carebridge-test",
	})
	require.NoError(t, err)

	deps := Deps{
		Accounts:   accounts,
		Tokens:     tokens,
		Hasher:     account.NewBcryptHasher(bcrypt.MinCost),
		Challenges: challenges,
		Logger:     zerolog.Nop(),
		Metrics:    metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	orch, err := NewOrchestrators(deps)
	require.NoError(t, err)

	return &fixture{
		accounts:   accounts,
		otp:        store,
		notifier:   notifier,
		challenges: challenges,
		tokens:     tokens,
		orch:       orch,
		metrics:    metrics,
		clock:      clk,
	}
}

func (f *fixture) orchestrator(t *testing.T, role account.Role) Orchestrator {
	t.Helper()
	o, err := f.orch.For(string(role))
	require.NoError(t, err)
	return o
}

func (f *fixture) store(t *testing.T, role account.Role) account.Store {
	t.Helper()
	s, ok := f.accounts.For(role)
	require.True(t, ok)
	return s
}

func (f *fixture) signupPatient(t *testing.T, email, password string) *account.Account {
	t.Helper()
	acc, err := f.orchestrator(t, account.RolePatient).Signup(context.Background(), SignupInput{
		Name:     "Asha Rao",
		Email:    email,
		Phone:    "+91 90000 00000",
		Password: password,
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) setActive(t *testing.T, role account.Role, email string, active bool) {
	t.Helper()
	ctx := context.Background()
	s := f.store(t, role)
	acc, err := s.GetByEmail(ctx, email)
	require.NoError(t, err)
	acc.IsActive = active
	require.NoError(t, s.Update(ctx, acc))
}

// failingStore wraps a Store and fails lookups.
type failingStore struct {
	account.Store
}

func (failingStore) GetByEmail(context.Context, string) (*account.Account, error) {
	return nil, errors.New("connection reset")
}

func (failingStore) GetByEmailWithSecret(context.Context, string) (*account.Account, error) {
	return nil, errors.New("connection reset")
}
