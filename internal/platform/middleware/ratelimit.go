package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds per-key limiters and evicts idle ones lazily.
type rateLimiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	config    RateLimitConfig
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	return &rateLimiterStore{
		buckets:   make(map[string]*clientBucket),
		config:    cfg,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *rateLimiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > s.config.IdleTTL {
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) > s.config.IdleTTL {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.BurstSize)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimit returns a per-client-IP token bucket middleware. Rejected
// requests get RATE_LIMITED (429) with a Retry-After header.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim := store.get(c.RealIP())
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			r := lim.Reserve()
			if !r.OK() {
				return apperr.RateLimited()
			}
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				h.Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
				h.Set("X-RateLimit-Remaining", "0")
				return apperr.RateLimited()
			}
			return next(c)
		}
	}
}
