package otpstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengePrefix = "otp:challenge:"
	verifiedPrefix  = "otp:verified:"
)

// consumeScript deletes the challenge hash only when the stored code matches.
var consumeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'code') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Set(ctx context.Context, c Challenge, retain time.Duration) error {
	key := challengePrefix + c.Email
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"email", c.Email,
			"code", c.Code,
			"purpose", c.Purpose,
			"role", c.Role,
			"issued_at", c.IssuedAt.UnixMilli(),
			"expires_at", c.ExpiresAt.UnixMilli(),
		)
		pipe.PExpire(ctx, key, retain)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store otp challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, email string) (*Challenge, error) {
	fields, err := s.client.HGetAll(ctx, challengePrefix+email).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load otp challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	issued, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode otp issued_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode otp expires_at: %w", err)
	}

	return &Challenge{
		Email:     fields["email"],
		Code:      fields["code"],
		Purpose:   fields["purpose"],
		Role:      fields["role"],
		IssuedAt:  time.UnixMilli(issued).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, challengePrefix+email).Err(); err != nil {
		return fmt.Errorf("delete otp challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, email, code string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{challengePrefix + email}, code).Int()
	if err != nil {
		return false, fmt.Errorf("consume otp challenge: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) MarkVerified(ctx context.Context, v Verification, ttl time.Duration) error {
	if err := s.client.Set(ctx, verifiedPrefix+v.key(), "1", ttl).Err(); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *RedisStore) TakeVerified(ctx context.Context, v Verification) (bool, error) {
	n, err := s.client.Del(ctx, verifiedPrefix+v.key()).Result()
	if err != nil {
		return false, fmt.Errorf("take verified marker: %w", err)
	}
	return n == 1, nil
}
