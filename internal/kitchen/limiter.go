// Package kitchen guards the kitchen display behind a per-tenant PIN.
package kitchen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/iurnickita/orderdesk/internal/kitchen/config"
)

const (
	DefaultMaxAttempts = 5
	DefaultLockout     = 15 * time.Minute
)

type Status struct {
	RateLimited       bool `json:"rateLimited"`
	RetryAfterSeconds int  `json:"retryAfterSeconds,omitempty"`
	AttemptsRemaining int  `json:"attemptsRemaining"`
}

type RateLimiter interface {
	Check(ctx context.Context, slug string) (Status, error)
	// Reserve counts an attempt before the PIN is compared. Only an allowed
	// attempt may be evaluated; the returned status already includes it.
	Reserve(ctx context.Context, slug string) (allowed bool, status Status, err error)
	Reset(ctx context.Context, slug string) error
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

type redisLimiter struct {
	rdb         *redis.Client
	maxAttempts int
	window      time.Duration
	lockout     time.Duration
}

// NewRateLimiter counts unlock attempts per tenant slug. The counter lives
// for one attempt window; reaching the limit sets a lock key for the
// lockout period.
func NewRateLimiter(cfg config.Config, rdb *redis.Client) RateLimiter {
	l := &redisLimiter{
		rdb:         rdb,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.AttemptWindow,
		lockout:     cfg.Lockout,
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = DefaultMaxAttempts
	}
	if l.lockout <= 0 {
		l.lockout = DefaultLockout
	}
	if l.window <= 0 {
		l.window = l.lockout
	}
	return l
}

func attemptsKey(slug string) string {
	return "kitchen:pin:attempts:" + slug
}

func lockKey(slug string) string {
	return "kitchen:pin:lock:" + slug
}

func (limiter *redisLimiter) Check(ctx context.Context, slug string) (Status, error) {
	ttl, err := limiter.rdb.TTL(ctx, lockKey(slug)).Result()
	if err != nil {
		return Status{}, err
	}
	if ttl > 0 {
		return Status{
			RateLimited:       true,
			RetryAfterSeconds: int(math.Ceil(ttl.Seconds())),
		}, nil
	}

	attempts, err := limiter.rdb.Get(ctx, attemptsKey(slug)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, err
	}
	remaining := limiter.maxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return Status{AttemptsRemaining: remaining}, nil
}

// reserveScript counts the attempt and sets the lock in one step, so
// parallel guesses cannot all pass the check before any failure lands.
// Returns the attempt number or -1 when the slug is locked.
var reserveScript = redis.NewScript(`
if redis.call("PTTL", KEYS[2]) > 0 then
	return -1
end
local attempts = redis.call("INCR", KEYS[1])
if attempts == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if attempts >= tonumber(ARGV[1]) then
	redis.call("SET", KEYS[2], attempts, "PX", ARGV[3])
	redis.call("DEL", KEYS[1])
end
return attempts
`)

func (limiter *redisLimiter) Reserve(ctx context.Context, slug string) (bool, Status, error) {
	attempts, err := reserveScript.Run(ctx, limiter.rdb,
		[]string{attemptsKey(slug), lockKey(slug)},
		limiter.maxAttempts,
		limiter.window.Milliseconds(),
		limiter.lockout.Milliseconds(),
	).Int64()
	if err != nil {
		return false, Status{}, err
	}

	status, err := limiter.Check(ctx, slug)
	if err != nil {
		return false, Status{}, err
	}
	return attempts > 0, status, nil
}

func (limiter *redisLimiter) Reset(ctx context.Context, slug string) error {
	return limiter.rdb.Del(ctx, attemptsKey(slug), lockKey(slug)).Err()
}
