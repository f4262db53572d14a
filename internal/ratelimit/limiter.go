// Package ratelimit implements the two privileged-operation rate limiters:
// per-IP login attempts and per-API-key room creation. Each bucket pairs an
// optional Redis-backed store with an in-memory fallback behind a circuit
// breaker, so a flaky Redis degrades to in-memory limiting instead of
// rejecting every login.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/syncroom/server/internal/logging"
	"github.com/syncroom/server/internal/metrics"
	"go.uber.org/zap"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetUnix int64
}

// Limiter enforces the login/ip and create/key buckets.
type Limiter struct {
	loginPerIP   bucket
	createPerKey bucket
}

// bucket pairs a Redis-backed limiter (wrapped by a circuit breaker) with an
// always-available in-memory fallback.
type bucket struct {
	name      string
	primary   *limiter.Limiter // nil if Redis was never configured
	fallback  *limiter.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// New builds both buckets. redisClient may be nil, in which case both
// buckets run on the in-memory store only (no breaker needed, since there is
// nothing flaky to break from).
func New(redisClient *redis.Client, loginRate, createRate string) (*Limiter, error) {
	loginPerIP, err := newBucket("login/ip", redisClient, loginRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: login/ip: %w", err)
	}
	createPerKey, err := newBucket("create/key", redisClient, createRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: create/key: %w", err)
	}
	return &Limiter{loginPerIP: loginPerIP, createPerKey: createPerKey}, nil
}

func newBucket(name string, redisClient *redis.Client, formatted string) (bucket, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return bucket{}, fmt.Errorf("invalid rate %q: %w", formatted, err)
	}

	memStore := memory.NewStore()
	b := bucket{name: name, fallback: limiter.New(memStore, rate)}

	if redisClient == nil {
		return b, nil
	}

	redisStore, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "syncroom:ratelimit:" + name})
	if err != nil {
		return bucket{}, fmt.Errorf("redis store: %w", err)
	}
	b.primary = limiter.New(redisStore, rate)

	st := gobreaker.Settings{
		Name: name,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	}
	b.breaker = gobreaker.NewCircuitBreaker(st)
	return b, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// check runs key against b, preferring the Redis-backed primary through its
// breaker and falling back to the in-memory store when the breaker is open
// or Redis itself errors. Fail-open: a store failure never blocks the
// request.
func (b bucket) check(ctx context.Context, key string) Decision {
	if b.primary != nil {
		v, err := b.breaker.Execute(func() (any, error) {
			return b.primary.Get(ctx, key)
		})
		if err == nil {
			lc := v.(limiter.Context)
			return b.decision(lc)
		}
		logging.Warn(ctx, "rate limiter primary store unavailable, using fallback",
			zap.String("bucket", b.name), zap.Error(err))
	}

	lc, err := b.fallback.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter fallback store failed, allowing request",
			zap.String("bucket", b.name), zap.Error(err))
		return Decision{Allowed: true}
	}
	return b.decision(lc)
}

func (b bucket) decision(lc limiter.Context) Decision {
	d := Decision{Allowed: !lc.Reached, Remaining: lc.Remaining, ResetUnix: lc.Reset}
	if !d.Allowed {
		metrics.RateLimitExceeded.WithLabelValues(b.name).Inc()
	}
	return d
}

// CheckLoginIP enforces the per-IP login bucket.
func (l *Limiter) CheckLoginIP(ctx context.Context, ip string) Decision {
	return l.loginPerIP.check(ctx, ip)
}

// CheckCreateKey enforces the per-API-key room-creation bucket. apiKey is
// expected to already have been resolved by internal/access; an empty key
// still gets its own (shared) bucket entry under the key "".
func (l *Limiter) CheckCreateKey(ctx context.Context, apiKey string) Decision {
	return l.createPerKey.check(ctx, apiKey)
}
