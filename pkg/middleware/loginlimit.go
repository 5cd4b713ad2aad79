// Package middleware provides HTTP middleware for credential-sensitive
// endpoints.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/spaceport-hq/spaceport/pkg/httputil"
	"github.com/spaceport-hq/spaceport/pkg/observability"
)

// LoginLimitConfig bounds login attempts per source within a fixed window.
type LoginLimitConfig struct {
	AttemptsPerWindow int
	WindowDuration    time.Duration
}

// DefaultLoginLimitConfig allows 10 attempts per minute per client IP.
func DefaultLoginLimitConfig() *LoginLimitConfig {
	return &LoginLimitConfig{
		AttemptsPerWindow: 10,
		WindowDuration:    time.Minute,
	}
}

// LoginLimiter throttles login attempts using a shared Redis counter, so the
// limit holds across instances. Redis being down never blocks logins; the
// limiter fails open.
type LoginLimiter struct {
	redis  *redis.Client
	config *LoginLimitConfig
	prefix string
	logger *observability.Logger
}

// NewLoginLimiter creates a Redis-backed login limiter.
func NewLoginLimiter(redisClient *redis.Client, config *LoginLimitConfig, logger *observability.Logger) *LoginLimiter {
	if config == nil {
		config = DefaultLoginLimitConfig()
	}
	return &LoginLimiter{
		redis:  redisClient,
		config: config,
		prefix: "loginlimit",
		logger: logger,
	}
}

// Allow reports whether another attempt from key is within the window limit.
func (l *LoginLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(l.config.AttemptsPerWindow), nil
}

// Reset clears the counter for a key.
func (l *LoginLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Err()
}

// Handler wraps a login handler, rejecting callers over the limit with 429.
func (l *LoginLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := l.Allow(r.Context(), httputil.ClientIP(r))
		if err != nil && l.logger != nil {
			l.logger.WithError(err).Warn("login limiter unavailable, failing open")
		}
		if !allowed {
			httputil.WriteTooManyRequests(w, "too many login attempts, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
