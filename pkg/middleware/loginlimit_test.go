package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, config *LoginLimitConfig) (*LoginLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLoginLimiter(client, config, nil), mr
}

func TestLoginLimiter(t *testing.T) {
	config := &LoginLimitConfig{AttemptsPerWindow: 3, WindowDuration: time.Minute}

	handler := func(l *LoginLimiter) http.Handler {
		return l.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	}

	attempt := func(h http.Handler, ip string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		r.RemoteAddr = ip + ":1234"
		h.ServeHTTP(w, r)
		return w.Code
	}

	t.Run("allows up to the limit then rejects", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, config)
		h := handler(limiter)

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, attempt(h, "10.0.0.1"))
		}
		assert.Equal(t, http.StatusTooManyRequests, attempt(h, "10.0.0.1"))
	})

	t.Run("limits are per client", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, config)
		h := handler(limiter)

		for i := 0; i < 4; i++ {
			attempt(h, "10.0.0.1")
		}
		assert.Equal(t, http.StatusOK, attempt(h, "10.0.0.2"))
	})

	t.Run("window expiry resets the counter", func(t *testing.T) {
		limiter, mr := newTestLimiter(t, config)
		h := handler(limiter)

		for i := 0; i < 4; i++ {
			attempt(h, "10.0.0.1")
		}
		mr.FastForward(2 * time.Minute)
		assert.Equal(t, http.StatusOK, attempt(h, "10.0.0.1"))
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		limiter, mr := newTestLimiter(t, config)
		h := handler(limiter)
		mr.Close()

		assert.Equal(t, http.StatusOK, attempt(h, "10.0.0.1"))
	})

	t.Run("reset clears the counter", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, config)
		h := handler(limiter)

		for i := 0; i < 4; i++ {
			attempt(h, "10.0.0.1")
		}
		require.NoError(t, limiter.Reset(context.Background(), "10.0.0.1"))
		assert.Equal(t, http.StatusOK, attempt(h, "10.0.0.1"))
	})
}
