package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sharehub/pkg/auth"
)

func setupLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis, *test.Hook) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger, hook := test.NewNullLogger()
	rl := NewRateLimiter(client, "", logger)
	return rl, mr, hook
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowWithinWindow(t *testing.T) {
	rl, mr, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := rl.Allow(ctx, "user:1", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res, err := rl.Allow(ctx, "user:1", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)

	assert.True(t, mr.Exists("ratelimit:user:1"))
	assert.Greater(t, mr.TTL("ratelimit:user:1"), time.Duration(0))
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl, mr, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rl.Allow(ctx, "ip:10.0.0.1", time.Minute, 2)
		require.NoError(t, err)
	}
	res, err := rl.Allow(ctx, "ip:10.0.0.1", time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	mr.FastForward(time.Minute + time.Second)

	res, err = rl.Allow(ctx, "ip:10.0.0.1", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestRateLimiter_RepairsMissingExpiry(t *testing.T) {
	rl, mr, _ := setupLimiter(t)

	// A counter left behind without a TTL must not block forever
	require.NoError(t, mr.Set("ratelimit:user:9", "50"))

	res, err := rl.Allow(context.Background(), "user:9", time.Minute, 100)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Greater(t, mr.TTL("ratelimit:user:9"), time.Duration(0))
}

func TestRateLimiter_ConcurrentRequestsCountedOnce(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	ctx := context.Background()

	const workers = 20
	const max = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rl.Allow(ctx, "user:7", time.Minute, max)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, max, allowed)
}

func TestRateLimit_HeadersOnEveryOutcome(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	handler := rl.RateLimit(RateLimitOptions{
		Name:        "test",
		Window:      time.Minute,
		MaxRequests: 1,
	})(okHandler())

	req := httptest.NewRequest("GET", "/api/posts", nil)
	req.RemoteAddr = "192.0.2.1:5000"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(fixed.Add(time.Minute).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, float64(60), body["retryAfter"])
	assert.Equal(t, DefaultLimit().Message, body["error"])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl, mr, hook := setupLimiter(t)
	handler := rl.RateLimit(RateLimitOptions{Name: "test", Window: time.Minute, MaxRequests: 5})(okHandler())

	mr.Close()

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "rate limiter unavailable, allowing request", entry.Message)
}

func TestRateLimit_SeparateKeysPerUser(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	handler := rl.RateLimit(RateLimitOptions{Name: "test", Window: time.Minute, MaxRequests: 1})(okHandler())

	for _, userID := range []int64{1, 2} {
		req := WithIdentity(httptest.NewRequest("GET", "/", nil), &auth.Identity{UserID: userID})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "user %d", userID)
	}

	req := WithIdentity(httptest.NewRequest("GET", "/", nil), &auth.Identity{UserID: 1})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimit_NamesIsolateCounters(t *testing.T) {
	rl, mr, _ := setupLimiter(t)

	api := rl.RateLimit(RateLimitOptions{Name: "api", Window: time.Minute, MaxRequests: 1})(okHandler())
	upload := rl.RateLimit(RateLimitOptions{Name: "upload", Window: time.Minute, MaxRequests: 1})(okHandler())

	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "198.51.100.4:1234"

	w := httptest.NewRecorder()
	api.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	upload.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.True(t, mr.Exists("ratelimit:api:ip:198.51.100.4"))
	assert.True(t, mr.Exists("ratelimit:upload:ip:198.51.100.4"))
}

func TestKeyFuncs(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9:4000"

	assert.Equal(t, "ip:203.0.113.9", UserOrIPKey(req))
	assert.Equal(t, "auth:203.0.113.9", AuthIPKey(req))

	authed := WithIdentity(req, &auth.Identity{UserID: 42})
	assert.Equal(t, "user:42", UserOrIPKey(authed))
	assert.Equal(t, "auth:203.0.113.9", AuthIPKey(authed))
}

func TestPresets(t *testing.T) {
	tests := []struct {
		opts   RateLimitOptions
		max    int
		window time.Duration
	}{
		{DefaultLimit(), 100, 15 * time.Minute},
		{AuthLimit(), 5, 15 * time.Minute},
		{UploadLimit(), 20, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.opts.Name, func(t *testing.T) {
			assert.Equal(t, tt.max, tt.opts.MaxRequests)
			assert.Equal(t, tt.window, tt.opts.Window)
			assert.NotNil(t, tt.opts.KeyFunc)
		})
	}
}

func TestRateLimit_AuthLimitDeniesSixthAttempt(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	handler := rl.RateLimit(AuthLimit())(okHandler())

	for i := 1; i <= 6; i++ {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "192.0.2.50:999"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		want := http.StatusOK
		if i == 6 {
			want = http.StatusTooManyRequests
		}
		assert.Equal(t, want, w.Code, fmt.Sprintf("attempt %d", i))
	}
}

func TestRateLimit_AuthLimitIgnoresForwardedHeadersFromUntrustedPeer(t *testing.T) {
	rl, _, _ := setupLimiter(t)
	handler := rl.RateLimit(AuthLimit())(okHandler())

	allowed := 0
	for i := 1; i <= 20; i++ {
		req := httptest.NewRequest("POST", "/auth/refresh", nil)
		req.RemoteAddr = "198.51.100.7:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if i == 6 {
			assert.Equal(t, http.StatusTooManyRequests, w.Code, "attempt 6")
		}
		if w.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestRateLimit_TrustedProxyForwardsClientAddress(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger, _ := test.NewNullLogger()

	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	rl := NewRateLimiter(client, "", logger, WithTrustedProxies(proxies))
	handler := rl.RateLimit(AuthLimit())(okHandler())

	send := func(xff string) int {
		req := httptest.NewRequest("POST", "/auth/refresh", nil)
		req.RemoteAddr = "10.0.0.2:80"
		req.Header.Set("X-Forwarded-For", xff)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// a client prepending forged hops is still accounted to its own address
	for i := 1; i <= 5; i++ {
		assert.Equal(t, http.StatusOK, send(fmt.Sprintf("192.0.2.%d, 203.0.113.5", i)))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.99, 203.0.113.5"))
	assert.True(t, mr.Exists("ratelimit:auth:auth:203.0.113.5"))

	assert.Equal(t, http.StatusOK, send("203.0.113.6"))
}

func TestTrustedProxies_ClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.1", " "})
	require.NoError(t, err)
	require.Len(t, proxies, 2)

	tests := []struct {
		name       string
		proxies    TrustedProxies
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarded chain",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "198.51.100.1:80",
			want:       "198.51.100.1",
		},
		{
			name:       "no proxies configured",
			proxies:    TrustedProxies{},
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "10.0.0.2:80",
			want:       "10.0.0.2",
		},
		{
			name:       "right-most untrusted hop",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.9, 203.0.113.1, 10.0.0.5"},
			remoteAddr: "10.0.0.2:80",
			want:       "203.0.113.1",
		},
		{
			name:       "all hops trusted uses left-most",
			headers:    map[string]string{"X-Forwarded-For": "10.1.1.1, 192.168.1.1"},
			remoteAddr: "10.0.0.2:80",
			want:       "10.1.1.1",
		},
		{
			name:       "malformed hop falls back to peer",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, not-an-ip"},
			remoteAddr: "192.168.1.1:80",
			want:       "192.168.1.1",
		},
		{
			name:       "real ip from trusted peer",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "10.0.0.2:80",
			want:       "203.0.113.2",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.4",
			want:       "203.0.113.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			p := proxies
			if tt.proxies != nil {
				p = tt.proxies
			}
			assert.Equal(t, tt.want, p.ClientIP(req))
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/40"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}
