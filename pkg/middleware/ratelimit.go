package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/platinummonkey/sharehub/pkg/contextkeys"
	"github.com/platinummonkey/sharehub/pkg/httputil"
)

const (
	defaultRatePrefix = "ratelimit"
	meterName         = "github.com/platinummonkey/sharehub/pkg/middleware"
)

// windowScript increments the counter and establishes the window expiry in
// one step. A key left without a TTL is repaired on the next hit.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Result is the outcome of one admission check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter implements fixed-window rate limiting on Redis
type RateLimiter struct {
	redis     *redis.Client
	prefix    string
	logger    logrus.FieldLogger
	now       func() time.Time
	decisions metric.Int64Counter
	proxies   TrustedProxies
}

// LimiterOption configures a RateLimiter
type LimiterOption func(*RateLimiter)

// WithTrustedProxies honours forwarding headers from the given peers
func WithTrustedProxies(proxies TrustedProxies) LimiterOption {
	return func(rl *RateLimiter) { rl.proxies = proxies }
}

// NewRateLimiter creates a Redis-backed limiter. An empty prefix uses "ratelimit".
func NewRateLimiter(redisClient *redis.Client, prefix string, logger logrus.FieldLogger, opts ...LimiterOption) *RateLimiter {
	if prefix == "" {
		prefix = defaultRatePrefix
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	decisions, err := otel.Meter(meterName).Int64Counter(
		"sharehub.ratelimit.decisions",
		metric.WithDescription("Rate limiter decisions by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create rate limit counter")
	}

	rl := &RateLimiter{
		redis:     redisClient,
		prefix:    prefix,
		logger:    logger,
		now:       time.Now,
		decisions: decisions,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow counts one request against key. On a store fault it returns an
// allowing result together with the error.
func (rl *RateLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	now := rl.now()
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	vals, err := windowScript.Run(ctx, rl.redis, []string{redisKey}, window.Milliseconds()).Int64Slice()
	if err == nil && len(vals) != 2 {
		err = fmt.Errorf("unexpected script reply of %d values", len(vals))
	}
	if err != nil {
		return Result{
			Allowed:   true,
			Limit:     max,
			Remaining: max,
			ResetAt:   now.Add(window),
		}, fmt.Errorf("redis error: %w", err)
	}

	count, pttl := vals[0], time.Duration(vals[1])*time.Millisecond
	res := Result{
		Limit:   max,
		ResetAt: now.Add(pttl),
	}
	if count > int64(max) {
		res.RetryAfter = pttl
		return res, nil
	}
	res.Allowed = true
	res.Remaining = max - int(count)
	return res, nil
}

// KeyFunc derives the counter key for a request
type KeyFunc func(r *http.Request) string

// UserOrIPKey keys authenticated callers by user id and anonymous callers by address
func UserOrIPKey(r *http.Request) string {
	if identity := GetAuthContext(r); identity != nil {
		return fmt.Sprintf("user:%d", identity.UserID)
	}
	return "ip:" + getClientIP(r)
}

// AuthIPKey keys login and signup endpoints by address regardless of identity
func AuthIPKey(r *http.Request) string {
	return "auth:" + getClientIP(r)
}

// RateLimitOptions configures one rate limit guard
type RateLimitOptions struct {
	// Name separates counters of different guards sharing a key function
	Name        string
	Window      time.Duration
	MaxRequests int
	KeyFunc     KeyFunc
	Message     string
}

// DefaultLimit is the general API budget
func DefaultLimit() RateLimitOptions {
	return RateLimitOptions{
		Name:        "api",
		Window:      15 * time.Minute,
		MaxRequests: 100,
		KeyFunc:     UserOrIPKey,
		Message:     "Too many requests, please try again later",
	}
}

// AuthLimit is the stricter budget for credential endpoints
func AuthLimit() RateLimitOptions {
	return RateLimitOptions{
		Name:        "auth",
		Window:      15 * time.Minute,
		MaxRequests: 5,
		KeyFunc:     AuthIPKey,
		Message:     "Too many authentication attempts, please try again later",
	}
}

// UploadLimit is the budget for upload endpoints
func UploadLimit() RateLimitOptions {
	return RateLimitOptions{
		Name:        "upload",
		Window:      time.Hour,
		MaxRequests: 20,
		KeyFunc:     UserOrIPKey,
		Message:     "Upload limit reached, please try again later",
	}
}

func (o RateLimitOptions) withDefaults() RateLimitOptions {
	def := DefaultLimit()
	if o.Window <= 0 {
		o.Window = def.Window
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = def.MaxRequests
	}
	if o.KeyFunc == nil {
		o.KeyFunc = def.KeyFunc
	}
	if o.Message == "" {
		o.Message = def.Message
	}
	return o
}

// RateLimit returns a guard enforcing opts. Store faults fail open.
func (rl *RateLimiter) RateLimit(opts RateLimitOptions) func(http.Handler) http.Handler {
	opts = opts.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(contextkeys.WithClientIP(r.Context(), rl.proxies.ClientIP(r)))
			ctx := r.Context()

			key := opts.KeyFunc(r)
			if opts.Name != "" {
				key = opts.Name + ":" + key
			}

			res, err := rl.Allow(ctx, key, opts.Window, opts.MaxRequests)
			setRateLimitHeaders(w, res)

			if err != nil {
				rl.logger.WithError(err).WithFields(logrus.Fields{
					"limiter": opts.Name,
					"key":     key,
				}).Warn("rate limiter unavailable, allowing request")
				rl.record(ctx, opts.Name, "fail_open")
				next.ServeHTTP(w, r)
				return
			}

			if !res.Allowed {
				rl.record(ctx, opts.Name, "denied")
				retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":      opts.Message,
					"code":       "RATE_LIMIT_EXCEEDED",
					"retryAfter": retryAfter,
				})
				return
			}

			rl.record(ctx, opts.Name, "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *RateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}

func (rl *RateLimiter) record(ctx context.Context, limiter, outcome string) {
	if rl.decisions == nil {
		return
	}
	rl.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiter),
		attribute.String("outcome", outcome),
	))
}

func setRateLimitHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
