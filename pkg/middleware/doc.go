// Package middleware provides HTTP middleware for authentication and rate limiting.
//
// # Authentication
//
// Authenticator verifies bearer tokens and attaches the identity to the request.
// Requests without an Authorization header pass through anonymously so that
// guards in pkg/rbac decide whether an identity is required.
//
//	authn := middleware.NewAuthenticator(tokenManager, logger)
//	router.Use(authn.Handler)
//
// RefreshHandler exchanges a valid token for a fresh one with the same identity.
//
// # Rate Limiting
//
// RateLimiter is a fixed-window counter stored in Redis. The increment and
// expiry run in one Lua script so concurrent requests never observe a key
// without a window. If Redis is unreachable the request is allowed and a
// warning is logged.
//
//	proxies, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8"})
//	limiter := middleware.NewRateLimiter(redisClient, "ratelimit", logger, middleware.WithTrustedProxies(proxies))
//	router.Use(limiter.RateLimit(middleware.DefaultLimit()))
//	refresh := limiter.RateLimit(middleware.AuthLimit())(middleware.RefreshHandler(tokenManager, logger))
//
// Anonymous and auth budgets are keyed by the peer address. X-Forwarded-For
// and X-Real-IP are read only when the peer is a trusted proxy, and then the
// right-most untrusted hop is used.
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. Rejections are 429 with a retryAfter field in seconds.
//
// Presets:
//
//	DefaultLimit: 100 requests per 15 minutes, keyed by user or IP
//	AuthLimit:    5 requests per 15 minutes, keyed by IP
//	UploadLimit:  20 requests per hour, keyed by user or IP
//
// # Related Packages
//
//   - pkg/auth: Token validation
//   - pkg/rbac: Permission guards
package middleware
