package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/sharehub/pkg/auth"
	"github.com/platinummonkey/sharehub/pkg/contextkeys"
	"github.com/platinummonkey/sharehub/pkg/httputil"
)

// TokenVerifier validates a bearer token
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// Authenticator attaches the caller identity to the request context.
// It never rejects anonymous requests; guards decide whether identity is required.
type Authenticator struct {
	verifier TokenVerifier
	logger   logrus.FieldLogger
}

// NewAuthenticator creates a new authentication middleware
func NewAuthenticator(verifier TokenVerifier, logger logrus.FieldLogger) *Authenticator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Authenticator{verifier: verifier, logger: logger}
}

// Handler wraps an HTTP handler with authentication
func (m *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteCodedError(w, http.StatusUnauthorized, "invalid authorization header format", "AUTH_INVALID", nil)
			return
		}

		identity, err := m.verifier.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			m.logger.WithError(err).Debug("rejected bearer token")
			httputil.WriteCodedError(w, http.StatusUnauthorized, "invalid or expired token", "AUTH_INVALID", nil)
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts the identity from the request, or nil when anonymous
func GetAuthContext(r *http.Request) *auth.Identity {
	identity, ok := r.Context().Value(contextkeys.AuthKey).(*auth.Identity)
	if !ok {
		return nil
	}
	return identity
}

// WithIdentity returns a copy of r carrying identity, used by tests and internal callers
func WithIdentity(r *http.Request, identity *auth.Identity) *http.Request {
	return r.WithContext(contextkeys.WithAuth(r.Context(), identity))
}
