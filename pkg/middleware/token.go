package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/sharehub/pkg/httputil"
)

// TokenIssuer signs bearer tokens
type TokenIssuer interface {
	Issue(userID int64, username string) (string, error)
}

// TokenResponse is the body returned by RefreshHandler
type TokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

// RefreshHandler exchanges a valid bearer token for a fresh one carrying the
// same identity. Anonymous callers receive 401.
func RefreshHandler(issuer TokenIssuer, logger logrus.FieldLogger) http.HandlerFunc {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity := GetAuthContext(r)
		if identity == nil {
			httputil.WriteCodedError(w, http.StatusUnauthorized, "authentication required", "AUTH_REQUIRED", nil)
			return
		}

		token, err := issuer.Issue(identity.UserID, identity.Username)
		if err != nil {
			logger.WithError(err).WithField("user_id", identity.UserID).Error("failed to issue token")
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, TokenResponse{Token: token, TokenType: "Bearer"})
	}
}
