package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sharehub/pkg/auth"
)

type stubVerifier map[string]*auth.Identity

func (s stubVerifier) Verify(token string) (*auth.Identity, error) {
	if identity, ok := s[token]; ok {
		return identity, nil
	}
	return nil, errors.New("unknown token")
}

func TestAuthenticator_Handler(t *testing.T) {
	logger, _ := test.NewNullLogger()
	authn := NewAuthenticator(stubVerifier{"good": {UserID: 7, Username: "alice"}}, logger)

	var seen *auth.Identity
	handler := authn.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAuthContext(r)
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   int64
	}{
		{name: "anonymous passes through", wantStatus: http.StatusOK},
		{name: "valid bearer", header: "Bearer good", wantStatus: http.StatusOK, wantUser: 7},
		{name: "lowercase scheme", header: "bearer good", wantStatus: http.StatusOK, wantUser: 7},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "missing token", header: "Bearer", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer bad", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), "AUTH_INVALID")
				return
			}
			if tt.wantUser == 0 {
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, tt.wantUser, seen.UserID)
		})
	}
}

func TestAuthenticator_WithTokenManager(t *testing.T) {
	tm := auth.NewTokenManager([]byte("secret"), "sharehub", 0)
	token, err := tm.Issue(11, "bob")
	require.NoError(t, err)

	authn := NewAuthenticator(tm, nil)
	var seen *auth.Identity
	handler := authn.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAuthContext(r)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	assert.Equal(t, int64(11), seen.UserID)
	assert.Equal(t, "bob", seen.Username)
}
