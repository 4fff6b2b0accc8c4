// Package auth issues and verifies bearer tokens that identify callers.
//
// Tokens are HS256-signed JWTs whose subject is the numeric user id.
// Authorization state (role, permissions) is never carried in the token;
// it is resolved per request by pkg/rbac so that revocations take effect
// without waiting for token expiry.
//
//	tm := auth.NewTokenManager([]byte(secret), "sharehub", time.Hour)
//	token, err := tm.Issue(userID, "alice")
//	identity, err := tm.Verify(token)
package auth
