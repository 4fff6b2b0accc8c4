package auth

import "time"

// Identity is the authenticated caller of a request
type Identity struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}
