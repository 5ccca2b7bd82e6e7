package session

import "time"

// Session holds the credentials for an authenticated dashboard user. It is
// owned by the client's session store: only login, refresh and logout mutate
// it.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the session carries a usable access token.
func (s Session) Valid() bool {
	return s.AccessToken != ""
}

// Expired reports whether the access token has passed its expiry. Sessions
// without a recorded expiry are treated as non-expiring; the backend will
// reject them with 401 if they are stale.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
