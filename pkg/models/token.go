package models

import "time"

// OAuthToken is the per (principal, instance) credential used by the Canvas
// email sink. Tokens are shared across workflows.
type OAuthToken struct {
	User         string    `json:"user" db:"user_email"`
	Instance     string    `json:"instance" db:"instance_name"`
	AccessToken  string    `json:"access_token" db:"access_token"`
	RefreshToken string    `json:"refresh_token" db:"refresh_token"`
	Expiry       time.Time `json:"expiry" db:"expiry"`
}

// Usable reports whether the token can be presented without a refresh:
// now + slack must fall before the expiry instant.
func (t *OAuthToken) Usable(now time.Time, slack time.Duration) bool {
	return now.Add(slack).Before(t.Expiry)
}
