// Package sessions binds validated identities to server-side session
// records and resolves session identifiers back to identities on every
// request.
package sessions

import (
	"time"

	"github.com/jrsteele09/go-identity-broker/identity"
)

// Session is the server-side record behind a session identifier. It is
// created on first successful token validation and destroyed on logout
// or expiry.
type Session struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Identity reconstructs the identity the session was bound to.
func (s Session) Identity() identity.Identity {
	return identity.Identity{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Email:       s.Email,
		Scopes:      s.Scopes,
	}
}
