// Package flows is the confirmation broker for third-party OAuth
// authorization flows. It pairs a gateway flow id with the user who
// initiated it and closes the confirmation loop with the gateway.
//
// The one invariant every caller must preserve: the user id passed to
// Confirm is always the identity of the live, validated session handling
// the callback - never anything taken from the callback payload itself.
// That is the whole defense against a third party completing someone
// else's authorization with a stolen flow id.
package flows

import (
	"time"
)

// Status of an authorization flow. A flow leaves pending exactly once;
// confirmed, rejected and expired are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Record is the stored state of one authorization flow. The user id is a
// weak reference to the initiating session's user - lookup, not
// ownership.
type Record struct {
	FlowID    string    `json:"flow_id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// claimed marks a pending record whose confirmation call is in
	// flight; the claim is what makes the transition out of pending
	// single-winner under duplicate callbacks.
	Claimed bool `json:"claimed,omitempty"`

	// Gateway results, recorded on confirmation so duplicate callbacks
	// observe the same outcome.
	AuthID  string `json:"auth_id,omitempty"`
	NextURI string `json:"next_uri,omitempty"`
}

func (r Record) terminal() bool {
	return r.Status != StatusPending
}
