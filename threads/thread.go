// Package threads records conversation-thread ownership and enforces a
// deny-by-default access model: a thread without an ownership record is
// nobody's, never public.
package threads

import "time"

// Thread is an owned conversation resource. The owner is set at creation
// and immutable thereafter; there is no transfer-of-ownership path.
type Thread struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Readers is an explicit allow-list extension point. It is empty
	// unless the owner grants access, so the model stays closed by
	// default.
	Readers []string `json:"readers,omitempty"`
}

func (t Thread) readableBy(userID string) bool {
	if t.OwnerID == userID {
		return true
	}
	for _, reader := range t.Readers {
		if reader == userID {
			return true
		}
	}
	return false
}
