package loginstate

import "time"

// State tracks one in-progress interactive login between /auth/login and
// the provider callback. Keyed by the OAuth state parameter.
type State struct {
	Nonce        string
	CodeVerifier string
	ReturnURL    string
	CreatedAt    time.Time
}

type Repo interface {
	Upsert(state string, loginState *State) error
	Get(state string) (*State, error)
	Delete(state string) error
}
