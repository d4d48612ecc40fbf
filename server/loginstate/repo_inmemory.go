package loginstate

import (
	"errors"
	"sync"
	"time"
)

// MaxAge bounds how long a login may sit between /auth/login and the
// provider callback. The login-state cookie carries the same lifetime.
const MaxAge = 5 * time.Minute

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu      sync.Mutex
	states  map[string]*State
	nowTime func() time.Time
}

// NewInMemoryRepo creates a new in-memory login state repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		states:  make(map[string]*State),
		nowTime: time.Now,
	}
}

// WithNowTime sets the now time function (primarily for testing)
func (r *InMemoryRepo) WithNowTime(nowFunc func() time.Time) *InMemoryRepo {
	r.nowTime = nowFunc
	return r
}

// Upsert stores or updates a login state
func (r *InMemoryRepo) Upsert(state string, loginState *State) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if loginState == nil {
		return errors.New("loginState cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Create a copy to prevent external modifications
	r.states[state] = &State{
		Nonce:        loginState.Nonce,
		CodeVerifier: loginState.CodeVerifier,
		ReturnURL:    loginState.ReturnURL,
		CreatedAt:    loginState.CreatedAt,
	}

	return nil
}

// Get retrieves a login state by state parameter. Abandoned logins are
// expired lazily here; a state older than MaxAge is dropped as if the
// callback never matched.
func (r *InMemoryRepo) Get(state string) (*State, error) {
	if state == "" {
		return nil, errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loginState, exists := r.states[state]
	if !exists {
		return nil, errors.New("state not found")
	}

	if r.nowTime().After(loginState.CreatedAt.Add(MaxAge)) {
		delete(r.states, state)
		return nil, errors.New("state not found")
	}

	// Return a copy to prevent external modifications
	return &State{
		Nonce:        loginState.Nonce,
		CodeVerifier: loginState.CodeVerifier,
		ReturnURL:    loginState.ReturnURL,
		CreatedAt:    loginState.CreatedAt,
	}, nil
}

// Delete removes a login state
func (r *InMemoryRepo) Delete(state string) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.states, state)
	return nil
}
