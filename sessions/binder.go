package sessions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-identity-broker/identity"
	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
	"github.com/jrsteele09/go-identity-broker/store"
)

const sessionKeyPrefix = "session:"

// Binder creates, resolves and revokes sessions. Session identifiers are
// an HMAC over a random nonce, so a forged identifier fails the signature
// check before any store lookup. Both an idle timeout and an absolute
// timeout are enforced lazily on resolve.
type Binder struct {
	store       store.Store
	secret      []byte
	idleTimeout time.Duration
	maxAge      time.Duration
	nowTime     func() time.Time
}

// BinderOption defines a function type to modify the Binder instance.
type BinderOption func(*Binder)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) BinderOption {
	return func(b *Binder) {
		b.nowTime = nowFunc
	}
}

// NewBinder initializes a Binder with required dependencies.
func NewBinder(sessionStore store.Store, secret string, idleTimeout, maxAge time.Duration, options ...BinderOption) (*Binder, error) {
	if sessionStore == nil {
		return nil, errors.New("[NewBinder] store is required")
	}
	if secret == "" {
		return nil, errors.New("[NewBinder] session secret is required")
	}
	if idleTimeout <= 0 || maxAge <= 0 {
		return nil, errors.New("[NewBinder] timeouts must be positive")
	}

	binder := &Binder{
		store:       sessionStore,
		secret:      []byte(secret),
		idleTimeout: idleTimeout,
		maxAge:      maxAge,
		nowTime:     time.Now,
	}
	for _, opt := range options {
		opt(binder)
	}
	return binder, nil
}

// Bind creates a session record for a validated identity and returns its
// opaque identifier.
func (b *Binder) Bind(ctx context.Context, id identity.Identity) (string, error) {
	if id.UserID == "" {
		return "", brokererrors.ErrMissingUserContext
	}

	now := b.nowTime()
	session := Session{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
		Scopes:      id.Scopes,
		CreatedAt:   now,
		LastSeenAt:  now,
	}

	sessionID := b.newSessionID()
	if err := b.put(ctx, sessionID, session); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Resolve looks up a live session and returns the bound identity. It
// fails with ErrNoSession when the identifier is forged, absent, or past
// either timeout; a successful resolve refreshes the idle clock.
func (b *Binder) Resolve(ctx context.Context, sessionID string) (Session, error) {
	if !b.verifySessionID(sessionID) {
		return Session{}, brokererrors.ErrNoSession
	}

	value, err := b.store.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return Session{}, brokererrors.ErrNoSession
	}

	var session Session
	if err := json.Unmarshal(value, &session); err != nil {
		return Session{}, brokererrors.ErrNoSession
	}

	now := b.nowTime()
	if now.After(session.CreatedAt.Add(b.maxAge)) || now.After(session.LastSeenAt.Add(b.idleTimeout)) {
		_ = b.store.Delete(ctx, sessionKeyPrefix+sessionID)
		return Session{}, brokererrors.ErrNoSession
	}

	session.LastSeenAt = now
	if err := b.put(ctx, sessionID, session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Revoke destroys a session. Revoking an unknown or already-revoked
// session is not an error.
func (b *Binder) Revoke(ctx context.Context, sessionID string) error {
	if !b.verifySessionID(sessionID) {
		return nil
	}
	return b.store.Delete(ctx, sessionKeyPrefix+sessionID)
}

func (b *Binder) put(ctx context.Context, sessionID string, session Session) error {
	value, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "[Binder put] marshal session")
	}
	// The store-level expiry is a backstop; the real boundaries are the
	// wall-clock comparisons in Resolve.
	return b.store.Put(ctx, sessionKeyPrefix+sessionID, value, b.maxAge)
}

// newSessionID returns "<nonce>.<signature>": a random nonce and its
// HMAC-SHA256 under the signing secret.
func (b *Binder) newSessionID() string {
	nonce := uuid.NewString()
	return nonce + "." + b.signNonce(nonce)
}

func (b *Binder) verifySessionID(sessionID string) bool {
	parts := strings.SplitN(sessionID, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	return hmac.Equal([]byte(b.signNonce(parts[0])), []byte(parts[1]))
}

func (b *Binder) signNonce(nonce string) string {
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
