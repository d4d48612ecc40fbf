// Package secrets holds per-user, per-provider token material. Records
// are partitioned by user id and every operation carries the requesting
// user id; nothing crosses user boundaries.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
	"github.com/jrsteele09/go-identity-broker/store"
)

const secretKeyPrefix = "secret:"

// Record is one stored secret. The owning user id is stored alongside
// the value and re-verified on every read, so a mis-keyed or tampered
// record can never leak across users.
type Record struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the keyed store with user-boundary enforcement.
type Store struct {
	store   store.Store
	nowTime func() time.Time
}

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore initializes a secret store on the given backend.
func NewStore(backend store.Store, options ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("[secrets NewStore] store is required")
	}

	secretStore := &Store{
		store:   backend,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(secretStore)
	}
	return secretStore, nil
}

// Get returns the secret for (userID, provider). Absence is ErrNotFound;
// an ownership mismatch on the stored record is ErrForbidden.
func (s *Store) Get(ctx context.Context, userID, provider string) (Record, error) {
	key, err := secretKey(userID, provider)
	if err != nil {
		return Record{}, err
	}

	value, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return Record{}, brokererrors.ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := json.Unmarshal(value, &record); err != nil {
		return Record{}, errors.Wrap(err, "[secrets Get] unmarshal record")
	}
	if record.UserID != userID {
		return Record{}, brokererrors.ErrForbidden
	}
	return record, nil
}

// Put creates or overwrites the secret for (userID, provider). Confirmed
// OAuth completions land here.
func (s *Store) Put(ctx context.Context, userID, provider, value string) error {
	key, err := secretKey(userID, provider)
	if err != nil {
		return err
	}

	record := Record{
		UserID:    userID,
		Provider:  provider,
		Value:     value,
		UpdatedAt: s.nowTime(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[secrets Put] marshal record")
	}
	return s.store.Put(ctx, key, payload, 0)
}

// Delete removes the secret for (userID, provider): explicit revocation
// or user deletion. Deleting an absent secret is not an error.
func (s *Store) Delete(ctx context.Context, userID, provider string) error {
	key, err := secretKey(userID, provider)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, key)
}

func secretKey(userID, provider string) (string, error) {
	if userID == "" {
		return "", brokererrors.ErrMissingUserContext
	}
	if provider == "" {
		return "", errors.New("[secrets] provider is required")
	}
	return fmt.Sprintf("%s%s:%s", secretKeyPrefix, userID, provider), nil
}
