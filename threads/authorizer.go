package threads

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
	"github.com/jrsteele09/go-identity-broker/store"
)

const (
	threadKeyPrefix = "thread:"
	indexKeyPrefix  = "threadindex:"

	casAttempts = 5
)

// Authorizer owns the thread write path and decides, per request, whether
// a user may access a thread. Absence of an ownership record is always
// Forbidden.
type Authorizer struct {
	store   store.Store
	nowTime func() time.Time
}

// AuthorizerOption defines a function type to modify the Authorizer instance.
type AuthorizerOption func(*Authorizer)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) AuthorizerOption {
	return func(a *Authorizer) {
		a.nowTime = nowFunc
	}
}

// NewAuthorizer initializes an Authorizer backed by the given store.
func NewAuthorizer(threadStore store.Store, options ...AuthorizerOption) (*Authorizer, error) {
	if threadStore == nil {
		return nil, errors.New("[NewAuthorizer] store is required")
	}

	authorizer := &Authorizer{
		store:   threadStore,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(authorizer)
	}
	return authorizer, nil
}

// Create records a new thread owned by userID.
func (a *Authorizer) Create(ctx context.Context, userID, title string) (Thread, error) {
	if userID == "" {
		return Thread{}, brokererrors.ErrMissingUserContext
	}

	thread := Thread{
		ID:        uuid.NewString(),
		OwnerID:   userID,
		Title:     title,
		CreatedAt: a.nowTime(),
	}

	if err := a.putThread(ctx, thread); err != nil {
		return Thread{}, err
	}
	if err := a.indexThread(ctx, userID, thread.ID); err != nil {
		return Thread{}, err
	}
	return thread, nil
}

// Access returns the thread if userID may read it, ErrForbidden
// otherwise. A missing record is ErrForbidden, not not-found: resource
// existence is not disclosed to non-owners.
func (a *Authorizer) Access(ctx context.Context, userID, threadID string) (Thread, error) {
	if userID == "" {
		return Thread{}, brokererrors.ErrMissingUserContext
	}

	thread, err := a.getThread(ctx, threadID)
	if err != nil {
		return Thread{}, brokererrors.ErrForbidden
	}
	if !thread.readableBy(userID) {
		return Thread{}, brokererrors.ErrForbidden
	}
	return thread, nil
}

// Allow grants readerID read access to a thread. Only the owner can
// grant, and ownership itself never moves.
func (a *Authorizer) Allow(ctx context.Context, ownerID, threadID, readerID string) error {
	if ownerID == "" || readerID == "" {
		return brokererrors.ErrMissingUserContext
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := a.store.Get(ctx, threadKeyPrefix+threadID)
		if err != nil {
			return brokererrors.ErrForbidden
		}

		var thread Thread
		if err := json.Unmarshal(current, &thread); err != nil {
			return errors.Wrap(err, "[Authorizer Allow] unmarshal thread")
		}
		if thread.OwnerID != ownerID {
			return brokererrors.ErrForbidden
		}
		if thread.readableBy(readerID) {
			return nil
		}

		thread.Readers = append(thread.Readers, readerID)
		updated, err := json.Marshal(thread)
		if err != nil {
			return errors.Wrap(err, "[Authorizer Allow] marshal thread")
		}

		swapped, err := a.store.CompareAndSet(ctx, threadKeyPrefix+threadID, current, updated, 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return errors.New("[Authorizer Allow] thread update contention")
}

// ListOwned returns the threads userID owns, in creation order.
func (a *Authorizer) ListOwned(ctx context.Context, userID string) ([]Thread, error) {
	if userID == "" {
		return nil, brokererrors.ErrMissingUserContext
	}

	ids, _, err := a.getIndex(ctx, userID)
	if err != nil {
		return nil, err
	}

	threadList := make([]Thread, 0, len(ids))
	for _, id := range ids {
		thread, err := a.getThread(ctx, id)
		if err != nil {
			continue // deleted under us; the index is advisory
		}
		threadList = append(threadList, thread)
	}
	return threadList, nil
}

func (a *Authorizer) putThread(ctx context.Context, thread Thread) error {
	value, err := json.Marshal(thread)
	if err != nil {
		return errors.Wrap(err, "[Authorizer] marshal thread")
	}
	return a.store.Put(ctx, threadKeyPrefix+thread.ID, value, 0)
}

func (a *Authorizer) getThread(ctx context.Context, threadID string) (Thread, error) {
	value, err := a.store.Get(ctx, threadKeyPrefix+threadID)
	if err != nil {
		return Thread{}, err
	}
	var thread Thread
	if err := json.Unmarshal(value, &thread); err != nil {
		return Thread{}, errors.Wrap(err, "[Authorizer] unmarshal thread")
	}
	return thread, nil
}

// indexThread appends the thread id to the owner's index under CAS so
// concurrent creates by the same user do not lose entries.
func (a *Authorizer) indexThread(ctx context.Context, userID, threadID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		ids, current, err := a.getIndex(ctx, userID)
		if err != nil {
			return err
		}

		updated, err := json.Marshal(append(ids, threadID))
		if err != nil {
			return errors.Wrap(err, "[Authorizer] marshal thread index")
		}

		swapped, err := a.store.CompareAndSet(ctx, indexKeyPrefix+userID, current, updated, 0)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return errors.New("[Authorizer] thread index contention")
}

func (a *Authorizer) getIndex(ctx context.Context, userID string) ([]string, []byte, error) {
	current, err := a.store.Get(ctx, indexKeyPrefix+userID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var ids []string
	if err := json.Unmarshal(current, &ids); err != nil {
		return nil, nil, errors.Wrap(err, "[Authorizer] unmarshal thread index")
	}
	return ids, current, nil
}
