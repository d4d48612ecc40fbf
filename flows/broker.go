package flows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-identity-broker/gateway"
	brokererrors "github.com/jrsteele09/go-identity-broker/internal/errors"
	"github.com/jrsteele09/go-identity-broker/store"
)

const (
	flowKeyPrefix = "flow:"

	// terminalRecordTTL keeps finished flows around long enough for
	// duplicate callbacks to observe the outcome.
	terminalRecordTTL = time.Hour

	claimWaitInterval = 5 * time.Millisecond
	claimWaitAttempts = 400
)

// Confirmer is the gateway primitive the broker closes the loop with.
type Confirmer interface {
	ConfirmUser(ctx context.Context, flowID, userID string) (gateway.ConfirmResult, error)
}

// Broker owns flow records and their single transition out of pending.
// All record updates go through compare-and-set, so duplicate callbacks
// racing on the same flow cannot double-confirm.
type Broker struct {
	store          store.Store
	confirmer      Confirmer
	pendingTimeout time.Duration
	nowTime        func() time.Time
}

// BrokerOption defines a function type to modify the Broker instance.
type BrokerOption func(*Broker)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.nowTime = nowFunc
	}
}

// NewBroker initializes a Broker with required dependencies.
func NewBroker(flowStore store.Store, confirmer Confirmer, pendingTimeout time.Duration, options ...BrokerOption) (*Broker, error) {
	if flowStore == nil {
		return nil, errors.New("[NewBroker] store is required")
	}
	if confirmer == nil {
		return nil, errors.New("[NewBroker] confirmer is required")
	}
	if pendingTimeout <= 0 {
		return nil, errors.New("[NewBroker] pending timeout must be positive")
	}

	broker := &Broker{
		store:          flowStore,
		confirmer:      confirmer,
		pendingTimeout: pendingTimeout,
		nowTime:        time.Now,
	}
	for _, opt := range options {
		opt(broker)
	}
	return broker, nil
}

// Begin records a pending flow for the user who just received an
// authorization URL from the gateway. Re-announcing the same flow for
// the same user is a no-op; for anyone else it is Forbidden.
func (b *Broker) Begin(ctx context.Context, flowID, userID, provider string) error {
	if userID == "" {
		return brokererrors.ErrMissingUserContext
	}
	if flowID == "" {
		return errors.New("[Broker Begin] flow id is required")
	}

	record := Record{
		FlowID:    flowID,
		UserID:    userID,
		Provider:  provider,
		Status:    StatusPending,
		CreatedAt: b.nowTime(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[Broker Begin] marshal record")
	}

	// The store-level TTL is a backstop past the lazy expiry window.
	swapped, err := b.store.CompareAndSet(ctx, flowKeyPrefix+flowID, nil, value, 2*b.pendingTimeout)
	if err != nil {
		return err
	}
	if swapped {
		return nil
	}

	existing, err := b.get(ctx, flowID)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return brokererrors.ErrForbidden
	}
	return nil
}

// Status returns the current state of a flow, lazily expiring it when
// the pending timeout has passed.
func (b *Broker) Status(ctx context.Context, flowID string) (Record, error) {
	record, err := b.get(ctx, flowID)
	if err != nil {
		return Record{}, err
	}
	if record.Status == StatusPending && b.pendingExpired(record) {
		record.Status = StatusExpired
	}
	return record, nil
}

// Confirm closes the loop for a gateway callback. userID must be the
// identity of the live session handling the callback; the broker never
// reads it from the callback payload. Outcomes: nil and the gateway
// result on confirmation, ErrForbidden on rejection or on a user other
// than the initiator, ErrFlowExpired on unknown or timed-out flows.
func (b *Broker) Confirm(ctx context.Context, flowID, userID string) (gateway.ConfirmResult, error) {
	if userID == "" {
		return gateway.ConfirmResult{}, brokererrors.ErrMissingUserContext
	}

	for attempt := 0; attempt < claimWaitAttempts; attempt++ {
		raw, err := b.store.Get(ctx, flowKeyPrefix+flowID)
		if errors.Is(err, store.ErrKeyNotFound) {
			// No pending record is never treated as implicitly confirmed.
			return gateway.ConfirmResult{}, brokererrors.ErrFlowExpired
		}
		if err != nil {
			return gateway.ConfirmResult{}, err
		}

		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return gateway.ConfirmResult{}, errors.Wrap(err, "[Broker Confirm] unmarshal record")
		}

		if record.terminal() {
			return b.observe(record)
		}

		if b.pendingExpired(record) {
			expired := record
			expired.Status = StatusExpired
			expired.Claimed = false
			if _, err := b.casRecord(ctx, raw, expired); err != nil {
				return gateway.ConfirmResult{}, err
			}
			// A late callback must not retry confirmation, whoever won
			// the expiry write.
			return gateway.ConfirmResult{}, brokererrors.ErrFlowExpired
		}

		// A different sessioned user confirming someone else's flow is
		// refused without consuming the flow; the initiator can still
		// complete it.
		if record.UserID != userID {
			log.Warn().Str("flow_id", flowID).Msg("callback session does not match flow initiator")
			return gateway.ConfirmResult{}, brokererrors.ErrForbidden
		}

		if record.Claimed {
			// Another callback is mid-confirmation; wait for its outcome.
			select {
			case <-ctx.Done():
				return gateway.ConfirmResult{}, ctx.Err()
			case <-time.After(claimWaitInterval):
			}
			continue
		}

		claimed := record
		claimed.Claimed = true
		swapped, err := b.casRecord(ctx, raw, claimed)
		if err != nil {
			return gateway.ConfirmResult{}, err
		}
		if !swapped {
			continue // lost the claim race; re-read
		}

		return b.settle(ctx, flowID, claimed)
	}

	return gateway.ConfirmResult{}, errors.Wrap(brokererrors.ErrInternal, "[Broker Confirm] gave up waiting for concurrent confirmation")
}

// settle runs the gateway confirmation for a claimed record and writes
// the terminal state. Only the claim winner ever gets here. Every write
// swaps against the claimed record's bytes: a duplicate callback may
// have expired the flow while the gateway call was in flight, and that
// transition stands.
func (b *Broker) settle(ctx context.Context, flowID string, claimed Record) (gateway.ConfirmResult, error) {
	result, err := b.confirmer.ConfirmUser(ctx, flowID, claimed.UserID)

	claimedBytes, marshalErr := json.Marshal(claimed)
	if marshalErr != nil {
		return gateway.ConfirmResult{}, errors.Wrap(marshalErr, "[Broker settle] marshal record")
	}

	final := claimed
	final.Claimed = false

	switch {
	case err == nil:
		final.Status = StatusConfirmed
		final.AuthID = result.AuthID
		final.NextURI = result.NextURI
	case errors.Is(err, brokererrors.ErrForbidden):
		final.Status = StatusRejected
	case errors.Is(err, brokererrors.ErrFlowExpired):
		final.Status = StatusExpired
	default:
		// Transport failure, not a security decision: release the claim
		// so a retried callback can attempt confirmation again.
		if _, casErr := b.casRecord(ctx, claimedBytes, final); casErr != nil {
			log.Error().Err(casErr).Str("flow_id", flowID).Msg("failed to release flow claim")
		}
		return gateway.ConfirmResult{}, err
	}

	value, marshalErr := json.Marshal(final)
	if marshalErr != nil {
		return gateway.ConfirmResult{}, errors.Wrap(marshalErr, "[Broker settle] marshal record")
	}
	swapped, casErr := b.store.CompareAndSet(ctx, flowKeyPrefix+flowID, claimedBytes, value, terminalRecordTTL)
	if casErr != nil {
		return gateway.ConfirmResult{}, casErr
	}
	if !swapped {
		// Lost to a concurrent expiry: report the state that won rather
		// than a second transition out of pending.
		current, getErr := b.get(ctx, flowID)
		if getErr != nil {
			return gateway.ConfirmResult{}, getErr
		}
		return b.observe(current)
	}
	return b.observe(final)
}

// observe maps a terminal record onto the caller-visible outcome.
func (b *Broker) observe(record Record) (gateway.ConfirmResult, error) {
	switch record.Status {
	case StatusConfirmed:
		return gateway.ConfirmResult{AuthID: record.AuthID, NextURI: record.NextURI}, nil
	case StatusRejected:
		return gateway.ConfirmResult{}, brokererrors.ErrForbidden
	default:
		return gateway.ConfirmResult{}, brokererrors.ErrFlowExpired
	}
}

func (b *Broker) pendingExpired(record Record) bool {
	return b.nowTime().After(record.CreatedAt.Add(b.pendingTimeout))
}

func (b *Broker) get(ctx context.Context, flowID string) (Record, error) {
	raw, err := b.store.Get(ctx, flowKeyPrefix+flowID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return Record{}, brokererrors.ErrFlowExpired
	}
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, errors.Wrap(err, "[Broker] unmarshal record")
	}
	return record, nil
}

func (b *Broker) casRecord(ctx context.Context, old []byte, record Record) (bool, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return false, errors.Wrap(err, "[Broker] marshal record")
	}
	return b.store.CompareAndSet(ctx, flowKeyPrefix+record.FlowID, old, value, 2*b.pendingTimeout)
}
