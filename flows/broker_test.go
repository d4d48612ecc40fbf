package flows_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-identity-broker/flows"
	"github.com/jrsteele09/go-identity-broker/gateway"
	"github.com/jrsteele09/go-identity-broker/internal/errors"
	"github.com/jrsteele09/go-identity-broker/store"
)

// fakeConfirmer counts confirmation calls and returns a scripted outcome.
type fakeConfirmer struct {
	calls  atomic.Int64
	result gateway.ConfirmResult
	err    error
	delay  time.Duration
}

func (f *fakeConfirmer) ConfirmUser(_ context.Context, _, _ string) (gateway.ConfirmResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result, f.err
}

// blockingConfirmer parks inside the gateway call until released, so a
// test can act while a confirmation is in flight.
type blockingConfirmer struct {
	calls   atomic.Int64
	entered chan struct{}
	release chan struct{}
	result  gateway.ConfirmResult
}

func (b *blockingConfirmer) ConfirmUser(_ context.Context, _, _ string) (gateway.ConfirmResult, error) {
	b.calls.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return b.result, nil
}

func newTestBroker(t *testing.T, confirmer flows.Confirmer, now *time.Time) *flows.Broker {
	t.Helper()
	nowFunc := func() time.Time { return *now }
	broker, err := flows.NewBroker(store.NewMemoryStore().WithNowTime(nowFunc), confirmer, 10*time.Minute,
		flows.WithNowTime(nowFunc))
	require.NoError(t, err)
	return broker
}

func TestBroker_ConfirmHappyPath(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{result: gateway.ConfirmResult{AuthID: "auth-1", NextURI: "https://gw/next"}}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-1", "alice", "sharepoint"))

	result, err := broker.Confirm(ctx, "flow-1", "alice")
	require.NoError(t, err)
	require.Equal(t, "auth-1", result.AuthID)
	require.Equal(t, "https://gw/next", result.NextURI)
	require.EqualValues(t, 1, confirmer.calls.Load())

	record, err := broker.Status(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, flows.StatusConfirmed, record.Status)
}

func TestBroker_ConfirmUnknownFlow(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{}
	broker := newTestBroker(t, confirmer, &now)

	// A callback with no matching pending record is never implicitly
	// confirmed.
	_, err := broker.Confirm(context.Background(), "never-seen", "alice")
	require.ErrorIs(t, err, errors.ErrFlowExpired)
	require.EqualValues(t, 0, confirmer.calls.Load())
}

func TestBroker_ConfirmRequiresUserContext(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{}
	broker := newTestBroker(t, confirmer, &now)

	_, err := broker.Confirm(context.Background(), "flow-1", "")
	require.ErrorIs(t, err, errors.ErrMissingUserContext)
	require.EqualValues(t, 0, confirmer.calls.Load())
}

func TestBroker_PendingTimeout(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-slow", "alice", "sharepoint"))

	now = now.Add(11 * time.Minute)
	_, err := broker.Confirm(ctx, "flow-slow", "alice")
	require.ErrorIs(t, err, errors.ErrFlowExpired)
	require.EqualValues(t, 0, confirmer.calls.Load(), "late callbacks must not retry confirmation")

	// The expiry is terminal; a replay stays expired
	_, err = broker.Confirm(ctx, "flow-slow", "alice")
	require.ErrorIs(t, err, errors.ErrFlowExpired)
	require.EqualValues(t, 0, confirmer.calls.Load())
}

func TestBroker_GatewayRejection(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{err: errors.ErrForbidden}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-rej", "alice", "sharepoint"))

	_, err := broker.Confirm(ctx, "flow-rej", "alice")
	require.ErrorIs(t, err, errors.ErrForbidden)

	record, err := broker.Status(ctx, "flow-rej")
	require.NoError(t, err)
	require.Equal(t, flows.StatusRejected, record.Status)

	// Terminal: a replayed callback observes the rejection without a
	// second gateway call.
	_, err = broker.Confirm(ctx, "flow-rej", "alice")
	require.ErrorIs(t, err, errors.ErrForbidden)
	require.EqualValues(t, 1, confirmer.calls.Load())
}

func TestBroker_WrongUserDoesNotConsumeFlow(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{result: gateway.ConfirmResult{AuthID: "auth-1"}}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-phish", "alice", "sharepoint"))

	// A different validly-sessioned user presenting alice's flow id is
	// refused before any gateway call, and the flow stays pending so
	// alice can still complete it.
	_, err := broker.Confirm(ctx, "flow-phish", "mallory")
	require.ErrorIs(t, err, errors.ErrForbidden)
	require.EqualValues(t, 0, confirmer.calls.Load())

	record, err := broker.Status(ctx, "flow-phish")
	require.NoError(t, err)
	require.Equal(t, flows.StatusPending, record.Status)

	_, err = broker.Confirm(ctx, "flow-phish", "alice")
	require.NoError(t, err)
}

func TestBroker_DuplicateCallbacksSingleTransition(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{
		result: gateway.ConfirmResult{AuthID: "auth-1", NextURI: "https://gw/next"},
		delay:  20 * time.Millisecond, // hold the claim so racers overlap
	}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-race", "alice", "sharepoint"))

	const racers = 6
	var wg sync.WaitGroup
	results := make([]gateway.ConfirmResult, racers)
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = broker.Confirm(ctx, "flow-race", "alice")
		}(i)
	}
	wg.Wait()

	// Exactly one gateway confirmation regardless of callback fan-in
	require.EqualValues(t, 1, confirmer.calls.Load())

	// Every caller observes the same final state
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "auth-1", results[i].AuthID)
		require.Equal(t, "https://gw/next", results[i].NextURI)
	}

	record, err := broker.Status(ctx, "flow-race")
	require.NoError(t, err)
	require.Equal(t, flows.StatusConfirmed, record.Status)
}

func TestBroker_ExpiryDuringConfirmationStands(t *testing.T) {
	now := time.Now()
	confirmer := &blockingConfirmer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		result:  gateway.ConfirmResult{AuthID: "auth-late"},
	}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-slow", "alice", "sharepoint"))

	winnerErr := make(chan error, 1)
	go func() {
		_, err := broker.Confirm(ctx, "flow-slow", "alice")
		winnerErr <- err
	}()

	// The first callback is parked inside the gateway call holding the
	// claim. Push the clock past the pending timeout and deliver a
	// duplicate callback, which expires the flow.
	<-confirmer.entered
	now = now.Add(11 * time.Minute)
	_, err := broker.Confirm(ctx, "flow-slow", "alice")
	require.ErrorIs(t, err, errors.ErrFlowExpired)

	record, err := broker.Status(ctx, "flow-slow")
	require.NoError(t, err)
	require.Equal(t, flows.StatusExpired, record.Status)

	// The in-flight confirmation returns and must not overwrite the
	// expiry with a confirmed record.
	close(confirmer.release)
	require.ErrorIs(t, <-winnerErr, errors.ErrFlowExpired)
	require.EqualValues(t, 1, confirmer.calls.Load())

	record, err = broker.Status(ctx, "flow-slow")
	require.NoError(t, err)
	require.Equal(t, flows.StatusExpired, record.Status)
}

func TestBroker_TransportFailureReleasesClaim(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{err: errors.ErrInternal}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	require.NoError(t, broker.Begin(ctx, "flow-flaky", "alice", "sharepoint"))

	_, err := broker.Confirm(ctx, "flow-flaky", "alice")
	require.ErrorIs(t, err, errors.ErrInternal)

	record, err := broker.Status(ctx, "flow-flaky")
	require.NoError(t, err)
	require.Equal(t, flows.StatusPending, record.Status, "a transport failure is not a security decision")

	// The gateway recovers; a retried callback can still confirm.
	confirmer.err = nil
	confirmer.result = gateway.ConfirmResult{AuthID: "auth-2"}
	result, err := broker.Confirm(ctx, "flow-flaky", "alice")
	require.NoError(t, err)
	require.Equal(t, "auth-2", result.AuthID)
}

func TestBroker_Begin(t *testing.T) {
	now := time.Now()
	confirmer := &fakeConfirmer{}
	broker := newTestBroker(t, confirmer, &now)
	ctx := context.Background()

	t.Run("requires user context", func(t *testing.T) {
		err := broker.Begin(ctx, "flow-1", "", "sharepoint")
		require.ErrorIs(t, err, errors.ErrMissingUserContext)
	})

	t.Run("idempotent for the initiator", func(t *testing.T) {
		require.NoError(t, broker.Begin(ctx, "flow-1", "alice", "sharepoint"))
		require.NoError(t, broker.Begin(ctx, "flow-1", "alice", "sharepoint"))
	})

	t.Run("refused for anyone else", func(t *testing.T) {
		err := broker.Begin(ctx, "flow-1", "bob", "sharepoint")
		require.ErrorIs(t, err, errors.ErrForbidden)
	})
}
