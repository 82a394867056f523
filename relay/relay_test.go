package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
	"github.com/wippyai/pybridge/sim"
)

type recordingTarget struct {
	api       interp.API
	published map[interp.Object]any
	failed    map[interp.Object]error
	refuse    error
	mu        sync.Mutex
}

func newRecordingTarget(api interp.API) *recordingTarget {
	return &recordingTarget{
		api:       api,
		published: make(map[interp.Object]any),
		failed:    make(map[interp.Object]error),
	}
}

func (t *recordingTarget) Publish(instance, value interp.Object) error {
	if t.refuse != nil {
		return t.refuse
	}
	v, err := t.api.ToHost(value)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published[instance] = v
	return nil
}

func (t *recordingTarget) Fail(instance interp.Object, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[instance] = err
	return nil
}

func (t *recordingTarget) value(instance interp.Object) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.published[instance]
	return v, ok
}

func newRelay(t *testing.T, opts Options) (*Relay, *recordingTarget) {
	t.Helper()
	ctx := context.Background()
	s, err := sim.New(ctx, sim.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	target := newRecordingTarget(s)
	return New(s, target, opts), target
}

// fake instance addresses; the recording target never dereferences them
const (
	instA interp.Object = 0x10000
	instB interp.Object = 0x20000
)

func TestReserveIssuesFreshHandles(t *testing.T) {
	r, _ := newRelay(t, Options{})
	seen := map[Handle]bool{}
	for i := 0; i < 16; i++ {
		h, err := r.Reserve()
		require.NoError(t, err)
		assert.NotZero(t, h)
		assert.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
	}
	assert.Equal(t, 16, r.Pending())
}

func TestCompleteDeliversOnce(t *testing.T) {
	r, target := newRelay(t, Options{})
	h, err := r.Reserve()
	require.NoError(t, err)
	require.NoError(t, r.Arm(h, instA, nil))
	assert.True(t, r.Armed(h))

	require.NoError(t, r.Complete(h, int64(42)))
	v, ok := target.value(instA)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
	assert.False(t, r.Armed(h))
	assert.Equal(t, 0, r.Pending())

	err = r.Complete(h, int64(7))
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))
	v, _ = target.value(instA)
	assert.Equal(t, int64(42), v, "second completion must not overwrite")
}

func TestCompleteRejectsUnknownAndUnarmed(t *testing.T) {
	r, _ := newRelay(t, Options{})

	err := r.Complete(99, "x")
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))

	h, err := r.Reserve()
	require.NoError(t, err)
	err = r.Complete(h, "early")
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))
	assert.False(t, r.Armed(h))

	// still armable after the rejected early completion
	require.NoError(t, r.Arm(h, instA, nil))
	require.NoError(t, r.Complete(h, "late"))
}

func TestArmValidation(t *testing.T) {
	r, _ := newRelay(t, Options{})
	h, err := r.Reserve()
	require.NoError(t, err)

	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(r.Arm(h, 0, nil)))
	assert.Equal(t, errors.KindProtocol, errors.KindOf(r.Arm(h+100, instA, nil)))
	require.NoError(t, r.Arm(h, instA, nil))
	assert.Equal(t, errors.KindProtocol, errors.KindOf(r.Arm(h, instB, nil)))
}

func TestFailDelivers(t *testing.T) {
	r, target := newRelay(t, Options{})
	h, _ := r.Reserve()
	require.NoError(t, r.Arm(h, instA, nil))

	cause := errors.InvalidInput(errors.PhaseRuntime, "task failed")
	require.NoError(t, r.Fail(h, cause))
	target.mu.Lock()
	got := target.failed[instA]
	target.mu.Unlock()
	assert.Same(t, cause, got)

	assert.Equal(t, errors.KindProtocol, errors.KindOf(r.Complete(h, 1)))
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(r.Fail(h, nil)))
}

func TestCompleteUnconvertibleValueFails(t *testing.T) {
	r, target := newRelay(t, Options{})
	h, _ := r.Reserve()
	require.NoError(t, r.Arm(h, instA, nil))

	err := r.Complete(h, make(chan int))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	target.mu.Lock()
	_, failed := target.failed[instA]
	target.mu.Unlock()
	assert.True(t, failed)
}

func TestAbandonCancelsAndDropsLateCompletion(t *testing.T) {
	r, target := newRelay(t, Options{})
	h, _ := r.Reserve()
	cancelled := 0
	require.NoError(t, r.Arm(h, instA, func() { cancelled++ }))

	r.Abandon(h)
	r.Abandon(h)
	assert.Equal(t, 1, cancelled)
	assert.False(t, r.Armed(h))
	assert.Equal(t, 0, r.Pending())

	err := r.Complete(h, "late")
	assert.Equal(t, errors.KindClosed, errors.KindOf(err))
	_, ok := target.value(instA)
	assert.False(t, ok)
}

func TestMaxPending(t *testing.T) {
	r, _ := newRelay(t, Options{MaxPending: 2})
	h1, err := r.Reserve()
	require.NoError(t, err)
	_, err = r.Reserve()
	require.NoError(t, err)
	_, err = r.Reserve()
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))

	require.NoError(t, r.Arm(h1, instA, nil))
	require.NoError(t, r.Complete(h1, nil))
	_, err = r.Reserve()
	assert.NoError(t, err)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	r, _ := newRelay(t, Options{})
	h1, _ := r.Reserve()
	h2, _ := r.Reserve()
	var mu sync.Mutex
	cancelled := map[Handle]bool{}
	cancel := func(h Handle) func() {
		return func() {
			mu.Lock()
			cancelled[h] = true
			mu.Unlock()
		}
	}
	require.NoError(t, r.Arm(h1, instA, cancel(h1)))
	require.NoError(t, r.Arm(h2, instB, cancel(h2)))
	require.NoError(t, r.Complete(h1, "done"))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.False(t, cancelled[h1])
	assert.True(t, cancelled[h2])

	_, err := r.Reserve()
	assert.Equal(t, errors.KindClosed, errors.KindOf(err))
	assert.Equal(t, errors.KindClosed, errors.KindOf(r.Complete(h2, "late")))
}

func TestConcurrentCompletions(t *testing.T) {
	r, target := newRelay(t, Options{})
	const n = 32
	handles := make([]Handle, n)
	for i := range handles {
		h, err := r.Reserve()
		require.NoError(t, err)
		require.NoError(t, r.Arm(h, interp.Object(0x10000*(i+1)), nil))
		handles[i] = h
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h Handle) {
			defer wg.Done()
			errs[i] = r.Complete(h, int64(i))
		}(i, h)
	}
	wg.Wait()

	for i := range handles {
		require.NoError(t, errs[i])
		v, ok := target.value(interp.Object(0x10000 * (i + 1)))
		require.True(t, ok)
		assert.Equal(t, int64(i), v)
	}
}

func TestObservers(t *testing.T) {
	r, _ := newRelay(t, Options{})
	var events []EventType
	obs := ObserverFunc(func(e Event) { events = append(events, e.Type) })
	r.Subscribe(obs)

	h, _ := r.Reserve()
	require.NoError(t, r.Arm(h, instA, nil))
	require.NoError(t, r.Complete(h, "ok"))
	_ = r.Complete(h, "again")

	h2, _ := r.Reserve()
	require.NoError(t, r.Arm(h2, instB, nil))
	r.Abandon(h2)

	assert.Equal(t, []EventType{
		EventReserved, EventArmed, EventCompleted, EventRejected,
		EventReserved, EventArmed, EventAbandoned,
	}, events)
	assert.Equal(t, "rejected", EventRejected.String())
}

func TestHandlesBelongToOneInstance(t *testing.T) {
	r, _ := newRelay(t, Options{})
	h, _ := r.Reserve()
	assert.Equal(t, errors.KindProtocol, errors.KindOf(r.CheckBind(h, instB)), "reserved for a pending task")

	cancelled := 0
	require.NoError(t, r.Arm(h, instA, func() { cancelled++ }))
	assert.True(t, r.ArmedFor(h, instA))
	assert.False(t, r.ArmedFor(h, instB))
	assert.NoError(t, r.CheckBind(h, instA))
	assert.Equal(t, errors.KindProtocol, errors.KindOf(r.CheckBind(h, instB)))
	assert.NoError(t, r.CheckBind(h+100, instB), "never issued")

	assert.False(t, r.AbandonFor(h, instB))
	assert.Equal(t, 0, cancelled)
	assert.True(t, r.Armed(h))

	assert.True(t, r.AbandonFor(h, instA))
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, errors.KindProtocol, errors.KindOf(r.CheckBind(h, instA)), "retired")
}
