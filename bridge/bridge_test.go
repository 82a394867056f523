package bridge_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/pybridge/bridge"
	"github.com/wippyai/pybridge/builder"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
	"github.com/wippyai/pybridge/sim"
)

// fakeTracker arms handles for whichever instance first binds them.
type fakeTracker struct {
	armed     map[int64]bool
	owners    map[int64]interp.Object
	abandoned []int64
	mu        sync.Mutex
}

func (f *fakeTracker) owned(h int64, inst interp.Object) bool {
	owner, ok := f.owners[h]
	return !ok || owner == inst
}

func (f *fakeTracker) Armed(h int64, inst interp.Object) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed[h] && f.owned(h, inst)
}

func (f *fakeTracker) Bind(h int64, inst interp.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.owned(h, inst) {
		return errors.Protocol(errors.PhaseRelay, "handle %d belongs to another instance", h)
	}
	f.owners[h] = inst
	return nil
}

func (f *fakeTracker) Abandon(h int64, inst interp.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.owned(h, inst) {
		return
	}
	delete(f.armed, h)
	f.abandoned = append(f.abandoned, h)
}

func setup(t *testing.T) (*sim.Interp, *bridge.Awaitable, *fakeTracker) {
	t.Helper()
	ctx := context.Background()
	s, err := sim.New(ctx, sim.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })

	tr := &fakeTracker{armed: make(map[int64]bool), owners: make(map[int64]interp.Object)}
	var aw *bridge.Awaitable
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		mod, err := builder.BuildModule(s, builder.ModuleSpec{Name: "bridgetest"})
		if err != nil {
			return err
		}
		aw, err = bridge.New(s, mod, bridge.Options{Tracker: tr})
		return err
	}))
	return s, aw, tr
}

func excKind(t *testing.T, err error) interp.ExcKind {
	t.Helper()
	var exc *interp.Exception
	require.True(t, stderrors.As(err, &exc), "expected an interpreter exception, got %v", err)
	return exc.Kind
}

func TestLayoutAndType(t *testing.T) {
	s, aw, _ := setup(t)
	assert.Equal(t, "bridgetest.Awaitable", aw.Type().QualName)
	l := bridge.Layout(s.ABI(), "Awaitable")
	assert.Equal(t, aw.Type().Layout.Size, l.Size)
	assert.Equal(t, bridge.StatePending, bridge.State(1))
	assert.Equal(t, "resolved", bridge.StateResolved.String())
	assert.True(t, bridge.StateConsumed.Done())
	assert.False(t, bridge.StatePending.Done())
}

func TestStateMachine(t *testing.T) {
	s, aw, tr := setup(t)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		o, err := aw.Instance()
		require.NoError(t, err)
		defer f.Release(o)

		st, err := aw.State(o)
		require.NoError(t, err)
		assert.Equal(t, bridge.StateCreated, st)

		_, err = f.Await(o)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))

		assert.Equal(t, errors.KindProtocol, errors.KindOf(aw.Publish(o, s.None())))
		assert.Equal(t, errors.KindInvalidInput, errors.KindOf(aw.SetHandle(o, 0)))
		assert.Equal(t, errors.KindInvalidInput, errors.KindOf(aw.SetHandle(o, -4)))

		require.NoError(t, aw.SetHandle(o, 9))
		assert.Equal(t, errors.KindProtocol, errors.KindOf(aw.SetHandle(o, 10)))
		h, err := aw.Handle(o)
		require.NoError(t, err)
		assert.Equal(t, int64(9), h)

		// pending but unarmed
		_, err = f.Await(o)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))

		tr.armed[9] = true
		_, err = f.Await(o)
		assert.ErrorIs(t, err, sim.ErrWouldBlock)

		val, err := f.Value("payload")
		require.NoError(t, err)
		require.NoError(t, aw.Publish(o, val))
		f.Release(val)
		assert.Equal(t, errors.KindProtocol, errors.KindOf(aw.Publish(o, s.None())))

		st, _ = aw.State(o)
		assert.Equal(t, bridge.StateResolved, st)

		out, err := f.Await(o)
		require.NoError(t, err)
		v, err := f.Host(out)
		require.NoError(t, err)
		assert.Equal(t, "payload", v)
		f.Release(out)

		st, _ = aw.State(o)
		assert.Equal(t, bridge.StateConsumed, st)

		// exhausted: awaiting again finishes with None
		again, err := f.Await(o)
		require.NoError(t, err)
		assert.Equal(t, s.None(), again)
		return nil
	}))
	assert.Empty(t, tr.abandoned)
}

func TestFailRaisesRuntimeError(t *testing.T) {
	s, aw, tr := setup(t)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		o, err := aw.Instance()
		require.NoError(t, err)
		defer f.Release(o)
		require.NoError(t, aw.SetHandle(o, 3))
		tr.armed[3] = true

		require.NoError(t, aw.Fail(o, stderrors.New("disk on fire")))
		_, err = f.Await(o)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		assert.Contains(t, err.Error(), "disk on fire")
		return nil
	}))
}

func TestPublishFromAnotherGoroutineWakesLoop(t *testing.T) {
	s, aw, tr := setup(t)

	var o interp.Object
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		var err error
		o, err = aw.Instance()
		require.NoError(t, err)
		require.NoError(t, aw.SetHandle(o, 1))
		tr.armed[1] = true
		return nil
	}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		release := s.Ensure()
		v, _ := s.FromHost(int64(42))
		_ = aw.Publish(o, v)
		s.DecRef(v)
		release()
		s.Wake()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.RunUntilComplete(ctx, func(f *sim.Frame) (any, error) {
		defer f.Release(o)
		v, err := f.Await(o)
		if err != nil {
			return nil, err
		}
		defer f.Release(v)
		return f.Host(v)
	})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	assert.Equal(t, int64(42), res[0].Value)
	assert.GreaterOrEqual(t, res[0].Advances, 2)
}

func TestLoopCancellation(t *testing.T) {
	s, aw, tr := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := s.RunUntilComplete(ctx, func(f *sim.Frame) (any, error) {
		o, err := aw.Instance()
		if err != nil {
			return nil, err
		}
		if err := aw.SetHandle(o, 5); err != nil {
			return nil, err
		}
		tr.mu.Lock()
		tr.armed[5] = true
		tr.mu.Unlock()
		return f.Await(o)
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindClosed, errors.KindOf(err))
	assert.Error(t, res[0].Err)
}

func TestDeallocReleasesResultAndAbandons(t *testing.T) {
	s, aw, tr := setup(t)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		before, _ := s.Heap().Live()

		o, err := aw.Instance()
		require.NoError(t, err)
		val, err := f.Value("kept by the instance")
		require.NoError(t, err)
		none, err := f.Call(o, "set_result", val)
		require.NoError(t, err)
		f.Release(none)
		assert.Equal(t, uint64(2), s.RefCount(val))
		f.Release(val)
		f.Release(o)

		after, _ := s.Heap().Live()
		assert.Equal(t, before, after, "instance and its result are freed")

		p, err := aw.Instance()
		require.NoError(t, err)
		require.NoError(t, aw.SetHandle(p, 77))
		f.Release(p)
		return nil
	}))
	assert.Equal(t, []int64{77}, tr.abandoned)
}

func TestCheckRejectsForeignObjects(t *testing.T) {
	s, aw, _ := setup(t)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		str, err := f.Value("not an awaitable")
		require.NoError(t, err)
		defer f.Release(str)

		assert.Equal(t, errors.KindTypeMismatch, errors.KindOf(aw.Check(str)))
		assert.Equal(t, errors.KindInvalidInput, errors.KindOf(aw.Check(0)))
		_, err = f.CallUnbound(aw.Type().Object, "canary", str)
		assert.Equal(t, interp.ExcTypeError, excKind(t, err))
		return nil
	}))
}

func TestSetHandleCannotAliasAnotherInstance(t *testing.T) {
	s, aw, tr := setup(t)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		owner, err := aw.Instance()
		require.NoError(t, err)
		defer f.Release(owner)
		h, err := f.Value(int64(12))
		require.NoError(t, err)
		defer f.Release(h)

		none, err := f.Call(owner, "set_handle", h)
		require.NoError(t, err)
		f.Release(none)
		tr.armed[12] = true

		alias, err := aw.Instance()
		require.NoError(t, err)
		_, err = f.Call(alias, "set_handle", h)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		st, err := aw.State(alias)
		require.NoError(t, err)
		assert.Equal(t, bridge.StateCreated, st)
		f.Release(alias)
		assert.Empty(t, tr.abandoned)

		_, err = f.Await(owner)
		assert.ErrorIs(t, err, sim.ErrWouldBlock)
		return nil
	}))
	assert.Equal(t, []int64{12}, tr.abandoned, "only the owner retires its handle")
}

func TestDeallocAbandonsOnlyOwnHandle(t *testing.T) {
	s, aw, tr := setup(t)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		owner, err := aw.Instance()
		require.NoError(t, err)
		defer f.Release(owner)
		require.NoError(t, tr.Bind(31, owner))
		require.NoError(t, aw.SetHandle(owner, 31))
		tr.armed[31] = true

		// host-side SetHandle skips the tracker; destroying the copy must
		// still leave the owner's handle armed
		stray, err := aw.Instance()
		require.NoError(t, err)
		require.NoError(t, aw.SetHandle(stray, 31))
		_, err = f.Await(stray)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		f.Release(stray)

		assert.True(t, tr.Armed(31, owner))
		assert.Empty(t, tr.abandoned)
		return nil
	}))
	assert.Equal(t, []int64{31}, tr.abandoned)
}
