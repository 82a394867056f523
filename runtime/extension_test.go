package runtime

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/pybridge/bridge"
	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
	"github.com/wippyai/pybridge/relay"
	"github.com/wippyai/pybridge/sim"
)

func newInterp(t *testing.T, version string) *sim.Interp {
	t.Helper()
	ctx := context.Background()
	opts := sim.DefaultOptions()
	if version != "" {
		opts.Version = version
	}
	s, err := sim.New(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func newExtension(t *testing.T, s *sim.Interp, module string) *Extension {
	t.Helper()
	cfg := config.Default()
	if module != "" {
		cfg.Module.Name = module
	}
	ext, err := New(context.Background(), s, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ext.Close(ctx)
	})
	return ext
}

func loopCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func excKind(t *testing.T, err error) interp.ExcKind {
	t.Helper()
	var exc *interp.Exception
	require.True(t, stderrors.As(err, &exc), "expected an interpreter exception, got %v", err)
	return exc.Kind
}

// awaitNext is `await mod.make_awaitable()`.
func awaitNext(module string) sim.Script {
	return func(f *sim.Frame) (any, error) {
		mod, err := f.Import(module)
		if err != nil {
			return nil, err
		}
		defer f.Release(mod)
		aw, err := f.Call(mod, "make_awaitable")
		if err != nil {
			return nil, err
		}
		defer f.Release(aw)
		v, err := f.Await(aw)
		if err != nil {
			return nil, err
		}
		defer f.Release(v)
		return f.Host(v)
	}
}

func TestEndToEnd(t *testing.T) {
	for _, version := range []string{"3.8.18", "3.10.14", "3.11.9", "3.12.4", "3.13.1"} {
		t.Run(version, func(t *testing.T) {
			s := newInterp(t, version)
			ext := newExtension(t, s, "")

			_, err := ext.Submit(func(ctx context.Context) (any, error) {
				time.Sleep(5 * time.Millisecond)
				return 42, nil
			})
			require.NoError(t, err)

			res, err := s.RunUntilComplete(loopCtx(t), awaitNext("pybridge"))
			require.NoError(t, err)
			require.NoError(t, res[0].Err)
			assert.Equal(t, int64(42), res[0].Value)
			assert.Equal(t, 0, ext.Relay().Pending())
		})
	}
}

func TestInterleavedAwaitsDoNotBlock(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	gate := make(chan struct{})
	slow, err := ext.Submit(func(ctx context.Context) (any, error) {
		select {
		case <-gate:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, err)
	fast, err := ext.Submit(func(ctx context.Context) (any, error) {
		return "fast", nil
	})
	require.NoError(t, err)

	awaitFor := func(h relay.Handle, before func()) sim.Script {
		return func(f *sim.Frame) (any, error) {
			if before != nil {
				before()
			}
			mod, err := f.Import("pybridge")
			if err != nil {
				return nil, err
			}
			defer f.Release(mod)
			arg, err := f.Value(int64(h))
			if err != nil {
				return nil, err
			}
			defer f.Release(arg)
			aw, err := f.Call(mod, "awaitable_for", arg)
			if err != nil {
				return nil, err
			}
			defer f.Release(aw)
			v, err := f.Await(aw)
			if err != nil {
				return nil, err
			}
			defer f.Release(v)
			return f.Host(v)
		}
	}

	// The slow task only finishes once the second script has run, which
	// requires the first await to give the lock back.
	res, err := s.RunUntilComplete(loopCtx(t),
		awaitFor(slow, nil),
		awaitFor(fast, func() { close(gate) }),
	)
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	require.NoError(t, res[1].Err)
	assert.Equal(t, "slow", res[0].Value)
	assert.Equal(t, "fast", res[1].Value)
	assert.GreaterOrEqual(t, res[0].Yields, 1)
}

func TestCompleteOnce(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	var h int64
	res, err := s.RunUntilComplete(loopCtx(t), func(f *sim.Frame) (any, error) {
		aw, err := ext.NewAwaitable(context.Background(), func(ctx context.Context) (any, error) {
			return "first", nil
		})
		if err != nil {
			return nil, err
		}
		defer f.Release(aw)
		if h, err = ext.Bridge().Handle(aw); err != nil {
			return nil, err
		}
		v, err := f.Await(aw)
		if err != nil {
			return nil, err
		}
		defer f.Release(v)
		return f.Host(v)
	})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	assert.Equal(t, "first", res[0].Value)

	err = ext.Relay().Complete(relay.Handle(h), "second")
	assert.Equal(t, errors.KindProtocol, errors.KindOf(err))
}

func TestTaskFailureRaisesRuntimeError(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	_, err := ext.Submit(func(ctx context.Context) (any, error) {
		return nil, stderrors.New("backend unavailable")
	})
	require.NoError(t, err)
	_, err = ext.Submit(func(ctx context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	res, err := s.RunUntilComplete(loopCtx(t), awaitNext("pybridge"), awaitNext("pybridge"))
	require.NoError(t, err)
	for i, r := range res {
		require.Error(t, r.Err, "script %d", i)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, r.Err))
	}
	assert.Contains(t, res[0].Err.Error(), "backend unavailable")
	assert.Contains(t, res[1].Err.Error(), "boom")
}

func TestImportIsSingleton(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	require.NoError(t, s.Do(func(f *sim.Frame) error {
		a, err := f.Import("pybridge")
		require.NoError(t, err)
		b, err := f.Import("pybridge")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Equal(t, ext.Module().Object, a)

		typ, err := f.GetAttr(a, "Awaitable")
		require.NoError(t, err)
		assert.Equal(t, ext.Bridge().Type().Object, typ)
		f.Release(typ, a, b)
		return nil
	}))

	_, err := New(context.Background(), s, ext.Config())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestCanaryAndHandleRoundTrip(t *testing.T) {
	s := newInterp(t, "")
	newExtension(t, s, "")

	require.NoError(t, s.Do(func(f *sim.Frame) error {
		mod, err := f.Import("pybridge")
		require.NoError(t, err)
		defer f.Release(mod)
		aw, err := f.Call(mod, "Awaitable")
		require.NoError(t, err)
		defer f.Release(aw)

		c, err := f.Call(aw, "canary")
		require.NoError(t, err)
		v, err := f.Host(c)
		require.NoError(t, err)
		assert.Equal(t, int64(bridge.CanaryValue), v)
		f.Release(c)

		h, err := f.Call(aw, "handle")
		require.NoError(t, err)
		v, err = f.Host(h)
		require.NoError(t, err)
		assert.Nil(t, v)
		f.Release(h)

		arg, err := f.Value(int64(1234))
		require.NoError(t, err)
		none, err := f.Call(aw, "set_handle", arg)
		require.NoError(t, err)
		f.Release(none)

		h, err = f.Call(aw, "handle")
		require.NoError(t, err)
		v, err = f.Host(h)
		require.NoError(t, err)
		assert.Equal(t, int64(1234), v)
		f.Release(h)

		_, err = f.Call(aw, "set_handle", arg)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		f.Release(arg)

		st, err := f.GetAttr(aw, "state")
		require.NoError(t, err)
		v, err = f.Host(st)
		require.NoError(t, err)
		assert.Equal(t, "pending", v)
		f.Release(st)

		// nothing is armed for 1234
		_, err = f.Await(aw)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		return nil
	}))
}

func TestResultRoundTrip(t *testing.T) {
	s := newInterp(t, "")
	newExtension(t, s, "")

	require.NoError(t, s.Do(func(f *sim.Frame) error {
		mod, err := f.Import("pybridge")
		require.NoError(t, err)
		defer f.Release(mod)
		aw, err := f.Call(mod, "Awaitable")
		require.NoError(t, err)
		defer f.Release(aw)

		done, err := f.GetAttr(aw, "done")
		require.NoError(t, err)
		v, err := f.Host(done)
		require.NoError(t, err)
		assert.Equal(t, false, v)
		f.Release(done)

		val, err := f.Value(map[string]any{"answer": int64(42)})
		require.NoError(t, err)
		none, err := f.Call(aw, "set_result", val)
		require.NoError(t, err)
		f.Release(none, val)

		r, err := f.Call(aw, "result")
		require.NoError(t, err)
		v, err = f.Host(r)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"answer": int64(42)}, v)
		f.Release(r)

		out, err := f.Await(aw)
		require.NoError(t, err)
		v, err = f.Host(out)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"answer": int64(42)}, v)
		f.Release(out)

		st, err := f.GetAttr(aw, "state")
		require.NoError(t, err)
		v, err = f.Host(st)
		require.NoError(t, err)
		assert.Equal(t, "consumed", v)
		f.Release(st)

		// set_result after the await replaces the value and stays consumed
		later, err := f.Value("later")
		require.NoError(t, err)
		none, err = f.Call(aw, "set_result", later)
		require.NoError(t, err)
		f.Release(none, later)
		r, err = f.Call(aw, "result")
		require.NoError(t, err)
		v, err = f.Host(r)
		require.NoError(t, err)
		assert.Equal(t, "later", v)
		f.Release(r)
		again, err := f.Await(aw)
		require.NoError(t, err)
		assert.Equal(t, s.None(), again)
		return nil
	}))
}

func TestTwoModulesAreTypeSafe(t *testing.T) {
	s := newInterp(t, "")
	alpha := newExtension(t, s, "alpha")
	beta := newExtension(t, s, "beta")
	require.NotEqual(t, alpha.Bridge().Type().Object, beta.Bridge().Type().Object)
	assert.Equal(t, "alpha.Awaitable", alpha.Bridge().Type().QualName)

	require.NoError(t, s.Do(func(f *sim.Frame) error {
		a, err := f.New(alpha.Bridge().Type().Object)
		require.NoError(t, err)
		defer f.Release(a)
		b, err := f.New(beta.Bridge().Type().Object)
		require.NoError(t, err)
		defer f.Release(b)

		_, err = f.CallUnbound(beta.Bridge().Type().Object, "canary", a)
		assert.Equal(t, interp.ExcTypeError, excKind(t, err))
		_, err = f.GetAttrOf(alpha.Bridge().Type().Object, "state", b)
		assert.Equal(t, interp.ExcTypeError, excKind(t, err))

		c, err := f.CallUnbound(alpha.Bridge().Type().Object, "canary", a)
		require.NoError(t, err)
		f.Release(c)

		assert.Equal(t, errors.KindTypeMismatch, errors.KindOf(alpha.Bridge().Check(b)))
		assert.Equal(t, errors.KindTypeMismatch, errors.KindOf(beta.Bridge().Publish(a, s.None())))
		return nil
	}))
}

func TestDestroyingPendingAwaitableCancelsTask(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	cancelled := make(chan struct{})
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		aw, err := ext.NewAwaitable(context.Background(), func(ctx context.Context) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return "late", nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, ext.Relay().Pending())
		f.Release(aw)
		return nil
	}))

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not cancelled")
	}
	assert.Equal(t, 0, ext.Relay().Pending())
}

func TestAwaitOutsideLoopWouldBlock(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		aw, err := ext.NewAwaitable(context.Background(), func(ctx context.Context) (any, error) {
			<-gate
			return nil, nil
		})
		require.NoError(t, err)
		defer f.Release(aw)
		_, err = f.Await(aw)
		assert.ErrorIs(t, err, sim.ErrWouldBlock)
		return nil
	}))
}

func TestModuleFunctionErrors(t *testing.T) {
	s := newInterp(t, "")
	newExtension(t, s, "")

	require.NoError(t, s.Do(func(f *sim.Frame) error {
		mod, err := f.Import("pybridge")
		require.NoError(t, err)
		defer f.Release(mod)

		_, err = f.Call(mod, "make_awaitable")
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))

		arg, err := f.Value("seven")
		require.NoError(t, err)
		_, err = f.Call(mod, "awaitable_for", arg)
		assert.Equal(t, interp.ExcTypeError, excKind(t, err))
		f.Release(arg)

		arg, err = f.Value(int64(999))
		require.NoError(t, err)
		_, err = f.Call(mod, "awaitable_for", arg)
		assert.Error(t, err)
		f.Release(arg)

		_, err = f.Call(mod, "make_awaitable", mod)
		assert.Equal(t, interp.ExcTypeError, excKind(t, err))
		return nil
	}))
}

func TestCloseCancelsOutstandingTasks(t *testing.T) {
	s := newInterp(t, "")
	cfg := config.Default()
	ext, err := New(context.Background(), s, cfg)
	require.NoError(t, err)

	cancelled := make(chan struct{})
	require.NoError(t, s.Do(func(f *sim.Frame) error {
		aw, err := ext.NewAwaitable(context.Background(), func(ctx context.Context) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		})
		require.NoError(t, err)
		// kept alive past Close on purpose; released below
		t.Cleanup(func() { _ = s.Do(func(f *sim.Frame) error { f.Release(aw); return nil }) })
		return nil
	}))
	_, err = ext.Submit(func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ext.Close(ctx))
	<-cancelled
	// the queued task is gone; the live instance keeps its handle until destroyed
	assert.Equal(t, 1, ext.Relay().Pending())

	_, err = ext.Submit(func(ctx context.Context) (any, error) { return nil, nil })
	assert.Equal(t, errors.KindClosed, errors.KindOf(err))
}

func TestHandleCannotBeAliased(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	gate := make(chan struct{})
	_, err := ext.Submit(func(ctx context.Context) (any, error) {
		select {
		case <-gate:
			return 42, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.NoError(t, err)
	queued, err := ext.Submit(func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	res, err := s.RunUntilComplete(loopCtx(t), func(f *sim.Frame) (any, error) {
		mod, err := f.Import("pybridge")
		if err != nil {
			return nil, err
		}
		defer f.Release(mod)
		a, err := f.Call(mod, "make_awaitable")
		if err != nil {
			return nil, err
		}
		defer f.Release(a)
		h, err := f.Call(a, "handle")
		if err != nil {
			return nil, err
		}
		defer f.Release(h)

		// a copy of an armed handle
		b, err := f.Call(mod, "Awaitable")
		if err != nil {
			return nil, err
		}
		_, err = f.Call(b, "set_handle", h)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		f.Release(b)

		// a handle reserved for a task nobody bound yet
		c, err := f.Call(mod, "Awaitable")
		if err != nil {
			return nil, err
		}
		qh, err := f.Value(int64(queued))
		if err != nil {
			return nil, err
		}
		_, err = f.Call(c, "set_handle", qh)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		f.Release(qh, c)

		close(gate)
		v, err := f.Await(a)
		if err != nil {
			return nil, err
		}
		defer f.Release(v)
		return f.Host(v)
	})
	require.NoError(t, err)
	require.NoError(t, res[0].Err)
	assert.Equal(t, int64(42), res[0].Value)
}

func TestForeignHandleNeverResolves(t *testing.T) {
	s := newInterp(t, "")
	ext := newExtension(t, s, "")

	require.NoError(t, s.Do(func(f *sim.Frame) error {
		aw, err := f.New(ext.Bridge().Type().Object)
		require.NoError(t, err)
		defer f.Release(aw)
		h, err := f.Value(int64(999))
		require.NoError(t, err)
		defer f.Release(h)

		none, err := f.Call(aw, "set_handle", h)
		require.NoError(t, err)
		f.Release(none)
		_, err = f.Await(aw)
		assert.Equal(t, interp.ExcRuntimeError, excKind(t, err))
		return nil
	}))
	assert.Equal(t, 0, ext.Relay().Pending())
}
