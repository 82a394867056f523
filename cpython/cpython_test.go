//go:build cpython

package cpython

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/runtime"
)

// A process embeds one interpreter, so every check shares it and
// finalization runs last.
func TestBridgeOnLibpython(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	ctx := context.Background()
	s, err := New(ctx)
	require.NoError(t, err)
	defer s.Close(ctx)

	cfg := config.Default()
	cfg.Interpreter.Backend = config.BackendCPython
	ext, err := runtime.New(ctx, s, cfg)
	require.NoError(t, err)
	defer ext.Close(ctx)

	require.NoError(t, s.RunString(`
import asyncio
import pybridge

async def wait(aw):
    return await aw
`))

	t.Run("end to end", func(t *testing.T) {
		_, err := ext.Submit(func(ctx context.Context) (any, error) { return 42, nil })
		require.NoError(t, err)
		require.NoError(t, s.RunString(`
assert pybridge.Awaitable().canary() == 0xCAFE
result = asyncio.run(wait(pybridge.make_awaitable()))
assert result == 42, result
`))
	})

	t.Run("descriptor type check", func(t *testing.T) {
		err := s.RunString("pybridge.Awaitable.canary(object())")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TypeError")
	})

	t.Run("complete once", func(t *testing.T) {
		h, err := ext.Submit(func(ctx context.Context) (any, error) { return 7, nil })
		require.NoError(t, err)
		require.NoError(t, s.RunString(`
once = pybridge.make_awaitable()
assert asyncio.run(wait(once)) == 7
`))
		err = ext.Relay().Complete(h, 8)
		assert.Equal(t, errors.KindProtocol, errors.KindOf(err))
		require.NoError(t, s.RunString(`
assert once.result() == 7, once.result()
assert once.state == "consumed", once.state
`))
	})

	t.Run("interleaved awaits", func(t *testing.T) {
		gate := make(chan struct{})
		_, err := ext.Submit(func(ctx context.Context) (any, error) {
			select {
			case <-gate:
				return 1, nil
			case <-time.After(10 * time.Second):
				return nil, stderrors.New("second awaitable never started")
			}
		})
		require.NoError(t, err)
		_, err = ext.Submit(func(ctx context.Context) (any, error) {
			close(gate)
			return 2, nil
		})
		require.NoError(t, err)
		require.NoError(t, s.RunString(`
async def interleaved():
    first = pybridge.make_awaitable()
    async def second():
        await asyncio.sleep(0.01)
        return await pybridge.make_awaitable()
    return await asyncio.gather(wait(first), second())

got = asyncio.run(interleaved())
assert got == [1, 2], got
`))
	})

	t.Run("armed handle cannot be aliased", func(t *testing.T) {
		_, err := ext.Submit(func(ctx context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return 42, nil
		})
		require.NoError(t, err)
		require.NoError(t, s.RunString(`
owner = pybridge.make_awaitable()
alias = pybridge.Awaitable()
try:
    alias.set_handle(owner.handle())
except RuntimeError:
    pass
else:
    raise AssertionError("second instance bound an armed handle")
assert alias.state == "created", alias.state
del alias
assert asyncio.run(wait(owner)) == 42
`))
	})

	t.Run("finalize with live instances", func(t *testing.T) {
		_, err := ext.Submit(func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.NoError(t, err)
		require.NoError(t, s.RunString(`
keep = pybridge.Awaitable()
keep.set_result(1)
held = pybridge.make_awaitable()
`))
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, ext.Close(closeCtx))
		require.NoError(t, s.Close(closeCtx))

		assert.Zero(t, logs.FilterMessage("panic in native entry").Len())
		assert.Zero(t, logs.FilterMessage("native entry called with no backend attached").Len())
	})
}
