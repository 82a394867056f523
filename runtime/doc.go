// Package runtime wires a native module, its bridge type and the completion
// relay into one Extension.
//
// # Quick Start
//
//	s, err := sim.New(ctx, sim.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
//
//	ext, err := runtime.New(ctx, s, config.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ext.Close(ctx)
//
//	ext.Submit(func(ctx context.Context) (any, error) {
//	    return 42, nil
//	})
//
// Interpreter code then runs
//
//	import pybridge
//	value = await pybridge.make_awaitable()
//
// make_awaitable binds the oldest submitted task; awaitable_for(handle)
// binds a specific one. Host code holding the execution lock can create an
// armed awaitable directly with NewAwaitable.
//
// # Tasks
//
// A Task runs on its own goroutine, never under the execution lock. Its
// result crosses back through the relay, which takes the lock only for the
// publish step. If the awaitable is destroyed first, the task's context is
// cancelled and its result is dropped.
package runtime
