// Package pybridge builds CPython extension modules at run time, from Go, and
// lets interpreter code await Go work.
//
// No shared object is compiled or loaded. The module definition, the type
// object, its method, property and async tables are written byte-for-byte in
// the layout of the interpreter generation detected at startup, registered in
// the live module table, and from then on are indistinguishable from a native
// extension.
//
// # Architecture Overview
//
//	pybridge/            Root package with Memory and Allocator interfaces
//	├── abi/             Per-generation layouts, constants, descriptor encoders
//	├── interp/          Backend surface (API), entry points, handler registry
//	├── builder/         Module Builder and Type Builder
//	├── bridge/          Awaitable bridge object and its await protocol
//	├── relay/           Cross-runtime completion relay and correlation table
//	├── runtime/         High-level Extension wiring everything together
//	├── sim/             Reference interpreter over a wazero linear memory
//	├── cpython/         libpython backend (build tag "cpython")
//	├── config/          TOML configuration, validation and JSON schema
//	├── errors/          Structured error types
//	└── cmd/pybridge/    Layout dump, demo and interactive console
//
// # Quick Start
//
//	api, err := sim.New(ctx, sim.Options{Version: "3.12.4"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer api.Close(ctx)
//
//	ext, err := runtime.New(ctx, api, config.Default())
//	if err != nil {
//	    log.Fatal(err) // ABI mismatch or registration failure
//	}
//	defer ext.Close(ctx)
//
//	ext.Submit(func(ctx context.Context) (any, error) {
//	    return 42, nil
//	})
//
// Interpreter side:
//
//	import pybridge
//	result = await pybridge.make_awaitable()   # 42
//
// # Thread Safety
//
// Interpreter memory is only touched while holding the interpreter's execution
// lock. Host tasks run on their own goroutines; their results are marshalled
// back under the lock by the relay. Native entry points never block.
package pybridge
