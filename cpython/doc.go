// Package cpython is the libpython backend of interp.API. It is built only
// with the "cpython" build tag and links against python3-embed through
// pkg-config:
//
//	go build -tags cpython ./...
//
// Descriptor memory comes from PyMem_RawCalloc and is never freed once the
// interpreter has seen it. Native entry points are fixed C trampolines that
// call back into Go through the handler registry; the GIL is taken with
// PyGILState_Ensure on a locked OS thread.
//
// The interpreter's own event loop drives awaiting. A pending awaitable
// yields None, which asyncio treats as a request to be rescheduled, so Wake
// has nothing to do.
package cpython
