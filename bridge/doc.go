// Package bridge implements the awaitable bridge type: a native instance
// that interpreter code can await while a Go task runs.
//
// Instance layout, after the object header:
//
//	handle  uint64   correlation handle, 0 when unset
//	result  ptr      owned reference, NULL when absent
//	state   uint32   created | pending | resolved | consumed
//
// The interpreter sees canary(), handle(), set_handle(h), result(),
// set_result(v), and the read-only properties state and done. The type is
// its own iterator; advancing it follows the state:
//
//	created   RuntimeError, there is no task to wait for
//	pending   None ("not yet") while the handle is armed, else RuntimeError
//	resolved  StopIteration(result), then consumed
//	consumed  exhausted
//
// Completions arrive through Publish and Fail, called by the relay with
// the execution lock held.
package bridge
