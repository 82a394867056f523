// Package relay delivers host task completions into bridge instances.
//
// A completion crosses from an arbitrary goroutine onto the interpreter's
// single logical thread in a fixed handshake:
//
//	h, _ := r.Reserve()            // fresh, never reused
//	r.Arm(h, instance, cancel)     // before any completion
//	...
//	r.Complete(h, value)           // any goroutine:
//	                               //   Ensure (execution lock)
//	                               //   look up h
//	                               //   FromHost(value)
//	                               //   Target.Publish: pending -> resolved
//	                               //   release, Wake
//
// Completing a handle twice, completing an unknown handle, and completing
// before Arm are rejected with errors.KindProtocol. The relay never holds
// the execution lock while waiting on host work.
//
// When a pending instance is destroyed its handle is abandoned: the task's
// cancel function runs and a late completion is dropped with an
// errors.KindClosed error.
//
// Observers receive EventReserved, EventArmed, EventCompleted, EventFailed,
// EventRejected and EventAbandoned.
package relay
