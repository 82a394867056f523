// Package interp is the provider surface between the bridge and a concrete
// interpreter.
//
// A backend (the cgo binding in package cpython, or the reference
// interpreter in package sim) implements API. Native entry points are a
// fixed set of trampolines addressed by (EntryKind, index); each backend
// routes them to the Dispatch functions, which find the Go handlers bound
// in the backend's Registry:
//
//	interpreter ──calls──> trampoline(kind, index)
//	                           │
//	                           ▼
//	                 DispatchMethod(api, index, self, arg)
//	                           │ Registry lookup: self, then ob_type(self)
//	                           ▼
//	                 Handlers.Methods[index](self, arg)
//
// Handler errors become interpreter exceptions: *Exception keeps its kind,
// errors.KindTypeMismatch becomes TypeError, anything else RuntimeError.
// *StopIteration and ErrExhausted implement the iterator protocol.
package interp
