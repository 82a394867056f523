// Package errors provides structured error types for the pybridge module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the field path, the ABI generation involved, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDescribe, errors.KindABIMismatch).
//		Path("PyTypeObject", "tp_watched").
//		Generation("3.14.0").
//		Detail("no descriptor for this interpreter").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Protocol(errors.PhaseRelay, "handle %d completed twice", h)
//	err := errors.Registration(errors.PhaseReady, "type", "pybridge.Awaitable", cause)
//
// ABI mismatches, registration failures and descriptor allocation failures are
// fatal: (*Error).Fatal reports true and Must panics on them. Everything else is
// recoverable and is surfaced to interpreter code as an exception.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
