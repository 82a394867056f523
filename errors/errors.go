package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDescribe Phase = "describe" // ABI layout selection
	PhaseBuild    Phase = "build"    // module and type construction
	PhaseReady    Phase = "ready"    // type readying and attachment
	PhaseDispatch Phase = "dispatch" // native entry invoked by the interpreter
	PhaseRelay    Phase = "relay"    // host completion delivery
	PhaseAwait    Phase = "await"    // await protocol advancement
	PhaseConfig   Phase = "config"   // configuration loading
	PhaseRuntime  Phase = "runtime"  // extension lifecycle
	PhaseMemory   Phase = "memory"   // interpreter memory access
)

// Kind categorizes the error
type Kind string

const (
	KindABIMismatch  Kind = "abi_mismatch"
	KindRegistration Kind = "registration"
	KindAllocation   Kind = "allocation"
	KindProtocol     Kind = "protocol"
	KindTypeMismatch Kind = "type_mismatch"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindUnsupported  Kind = "unsupported"
	KindClosed       Kind = "closed"
	KindInterpreter  Kind = "interpreter"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Generation string
	Detail     string
	Path       []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Generation != "" {
		b.WriteString(" (")
		b.WriteString(e.Generation)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether the error leaves the extension unusable.
// ABI mismatches, registration failures and descriptor allocation failures
// happen once at startup and have no degraded mode.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindABIMismatch, KindRegistration, KindAllocation:
		return true
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Generation sets the ABI generation the error relates to
func (b *Builder) Generation(g string) *Builder {
	b.err.Generation = g
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// IsFatal reports whether err or any error it wraps is a fatal *Error.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Fatal()
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Must panics if err is fatal and returns v otherwise.
// Hosts that treat startup failures as process aborts wrap constructors with it.
func Must[T any](v T, err error) T {
	if err != nil && IsFatal(err) {
		panic(err)
	}
	return v
}

// Convenience constructors for common error patterns

// ABIMismatch creates an unsupported interpreter ABI error
func ABIMismatch(version, detail string) *Error {
	return &Error{
		Phase:      PhaseDescribe,
		Kind:       KindABIMismatch,
		Generation: version,
		Detail:     detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, what, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s %q", what, name),
		Cause:  cause,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// Protocol creates a protocol-usage error
func Protocol(phase Phase, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindProtocol,
		Detail: detail,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, expected, actual string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Detail: fmt.Sprintf("expected %s, got %s", expected, actual),
	}
}

// OutOfBounds creates an out of bounds memory access error
func OutOfBounds(addr, length uint64) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access out of bounds: addr=%#x, length=%d", addr, length),
		Value:  addr,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Closed creates an error for operations on a closed component
func Closed(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", component),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
