package interp

import (
	stderrors "errors"
	"fmt"

	"github.com/wippyai/pybridge/errors"
)

// ExcKind names the interpreter exception types the bridge raises.
type ExcKind uint8

const (
	ExcRuntimeError ExcKind = iota + 1
	ExcTypeError
	ExcStopIteration
	ExcAttributeError
	ExcModuleNotFoundError
	ExcValueError
)

var excNames = map[ExcKind]string{
	ExcRuntimeError:        "RuntimeError",
	ExcTypeError:           "TypeError",
	ExcStopIteration:       "StopIteration",
	ExcAttributeError:      "AttributeError",
	ExcModuleNotFoundError: "ModuleNotFoundError",
	ExcValueError:          "ValueError",
}

func (k ExcKind) String() string {
	if s, ok := excNames[k]; ok {
		return s
	}
	return fmt.Sprintf("exception(%d)", uint8(k))
}

// Exception is an interpreter exception observed from Go.
type Exception struct {
	Message string
	Kind    ExcKind
	Value   any
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// StopIteration is returned by an advance handler to finish iteration with
// a value. Value is a new reference handed to the interpreter.
type StopIteration struct {
	Value Object
}

func (s *StopIteration) Error() string { return "StopIteration" }

// ErrExhausted is returned by an advance handler for an iterator that has
// already finished: the slot returns NULL without setting an exception.
var ErrExhausted = stderrors.New("iterator exhausted")

// ExcKindFor maps a handler error onto the exception raised for it.
// Protocol misuse becomes RuntimeError, type mismatches TypeError.
func ExcKindFor(err error) ExcKind {
	var exc *Exception
	if stderrors.As(err, &exc) {
		return exc.Kind
	}
	switch errors.KindOf(err) {
	case errors.KindTypeMismatch:
		return ExcTypeError
	case errors.KindInvalidInput:
		return ExcValueError
	case errors.KindNotFound:
		return ExcAttributeError
	}
	return ExcRuntimeError
}

// Raise sets the exception for err on api and returns NULL, the value a
// failing slot hands back to the interpreter.
func Raise(api API, err error) Object {
	var stop *StopIteration
	switch {
	case stderrors.As(err, &stop):
		api.SetStopIteration(stop.Value)
		if !stop.Value.IsNull() {
			api.DecRef(stop.Value)
		}
		return 0
	case stderrors.Is(err, ErrExhausted):
		return 0
	}
	msg := err.Error()
	var exc *Exception
	if stderrors.As(err, &exc) {
		msg = exc.Message
	}
	api.SetError(ExcKindFor(err), msg)
	return 0
}
