package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:      PhaseDescribe,
				Kind:       KindABIMismatch,
				Path:       []string{"PyTypeObject", "tp_flags"},
				Generation: "3.14.0",
				Detail:     "unsupported",
			},
			contains: []string{"[describe]", "abi_mismatch", "PyTypeObject.tp_flags", "3.14.0", "unsupported"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseMemory,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[memory]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseBuild,
				Kind:   KindAllocation,
				Detail: "heap full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[build]", "allocation", "heap full", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseRelay,
		Kind:  KindProtocol,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseRelay,
		Kind:  KindProtocol,
		Path:  []string{"handle"},
	}

	if !err.Is(&Error{Phase: PhaseRelay, Kind: KindProtocol}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseAwait, Kind: KindProtocol}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseRelay, Kind: KindNotFound}) {
		t.Error("Is should not match different kind")
	}
	if !errors.Is(err, &Error{Phase: PhaseRelay, Kind: KindProtocol}) {
		t.Error("errors.Is should match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseBuild, KindRegistration).
		Path("pybridge", "Awaitable").
		Generation("3.12").
		Value(7).
		Cause(cause).
		Detail("slot %s rejected", "tp_new").
		Build()

	if err.Phase != PhaseBuild {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseBuild)
	}
	if err.Kind != KindRegistration {
		t.Errorf("Kind = %v, want %v", err.Kind, KindRegistration)
	}
	if len(err.Path) != 2 || err.Path[1] != "Awaitable" {
		t.Errorf("Path = %v", err.Path)
	}
	if err.Generation != "3.12" {
		t.Errorf("Generation = %q", err.Generation)
	}
	if err.Value != 7 {
		t.Errorf("Value = %v", err.Value)
	}
	if err.Detail != "slot tp_new rejected" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable")
	}
}

func TestFatal(t *testing.T) {
	fatal := []Kind{KindABIMismatch, KindRegistration, KindAllocation}
	for _, k := range fatal {
		if !(&Error{Kind: k}).Fatal() {
			t.Errorf("%s should be fatal", k)
		}
	}
	recoverable := []Kind{KindProtocol, KindTypeMismatch, KindNotFound, KindClosed}
	for _, k := range recoverable {
		if (&Error{Kind: k}).Fatal() {
			t.Errorf("%s should not be fatal", k)
		}
	}

	wrapped := Wrap(PhaseRuntime, KindInvalidInput, ABIMismatch("3.14.0", "no layout"), "start")
	if wrapped.Fatal() {
		t.Error("outer error kind is not fatal")
	}
	if !IsFatal(errors.Join(errors.New("x"), ABIMismatch("2.7", "no layout"))) {
		t.Error("IsFatal should find a fatal error in the chain")
	}
	if IsFatal(errors.New("plain")) {
		t.Error("plain errors are not fatal")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(Protocol(PhaseRelay, "handle %d completed twice", 3)); got != KindProtocol {
		t.Errorf("KindOf = %q", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q", got)
	}
}

func TestMust(t *testing.T) {
	if v := Must(5, Protocol(PhaseAwait, "not fatal")); v != 5 {
		t.Errorf("Must returned %d", v)
	}

	defer func() {
		if recover() == nil {
			t.Error("Must should panic on fatal errors")
		}
	}()
	Must(0, Registration(PhaseReady, "type", "Awaitable", nil))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err   *Error
		phase Phase
		kind  Kind
	}{
		{ABIMismatch("3.7.1", "too old"), PhaseDescribe, KindABIMismatch},
		{Registration(PhaseBuild, "module", "m", nil), PhaseBuild, KindRegistration},
		{AllocationFailed(PhaseBuild, 408, 8), PhaseBuild, KindAllocation},
		{Protocol(PhaseRelay, "x"), PhaseRelay, KindProtocol},
		{TypeMismatch(PhaseDispatch, "a.Awaitable", "b.Awaitable"), PhaseDispatch, KindTypeMismatch},
		{OutOfBounds(0x10, 8), PhaseMemory, KindOutOfBounds},
		{NotFound(PhaseRuntime, "module", "m"), PhaseRuntime, KindNotFound},
		{InvalidInput(PhaseConfig, "x"), PhaseConfig, KindInvalidInput},
		{Unsupported(PhaseDescribe, "x"), PhaseDescribe, KindUnsupported},
		{Closed(PhaseRelay, "relay"), PhaseRelay, KindClosed},
	}
	for _, tt := range tests {
		if tt.err.Phase != tt.phase || tt.err.Kind != tt.kind {
			t.Errorf("%v: got [%s] %s", tt.err, tt.err.Phase, tt.err.Kind)
		}
	}
}
