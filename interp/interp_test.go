package interp

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/pybridge/errors"
)

// stubAPI implements the calls dispatch makes; anything else panics on the
// nil embedded interface.
type stubAPI struct {
	API
	reg      *Registry
	types    map[Object]Object
	excKind  ExcKind
	excMsg   string
	stopped  Object
	decrefed []Object
}

func newStub() *stubAPI {
	return &stubAPI{reg: NewRegistry(), types: make(map[Object]Object)}
}

func (s *stubAPI) Registry() *Registry             { return s.reg }
func (s *stubAPI) TypeOf(o Object) Object          { return s.types[o] }
func (s *stubAPI) SetError(kind ExcKind, m string) { s.excKind, s.excMsg = kind, m }
func (s *stubAPI) SetStopIteration(v Object)       { s.stopped = v }
func (s *stubAPI) DecRef(o Object)                 { s.decrefed = append(s.decrefed, o) }

func TestRegistryBind(t *testing.T) {
	r := NewRegistry()
	h := &Handlers{Name: "m"}
	require.NoError(t, r.Bind(0x1000, h))
	got, ok := r.Lookup(0x1000)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Len())

	err := r.Bind(0x1000, &Handlers{Name: "again"})
	assert.Equal(t, errors.KindRegistration, errors.KindOf(err))
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(r.Bind(0, h)))

	many := &Handlers{Name: "wide", Methods: make([]MethodFunc, MaxMethods+1)}
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(r.Bind(0x2000, many)))
	props := &Handlers{Name: "props", Getters: make([]GetterFunc, MaxProperties+1)}
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(r.Bind(0x3000, props)))
}

func TestExcKindFor(t *testing.T) {
	tests := []struct {
		err  error
		want ExcKind
	}{
		{errors.Protocol(errors.PhaseAwait, "x"), ExcRuntimeError},
		{errors.TypeMismatch(errors.PhaseDispatch, "a", "b"), ExcTypeError},
		{errors.InvalidInput(errors.PhaseDispatch, "x"), ExcValueError},
		{errors.NotFound(errors.PhaseRuntime, "handle", "9"), ExcAttributeError},
		{&Exception{Kind: ExcModuleNotFoundError}, ExcModuleNotFoundError},
		{fmt.Errorf("wrapped: %w", &Exception{Kind: ExcTypeError}), ExcTypeError},
		{stderrors.New("plain"), ExcRuntimeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExcKindFor(tt.err), "%v", tt.err)
	}
}

func TestRaise(t *testing.T) {
	api := newStub()
	assert.True(t, Raise(api, &Exception{Kind: ExcTypeError, Message: "bad arg"}).IsNull())
	assert.Equal(t, ExcTypeError, api.excKind)
	assert.Equal(t, "bad arg", api.excMsg)

	Raise(api, errors.Protocol(errors.PhaseAwait, "never armed"))
	assert.Equal(t, ExcRuntimeError, api.excKind)
	assert.Contains(t, api.excMsg, "never armed")

	Raise(api, &StopIteration{Value: 0x5000})
	assert.Equal(t, Object(0x5000), api.stopped)
	assert.Equal(t, []Object{0x5000}, api.decrefed)

	api.excKind = 0
	Raise(api, ErrExhausted)
	assert.Zero(t, api.excKind)
}

func TestDispatchResolvesOwner(t *testing.T) {
	api := newStub()
	const (
		module   Object = 0x1000
		typ      Object = 0x2000
		instance Object = 0x3000
	)
	api.types[instance] = typ

	var calls []string
	require.NoError(t, api.reg.Bind(module, &Handlers{
		Name: "mod",
		Methods: []MethodFunc{func(self, arg Object) (Object, error) {
			calls = append(calls, "module")
			return 0x10, nil
		}},
	}))
	require.NoError(t, api.reg.Bind(typ, &Handlers{
		Name: "Type",
		Methods: []MethodFunc{func(self, arg Object) (Object, error) {
			calls = append(calls, "instance")
			return arg, nil
		}},
		Getters: []GetterFunc{func(self Object) (Object, error) {
			return 0, errors.TypeMismatch(errors.PhaseDispatch, "Type", "other")
		}},
		Setters: []SetterFunc{func(self, value Object) error { return nil }},
	}))

	assert.Equal(t, Object(0x10), DispatchMethod(api, 0, module, 0))
	assert.Equal(t, Object(0x20), DispatchMethod(api, 0, instance, 0x20))
	assert.Equal(t, []string{"module", "instance"}, calls)

	assert.True(t, DispatchMethod(api, 3, instance, 0).IsNull())
	assert.Equal(t, ExcRuntimeError, api.excKind)

	assert.True(t, DispatchGetter(api, 0, instance).IsNull())
	assert.Equal(t, ExcTypeError, api.excKind)

	assert.Equal(t, 0, DispatchSetter(api, 0, instance, 0x30))
	assert.Equal(t, -1, DispatchSetter(api, 1, instance, 0x30))
	assert.Equal(t, ExcAttributeError, api.excKind)

	assert.True(t, DispatchUnary(api, SlotAwait, instance).IsNull())
	assert.Equal(t, ExcRuntimeError, api.excKind)
}

func TestEntryTables(t *testing.T) {
	assert.Equal(t, MaxMethods, EntryCount(EntryMethod))
	assert.Equal(t, UnarySlots, EntryCount(EntryUnary))
	assert.Equal(t, 1, EntryCount(EntryNew))
	assert.True(t, ValidEntry(EntryGetter, MaxProperties-1))
	assert.False(t, ValidEntry(EntryGetter, MaxProperties))
	assert.False(t, ValidEntry(EntryKind(0), 0))
	assert.Equal(t, "tp_iternext", SlotIterNext.String())
	assert.Equal(t, "TypeError: x", (&Exception{Kind: ExcTypeError, Message: "x"}).Error())
}
