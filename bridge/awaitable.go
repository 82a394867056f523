package bridge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/builder"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// Tracker is the correlation table as seen from an instance. Every call
// names the instance so one instance can never act on another's handle.
type Tracker interface {
	// Armed reports whether a completion for handle can still arrive at
	// instance.
	Armed(handle int64, instance interp.Object) bool
	// Bind vets an interpreter-side set_handle. It rejects handles already
	// correlated with a different instance.
	Bind(handle int64, instance interp.Object) error
	// Abandon is called when a pending instance is destroyed. It retires
	// handle only if handle is armed for instance.
	Abandon(handle int64, instance interp.Object)
}

// Options configure the bridge type.
type Options struct {
	Tracker Tracker
	Name    string
	Doc     string
}

// Awaitable is the native bridge type. Its methods run with the execution
// lock held, either from interpreter entry points or from the relay.
type Awaitable struct {
	api      interp.API
	tracker  Tracker
	typ      *builder.Type
	layout   *abi.Layout
	failures map[interp.Object]error
	mu       sync.Mutex
}

// Layout is the instance record: the object header, a handle (0 when
// unset), an owned result reference and the state.
func Layout(d *abi.Descriptor, name string) *abi.Layout {
	return d.Instance(name,
		abi.Field{Name: "handle", Scalar: abi.U64},
		abi.Field{Name: "result", Scalar: abi.Ptr},
		abi.Field{Name: "state", Scalar: abi.U32},
	)
}

// New builds the bridge type into mod. Must be called with the execution
// lock held.
func New(api interp.API, mod *builder.Module, opts Options) (*Awaitable, error) {
	if opts.Name == "" {
		opts.Name = "Awaitable"
	}
	a := &Awaitable{
		api:      api,
		tracker:  opts.Tracker,
		layout:   Layout(api.ABI(), opts.Name),
		failures: make(map[interp.Object]error),
	}

	typ, err := builder.BuildType(api, mod, builder.TypeSpec{
		Name:   opts.Name,
		Doc:    opts.Doc,
		Layout: a.layout,
		Methods: []builder.Method{
			{Name: "canary", Conv: builder.NoArgs, Func: a.canary, Doc: "Return the bridge canary constant."},
			{Name: "handle", Conv: builder.NoArgs, Func: a.handle, Doc: "Return the correlation handle, or None."},
			{Name: "set_handle", Conv: builder.OneArg, Func: a.setHandle, Doc: "Bind the instance to a correlation handle."},
			{Name: "result", Conv: builder.NoArgs, Func: a.result, Doc: "Return the stored result, or None."},
			{Name: "set_result", Conv: builder.OneArg, Func: a.setResult, Doc: "Store a result and mark the instance resolved."},
		},
		Properties: []builder.Property{
			{Name: "state", Get: a.stateProp, Doc: "Lifecycle state name."},
			{Name: "done", Get: a.doneProp, Doc: "True once a result is available."},
		},
		Await:    a.self,
		Iter:     a.self,
		IterNext: a.advance,
		New:      a.newInstance,
		Alloc:    a.alloc,
		Dealloc:  a.dealloc,
	})
	if err != nil {
		return nil, err
	}
	a.typ = typ
	return a, nil
}

// Type returns the built type.
func (a *Awaitable) Type() *builder.Type { return a.typ }

// Instance creates an instance as Type() would. Lock held.
func (a *Awaitable) Instance() (interp.Object, error) {
	return a.newInstance(a.typ.Object, 0, 0)
}

// Check reports whether o is an instance of this bridge type.
func (a *Awaitable) Check(o interp.Object) error {
	if o.IsNull() {
		return errors.InvalidInput(errors.PhaseDispatch, "NULL instance")
	}
	if t := a.api.TypeOf(o); t != a.typ.Object {
		return errors.TypeMismatch(errors.PhaseDispatch, a.typ.QualName, a.typeName(t))
	}
	return nil
}

func (a *Awaitable) typeName(t interp.Object) string {
	addr, err := abi.ReadField(a.api.Memory(), uint64(t), a.api.ABI().TypeObject, "tp_name")
	if err != nil {
		return fmt.Sprintf("type@%#x", uint64(t))
	}
	name, err := abi.ReadCString(a.api.Memory(), addr, 256)
	if err != nil || name == "" {
		return fmt.Sprintf("type@%#x", uint64(t))
	}
	return name
}

func (a *Awaitable) read(o interp.Object, field string) uint64 {
	v, err := abi.ReadField(a.api.Memory(), uint64(o), a.layout, field)
	if err != nil {
		Logger().Error("instance read failed", zap.String("field", field), zap.Error(err))
		return 0
	}
	return v
}

func (a *Awaitable) write(o interp.Object, field string, v uint64) error {
	return abi.WriteField(a.api.Memory(), uint64(o), a.layout, field, v)
}

// State returns the instance state. Lock held.
func (a *Awaitable) State(o interp.Object) (State, error) {
	if err := a.Check(o); err != nil {
		return 0, err
	}
	return State(a.read(o, "state")), nil
}

// Handle returns the instance's handle, 0 when unset. Lock held.
func (a *Awaitable) Handle(o interp.Object) (int64, error) {
	if err := a.Check(o); err != nil {
		return 0, err
	}
	return int64(a.read(o, "handle")), nil
}

// SetHandle binds o to handle and moves it to pending. A handle is set
// once. Host code calls it for handles it reserved itself; interpreter
// code goes through set_handle, which asks the tracker first. Lock held.
func (a *Awaitable) SetHandle(o interp.Object, handle int64) error {
	if err := a.Check(o); err != nil {
		return err
	}
	if handle <= 0 {
		return errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("handle must be positive, got %d", handle))
	}
	if cur := a.read(o, "handle"); cur != 0 {
		return errors.Protocol(errors.PhaseDispatch, "instance already bound to handle %d", cur)
	}
	if st := State(a.read(o, "state")); st != StateCreated {
		return errors.Protocol(errors.PhaseDispatch, "cannot bind a handle in state %s", st)
	}
	if err := a.write(o, "handle", uint64(handle)); err != nil {
		return err
	}
	return a.write(o, "state", uint64(StatePending))
}

// replaceResult swaps the result slot, taking a new reference to value.
func (a *Awaitable) replaceResult(o, value interp.Object) error {
	old := interp.Object(a.read(o, "result"))
	a.api.IncRef(value)
	if err := a.write(o, "result", uint64(value)); err != nil {
		a.api.DecRef(value)
		return err
	}
	if !old.IsNull() {
		a.api.DecRef(old)
	}
	return nil
}

// storeResult replaces the result and marks o resolved.
func (a *Awaitable) storeResult(o, value interp.Object) error {
	if err := a.replaceResult(o, value); err != nil {
		return err
	}
	return a.write(o, "state", uint64(StateResolved))
}

// Publish delivers a completion: pending -> resolved. Lock held.
func (a *Awaitable) Publish(o, value interp.Object) error {
	if err := a.Check(o); err != nil {
		return err
	}
	if st := State(a.read(o, "state")); st != StatePending {
		return errors.Protocol(errors.PhaseRelay, "cannot publish into instance in state %s", st)
	}
	return a.storeResult(o, value)
}

// Fail delivers a failed completion. The instance resolves with None and
// raises RuntimeError carrying err when awaited. Lock held.
func (a *Awaitable) Fail(o interp.Object, cause error) error {
	if err := a.Check(o); err != nil {
		return err
	}
	if st := State(a.read(o, "state")); st != StatePending {
		return errors.Protocol(errors.PhaseRelay, "cannot fail instance in state %s", st)
	}
	a.mu.Lock()
	a.failures[o] = cause
	a.mu.Unlock()
	return a.storeResult(o, a.api.None())
}

func (a *Awaitable) takeFailure(o interp.Object) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err, ok := a.failures[o]
	if ok {
		delete(a.failures, o)
	}
	return err
}

// Entry points.

func (a *Awaitable) canary(self, _ interp.Object) (interp.Object, error) {
	if err := a.Check(self); err != nil {
		return 0, err
	}
	return a.api.FromHost(int64(CanaryValue))
}

func (a *Awaitable) handle(self, _ interp.Object) (interp.Object, error) {
	h, err := a.Handle(self)
	if err != nil {
		return 0, err
	}
	if h == 0 {
		return a.api.None(), nil
	}
	return a.api.FromHost(h)
}

func (a *Awaitable) setHandle(self, arg interp.Object) (interp.Object, error) {
	v, err := a.api.ToHost(arg)
	if err != nil {
		return 0, err
	}
	h, ok := v.(int64)
	if !ok {
		return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("handle must be an int, not %T", v)}
	}
	if err := a.Check(self); err != nil {
		return 0, err
	}
	if a.tracker != nil && h > 0 {
		if err := a.tracker.Bind(h, self); err != nil {
			return 0, err
		}
	}
	if err := a.SetHandle(self, h); err != nil {
		return 0, err
	}
	return a.api.None(), nil
}

func (a *Awaitable) result(self, _ interp.Object) (interp.Object, error) {
	if err := a.Check(self); err != nil {
		return 0, err
	}
	r := interp.Object(a.read(self, "result"))
	if r.IsNull() {
		return a.api.None(), nil
	}
	a.api.IncRef(r)
	return r, nil
}

func (a *Awaitable) setResult(self, arg interp.Object) (interp.Object, error) {
	if err := a.Check(self); err != nil {
		return 0, err
	}
	a.takeFailure(self)
	store := a.storeResult
	if st := State(a.read(self, "state")); st == StateConsumed {
		// an await already finished; the slot changes, the state does not
		store = a.replaceResult
	}
	if err := store(self, arg); err != nil {
		return 0, err
	}
	return a.api.None(), nil
}

func (a *Awaitable) stateProp(self interp.Object) (interp.Object, error) {
	st, err := a.State(self)
	if err != nil {
		return 0, err
	}
	return a.api.FromHost(st.String())
}

func (a *Awaitable) doneProp(self interp.Object) (interp.Object, error) {
	st, err := a.State(self)
	if err != nil {
		return 0, err
	}
	return a.api.FromHost(st.Done())
}

// self serves __await__ and __iter__: the instance is its own iterator.
func (a *Awaitable) self(o interp.Object) (interp.Object, error) {
	if err := a.Check(o); err != nil {
		return 0, err
	}
	a.api.IncRef(o)
	return o, nil
}

// advance is __next__. It never blocks: a pending instance whose handle is
// armed yields None so the event loop can run other work.
func (a *Awaitable) advance(o interp.Object) (interp.Object, error) {
	st, err := a.State(o)
	if err != nil {
		return 0, err
	}
	switch st {
	case StateCreated:
		return 0, errors.Protocol(errors.PhaseAwait, "awaited %s has no task: handle was never set", a.typ.QualName)
	case StatePending:
		h := int64(a.read(o, "handle"))
		if a.tracker == nil || !a.tracker.Armed(h, o) {
			return 0, errors.Protocol(errors.PhaseAwait, "handle %d is not armed", h)
		}
		return a.api.None(), nil
	case StateResolved:
		if err := a.write(o, "state", uint64(StateConsumed)); err != nil {
			return 0, err
		}
		if cause := a.takeFailure(o); cause != nil {
			return 0, &interp.Exception{Kind: interp.ExcRuntimeError, Message: cause.Error()}
		}
		r := interp.Object(a.read(o, "result"))
		if r.IsNull() {
			r = a.api.None()
		}
		a.api.IncRef(r)
		return 0, &interp.StopIteration{Value: r}
	case StateConsumed:
		return 0, interp.ErrExhausted
	}
	return 0, errors.Protocol(errors.PhaseAwait, "corrupt instance state %d", uint32(st))
}

func (a *Awaitable) alloc(typ interp.Object, nitems int64) (interp.Object, error) {
	return a.api.GenericAlloc(typ, nitems)
}

func (a *Awaitable) newInstance(typ, _, _ interp.Object) (interp.Object, error) {
	o, err := a.api.TypeAlloc(typ, 0)
	if err != nil {
		return 0, err
	}
	for _, f := range []string{"handle", "result", "state"} {
		if err := a.write(o, f, 0); err != nil {
			a.api.DecRef(o)
			return 0, err
		}
	}
	return o, nil
}

// dealloc is safe in every state. A pending instance abandons its handle.
func (a *Awaitable) dealloc(o interp.Object) {
	typ := a.api.TypeOf(o)
	st := State(a.read(o, "state"))
	h := int64(a.read(o, "handle"))
	if r := interp.Object(a.read(o, "result")); !r.IsNull() {
		_ = a.write(o, "result", 0)
		a.api.DecRef(r)
	}
	a.takeFailure(o)
	if st == StatePending && h != 0 && a.tracker != nil {
		Logger().Debug("pending awaitable destroyed", zap.Int64("handle", h))
		a.tracker.Abandon(h, o)
	}
	a.api.Free(o)
	a.api.DecRef(typ)
}
