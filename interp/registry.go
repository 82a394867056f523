package interp

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/errors"
)

// Handler signatures. Returned Objects are new references.
type (
	MethodFunc  func(self, arg Object) (Object, error)
	UnaryFunc   func(self Object) (Object, error)
	NewFunc     func(typ, args, kwargs Object) (Object, error)
	AllocFunc   func(typ Object, nitems int64) (Object, error)
	DeallocFunc func(self Object)
	GetterFunc  func(self Object) (Object, error)
	SetterFunc  func(self, value Object) error
)

// Handlers are the Go functions behind one owner's entry points. Methods,
// Getters and Setters are indexed the same way as the tables written for
// the owner.
type Handlers struct {
	Name    string
	Methods []MethodFunc
	Unary   [UnarySlots]UnaryFunc
	New     NewFunc
	Alloc   AllocFunc
	Dealloc DeallocFunc
	Getters []GetterFunc
	Setters []SetterFunc
}

// Registry maps owners (a module object or a type descriptor) to handlers.
type Registry struct {
	owners map[Object]*Handlers
	mu     sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[Object]*Handlers)}
}

// Bind attaches handlers to owner. An owner is bound at most once.
func (r *Registry) Bind(owner Object, h *Handlers) error {
	if owner.IsNull() {
		return errors.InvalidInput(errors.PhaseBuild, "cannot bind handlers to NULL")
	}
	if len(h.Methods) > MaxMethods {
		return errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s declares %d methods, at most %d supported", h.Name, len(h.Methods), MaxMethods))
	}
	if len(h.Getters) > MaxProperties || len(h.Setters) > MaxProperties {
		return errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s declares too many properties, at most %d supported", h.Name, MaxProperties))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[owner]; ok {
		return errors.New(errors.PhaseBuild, errors.KindRegistration).
			Path(h.Name).
			Value(uint64(owner)).
			Detail("owner %#x already bound", uint64(owner)).
			Build()
	}
	r.owners[owner] = h
	return nil
}

// Lookup returns the handlers bound to owner.
func (r *Registry) Lookup(owner Object) (*Handlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.owners[owner]
	return h, ok
}

// Len returns the number of bound owners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// resolve finds handlers for a call on self: module functions are bound to
// the module object itself, type slots to the instance's type.
func resolve(api API, self Object) (*Handlers, Object) {
	reg := api.Registry()
	if h, ok := reg.Lookup(self); ok {
		return h, self
	}
	typ := api.TypeOf(self)
	if h, ok := reg.Lookup(typ); ok {
		return h, typ
	}
	return nil, typ
}

func unbound(api API, what string, self Object) Object {
	Logger().Warn("no handler bound", zap.String("entry", what), zap.Uint64("self", uint64(self)))
	api.SetError(ExcRuntimeError, fmt.Sprintf("no native handler for %s", what))
	return 0
}

// DispatchMethod runs the method at index for self. Backends call it from
// their PyCFunction trampolines.
func DispatchMethod(api API, index int, self, arg Object) Object {
	h, _ := resolve(api, self)
	if h == nil || index >= len(h.Methods) || h.Methods[index] == nil {
		return unbound(api, fmt.Sprintf("method %d", index), self)
	}
	res, err := h.Methods[index](self, arg)
	if err != nil {
		debugf("%s method %d: %v", h.Name, index, err)
		return Raise(api, err)
	}
	return res
}

// DispatchUnary runs a unaryfunc slot.
func DispatchUnary(api API, slot UnarySlot, self Object) Object {
	h, _ := resolve(api, self)
	if h == nil || slot < 0 || int(slot) >= UnarySlots || h.Unary[slot] == nil {
		return unbound(api, slot.String(), self)
	}
	res, err := h.Unary[slot](self)
	if err != nil {
		return Raise(api, err)
	}
	return res
}

// DispatchNew runs tp_new for typ.
func DispatchNew(api API, typ, args, kwargs Object) Object {
	h, ok := api.Registry().Lookup(typ)
	if !ok || h.New == nil {
		return unbound(api, "tp_new", typ)
	}
	res, err := h.New(typ, args, kwargs)
	if err != nil {
		return Raise(api, err)
	}
	return res
}

// DispatchAlloc runs tp_alloc for typ.
func DispatchAlloc(api API, typ Object, nitems int64) Object {
	h, ok := api.Registry().Lookup(typ)
	if !ok || h.Alloc == nil {
		return unbound(api, "tp_alloc", typ)
	}
	res, err := h.Alloc(typ, nitems)
	if err != nil {
		return Raise(api, err)
	}
	return res
}

// DispatchDealloc runs tp_dealloc. A destructor cannot raise.
func DispatchDealloc(api API, self Object) {
	h, _ := resolve(api, self)
	if h == nil || h.Dealloc == nil {
		Logger().Error("dealloc without handler", zap.Uint64("self", uint64(self)))
		return
	}
	h.Dealloc(self)
}

// DispatchGetter runs the getter at index.
func DispatchGetter(api API, index int, self Object) Object {
	h, _ := resolve(api, self)
	if h == nil || index >= len(h.Getters) || h.Getters[index] == nil {
		return unbound(api, fmt.Sprintf("getter %d", index), self)
	}
	res, err := h.Getters[index](self)
	if err != nil {
		return Raise(api, err)
	}
	return res
}

// DispatchSetter runs the setter at index and returns 0 or -1.
func DispatchSetter(api API, index int, self, value Object) int {
	h, _ := resolve(api, self)
	if h == nil || index >= len(h.Setters) || h.Setters[index] == nil {
		api.SetError(ExcAttributeError, "attribute is read-only")
		return -1
	}
	if err := h.Setters[index](self, value); err != nil {
		Raise(api, err)
		return -1
	}
	return 0
}
