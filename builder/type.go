package builder

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// TypeSpec declares a native type. Layout is the instance record, normally
// built with abi.Descriptor.Instance. Slots left nil are inherited or
// absent; the async table is only written when one of Await, AIter or
// ANext is set.
type TypeSpec struct {
	Layout     *abi.Layout
	Await      interp.UnaryFunc
	AIter      interp.UnaryFunc
	ANext      interp.UnaryFunc
	Iter       interp.UnaryFunc
	IterNext   interp.UnaryFunc
	New        interp.NewFunc
	Alloc      interp.AllocFunc
	Dealloc    interp.DeallocFunc
	Name       string
	Doc        string
	Methods    []Method
	Properties []Property
	Subclass   bool
}

func (s TypeSpec) awaitable() bool {
	return s.Await != nil || s.AIter != nil || s.ANext != nil
}

// Type is a readied type attached to its module.
type Type struct {
	Module   *Module
	Layout   *abi.Layout
	Name     string
	QualName string
	Object   interp.Object
}

// BuildType constructs, readies and attaches a heap type to mod, in order:
// method table, property table, async table, type descriptor, ready,
// module attribute. The type is only published once ready succeeded.
// Must be called with the execution lock held.
func BuildType(api interp.API, mod *Module, spec TypeSpec) (*Type, error) {
	if mod == nil {
		return nil, errors.InvalidInput(errors.PhaseBuild, "type needs a module")
	}
	if !validName(spec.Name) {
		return nil, errors.InvalidInput(errors.PhaseBuild, "invalid type name "+quote(spec.Name))
	}
	if _, ok := mod.types[spec.Name]; ok {
		return nil, errors.Registration(errors.PhaseBuild, "type", mod.Name+"."+spec.Name,
			errors.New(errors.PhaseBuild, errors.KindRegistration).Detail("already built").Build())
	}
	d := api.ABI()
	if spec.Layout == nil || spec.Layout.Size < d.Object.Size || !spec.Layout.Has("ob_base") {
		return nil, errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s: instance layout must start with the object header", spec.Name))
	}
	if len(spec.Properties) > interp.MaxProperties {
		return nil, errors.InvalidInput(errors.PhaseBuild,
			fmt.Sprintf("%s declares %d properties, at most %d supported", spec.Name, len(spec.Properties), interp.MaxProperties))
	}

	qualname := mod.Name + "." + spec.Name
	mem := api.Memory()
	a := newArena(api, errors.PhaseBuild)
	published := false
	defer func() {
		if !published {
			a.release()
		}
	}()

	h := &interp.Handlers{
		Name:    qualname,
		New:     spec.New,
		Alloc:   spec.Alloc,
		Dealloc: spec.Dealloc,
	}

	// 1. methods
	var err error
	var methods uint64
	if len(spec.Methods) > 0 {
		if methods, h.Methods, err = methodTable(api, a, qualname, spec.Methods); err != nil {
			return nil, err
		}
	}

	// 2. properties
	var getset uint64
	if len(spec.Properties) > 0 {
		if getset, err = propertyTable(api, a, qualname, spec.Properties, h); err != nil {
			return nil, err
		}
	}

	// 3. async protocol
	var async uint64
	if spec.awaitable() {
		slots := abi.AsyncSlots{}
		for _, s := range []struct {
			fn   interp.UnaryFunc
			slot interp.UnarySlot
			dst  *uint64
		}{
			{spec.Await, interp.SlotAwait, &slots.Await},
			{spec.AIter, interp.SlotAIter, &slots.AIter},
			{spec.ANext, interp.SlotANext, &slots.ANext},
		} {
			if s.fn == nil {
				continue
			}
			if *s.dst, err = api.Entry(interp.EntryUnary, int(s.slot)); err != nil {
				return nil, err
			}
			h.Unary[s.slot] = s.fn
		}
		if async, err = a.zeroed(d.AsyncMethods.Size); err != nil {
			return nil, err
		}
		if err := d.WriteAsyncMethods(mem, async, slots); err != nil {
			return nil, err
		}
	}

	// 4. type descriptor
	slots := abi.TypeSlots{
		BasicSize: int64(spec.Layout.Size),
		Flags:     abi.TPFlagsDefault | abi.TPFlagsHeapType,
		AsAsync:   async,
		Methods:   methods,
		GetSet:    getset,
	}
	if spec.Subclass {
		slots.Flags |= abi.TPFlagsBaseType
	}
	if slots.Name, err = a.cstring(qualname); err != nil {
		return nil, err
	}
	if slots.Doc, err = a.cstring(spec.Doc); err != nil {
		return nil, err
	}
	entries := []struct {
		set  bool
		kind interp.EntryKind
		idx  int
		dst  *uint64
	}{
		{spec.Iter != nil, interp.EntryUnary, int(interp.SlotIter), &slots.Iter},
		{spec.IterNext != nil, interp.EntryUnary, int(interp.SlotIterNext), &slots.IterNext},
		{spec.New != nil, interp.EntryNew, 0, &slots.New},
		{spec.Alloc != nil, interp.EntryAlloc, 0, &slots.Alloc},
		{spec.Dealloc != nil, interp.EntryDealloc, 0, &slots.Dealloc},
	}
	for _, e := range entries {
		if !e.set {
			continue
		}
		if *e.dst, err = api.Entry(e.kind, e.idx); err != nil {
			return nil, err
		}
	}
	h.Unary[interp.SlotIter] = spec.Iter
	h.Unary[interp.SlotIterNext] = spec.IterNext

	addr, err := api.AllocTypeObject(qualname)
	if err != nil {
		return nil, errors.New(errors.PhaseBuild, errors.KindAllocation).
			Path(qualname).
			Cause(err).
			Detail("allocate type object").
			Build()
	}
	typ := interp.Object(addr)
	if err := d.WriteTypeObject(mem, addr, uint64(api.TypeType()), slots); err != nil {
		return nil, err
	}

	// Handlers go in before the interpreter can reach any entry point.
	if err := api.Registry().Bind(typ, h); err != nil {
		return nil, errors.Registration(errors.PhaseReady, "type", qualname, err)
	}

	// 5. ready; from here the interpreter owns the descriptor memory.
	published = true
	if err := api.TypeReady(typ); err != nil {
		return nil, errors.Registration(errors.PhaseReady, "type", qualname, err)
	}

	// 6. attach
	api.IncRef(typ)
	if err := mod.AddObject(spec.Name, typ); err != nil {
		api.DecRef(typ)
		return nil, err
	}

	t := &Type{
		Module:   mod,
		Layout:   spec.Layout,
		Name:     spec.Name,
		QualName: qualname,
		Object:   typ,
	}
	mod.types[spec.Name] = t

	Logger().Debug("type ready",
		zap.String("type", qualname),
		zap.Uint64("object", addr),
		zap.Uint64("basicsize", spec.Layout.Size),
		zap.Bool("awaitable", spec.awaitable()))
	return t, nil
}

func propertyTable(api interp.API, a *arena, owner string, props []Property, h *interp.Handlers) (uint64, error) {
	d := api.ABI()
	seen := make(map[string]bool, len(props))
	entries := make([]abi.GetSetEntry, len(props))
	h.Getters = make([]interp.GetterFunc, len(props))
	h.Setters = make([]interp.SetterFunc, len(props))
	for i, p := range props {
		if !validName(p.Name) || seen[p.Name] {
			return 0, errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s: invalid or duplicate property name %q", owner, p.Name))
		}
		if p.Get == nil {
			return 0, errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s.%s has no getter", owner, p.Name))
		}
		seen[p.Name] = true

		name, err := a.cstring(p.Name)
		if err != nil {
			return 0, err
		}
		doc, err := a.cstring(p.Doc)
		if err != nil {
			return 0, err
		}
		get, err := api.Entry(interp.EntryGetter, i)
		if err != nil {
			return 0, err
		}
		entries[i] = abi.GetSetEntry{Name: name, Get: get, Doc: doc}
		h.Getters[i] = p.Get
		if p.Set != nil {
			if entries[i].Set, err = api.Entry(interp.EntrySetter, i); err != nil {
				return 0, err
			}
			h.Setters[i] = p.Set
		}
	}
	table, err := a.zeroed(d.GetSetTableSize(len(entries)))
	if err != nil {
		return 0, err
	}
	if err := d.WriteGetSetTable(api.Memory(), table, entries); err != nil {
		return 0, err
	}
	return table, nil
}
