package sim

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

type methodRef struct {
	name  string
	addr  uint64
	flags int32
}

type propRef struct {
	name string
	get  uint64
	set  uint64
}

type typeInfo struct {
	methods map[string]methodRef
	props   map[string]propRef
	name    string
	slots   abi.TypeSlots
	async   abi.AsyncSlots
	builtin bool
}

func (t *typeInfo) ready() bool {
	return t.slots.Flags&abi.TPFlagsReady != 0
}

type slotCheck struct {
	addr uint64
	kind interp.EntryKind
	what string
}

func (s *Interp) readMethods(addr uint64) (map[string]methodRef, error) {
	entries, err := s.desc.ReadMethodTable(s.heap, addr, tableLimit)
	if err != nil {
		return nil, err
	}
	out := make(map[string]methodRef, len(entries))
	for _, e := range entries {
		name, err := abi.ReadCString(s.heap, e.Name, nameLimit)
		if err != nil {
			return nil, err
		}
		switch e.Flags {
		case abi.MethNoArgs, abi.MethO:
		default:
			return nil, errors.New(errors.PhaseReady, errors.KindUnsupported).
				Path("PyMethodDef", name).
				Detail("calling convention %#x", e.Flags).
				Build()
		}
		if err := s.checkEntry(e.Func, interp.EntryMethod, name); err != nil {
			return nil, err
		}
		out[name] = methodRef{name: name, addr: e.Func, flags: e.Flags}
	}
	return out, nil
}

func (s *Interp) checkEntry(addr uint64, kind interp.EntryKind, what string) error {
	n, ok := s.natives[addr]
	if ok && n.builtin == 0 && n.kind == kind {
		return nil
	}
	return errors.New(errors.PhaseReady, errors.KindABIMismatch).
		Path(what).
		Value(addr).
		Detail("%#x is not a %s entry point", addr, kind).
		Build()
}

// TypeReady implements PyType_Ready: validates the descriptor, inherits
// allocation slots from the base, parses its tables and sets READY. A type
// is readied once.
func (s *Interp) TypeReady(typ interp.Object) error {
	d := s.desc
	addr := uint64(typ)
	if _, ok := s.types[typ]; ok {
		return errors.New(errors.PhaseReady, errors.KindRegistration).
			Value(addr).
			Detail("type %#x is already ready", addr).
			Build()
	}
	slots, err := d.ReadTypeSlots(s.heap, addr)
	if err != nil {
		return err
	}
	name, err := abi.ReadCString(s.heap, slots.Name, nameLimit)
	if err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return errors.New(errors.PhaseReady, errors.KindRegistration).
			Path(name).
			Detail(format, args...).
			Build()
	}
	if name == "" {
		return fail("type has no tp_name")
	}
	if slots.Flags&abi.TPFlagsReady != 0 {
		return fail("READY already set on an unregistered type")
	}
	if slots.Flags&abi.TPFlagsHaveGC != 0 {
		return fail("GC participation is not supported")
	}
	if slots.BasicSize < int64(d.Object.Size) {
		return fail("tp_basicsize %d smaller than the object header", slots.BasicSize)
	}

	if slots.Base == 0 {
		slots.Base = uint64(s.object)
	}
	base, ok := s.types[interp.Object(slots.Base)]
	if !ok || !base.ready() {
		return fail("base type %#x is not ready", slots.Base)
	}
	if slots.Alloc == 0 {
		slots.Alloc = base.slots.Alloc
	}
	if slots.Free == 0 {
		slots.Free = base.slots.Free
	}
	if slots.Dealloc == 0 {
		slots.Dealloc = base.slots.Dealloc
	}

	checks := []slotCheck{
		{slots.New, interp.EntryNew, "tp_new"},
		{slots.Iter, interp.EntryUnary, "tp_iter"},
		{slots.IterNext, interp.EntryUnary, "tp_iternext"},
	}
	if slots.Alloc != builtinAddr(builtinGenericAlloc) {
		checks = append(checks, slotCheck{slots.Alloc, interp.EntryAlloc, "tp_alloc"})
	}
	if slots.Dealloc != builtinAddr(builtinDealloc) {
		checks = append(checks, slotCheck{slots.Dealloc, interp.EntryDealloc, "tp_dealloc"})
	}
	for _, c := range checks {
		if c.addr == 0 {
			continue
		}
		if err := s.checkEntry(c.addr, c.kind, name+"."+c.what); err != nil {
			return err
		}
	}

	ti := &typeInfo{name: name, methods: map[string]methodRef{}, props: map[string]propRef{}}
	if slots.Methods != 0 {
		if ti.methods, err = s.readMethods(slots.Methods); err != nil {
			return err
		}
	}
	if slots.GetSet != 0 {
		entries, err := d.ReadGetSetTable(s.heap, slots.GetSet, tableLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			pname, err := abi.ReadCString(s.heap, e.Name, nameLimit)
			if err != nil {
				return err
			}
			if err := s.checkEntry(e.Get, interp.EntryGetter, name+"."+pname); err != nil {
				return err
			}
			if e.Set != 0 {
				if err := s.checkEntry(e.Set, interp.EntrySetter, name+"."+pname); err != nil {
					return err
				}
			}
			ti.props[pname] = propRef{name: pname, get: e.Get, set: e.Set}
		}
	}
	if slots.AsAsync != 0 {
		if ti.async, err = d.ReadAsyncMethods(s.heap, slots.AsAsync); err != nil {
			return err
		}
		for what, a := range map[string]uint64{"am_await": ti.async.Await, "am_aiter": ti.async.AIter, "am_anext": ti.async.ANext} {
			if a == 0 {
				continue
			}
			if err := s.checkEntry(a, interp.EntryUnary, name+"."+what); err != nil {
				return err
			}
		}
	}

	for _, w := range []struct {
		path string
		v    uint64
	}{
		{"tp_base", slots.Base},
		{"tp_alloc", slots.Alloc},
		{"tp_free", slots.Free},
		{"tp_dealloc", slots.Dealloc},
	} {
		if err := abi.WriteField(s.heap, addr, d.TypeObject, w.path, w.v); err != nil {
			return err
		}
	}
	if s.TypeOf(typ) == 0 {
		if err := abi.WriteField(s.heap, addr, d.TypeObject, "ob_type", uint64(s.typeType)); err != nil {
			return err
		}
	}
	slots.Flags |= abi.TPFlagsReady
	if err := d.SetTypeFlags(s.heap, addr, slots.Flags); err != nil {
		return err
	}
	ti.slots = slots
	s.types[typ] = ti

	Logger().Debug("type ready",
		zap.String("name", name),
		zap.Int64("basicsize", slots.BasicSize),
		zap.Int("methods", len(ti.methods)),
		zap.Int("properties", len(ti.props)))
	return nil
}

// isSubtype walks tp_base.
func (s *Interp) isSubtype(sub, typ interp.Object) bool {
	for t := sub; t != 0; {
		if t == typ {
			return true
		}
		ti, ok := s.types[t]
		if !ok {
			return false
		}
		t = interp.Object(ti.slots.Base)
	}
	return false
}

func (s *Interp) isInstance(o, typ interp.Object) bool {
	return s.isSubtype(s.TypeOf(o), typ)
}

func (s *Interp) descriptorError(name string, owner *typeInfo, self interp.Object) error {
	return &interp.Exception{
		Kind: interp.ExcTypeError,
		Message: fmt.Sprintf("descriptor '%s' for '%s' objects doesn't apply to a '%s' object",
			name, owner.name, s.typeName(self)),
	}
}
