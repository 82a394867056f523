package sim

import (
	"fmt"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

type dictEntry struct {
	key   interp.Object
	value interp.Object
}

type moduleInfo struct {
	methods map[string]methodRef
	name    string
	def     uint64
	dict    interp.Object
}

// bootstrap creates the builtin types and singletons.
func (s *Interp) bootstrap() error {
	d := s.desc
	s.strLayout = d.Instance("str", abi.Field{Name: "length", Scalar: abi.SSize})
	s.valueLayout = d.Instance("value", abi.Field{Name: "length", Scalar: abi.SSize})
	s.dictLayout = d.Instance("dict", abi.Field{Name: "ma_used", Scalar: abi.SSize})
	s.moduleLayout = d.Instance("module",
		abi.Field{Name: "md_dict", Scalar: abi.Ptr},
		abi.Field{Name: "md_def", Scalar: abi.Ptr},
		abi.Field{Name: "md_state", Scalar: abi.Ptr},
		abi.Field{Name: "md_name", Scalar: abi.Ptr},
	)

	builtins := []struct {
		dst  *interp.Object
		name string
		size uint64
	}{
		{&s.object, "object", d.Object.Size},
		{&s.typeType, "type", d.TypeObject.Size},
		{&s.moduleType, "module", s.moduleLayout.Size},
		{&s.noneType, "NoneType", d.Object.Size},
		{&s.strType, "str", s.strLayout.Size},
		{&s.valueType, "value", s.valueLayout.Size},
		{&s.dictType, "dict", s.dictLayout.Size},
	}
	for _, b := range builtins {
		addr, err := abi.AllocZeroed(s.heap, s.heap, d.TypeObject.Size, 8)
		if err != nil {
			return err
		}
		*b.dst = interp.Object(addr)
	}
	for _, b := range builtins {
		name, err := abi.WriteCString(s.heap, s.heap, b.name)
		if err != nil {
			return err
		}
		slots := abi.TypeSlots{
			Name:      name,
			BasicSize: int64(b.size),
			Flags:     abi.TPFlagsDefault | abi.TPFlagsReady,
			Dealloc:   builtinAddr(builtinDealloc),
			Alloc:     builtinAddr(builtinGenericAlloc),
			Free:      builtinAddr(builtinObjectFree),
		}
		if *b.dst != s.object {
			slots.Base = uint64(s.object)
		}
		if err := d.WriteTypeObject(s.heap, uint64(*b.dst), uint64(s.typeType), slots); err != nil {
			return err
		}
		s.types[*b.dst] = &typeInfo{
			name:    b.name,
			slots:   slots,
			methods: map[string]methodRef{},
			props:   map[string]propRef{},
			builtin: true,
		}
	}

	none, err := abi.AllocZeroed(s.heap, s.heap, d.Object.Size, 8)
	if err != nil {
		return err
	}
	if err := d.InitHeader(s.heap, none, uint64(s.noneType), abi.Immortal); err != nil {
		return err
	}
	s.none = interp.Object(none)

	if s.sysModules, err = s.newDict(); err != nil {
		return err
	}
	// sys.modules lives as long as the interpreter.
	return d.InitHeader(s.heap, uint64(s.sysModules), uint64(s.dictType), abi.Immortal)
}

// newObject allocates a zeroed counted object of a builtin type.
func (s *Interp) newObject(typ interp.Object, size uint64) (interp.Object, error) {
	addr, err := abi.AllocZeroed(s.heap, s.heap, size, 8)
	if err != nil {
		return 0, err
	}
	if err := s.desc.InitHeader(s.heap, addr, uint64(typ), abi.Counted); err != nil {
		s.heap.Free(addr)
		return 0, err
	}
	return interp.Object(addr), nil
}

func (s *Interp) newBytesObject(typ interp.Object, l *abi.Layout, data []byte) (interp.Object, error) {
	o, err := s.newObject(typ, l.Size+uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := abi.WriteSigned(s.heap, uint64(o), l, "length", int64(len(data))); err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := s.heap.Write(uint64(o)+l.Size, data); err != nil {
			return 0, err
		}
	}
	return o, nil
}

func (s *Interp) readBytesObject(o interp.Object, l *abi.Layout) ([]byte, error) {
	n, err := abi.ReadSigned(s.heap, uint64(o), l, "length")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.heap.Read(uint64(o)+l.Size, uint64(n))
}

func (s *Interp) newStr(v string) (interp.Object, error) {
	return s.newBytesObject(s.strType, s.strLayout, []byte(v))
}

func (s *Interp) strValue(o interp.Object) (string, error) {
	if s.TypeOf(o) != s.strType {
		return "", s.typeError("str", o)
	}
	b, err := s.readBytesObject(o, s.strLayout)
	return string(b), err
}

// InternString returns the interned str for v. Interned strings are
// immortal, as in 3.12.
func (s *Interp) InternString(v string) (interp.Object, error) {
	if o, ok := s.interned[v]; ok {
		return o, nil
	}
	o, err := s.newStr(v)
	if err != nil {
		return 0, err
	}
	if err := s.desc.InitHeader(s.heap, uint64(o), uint64(s.strType), abi.Immortal); err != nil {
		return 0, err
	}
	s.interned[v] = o
	return o, nil
}

func (s *Interp) newDict() (interp.Object, error) {
	o, err := s.newObject(s.dictType, s.dictLayout.Size)
	if err != nil {
		return 0, err
	}
	s.dicts[o] = make(map[string]dictEntry)
	return o, nil
}

// DictSetItem stores value under a str key. Neither reference is stolen.
func (s *Interp) DictSetItem(dict, key, value interp.Object) error {
	entries, ok := s.dicts[dict]
	if !ok {
		return s.typeError("dict", dict)
	}
	k, err := s.strValue(key)
	if err != nil {
		return err
	}
	if value.IsNull() {
		return errors.InvalidInput(errors.PhaseRuntime, "dict value is NULL")
	}
	s.IncRef(key)
	s.IncRef(value)
	old, had := entries[k]
	entries[k] = dictEntry{key: key, value: value}
	if err := abi.WriteSigned(s.heap, uint64(dict), s.dictLayout, "ma_used", int64(len(entries))); err != nil {
		return err
	}
	if had {
		s.DecRef(old.key)
		s.DecRef(old.value)
	}
	return nil
}

// dictGet returns a borrowed reference.
func (s *Interp) dictGet(dict interp.Object, key string) (interp.Object, bool) {
	e, ok := s.dicts[dict][key]
	return e.value, ok
}

func (s *Interp) newValue(v any) (interp.Object, error) {
	data, err := s.enc.Marshal(v)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, fmt.Sprintf("convert %T", v))
	}
	return s.newBytesObject(s.valueType, s.valueLayout, data)
}

// FromHost converts a Go value into a new reference. Objects pass through,
// nil becomes None, strings become str, everything else is boxed as CBOR.
func (s *Interp) FromHost(v any) (interp.Object, error) {
	switch x := v.(type) {
	case nil:
		return s.none, nil
	case interp.Object:
		if x.IsNull() {
			return 0, errors.InvalidInput(errors.PhaseRuntime, "cannot convert NULL")
		}
		s.IncRef(x)
		return x, nil
	case string:
		return s.newStr(x)
	}
	return s.newValue(v)
}

// ToHost converts str, None and boxed values to Go. Any other object is
// returned as itself.
func (s *Interp) ToHost(o interp.Object) (any, error) {
	if o.IsNull() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "cannot convert NULL")
	}
	switch s.TypeOf(o) {
	case s.noneType:
		return nil, nil
	case s.strType:
		return s.strValue(o)
	case s.valueType:
		data, err := s.readBytesObject(o, s.valueLayout)
		if err != nil {
			return nil, err
		}
		var v any
		if err := s.dec.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "decode value")
		}
		return v, nil
	}
	return o, nil
}

// ModuleCreate implements PyModule_Create2 for single-phase definitions.
func (s *Interp) ModuleCreate(def uint64, apiVersion int) (interp.Object, error) {
	if apiVersion != abi.APIVersion {
		Logger().Sugar().Warnf("module api version %d does not match interpreter version %d", apiVersion, abi.APIVersion)
	}
	spec, err := s.desc.ReadModuleDef(s.heap, def)
	if err != nil {
		return 0, err
	}
	name, err := abi.ReadCString(s.heap, spec.Name, nameLimit)
	if err != nil {
		return 0, err
	}
	if name == "" {
		return 0, errors.InvalidInput(errors.PhaseBuild, "module definition has no name")
	}
	slots, err := abi.ReadField(s.heap, def, s.desc.ModuleDef, "m_slots")
	if err != nil {
		return 0, err
	}
	if slots != 0 {
		return 0, errors.Unsupported(errors.PhaseBuild, "multi-phase module definitions")
	}

	methods := map[string]methodRef{}
	if spec.Methods != 0 {
		if methods, err = s.readMethods(spec.Methods); err != nil {
			return 0, err
		}
	}

	mod, err := s.newObject(s.moduleType, s.moduleLayout.Size)
	if err != nil {
		return 0, err
	}
	dict, err := s.newDict()
	if err != nil {
		return 0, err
	}
	l := s.moduleLayout
	if err := abi.WriteField(s.heap, uint64(mod), l, "md_dict", uint64(dict)); err != nil {
		return 0, err
	}
	if err := abi.WriteField(s.heap, uint64(mod), l, "md_def", def); err != nil {
		return 0, err
	}
	nameObj, err := s.InternString(name)
	if err != nil {
		return 0, err
	}
	if err := abi.WriteField(s.heap, uint64(mod), l, "md_name", uint64(nameObj)); err != nil {
		return 0, err
	}
	s.modules[mod] = &moduleInfo{name: name, def: def, dict: dict, methods: methods}
	return mod, nil
}

// Import looks the name up in the module registry. There is no file search.
func (s *Interp) Import(name string) (interp.Object, error) {
	mod, ok := s.dictGet(s.sysModules, name)
	if !ok {
		return 0, &interp.Exception{Kind: interp.ExcModuleNotFoundError, Message: fmt.Sprintf("No module named '%s'", name)}
	}
	s.IncRef(mod)
	return mod, nil
}

// GetModule is PyImport_GetModule.
func (s *Interp) GetModule(name string) (interp.Object, bool) {
	mod, ok := s.dictGet(s.sysModules, name)
	if ok {
		s.IncRef(mod)
	}
	return mod, ok
}

// ModuleAddObject stores value in the module dict and steals the reference.
func (s *Interp) ModuleAddObject(module interp.Object, name string, value interp.Object) error {
	info, ok := s.modules[module]
	if !ok {
		return s.typeError("module", module)
	}
	key, err := s.InternString(name)
	if err != nil {
		return err
	}
	if err := s.DictSetItem(info.dict, key, value); err != nil {
		return err
	}
	s.DecRef(value)
	return nil
}

func (s *Interp) typeName(o interp.Object) string {
	if ti, ok := s.types[s.TypeOf(o)]; ok {
		return ti.name
	}
	return "?"
}

func (s *Interp) typeError(want string, o interp.Object) error {
	return errors.TypeMismatch(errors.PhaseRuntime, want, s.typeName(o))
}

// dealloc runs tp_dealloc for an object whose count reached zero.
func (s *Interp) dealloc(o interp.Object) {
	ti, ok := s.types[s.TypeOf(o)]
	if !ok {
		fatalf("dealloc of %#x with unknown type", uint64(o))
	}
	n, ok := s.natives[ti.slots.Dealloc]
	switch {
	case ok && n.builtin == builtinDealloc:
		s.builtinDealloc(o)
	case ok && n.kind == interp.EntryDealloc:
		saved := s.exc
		s.exc = nil
		interp.DispatchDealloc(s, o)
		if s.exc != nil {
			Logger().Sugar().Warnf("exception ignored in %s dealloc: %s", ti.name, s.exc.msg)
			s.clearExc()
		}
		s.exc = saved
	default:
		fatalf("type %s has no usable tp_dealloc", ti.name)
	}
}

func (s *Interp) builtinDealloc(o interp.Object) {
	switch typ := s.TypeOf(o); {
	case typ == s.dictType:
		entries := s.dicts[o]
		delete(s.dicts, o)
		for _, e := range entries {
			s.DecRef(e.key)
			s.DecRef(e.value)
		}
	case typ == s.moduleType:
		if info, ok := s.modules[o]; ok {
			delete(s.modules, o)
			s.DecRef(info.dict)
		}
	}
	s.Free(o)
}

// GenericAlloc implements PyType_GenericAlloc: a zeroed, counted instance.
// Counted heap types gain a reference; immortal ones are left alone.
func (s *Interp) GenericAlloc(typ interp.Object, nitems int64) (interp.Object, error) {
	ti, ok := s.types[typ]
	if !ok || !ti.ready() {
		return 0, errors.New(errors.PhaseDispatch, errors.KindProtocol).
			Value(uint64(typ)).
			Detail("allocation against unready type %#x", uint64(typ)).
			Build()
	}
	size := uint64(ti.slots.BasicSize) + uint64(nitems)*uint64(ti.slots.ItemSize)
	o, err := s.newObject(typ, size)
	if err != nil {
		return 0, err
	}
	if !s.isImmortal(typ) {
		s.bump(typ, 1)
	}
	return o, nil
}

// TypeAlloc calls the type's tp_alloc slot.
func (s *Interp) TypeAlloc(typ interp.Object, nitems int64) (interp.Object, error) {
	ti, ok := s.types[typ]
	if !ok {
		return 0, s.typeError("type", typ)
	}
	n, ok := s.natives[ti.slots.Alloc]
	switch {
	case ok && n.builtin == builtinGenericAlloc:
		return s.GenericAlloc(typ, nitems)
	case ok && n.kind == interp.EntryAlloc:
		return s.finish(interp.DispatchAlloc(s, typ, nitems))
	}
	return 0, errors.Protocol(errors.PhaseDispatch, "type %s has no tp_alloc", ti.name)
}

// Free calls the type's tp_free slot.
func (s *Interp) Free(o interp.Object) {
	ti, ok := s.types[s.TypeOf(o)]
	if !ok {
		fatalf("free of %#x with unknown type", uint64(o))
	}
	if n, ok := s.natives[ti.slots.Free]; !ok || n.builtin != builtinObjectFree {
		fatalf("type %s has no usable tp_free", ti.name)
	}
	s.heap.Free(uint64(o))
}

// AllocTypeObject returns zeroed storage for a type descriptor.
func (s *Interp) AllocTypeObject(qualname string) (uint64, error) {
	if qualname == "" {
		return 0, errors.InvalidInput(errors.PhaseBuild, "type has no name")
	}
	return abi.AllocZeroed(s.heap, s.heap, s.desc.TypeObject.Size, 8)
}
