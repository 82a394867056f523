package abi

import (
	"fmt"

	"github.com/wippyai/pybridge"
	"github.com/wippyai/pybridge/errors"
)

// ReadField reads the scalar at path within the record at base.
// Narrow fields are zero-extended.
func ReadField(mem pybridge.Memory, base uint64, l *Layout, path string) (uint64, error) {
	f, ok := l.Field(path)
	if !ok {
		return 0, fieldError(l, path)
	}
	addr := base + f.Offset
	switch f.Size {
	case 1:
		v, err := mem.ReadU8(addr)
		return uint64(v), err
	case 2:
		v, err := mem.ReadU16(addr)
		return uint64(v), err
	case 4:
		v, err := mem.ReadU32(addr)
		return uint64(v), err
	case 8:
		return mem.ReadU64(addr)
	}
	return 0, fieldError(l, path)
}

// WriteField writes v into the scalar at path within the record at base.
// Values that do not fit the field width are rejected rather than truncated.
func WriteField(mem pybridge.Memory, base uint64, l *Layout, path string, v uint64) error {
	f, ok := l.Field(path)
	if !ok {
		return fieldError(l, path)
	}
	if f.Size < 8 && v>>(f.Size*8) != 0 {
		return errors.New(errors.PhaseBuild, errors.KindABIMismatch).
			Path(l.Name, path).
			Value(v).
			Detail("value %#x does not fit %d-byte field", v, f.Size).
			Build()
	}
	addr := base + f.Offset
	switch f.Size {
	case 1:
		return mem.WriteU8(addr, uint8(v))
	case 2:
		return mem.WriteU16(addr, uint16(v))
	case 4:
		return mem.WriteU32(addr, uint32(v))
	case 8:
		return mem.WriteU64(addr, v)
	}
	return fieldError(l, path)
}

// WriteSigned stores a signed value, sign-extending into the field width.
func WriteSigned(mem pybridge.Memory, base uint64, l *Layout, path string, v int64) error {
	f, ok := l.Field(path)
	if !ok {
		return fieldError(l, path)
	}
	if f.Size == 8 {
		return WriteField(mem, base, l, path, uint64(v))
	}
	mask := uint64(1)<<(f.Size*8) - 1
	return WriteField(mem, base, l, path, uint64(v)&mask)
}

// ReadSigned reads a field and sign-extends it from its width.
func ReadSigned(mem pybridge.Memory, base uint64, l *Layout, path string) (int64, error) {
	f, ok := l.Field(path)
	if !ok {
		return 0, fieldError(l, path)
	}
	raw, err := ReadField(mem, base, l, path)
	if err != nil {
		return 0, err
	}
	shift := 64 - f.Size*8
	return int64(raw<<shift) >> shift, nil
}

func fieldError(l *Layout, path string) error {
	return errors.New(errors.PhaseDescribe, errors.KindNotFound).
		Path(l.Name, path).
		Detail("layout has no such scalar field").
		Build()
}

// Zero clears n bytes at addr.
func Zero(mem pybridge.Memory, addr, n uint64) error {
	if n == 0 {
		return nil
	}
	return mem.Write(addr, make([]byte, n))
}

// AllocZeroed allocates and clears a region.
func AllocZeroed(mem pybridge.Memory, alloc pybridge.Allocator, size, align uint64) (uint64, error) {
	addr, err := alloc.Alloc(size, align)
	if err != nil {
		return 0, err
	}
	if err := Zero(mem, addr, size); err != nil {
		alloc.Free(addr)
		return 0, err
	}
	return addr, nil
}

// WriteCString allocates a NUL-terminated copy of s.
func WriteCString(mem pybridge.Memory, alloc pybridge.Allocator, s string) (uint64, error) {
	n := uint64(len(s)) + 1
	addr, err := alloc.Alloc(n, 1)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	copy(buf, s)
	if err := mem.Write(addr, buf); err != nil {
		alloc.Free(addr)
		return 0, err
	}
	return addr, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func ReadCString(mem pybridge.Memory, addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	buf := make([]byte, 0, 32)
	for i := 0; i < max; i++ {
		b, err := mem.ReadU8(addr + uint64(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
		Value(addr).
		Detail("string at %#x not terminated within %d bytes", addr, max).
		Build()
}

// ModuleDefSpec holds the pointer-valued fields of a module descriptor.
type ModuleDefSpec struct {
	Name    uint64
	Doc     uint64
	Methods uint64
	Size    int64
}

// WriteModuleDef writes an immortal, zero-slot module descriptor at addr.
func (d *Descriptor) WriteModuleDef(mem pybridge.Memory, addr uint64, spec ModuleDefSpec) error {
	l := d.ModuleDef
	if err := Zero(mem, addr, l.Size); err != nil {
		return err
	}
	if err := d.InitHeader(mem, addr, 0, Immortal); err != nil {
		return err
	}
	if err := WriteSigned(mem, addr, l, "m_base.m_index", 0); err != nil {
		return err
	}
	if err := WriteSigned(mem, addr, l, "m_size", spec.Size); err != nil {
		return err
	}
	for _, f := range []struct {
		path string
		v    uint64
	}{
		{"m_name", spec.Name},
		{"m_doc", spec.Doc},
		{"m_methods", spec.Methods},
	} {
		if err := WriteField(mem, addr, l, f.path, f.v); err != nil {
			return err
		}
	}
	return nil
}

// ReadModuleDef decodes a module descriptor.
func (d *Descriptor) ReadModuleDef(mem pybridge.Memory, addr uint64) (ModuleDefSpec, error) {
	l := d.ModuleDef
	var spec ModuleDefSpec
	var err error
	if spec.Name, err = ReadField(mem, addr, l, "m_name"); err != nil {
		return spec, err
	}
	if spec.Doc, err = ReadField(mem, addr, l, "m_doc"); err != nil {
		return spec, err
	}
	if spec.Methods, err = ReadField(mem, addr, l, "m_methods"); err != nil {
		return spec, err
	}
	spec.Size, err = ReadSigned(mem, addr, l, "m_size")
	return spec, err
}

// MethodEntry is one PyMethodDef row.
type MethodEntry struct {
	Name  uint64
	Func  uint64
	Doc   uint64
	Flags int32
}

// MethodTableSize is the byte size of a table of n entries plus sentinel.
func (d *Descriptor) MethodTableSize(n int) uint64 {
	return uint64(n+1) * d.MethodDef.Size
}

// WriteMethodTable writes entries followed by the all-zero sentinel.
func (d *Descriptor) WriteMethodTable(mem pybridge.Memory, addr uint64, entries []MethodEntry) error {
	l := d.MethodDef
	for i, e := range entries {
		if e.Name == 0 {
			return errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("method entry %d has no name", i))
		}
		row := addr + uint64(i)*l.Size
		if err := Zero(mem, row, l.Size); err != nil {
			return err
		}
		if err := WriteField(mem, row, l, "ml_name", e.Name); err != nil {
			return err
		}
		if err := WriteField(mem, row, l, "ml_meth", e.Func); err != nil {
			return err
		}
		if err := WriteSigned(mem, row, l, "ml_flags", int64(e.Flags)); err != nil {
			return err
		}
		if err := WriteField(mem, row, l, "ml_doc", e.Doc); err != nil {
			return err
		}
	}
	return Zero(mem, addr+uint64(len(entries))*l.Size, l.Size)
}

// ReadMethodTable decodes rows until the sentinel. A table with no sentinel
// within max rows is an error, never an unbounded scan.
func (d *Descriptor) ReadMethodTable(mem pybridge.Memory, addr uint64, max int) ([]MethodEntry, error) {
	l := d.MethodDef
	var out []MethodEntry
	for i := 0; i <= max; i++ {
		row := addr + uint64(i)*l.Size
		name, err := ReadField(mem, row, l, "ml_name")
		if err != nil {
			return nil, err
		}
		if name == 0 {
			return out, nil
		}
		e := MethodEntry{Name: name}
		if e.Func, err = ReadField(mem, row, l, "ml_meth"); err != nil {
			return nil, err
		}
		flags, err := ReadSigned(mem, row, l, "ml_flags")
		if err != nil {
			return nil, err
		}
		e.Flags = int32(flags)
		if e.Doc, err = ReadField(mem, row, l, "ml_doc"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return nil, errors.New(errors.PhaseReady, errors.KindProtocol).
		Path(l.Name).
		Value(addr).
		Detail("method table at %#x has no sentinel within %d entries", addr, max).
		Build()
}

// GetSetEntry is one PyGetSetDef row.
type GetSetEntry struct {
	Name    uint64
	Get     uint64
	Set     uint64
	Doc     uint64
	Closure uint64
}

// GetSetTableSize is the byte size of a table of n entries plus sentinel.
func (d *Descriptor) GetSetTableSize(n int) uint64 {
	return uint64(n+1) * d.GetSetDef.Size
}

// WriteGetSetTable writes entries followed by the all-zero sentinel.
func (d *Descriptor) WriteGetSetTable(mem pybridge.Memory, addr uint64, entries []GetSetEntry) error {
	l := d.GetSetDef
	for i, e := range entries {
		if e.Name == 0 {
			return errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("property entry %d has no name", i))
		}
		row := addr + uint64(i)*l.Size
		for _, f := range []struct {
			path string
			v    uint64
		}{
			{"name", e.Name},
			{"get", e.Get},
			{"set", e.Set},
			{"doc", e.Doc},
			{"closure", e.Closure},
		} {
			if err := WriteField(mem, row, l, f.path, f.v); err != nil {
				return err
			}
		}
	}
	return Zero(mem, addr+uint64(len(entries))*l.Size, l.Size)
}

// ReadGetSetTable decodes rows until the sentinel, bounded by max.
func (d *Descriptor) ReadGetSetTable(mem pybridge.Memory, addr uint64, max int) ([]GetSetEntry, error) {
	l := d.GetSetDef
	var out []GetSetEntry
	for i := 0; i <= max; i++ {
		row := addr + uint64(i)*l.Size
		var e GetSetEntry
		var err error
		if e.Name, err = ReadField(mem, row, l, "name"); err != nil {
			return nil, err
		}
		if e.Name == 0 {
			return out, nil
		}
		if e.Get, err = ReadField(mem, row, l, "get"); err != nil {
			return nil, err
		}
		if e.Set, err = ReadField(mem, row, l, "set"); err != nil {
			return nil, err
		}
		if e.Doc, err = ReadField(mem, row, l, "doc"); err != nil {
			return nil, err
		}
		if e.Closure, err = ReadField(mem, row, l, "closure"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return nil, errors.New(errors.PhaseReady, errors.KindProtocol).
		Path(l.Name).
		Value(addr).
		Detail("property table at %#x has no sentinel within %d entries", addr, max).
		Build()
}

// AsyncSlots are the entries of PyAsyncMethods.
type AsyncSlots struct {
	Await uint64
	AIter uint64
	ANext uint64
	Send  uint64
}

// WriteAsyncMethods writes the async table. Send is rejected on generations
// without am_send.
func (d *Descriptor) WriteAsyncMethods(mem pybridge.Memory, addr uint64, s AsyncSlots) error {
	l := d.AsyncMethods
	if s.Send != 0 && !d.Generation.HasSend() {
		return errors.New(errors.PhaseBuild, errors.KindABIMismatch).
			Path(l.Name, "am_send").
			Generation(d.Generation.String()).
			Detail("generation has no am_send slot").
			Build()
	}
	if err := Zero(mem, addr, l.Size); err != nil {
		return err
	}
	if err := WriteField(mem, addr, l, "am_await", s.Await); err != nil {
		return err
	}
	if err := WriteField(mem, addr, l, "am_aiter", s.AIter); err != nil {
		return err
	}
	if err := WriteField(mem, addr, l, "am_anext", s.ANext); err != nil {
		return err
	}
	if d.Generation.HasSend() {
		return WriteField(mem, addr, l, "am_send", s.Send)
	}
	return nil
}

// ReadAsyncMethods decodes an async table.
func (d *Descriptor) ReadAsyncMethods(mem pybridge.Memory, addr uint64) (AsyncSlots, error) {
	l := d.AsyncMethods
	var s AsyncSlots
	var err error
	if s.Await, err = ReadField(mem, addr, l, "am_await"); err != nil {
		return s, err
	}
	if s.AIter, err = ReadField(mem, addr, l, "am_aiter"); err != nil {
		return s, err
	}
	if s.ANext, err = ReadField(mem, addr, l, "am_anext"); err != nil {
		return s, err
	}
	if d.Generation.HasSend() {
		s.Send, err = ReadField(mem, addr, l, "am_send")
	}
	return s, err
}

// TypeSlots is the subset of PyTypeObject this module writes or inspects.
type TypeSlots struct {
	Name      uint64
	Doc       uint64
	BasicSize int64
	ItemSize  int64
	Flags     uint64

	Dealloc  uint64
	AsAsync  uint64
	Iter     uint64
	IterNext uint64
	Methods  uint64
	GetSet   uint64
	Base     uint64
	Init     uint64
	Alloc    uint64
	New      uint64
	Free     uint64
}

var typePointerSlots = []struct {
	path string
	get  func(*TypeSlots) *uint64
}{
	{"tp_name", func(s *TypeSlots) *uint64 { return &s.Name }},
	{"tp_doc", func(s *TypeSlots) *uint64 { return &s.Doc }},
	{"tp_dealloc", func(s *TypeSlots) *uint64 { return &s.Dealloc }},
	{"tp_as_async", func(s *TypeSlots) *uint64 { return &s.AsAsync }},
	{"tp_iter", func(s *TypeSlots) *uint64 { return &s.Iter }},
	{"tp_iternext", func(s *TypeSlots) *uint64 { return &s.IterNext }},
	{"tp_methods", func(s *TypeSlots) *uint64 { return &s.Methods }},
	{"tp_getset", func(s *TypeSlots) *uint64 { return &s.GetSet }},
	{"tp_base", func(s *TypeSlots) *uint64 { return &s.Base }},
	{"tp_init", func(s *TypeSlots) *uint64 { return &s.Init }},
	{"tp_alloc", func(s *TypeSlots) *uint64 { return &s.Alloc }},
	{"tp_new", func(s *TypeSlots) *uint64 { return &s.New }},
	{"tp_free", func(s *TypeSlots) *uint64 { return &s.Free }},
}

// WriteTypeObject clears the whole type descriptor at addr (including the
// generation's trailing fields), gives it an immortal header pointing at
// metatype, and stores slots.
func (d *Descriptor) WriteTypeObject(mem pybridge.Memory, addr, metatype uint64, slots TypeSlots) error {
	l := d.TypeObject
	if err := Zero(mem, addr, l.Size); err != nil {
		return err
	}
	if err := d.InitHeader(mem, addr, metatype, Immortal); err != nil {
		return err
	}
	if err := WriteSigned(mem, addr, l, "tp_basicsize", slots.BasicSize); err != nil {
		return err
	}
	if err := WriteSigned(mem, addr, l, "tp_itemsize", slots.ItemSize); err != nil {
		return err
	}
	if err := d.SetTypeFlags(mem, addr, slots.Flags); err != nil {
		return err
	}
	for _, s := range typePointerSlots {
		if err := WriteField(mem, addr, l, s.path, *s.get(&slots)); err != nil {
			return err
		}
	}
	return nil
}

// ReadTypeSlots decodes the slots of a type descriptor.
func (d *Descriptor) ReadTypeSlots(mem pybridge.Memory, addr uint64) (TypeSlots, error) {
	l := d.TypeObject
	var slots TypeSlots
	var err error
	if slots.BasicSize, err = ReadSigned(mem, addr, l, "tp_basicsize"); err != nil {
		return slots, err
	}
	if slots.ItemSize, err = ReadSigned(mem, addr, l, "tp_itemsize"); err != nil {
		return slots, err
	}
	if slots.Flags, err = d.TypeFlags(mem, addr); err != nil {
		return slots, err
	}
	for _, s := range typePointerSlots {
		v, err := ReadField(mem, addr, l, s.path)
		if err != nil {
			return slots, err
		}
		*s.get(&slots) = v
	}
	return slots, nil
}

// TypeFlags reads tp_flags at its platform width.
func (d *Descriptor) TypeFlags(mem pybridge.Memory, addr uint64) (uint64, error) {
	return ReadField(mem, addr, d.TypeObject, "tp_flags")
}

// SetTypeFlags writes tp_flags. On LLP64 flags above bit 31 do not fit.
func (d *Descriptor) SetTypeFlags(mem pybridge.Memory, addr, flags uint64) error {
	return WriteField(mem, addr, d.TypeObject, "tp_flags", flags)
}
