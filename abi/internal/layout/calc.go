package layout

import (
	"fmt"
	"strings"
)

// Scalar is a C scalar as it appears in interpreter structs.
type Scalar uint8

const (
	Ptr   Scalar = iota + 1 // data or function pointer
	SSize                   // Py_ssize_t
	Long                    // long / unsigned long
	Int                     // int / unsigned int
	U8
	U16
	U32
	U64
)

func (s Scalar) String() string {
	switch s {
	case Ptr:
		return "ptr"
	case SSize:
		return "ssize_t"
	case Long:
		return "long"
	case Int:
		return "int"
	case U8:
		return "uint8"
	case U16:
		return "uint16"
	case U32:
		return "uint32"
	case U64:
		return "uint64"
	}
	return "invalid"
}

// Model is a platform data model.
type Model struct {
	Name     string
	PtrSize  uint64
	LongSize uint64
	IntSize  uint64
}

var (
	LP64  = Model{Name: "LP64", PtrSize: 8, LongSize: 8, IntSize: 4}
	LLP64 = Model{Name: "LLP64", PtrSize: 8, LongSize: 4, IntSize: 4}
)

// Width returns the size of s under the model.
func (m Model) Width(s Scalar) uint64 {
	switch s {
	case Ptr, SSize:
		return m.PtrSize
	case Long:
		return m.LongSize
	case Int:
		return m.IntSize
	case U8:
		return 1
	case U16:
		return 2
	case U32:
		return 4
	case U64:
		return 8
	}
	return 0
}

// Field is one member of a record declaration. Exactly one of Scalar or
// Record is set.
type Field struct {
	Name   string
	Scalar Scalar
	Record *Info
}

// Placed is a field with its computed position.
type Placed struct {
	Nested *Info
	Name   string
	Offset uint64
	Size   uint64
	Scalar Scalar
}

// Info is a computed record layout.
type Info struct {
	offs   map[string]int
	Name   string
	Fields []Placed
	Size   uint64
	Align  uint64
}

// Offset returns the byte offset of a field. Nested fields use dotted paths
// ("ob_base.ob_type"); a name not found at the top level is also searched in
// nested records in declaration order.
func (i *Info) Offset(path string) (uint64, bool) {
	p, ok := i.Field(path)
	if !ok {
		return 0, false
	}
	return p.Offset, true
}

// Field returns the placed field for a path, with its offset relative to the
// start of i.
func (i *Info) Field(path string) (Placed, bool) {
	head, rest, dotted := strings.Cut(path, ".")
	if idx, ok := i.offs[head]; ok {
		f := i.Fields[idx]
		if !dotted {
			return f, true
		}
		if f.Nested == nil {
			return Placed{}, false
		}
		inner, ok := f.Nested.Field(rest)
		if !ok {
			return Placed{}, false
		}
		inner.Offset += f.Offset
		return inner, true
	}
	if dotted {
		return Placed{}, false
	}
	for _, f := range i.Fields {
		if f.Nested == nil {
			continue
		}
		if inner, ok := f.Nested.Field(path); ok {
			inner.Offset += f.Offset
			return inner, true
		}
	}
	return Placed{}, false
}

// MustOffset is Offset for fields known to exist.
func (i *Info) MustOffset(path string) uint64 {
	off, ok := i.Offset(path)
	if !ok {
		panic(fmt.Sprintf("layout: %s has no field %q", i.Name, path))
	}
	return off
}

// Has reports whether the record declares the field.
func (i *Info) Has(path string) bool {
	_, ok := i.Field(path)
	return ok
}

type Calculator struct {
	model Model
}

func NewCalculator(m Model) *Calculator {
	return &Calculator{model: m}
}

func (c *Calculator) Model() Model {
	return c.model
}

// Record lays out fields in declaration order.
func (c *Calculator) Record(name string, fields []Field) *Info {
	info := &Info{
		Name:   name,
		Fields: make([]Placed, 0, len(fields)),
		offs:   make(map[string]int, len(fields)),
		Align:  1,
	}

	offset := uint64(0)
	for _, f := range fields {
		size, align := c.sizeAlign(f)

		offset = AlignTo(offset, align)
		info.offs[f.Name] = len(info.Fields)
		info.Fields = append(info.Fields, Placed{
			Name:   f.Name,
			Offset: offset,
			Size:   size,
			Scalar: f.Scalar,
			Nested: f.Record,
		})

		if align > info.Align {
			info.Align = align
		}
		offset += size
	}

	info.Size = AlignTo(offset, info.Align)
	return info
}

// Extend returns a record that starts with base (as a nested field named
// baseName) followed by fields.
func (c *Calculator) Extend(name, baseName string, base *Info, fields []Field) *Info {
	all := make([]Field, 0, len(fields)+1)
	all = append(all, Field{Name: baseName, Record: base})
	all = append(all, fields...)
	return c.Record(name, all)
}

func (c *Calculator) sizeAlign(f Field) (uint64, uint64) {
	if f.Record != nil {
		return f.Record.Size, f.Record.Align
	}
	w := c.model.Width(f.Scalar)
	if w == 0 {
		return 0, 1
	}
	return w, w
}

// AlignTo rounds v up to a multiple of align.
func AlignTo(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
