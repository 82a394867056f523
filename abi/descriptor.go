package abi

import (
	"sync"

	"github.com/wippyai/pybridge/abi/internal/layout"
	"github.com/wippyai/pybridge/errors"
)

// Layout is a computed record layout with named field offsets.
type Layout = layout.Info

// Field declares one member of a record.
type Field = layout.Field

// Scalar widths a Field can take.
const (
	Ptr   = layout.Ptr
	SSize = layout.SSize
	Long  = layout.Long
	Int   = layout.Int
	U8    = layout.U8
	U16   = layout.U16
	U32   = layout.U32
	U64   = layout.U64
)

// Descriptor is the full set of interpreter layouts for one generation on one
// platform. It is the only place that knows where interpreter fields live.
type Descriptor struct {
	calc *layout.Calculator

	Object        *Layout // PyObject
	VarObject     *Layout // PyVarObject
	ModuleDefBase *Layout // PyModuleDef_Base
	ModuleDef     *Layout // PyModuleDef
	TypeObject    *Layout // PyTypeObject
	AsyncMethods  *Layout // PyAsyncMethods
	MethodDef     *Layout // PyMethodDef
	GetSetDef     *Layout // PyGetSetDef

	Generation Generation
	Platform   Platform
}

type descKey struct {
	gen  Generation
	plat Platform
}

var (
	descMu    sync.Mutex
	descCache = map[descKey]*Descriptor{}
)

// Describe returns the descriptor for a generation and platform.
func Describe(gen Generation, plat Platform) (*Descriptor, error) {
	if gen == GenUnknown || gen > GenVersioned {
		return nil, errors.New(errors.PhaseDescribe, errors.KindABIMismatch).
			Generation(gen.String()).
			Detail("no descriptor for generation").
			Build()
	}
	model, ok := plat.model()
	if !ok {
		return nil, errors.New(errors.PhaseDescribe, errors.KindABIMismatch).
			Generation(gen.String()).
			Detail("no data model for platform %s", plat).
			Build()
	}

	descMu.Lock()
	defer descMu.Unlock()

	key := descKey{gen: gen, plat: plat}
	if d, ok := descCache[key]; ok {
		return d, nil
	}
	d := build(gen, plat, layout.NewCalculator(model))
	descCache[key] = d
	return d, nil
}

func build(gen Generation, plat Platform, c *layout.Calculator) *Descriptor {
	d := &Descriptor{calc: c, Generation: gen, Platform: plat}

	d.Object = c.Record("PyObject", []Field{
		{Name: "ob_refcnt", Scalar: SSize},
		{Name: "ob_type", Scalar: Ptr},
	})
	d.VarObject = c.Extend("PyVarObject", "ob_base", d.Object, []Field{
		{Name: "ob_size", Scalar: SSize},
	})

	d.ModuleDefBase = c.Extend("PyModuleDef_Base", "ob_base", d.Object, []Field{
		{Name: "m_init", Scalar: Ptr},
		{Name: "m_index", Scalar: SSize},
		{Name: "m_copy", Scalar: Ptr},
	})
	d.ModuleDef = c.Extend("PyModuleDef", "m_base", d.ModuleDefBase, []Field{
		{Name: "m_name", Scalar: Ptr},
		{Name: "m_doc", Scalar: Ptr},
		{Name: "m_size", Scalar: SSize},
		{Name: "m_methods", Scalar: Ptr},
		{Name: "m_slots", Scalar: Ptr},
		{Name: "m_traverse", Scalar: Ptr},
		{Name: "m_clear", Scalar: Ptr},
		{Name: "m_free", Scalar: Ptr},
	})

	d.MethodDef = c.Record("PyMethodDef", []Field{
		{Name: "ml_name", Scalar: Ptr},
		{Name: "ml_meth", Scalar: Ptr},
		{Name: "ml_flags", Scalar: Int},
		{Name: "ml_doc", Scalar: Ptr},
	})
	d.GetSetDef = c.Record("PyGetSetDef", []Field{
		{Name: "name", Scalar: Ptr},
		{Name: "get", Scalar: Ptr},
		{Name: "set", Scalar: Ptr},
		{Name: "doc", Scalar: Ptr},
		{Name: "closure", Scalar: Ptr},
	})

	async := []Field{
		{Name: "am_await", Scalar: Ptr},
		{Name: "am_aiter", Scalar: Ptr},
		{Name: "am_anext", Scalar: Ptr},
	}
	if gen.HasSend() {
		async = append(async, Field{Name: "am_send", Scalar: Ptr})
	}
	d.AsyncMethods = c.Record("PyAsyncMethods", async)

	d.TypeObject = c.Extend("PyTypeObject", "ob_base", d.VarObject, typeObjectFields(gen))
	return d
}

func typeObjectFields(gen Generation) []Field {
	fields := []Field{
		{Name: "tp_name", Scalar: Ptr},
		{Name: "tp_basicsize", Scalar: SSize},
		{Name: "tp_itemsize", Scalar: SSize},
		{Name: "tp_dealloc", Scalar: Ptr},
		{Name: "tp_vectorcall_offset", Scalar: SSize},
		{Name: "tp_getattr", Scalar: Ptr},
		{Name: "tp_setattr", Scalar: Ptr},
		{Name: "tp_as_async", Scalar: Ptr},
		{Name: "tp_repr", Scalar: Ptr},
		{Name: "tp_as_number", Scalar: Ptr},
		{Name: "tp_as_sequence", Scalar: Ptr},
		{Name: "tp_as_mapping", Scalar: Ptr},
		{Name: "tp_hash", Scalar: Ptr},
		{Name: "tp_call", Scalar: Ptr},
		{Name: "tp_str", Scalar: Ptr},
		{Name: "tp_getattro", Scalar: Ptr},
		{Name: "tp_setattro", Scalar: Ptr},
		{Name: "tp_as_buffer", Scalar: Ptr},
		{Name: "tp_flags", Scalar: Long},
		{Name: "tp_doc", Scalar: Ptr},
		{Name: "tp_traverse", Scalar: Ptr},
		{Name: "tp_clear", Scalar: Ptr},
		{Name: "tp_richcompare", Scalar: Ptr},
		{Name: "tp_weaklistoffset", Scalar: SSize},
		{Name: "tp_iter", Scalar: Ptr},
		{Name: "tp_iternext", Scalar: Ptr},
		{Name: "tp_methods", Scalar: Ptr},
		{Name: "tp_members", Scalar: Ptr},
		{Name: "tp_getset", Scalar: Ptr},
		{Name: "tp_base", Scalar: Ptr},
		{Name: "tp_dict", Scalar: Ptr},
		{Name: "tp_descr_get", Scalar: Ptr},
		{Name: "tp_descr_set", Scalar: Ptr},
		{Name: "tp_dictoffset", Scalar: SSize},
		{Name: "tp_init", Scalar: Ptr},
		{Name: "tp_alloc", Scalar: Ptr},
		{Name: "tp_new", Scalar: Ptr},
		{Name: "tp_free", Scalar: Ptr},
		{Name: "tp_is_gc", Scalar: Ptr},
		{Name: "tp_bases", Scalar: Ptr},
		{Name: "tp_mro", Scalar: Ptr},
		{Name: "tp_cache", Scalar: Ptr},
		{Name: "tp_subclasses", Scalar: Ptr},
		{Name: "tp_weaklist", Scalar: Ptr},
		{Name: "tp_del", Scalar: Ptr},
		{Name: "tp_version_tag", Scalar: Int},
		{Name: "tp_finalize", Scalar: Ptr},
		{Name: "tp_vectorcall", Scalar: Ptr},
	}
	if gen.HasPrint() {
		fields = append(fields, Field{Name: "tp_print", Scalar: Ptr})
	}
	if gen.HasWatched() {
		fields = append(fields, Field{Name: "tp_watched", Scalar: U8})
	}
	if gen.HasVersionsUsed() {
		fields = append(fields, Field{Name: "tp_versions_used", Scalar: U16})
	}
	return fields
}

// Instance lays out a native instance record: the object header followed by
// fields. The header is nested under "ob_base".
func (d *Descriptor) Instance(name string, fields ...Field) *Layout {
	return d.calc.Extend(name, "ob_base", d.Object, fields)
}

// PtrSize is the width of a pointer on the described platform.
func (d *Descriptor) PtrSize() uint64 {
	return d.calc.Model().PtrSize
}

// All returns every layout in a fixed order for listing.
func (d *Descriptor) All() []*Layout {
	return []*Layout{
		d.Object,
		d.VarObject,
		d.ModuleDefBase,
		d.ModuleDef,
		d.TypeObject,
		d.AsyncMethods,
		d.MethodDef,
		d.GetSetDef,
	}
}

// IsImmortal reports whether a reference count carries the immortal sentinel
// under this generation's rules.
func (d *Descriptor) IsImmortal(refcnt uint64) bool {
	if d.Generation >= GenWatched {
		return int32(uint32(refcnt)) < 0
	}
	return refcnt >= ImmortalRefCount
}
