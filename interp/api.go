package interp

import (
	"github.com/wippyai/pybridge"
	"github.com/wippyai/pybridge/abi"
)

// Object is the address of an interpreter object. Zero is NULL.
type Object uint64

// IsNull reports whether o is NULL.
func (o Object) IsNull() bool { return o == 0 }

// API is the provider surface an interpreter backend implements. It is
// selected once at startup; everything above it works in terms of Objects,
// entry addresses and the abi.Descriptor it reports.
//
// Unless noted, methods must be called with the execution lock held.
type API interface {
	// Version is the running interpreter's version.
	Version() abi.Version
	// ABI is the descriptor matching the running interpreter.
	ABI() *abi.Descriptor
	// Memory is the interpreter address space.
	Memory() pybridge.Memory
	// Allocator hands out raw, process-lifetime memory for descriptors.
	Allocator() pybridge.Allocator
	// Registry holds the Go handlers behind native entry points.
	Registry() *Registry

	// Entry returns the native address the interpreter calls for a slot.
	Entry(kind EntryKind, index int) (uint64, error)

	// ModuleCreate creates a module from a module descriptor.
	ModuleCreate(def uint64, apiVersion int) (Object, error)
	// InternString returns a new reference to an interned string.
	InternString(s string) (Object, error)
	// ModuleRegistry returns a borrowed reference to the live module table.
	ModuleRegistry() (Object, error)
	// DictSetItem stores value under key without stealing either reference.
	DictSetItem(dict, key, value Object) error
	// GetModule returns a new reference to an entry of the module table
	// without triggering an import.
	GetModule(name string) (Object, bool)
	// Import resolves a module by name and returns a new reference.
	Import(name string) (Object, error)
	// AllocTypeObject returns zeroed, process-lifetime storage for a heap
	// type descriptor named qualname. Backends whose heap types carry more
	// than the type object (CPython's PyHeapTypeObject) size and fill the
	// extra fields here.
	AllocTypeObject(qualname string) (uint64, error)
	// TypeType is the metatype used for new type descriptors.
	TypeType() Object
	// TypeReady validates and finalizes a type descriptor.
	TypeReady(typ Object) error
	// ModuleAddObject attaches value as a module attribute, stealing the
	// reference on success.
	ModuleAddObject(module Object, name string, value Object) error

	// IncRef and DecRef adjust counted objects and leave immortal ones alone.
	IncRef(o Object)
	DecRef(o Object)
	// GenericAlloc is PyType_GenericAlloc: a zeroed, counted instance.
	GenericAlloc(typ Object, nitems int64) (Object, error)
	// TypeAlloc allocates an instance through the type's tp_alloc slot.
	TypeAlloc(typ Object, nitems int64) (Object, error)
	// Free releases an instance through its type's tp_free.
	Free(o Object)
	// TypeOf reads ob_type.
	TypeOf(o Object) Object
	// None returns a new reference to None.
	None() Object

	// SetError raises an exception of the given kind.
	SetError(kind ExcKind, msg string)
	// SetStopIteration raises StopIteration carrying value.
	SetStopIteration(value Object)

	// FromHost converts a Go value to a new interpreter reference.
	FromHost(v any) (Object, error)
	// ToHost converts an interpreter object to a Go value.
	ToHost(o Object) (any, error)

	// Ensure acquires the execution lock from any goroutine. It may be
	// called without the lock held and must not be called while holding it.
	Ensure() (release func())
	// Wake nudges the interpreter's scheduling loop. Safe without the lock.
	Wake()
}
