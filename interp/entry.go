package interp

import "fmt"

// EntryKind is the C signature of a native entry point.
type EntryKind uint8

const (
	// EntryMethod is PyCFunction: (self, arg) -> object.
	EntryMethod EntryKind = iota + 1
	// EntryUnary is unaryfunc: (self) -> object. The index is a UnarySlot.
	EntryUnary
	// EntryNew is newfunc: (type, args, kwargs) -> object.
	EntryNew
	// EntryAlloc is allocfunc: (type, nitems) -> object.
	EntryAlloc
	// EntryDealloc is destructor: (self).
	EntryDealloc
	// EntryGetter is getter: (self, closure) -> object.
	EntryGetter
	// EntrySetter is setter: (self, value, closure) -> int.
	EntrySetter
)

func (k EntryKind) String() string {
	switch k {
	case EntryMethod:
		return "method"
	case EntryUnary:
		return "unary"
	case EntryNew:
		return "new"
	case EntryAlloc:
		return "alloc"
	case EntryDealloc:
		return "dealloc"
	case EntryGetter:
		return "getter"
	case EntrySetter:
		return "setter"
	}
	return fmt.Sprintf("entry(%d)", uint8(k))
}

// UnarySlot indexes the unaryfunc slots.
type UnarySlot int

const (
	SlotAwait UnarySlot = iota
	SlotAIter
	SlotANext
	SlotIter
	SlotIterNext
	unarySlotCount
)

func (s UnarySlot) String() string {
	switch s {
	case SlotAwait:
		return "am_await"
	case SlotAIter:
		return "am_aiter"
	case SlotANext:
		return "am_anext"
	case SlotIter:
		return "tp_iter"
	case SlotIterNext:
		return "tp_iternext"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Entry point counts. Backends expose exactly this many trampolines, which
// bounds the methods and properties one owner can declare.
const (
	MaxMethods    = 8
	MaxProperties = 4
	UnarySlots    = int(unarySlotCount)
)

// EntryCount is the number of indices valid for kind.
func EntryCount(kind EntryKind) int {
	switch kind {
	case EntryMethod:
		return MaxMethods
	case EntryUnary:
		return UnarySlots
	case EntryGetter, EntrySetter:
		return MaxProperties
	case EntryNew, EntryAlloc, EntryDealloc:
		return 1
	}
	return 0
}

// ValidEntry reports whether (kind, index) names an existing trampoline.
func ValidEntry(kind EntryKind, index int) bool {
	return index >= 0 && index < EntryCount(kind)
}
