package builder

import (
	"fmt"

	"github.com/wippyai/pybridge"
	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// CallConv is a method's calling convention.
type CallConv int32

const (
	// NoArgs methods take no arguments (METH_NOARGS).
	NoArgs = CallConv(abi.MethNoArgs)
	// OneArg methods take exactly one positional argument (METH_O).
	OneArg = CallConv(abi.MethO)
)

func (c CallConv) String() string {
	switch c {
	case NoArgs:
		return "noargs"
	case OneArg:
		return "o"
	}
	return fmt.Sprintf("callconv(%#x)", int32(c))
}

// Method declares one native method. For NoArgs methods the handler's arg
// is NULL.
type Method struct {
	Func interp.MethodFunc
	Name string
	Doc  string
	Conv CallConv
}

// Property declares a native attribute. A nil Set makes it read-only.
type Property struct {
	Get  interp.GetterFunc
	Set  interp.SetterFunc
	Name string
	Doc  string
}

// arena allocates process-lifetime descriptor memory. Descriptors are never
// freed once the interpreter has seen them; arena only releases what was
// allocated by a build that failed before publishing anything.
type arena struct {
	mem    pybridge.Memory
	alloc  pybridge.Allocator
	phase  errors.Phase
	blocks []uint64
}

func newArena(api interp.API, phase errors.Phase) *arena {
	return &arena{mem: api.Memory(), alloc: api.Allocator(), phase: phase}
}

func (a *arena) zeroed(size uint64) (uint64, error) {
	addr, err := abi.AllocZeroed(a.mem, a.alloc, size, 8)
	if err != nil {
		return 0, errors.New(a.phase, errors.KindAllocation).
			Cause(err).
			Detail("allocate %d-byte descriptor", size).
			Build()
	}
	a.blocks = append(a.blocks, addr)
	return addr, nil
}

// cstring returns 0 for the empty string so optional docs stay NULL.
func (a *arena) cstring(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	addr, err := abi.WriteCString(a.mem, a.alloc, s)
	if err != nil {
		return 0, errors.New(a.phase, errors.KindAllocation).
			Cause(err).
			Detail("allocate string %q", s).
			Build()
	}
	a.blocks = append(a.blocks, addr)
	return addr, nil
}

func (a *arena) release() {
	for _, b := range a.blocks {
		a.alloc.Free(b)
	}
	a.blocks = nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// methodTable writes methods and their sentinel, returning the table
// address and the handlers in table order.
func methodTable(api interp.API, a *arena, owner string, methods []Method) (uint64, []interp.MethodFunc, error) {
	if len(methods) > interp.MaxMethods {
		return 0, nil, errors.InvalidInput(errors.PhaseBuild,
			fmt.Sprintf("%s declares %d methods, at most %d supported", owner, len(methods), interp.MaxMethods))
	}
	d := api.ABI()
	seen := make(map[string]bool, len(methods))
	entries := make([]abi.MethodEntry, len(methods))
	funcs := make([]interp.MethodFunc, len(methods))
	for i, m := range methods {
		if !validName(m.Name) || seen[m.Name] {
			return 0, nil, errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s: invalid or duplicate method name %q", owner, m.Name))
		}
		if m.Func == nil {
			return 0, nil, errors.InvalidInput(errors.PhaseBuild, fmt.Sprintf("%s.%s has no handler", owner, m.Name))
		}
		if m.Conv != NoArgs && m.Conv != OneArg {
			return 0, nil, errors.Unsupported(errors.PhaseBuild, fmt.Sprintf("%s.%s: calling convention %s", owner, m.Name, m.Conv))
		}
		seen[m.Name] = true

		name, err := a.cstring(m.Name)
		if err != nil {
			return 0, nil, err
		}
		doc, err := a.cstring(m.Doc)
		if err != nil {
			return 0, nil, err
		}
		entry, err := api.Entry(interp.EntryMethod, i)
		if err != nil {
			return 0, nil, err
		}
		entries[i] = abi.MethodEntry{Name: name, Func: entry, Flags: int32(m.Conv), Doc: doc}
		funcs[i] = m.Func
	}

	table, err := a.zeroed(d.MethodTableSize(len(entries)))
	if err != nil {
		return 0, nil, err
	}
	if err := d.WriteMethodTable(api.Memory(), table, entries); err != nil {
		return 0, nil, err
	}
	return table, funcs, nil
}
