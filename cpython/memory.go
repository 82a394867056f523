//go:build cpython

package cpython

/*
#include <stdlib.h>
#include <Python.h>
*/
import "C"

import (
	"encoding/binary"
	"unsafe"

	"github.com/wippyai/pybridge/errors"
)

// nullGuard rejects addresses no object can live at.
const nullGuard = 4096

// rawMemory is the process address space. Reads and writes are only
// checked against NULL; descriptors must only hand it interpreter-owned
// addresses.
type rawMemory struct{}

func (rawMemory) span(addr, n uint64) ([]byte, error) {
	if addr < nullGuard || addr+n < addr {
		return nil, errors.OutOfBounds(addr, n)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n), nil
}

func (m rawMemory) Read(addr, length uint64) ([]byte, error) {
	src, err := m.span(addr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

func (m rawMemory) Write(addr uint64, data []byte) error {
	dst, err := m.span(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (m rawMemory) ReadU8(addr uint64) (uint8, error) {
	b, err := m.span(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m rawMemory) ReadU16(addr uint64) (uint16, error) {
	b, err := m.span(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m rawMemory) ReadU32(addr uint64) (uint32, error) {
	b, err := m.span(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m rawMemory) ReadU64(addr uint64) (uint64, error) {
	b, err := m.span(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m rawMemory) WriteU8(addr uint64, v uint8) error {
	b, err := m.span(addr, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (m rawMemory) WriteU16(addr uint64, v uint16) error {
	b, err := m.span(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (m rawMemory) WriteU32(addr uint64, v uint32) error {
	b, err := m.span(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m rawMemory) WriteU64(addr uint64, v uint64) error {
	b, err := m.span(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// rawAllocator hands out PyMem_Raw blocks. They are zeroed and aligned for
// any scalar.
type rawAllocator struct{}

func (rawAllocator) Alloc(size, align uint64) (uint64, error) {
	if align > 16 || align&(align-1) != 0 {
		return 0, errors.InvalidInput(errors.PhaseMemory, "unsupported alignment")
	}
	if size == 0 {
		size = 1
	}
	p := C.PyMem_RawCalloc(1, C.size_t(size))
	if p == nil {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	return uint64(uintptr(p)), nil
}

func (rawAllocator) Free(addr uint64) {
	C.PyMem_RawFree(unsafe.Pointer(uintptr(addr)))
}
