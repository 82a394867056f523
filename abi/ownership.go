package abi

import (
	"fmt"

	"github.com/wippyai/pybridge"
)

// Ownership is how an object's lifetime is managed.
type Ownership uint8

const (
	// Counted objects use ordinary reference counting and start at 1.
	Counted Ownership = iota + 1
	// Immortal objects carry the sentinel count and are never freed.
	// Module and type descriptors are immortal.
	Immortal
)

func (o Ownership) String() string {
	switch o {
	case Counted:
		return "counted"
	case Immortal:
		return "immortal"
	}
	return fmt.Sprintf("ownership(%d)", uint8(o))
}

// InitHeader writes an object header at addr with the given type pointer.
func (d *Descriptor) InitHeader(mem pybridge.Memory, addr, typ uint64, own Ownership) error {
	var refcnt uint64
	switch own {
	case Counted:
		refcnt = 1
	case Immortal:
		refcnt = ImmortalRefCount
	default:
		return fmt.Errorf("abi: invalid ownership %d", own)
	}
	if err := mem.WriteU64(addr+d.Object.MustOffset("ob_refcnt"), refcnt); err != nil {
		return err
	}
	return mem.WriteU64(addr+d.Object.MustOffset("ob_type"), typ)
}

// RefCount reads ob_refcnt.
func (d *Descriptor) RefCount(mem pybridge.Memory, addr uint64) (uint64, error) {
	return mem.ReadU64(addr + d.Object.MustOffset("ob_refcnt"))
}

// SetRefCount writes ob_refcnt. Callers must not move an object between
// ownership kinds; SetRefCount refuses to write or overwrite the sentinel.
func (d *Descriptor) SetRefCount(mem pybridge.Memory, addr, n uint64) error {
	if d.IsImmortal(n) {
		return fmt.Errorf("abi: refusing to store immortal count %#x at %#x", n, addr)
	}
	cur, err := d.RefCount(mem, addr)
	if err != nil {
		return err
	}
	if d.IsImmortal(cur) {
		return fmt.Errorf("abi: object %#x is immortal", addr)
	}
	return mem.WriteU64(addr+d.Object.MustOffset("ob_refcnt"), n)
}

// ObType reads ob_type.
func (d *Descriptor) ObType(mem pybridge.Memory, addr uint64) (uint64, error) {
	return mem.ReadU64(addr + d.Object.MustOffset("ob_type"))
}

// OwnershipOf classifies the object at addr by its current count.
func (d *Descriptor) OwnershipOf(mem pybridge.Memory, addr uint64) (Ownership, error) {
	n, err := d.RefCount(mem, addr)
	if err != nil {
		return 0, err
	}
	if d.IsImmortal(n) {
		return Immortal, nil
	}
	return Counted, nil
}
