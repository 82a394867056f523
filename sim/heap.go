package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
)

const (
	pageSize = 65536
	// Allocations are 16-byte aligned, like pymalloc.
	heapAlign = 16
	// deadByte fills freed blocks (PYMEM_DEADBYTE).
	deadByte = 0xDD
)

// heapModule builds a module that only declares and exports a memory
// named "heap" with two initial pages and the given maximum.
func heapModule(maxPages uint32) []byte {
	limits := []byte{0x01}
	limits = appendULEB(limits, 2)
	limits = appendULEB(limits, uint64(maxPages))

	memSec := append([]byte{0x01}, limits...)
	expSec := []byte{0x01, 0x04, 'h', 'e', 'a', 'p', 0x02, 0x00}

	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, 0x05)
	bin = appendULEB(bin, uint64(len(memSec)))
	bin = append(bin, memSec...)
	bin = append(bin, 0x07)
	bin = appendULEB(bin, uint64(len(expSec)))
	bin = append(bin, expSec...)
	return bin
}

func appendULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// Heap is the interpreter address space: one wazero linear memory with a
// size-class allocator on top. The first page is never handed out, so
// NULL and small offsets from it always fault.
type Heap struct {
	rt     wazero.Runtime
	mem    api.Memory
	free   map[uint64][]uint64
	live   map[uint64]uint64
	next   uint64
	bytes  uint64
	mu     sync.Mutex
	poison bool
}

// NewHeap instantiates the backing memory.
func NewHeap(ctx context.Context, maxPages uint32, poison bool) (*Heap, error) {
	if maxPages < 2 {
		return nil, errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("heap needs at least 2 pages, got %d", maxPages))
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	mod, err := rt.Instantiate(ctx, heapModule(maxPages))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, "instantiate heap")
	}
	mem := mod.ExportedMemory("heap")
	if mem == nil {
		_ = rt.Close(ctx)
		return nil, errors.NotFound(errors.PhaseMemory, "memory export", "heap")
	}
	return &Heap{
		rt:     rt,
		mem:    mem,
		free:   make(map[uint64][]uint64),
		live:   make(map[uint64]uint64),
		next:   pageSize,
		poison: poison,
	}, nil
}

// Close releases the wazero runtime.
func (h *Heap) Close(ctx context.Context) error {
	return h.rt.Close(ctx)
}

func sizeClass(n uint64) uint64 {
	if n == 0 {
		n = 1
	}
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

// Alloc returns an uninitialised block. With poisoning on, it is filled
// with abi.PoisonByte.
func (h *Heap) Alloc(size, align uint64) (uint64, error) {
	if align > heapAlign || align&(align-1) != 0 {
		return 0, errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("unsupported alignment %d", align))
	}
	class := sizeClass(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	var addr uint64
	if list := h.free[class]; len(list) > 0 {
		addr = list[len(list)-1]
		h.free[class] = list[:len(list)-1]
	} else {
		addr = h.next
		end := addr + class
		if end > uint64(h.mem.Size()) {
			need := (end - uint64(h.mem.Size()) + pageSize - 1) / pageSize
			if _, ok := h.mem.Grow(uint32(need)); !ok {
				return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
			}
		}
		h.next = end
	}
	h.live[addr] = class
	h.bytes += class

	if h.poison {
		h.fill(addr, class, abi.PoisonByte)
	}
	return addr, nil
}

// Free returns a block to its size class. Unknown or already freed
// addresses are logged and ignored.
func (h *Heap) Free(addr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	class, ok := h.live[addr]
	if !ok {
		Logger().Error("free of unknown block", zap.Uint64("addr", addr))
		return
	}
	delete(h.live, addr)
	h.bytes -= class
	if h.poison {
		h.fill(addr, class, deadByte)
	}
	h.free[class] = append(h.free[class], addr)
}

func (h *Heap) fill(addr, n uint64, b byte) {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	h.mem.Write(uint32(addr), buf)
}

// Live reports the number of allocated blocks and their total size.
func (h *Heap) Live() (blocks int, bytes uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live), h.bytes
}

// IsLive reports whether addr is the start of an allocated block.
func (h *Heap) IsLive(addr uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.live[addr]
	return ok
}

func (h *Heap) offset(addr, n uint64) (uint32, error) {
	if addr < pageSize || addr+n > uint64(h.mem.Size()) || addr+n < addr {
		return 0, errors.OutOfBounds(addr, n)
	}
	return uint32(addr), nil
}

func (h *Heap) Read(addr, length uint64) ([]byte, error) {
	off, err := h.offset(addr, length)
	if err != nil {
		return nil, err
	}
	data, ok := h.mem.Read(off, uint32(length))
	if !ok {
		return nil, errors.OutOfBounds(addr, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (h *Heap) Write(addr uint64, data []byte) error {
	off, err := h.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if !h.mem.Write(off, data) {
		return errors.OutOfBounds(addr, uint64(len(data)))
	}
	return nil
}

func (h *Heap) ReadU8(addr uint64) (uint8, error) {
	off, err := h.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	v, ok := h.mem.ReadByte(off)
	if !ok {
		return 0, errors.OutOfBounds(addr, 1)
	}
	return v, nil
}

func (h *Heap) ReadU16(addr uint64) (uint16, error) {
	off, err := h.offset(addr, 2)
	if err != nil {
		return 0, err
	}
	v, ok := h.mem.ReadUint16Le(off)
	if !ok {
		return 0, errors.OutOfBounds(addr, 2)
	}
	return v, nil
}

func (h *Heap) ReadU32(addr uint64) (uint32, error) {
	off, err := h.offset(addr, 4)
	if err != nil {
		return 0, err
	}
	v, ok := h.mem.ReadUint32Le(off)
	if !ok {
		return 0, errors.OutOfBounds(addr, 4)
	}
	return v, nil
}

func (h *Heap) ReadU64(addr uint64) (uint64, error) {
	off, err := h.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	v, ok := h.mem.ReadUint64Le(off)
	if !ok {
		return 0, errors.OutOfBounds(addr, 8)
	}
	return v, nil
}

func (h *Heap) WriteU8(addr uint64, value uint8) error {
	off, err := h.offset(addr, 1)
	if err != nil {
		return err
	}
	if !h.mem.WriteByte(off, value) {
		return errors.OutOfBounds(addr, 1)
	}
	return nil
}

func (h *Heap) WriteU16(addr uint64, value uint16) error {
	off, err := h.offset(addr, 2)
	if err != nil {
		return err
	}
	if !h.mem.WriteUint16Le(off, value) {
		return errors.OutOfBounds(addr, 2)
	}
	return nil
}

func (h *Heap) WriteU32(addr uint64, value uint32) error {
	off, err := h.offset(addr, 4)
	if err != nil {
		return err
	}
	if !h.mem.WriteUint32Le(off, value) {
		return errors.OutOfBounds(addr, 4)
	}
	return nil
}

func (h *Heap) WriteU64(addr uint64, value uint64) error {
	off, err := h.offset(addr, 8)
	if err != nil {
		return err
	}
	if !h.mem.WriteUint64Le(off, value) {
		return errors.OutOfBounds(addr, 8)
	}
	return nil
}
