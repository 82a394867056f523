package pybridge

// Memory is a view of the interpreter's address space.
// Addresses are native pointers; multi-byte values are little-endian.
type Memory interface {
	Read(addr uint64, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	WriteU8(addr uint64, value uint8) error
	WriteU16(addr uint64, value uint16) error
	WriteU32(addr uint64, value uint32) error
	WriteU64(addr uint64, value uint64) error
}

// Allocator hands out raw interpreter memory for descriptors and tables.
// Returned memory is not zeroed.
type Allocator interface {
	Alloc(size, align uint64) (uint64, error)
	Free(addr uint64)
}
