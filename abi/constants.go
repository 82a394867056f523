package abi

// APIVersion is PYTHON_ABI_VERSION, passed to PyModule_Create2.
// It stays 3 for the lifetime of Python 3 (PEP 384).
const APIVersion = 3

// Type flags (tp_flags).
const (
	TPFlagsHeapType    uint64 = 1 << 9
	TPFlagsBaseType    uint64 = 1 << 10
	TPFlagsReady       uint64 = 1 << 12
	TPFlagsHaveGC      uint64 = 1 << 14
	TPFlagsHaveVersion uint64 = 1 << 18

	// TPFlagsDefault is Py_TPFLAGS_DEFAULT for every supported generation.
	TPFlagsDefault = TPFlagsHaveVersion
)

// Calling conventions (ml_flags).
const (
	MethNoArgs int32 = 0x0004
	MethO      int32 = 0x0008
)

// ImmortalRefCount is the sentinel reference count of never-freed singletons.
// It is UINT_MAX on 64-bit builds; 3.12+ treat any count whose low 32 bits are
// negative as immortal.
const ImmortalRefCount uint64 = 0x00000000FFFFFFFF

// PoisonByte fills fresh, uninitialised allocations in debug allocators
// (PYMEM_CLEANBYTE).
const PoisonByte = 0xCD
