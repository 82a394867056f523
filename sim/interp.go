package sim

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/wippyai/pybridge"
	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// Options configure a reference interpreter.
type Options struct {
	// Version is the interpreter version to impersonate, e.g. "3.12.4".
	Version string
	// Platform selects the data model; zero means the host's.
	Platform abi.Platform
	// HeapMaxPages bounds the linear memory (64 KiB pages).
	HeapMaxPages uint32
	// Poison fills fresh allocations with 0xCD and freed ones with 0xDD.
	Poison bool
}

// DefaultOptions impersonates 3.12 with a 16 MiB heap and poisoning on.
func DefaultOptions() Options {
	return Options{
		Version:      "3.12.4",
		HeapMaxPages: 256,
		Poison:       true,
	}
}

const (
	// Native entry points live far above any heap address.
	entryBase   = 0xF000_0000_0000
	builtinBase = 0xF100_0000_0000
	entryStride = 16

	// tableLimit bounds every method/property table scan.
	tableLimit = 64
	// nameLimit bounds C string reads.
	nameLimit = 256
)

type builtinFunc uint8

const (
	builtinGenericAlloc builtinFunc = iota + 1
	builtinObjectFree
	builtinDealloc
)

type native struct {
	kind    interp.EntryKind
	index   int
	builtin builtinFunc
}

type pendingExc struct {
	msg   string
	kind  interp.ExcKind
	value interp.Object
}

// Interp is a reference interpreter that honours the CPython object ABI
// for one generation. Objects, type descriptors and tables live in a
// wazero linear memory and are read through abi.Descriptor exactly as the
// real interpreter would read them.
type Interp struct {
	heap    *Heap
	desc    *abi.Descriptor
	reg     *interp.Registry
	enc     cbor.EncMode
	dec     cbor.DecMode
	version abi.Version

	gil  sync.Mutex
	wake chan struct{}

	natives  map[uint64]native
	types    map[interp.Object]*typeInfo
	modules  map[interp.Object]*moduleInfo
	dicts    map[interp.Object]map[string]dictEntry
	interned map[string]interp.Object

	strLayout    *abi.Layout
	valueLayout  *abi.Layout
	dictLayout   *abi.Layout
	moduleLayout *abi.Layout

	object     interp.Object
	typeType   interp.Object
	moduleType interp.Object
	noneType   interp.Object
	strType    interp.Object
	valueType  interp.Object
	dictType   interp.Object
	none       interp.Object
	sysModules interp.Object

	exc *pendingExc
}

var _ interp.API = (*Interp)(nil)

// New boots a reference interpreter.
func New(ctx context.Context, opts Options) (*Interp, error) {
	version, gen, err := abi.DetectString(opts.Version)
	if err != nil {
		return nil, err
	}
	plat := opts.Platform
	if plat == abi.PlatformUnknown {
		if plat, err = abi.DetectPlatform(runtime.GOOS, runtime.GOARCH); err != nil {
			return nil, err
		}
	}
	desc, err := abi.Describe(gen, plat)
	if err != nil {
		return nil, err
	}
	if opts.HeapMaxPages == 0 {
		opts.HeapMaxPages = DefaultOptions().HeapMaxPages
	}
	heap, err := NewHeap(ctx, opts.HeapMaxPages, opts.Poison)
	if err != nil {
		return nil, err
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}

	s := &Interp{
		heap:     heap,
		desc:     desc,
		reg:      interp.NewRegistry(),
		enc:      enc,
		dec:      dec,
		version:  version,
		wake:     make(chan struct{}, 1),
		natives:  make(map[uint64]native),
		types:    make(map[interp.Object]*typeInfo),
		modules:  make(map[interp.Object]*moduleInfo),
		dicts:    make(map[interp.Object]map[string]dictEntry),
		interned: make(map[string]interp.Object),
	}
	s.registerEntries()
	if err := s.bootstrap(); err != nil {
		_ = heap.Close(ctx)
		return nil, err
	}
	Logger().Debug("reference interpreter started",
		zap.String("version", version.String()),
		zap.String("generation", gen.String()),
		zap.String("platform", plat.String()))
	return s, nil
}

// Close releases the heap. Objects must not be used afterwards.
func (s *Interp) Close(ctx context.Context) error {
	return s.heap.Close(ctx)
}

func (s *Interp) registerEntries() {
	for _, kind := range []interp.EntryKind{
		interp.EntryMethod, interp.EntryUnary, interp.EntryNew, interp.EntryAlloc,
		interp.EntryDealloc, interp.EntryGetter, interp.EntrySetter,
	} {
		for i := 0; i < interp.EntryCount(kind); i++ {
			s.natives[entryAddr(kind, i)] = native{kind: kind, index: i}
		}
	}
	for _, b := range []builtinFunc{builtinGenericAlloc, builtinObjectFree, builtinDealloc} {
		s.natives[builtinAddr(b)] = native{builtin: b}
	}
}

func entryAddr(kind interp.EntryKind, index int) uint64 {
	return entryBase + (uint64(kind)*64+uint64(index))*entryStride
}

func builtinAddr(b builtinFunc) uint64 {
	return builtinBase + uint64(b)*entryStride
}

func (s *Interp) Version() abi.Version                   { return s.version }
func (s *Interp) ABI() *abi.Descriptor                   { return s.desc }
func (s *Interp) Memory() pybridge.Memory                { return s.heap }
func (s *Interp) Allocator() pybridge.Allocator          { return s.heap }
func (s *Interp) Registry() *interp.Registry             { return s.reg }
func (s *Interp) TypeType() interp.Object                { return s.typeType }
func (s *Interp) ModuleRegistry() (interp.Object, error) { return s.sysModules, nil }

// Heap exposes the allocator for leak checks.
func (s *Interp) Heap() *Heap { return s.heap }

func (s *Interp) Entry(kind interp.EntryKind, index int) (uint64, error) {
	if !interp.ValidEntry(kind, index) {
		return 0, errors.New(errors.PhaseBuild, errors.KindInvalidInput).
			Detail("no %s entry point %d", kind, index).
			Build()
	}
	return entryAddr(kind, index), nil
}

// Ensure takes the execution lock.
func (s *Interp) Ensure() func() {
	s.gil.Lock()
	var once sync.Once
	return func() { once.Do(s.gil.Unlock) }
}

// Wake signals the event loop. Wakes coalesce.
func (s *Interp) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Interp) SetError(kind interp.ExcKind, msg string) {
	s.clearExc()
	s.exc = &pendingExc{kind: kind, msg: msg}
}

func (s *Interp) SetStopIteration(value interp.Object) {
	s.clearExc()
	if !value.IsNull() {
		s.IncRef(value)
	}
	s.exc = &pendingExc{kind: interp.ExcStopIteration, value: value}
}

func (s *Interp) clearExc() {
	if s.exc != nil && !s.exc.value.IsNull() {
		s.DecRef(s.exc.value)
	}
	s.exc = nil
}

// fetch takes the pending exception. A StopIteration value is handed to
// the caller as a new reference in Exception.Value.
func (s *Interp) fetch() *interp.Exception {
	if s.exc == nil {
		return nil
	}
	e := s.exc
	s.exc = nil
	exc := &interp.Exception{Kind: e.kind, Message: e.msg}
	if e.kind == interp.ExcStopIteration {
		exc.Value = e.value
	}
	return exc
}

func (s *Interp) TypeOf(o interp.Object) interp.Object {
	t, err := s.desc.ObType(s.heap, uint64(o))
	if err != nil {
		fatalf("ob_type of %#x: %v", uint64(o), err)
	}
	return interp.Object(t)
}

func (s *Interp) None() interp.Object { return s.none }

func (s *Interp) isImmortal(o interp.Object) bool {
	own, err := s.desc.OwnershipOf(s.heap, uint64(o))
	if err != nil {
		fatalf("refcount of %#x: %v", uint64(o), err)
	}
	return own == abi.Immortal
}

// IncRef increments counted objects and ignores immortal ones.
func (s *Interp) IncRef(o interp.Object) {
	if o.IsNull() || s.isImmortal(o) {
		return
	}
	s.bump(o, 1)
}

// DecRef decrements counted objects, deallocating at zero.
func (s *Interp) DecRef(o interp.Object) {
	if o.IsNull() || s.isImmortal(o) {
		return
	}
	if s.bump(o, -1) == 0 {
		s.dealloc(o)
	}
}

// bump is the raw counter update. Immortal objects must never reach it.
func (s *Interp) bump(o interp.Object, delta int64) uint64 {
	n, err := s.desc.RefCount(s.heap, uint64(o))
	if err != nil {
		fatalf("refcount of %#x: %v", uint64(o), err)
	}
	if s.desc.IsImmortal(n) {
		fatalf("raw refcount update on immortal object %#x", uint64(o))
	}
	if delta < 0 && n == 0 {
		fatalf("negative refcount on %#x", uint64(o))
	}
	n = uint64(int64(n) + delta)
	if err := s.desc.SetRefCount(s.heap, uint64(o), n); err != nil {
		fatalf("refcount of %#x: %v", uint64(o), err)
	}
	return n
}

// RefCount reads an object's count, for tests and diagnostics.
func (s *Interp) RefCount(o interp.Object) uint64 {
	n, err := s.desc.RefCount(s.heap, uint64(o))
	if err != nil {
		fatalf("refcount of %#x: %v", uint64(o), err)
	}
	return n
}

// FatalError is the panic value for interpreter assertions, the
// equivalent of Py_FatalError.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "Fatal Python error: " + e.Msg }

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Logger().Error("fatal interpreter error", zap.String("msg", msg))
	panic(&FatalError{Msg: msg})
}
