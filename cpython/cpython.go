//go:build cpython

package cpython

/*
#cgo pkg-config: python3-embed
#define PY_SSIZE_T_CLEAN
#include <Python.h>
#include <stdlib.h>
#include <string.h>

extern void* pybridge_entry(int kind, int index);

static PyObject* pb_none(void) { Py_INCREF(Py_None); return Py_None; }
static PyObject* pb_type_type(void) { return (PyObject*)&PyType_Type; }
static PyObject* pb_type_of(PyObject* o) { return (PyObject*)Py_TYPE(o); }

// Heap types need a PyHeapTypeObject. The name fields live past the type
// record, so rewriting the record afterwards keeps them.
static PyObject* pb_alloc_heap_type(const char* name, const char* qualname) {
	PyHeapTypeObject* ht = (PyHeapTypeObject*)PyType_Type.tp_alloc(&PyType_Type, 0);
	if (ht == NULL) {
		return NULL;
	}
	PyObject_GC_UnTrack(ht);
	ht->ht_name = PyUnicode_FromString(name);
	ht->ht_qualname = PyUnicode_FromString(qualname);
	if (ht->ht_name == NULL || ht->ht_qualname == NULL) {
		// Not a valid type yet, so type_dealloc must not see it.
		Py_XDECREF(ht->ht_name);
		Py_XDECREF(ht->ht_qualname);
		PyObject_GC_Del(ht);
		return NULL;
	}
	return (PyObject*)ht;
}


static PyObject* pb_type_alloc(PyObject* typ, Py_ssize_t n) {
	allocfunc f = ((PyTypeObject*)typ)->tp_alloc;
	if (f == NULL) {
		PyErr_SetString(PyExc_TypeError, "type has no tp_alloc");
		return NULL;
	}
	return f((PyTypeObject*)typ, n);
}

static void pb_free(PyObject* o) { Py_TYPE(o)->tp_free(o); }

static void pb_set_error(int kind, const char* msg) {
	PyObject* exc = PyExc_RuntimeError;
	switch (kind) {
	case 2: exc = PyExc_TypeError; break;
	case 3: exc = PyExc_StopIteration; break;
	case 4: exc = PyExc_AttributeError; break;
	case 5: exc = PyExc_ModuleNotFoundError; break;
	case 6: exc = PyExc_ValueError; break;
	}
	PyErr_SetString(exc, msg);
}

// StopIteration(value) is built explicitly so tuple values are not unpacked.
static void pb_set_stop(PyObject* value) {
	PyObject* e = PyObject_CallFunctionObjArgs(PyExc_StopIteration, value, NULL);
	if (e == NULL) {
		return;
	}
	PyErr_SetObject(PyExc_StopIteration, e);
	Py_DECREF(e);
}

// pb_fetch_error returns "Type: message" for the pending exception and
// clears it, or NULL. The caller frees the result.
static char* pb_fetch_error(void) {
	PyObject *type, *value, *tb;
	PyErr_Fetch(&type, &value, &tb);
	if (type == NULL) {
		return NULL;
	}
	PyErr_NormalizeException(&type, &value, &tb);
	const char* tname = ((PyTypeObject*)type)->tp_name;
	PyObject* s = value ? PyObject_Str(value) : NULL;
	const char* msg = s ? PyUnicode_AsUTF8(s) : NULL;
	size_t n = strlen(tname) + (msg ? strlen(msg) : 0) + 3;
	char* out = malloc(n);
	if (out != NULL) {
		snprintf(out, n, "%s: %s", tname, msg ? msg : "");
	}
	Py_XDECREF(s);
	Py_XDECREF(type);
	Py_XDECREF(value);
	Py_XDECREF(tb);
	PyErr_Clear();
	return out;
}

static int pb_is_none(PyObject* o) { return o == Py_None; }
static int pb_is_bool(PyObject* o) { return PyBool_Check(o); }
static int pb_is_long(PyObject* o) { return PyLong_Check(o); }
static int pb_is_float(PyObject* o) { return PyFloat_Check(o); }
static int pb_is_str(PyObject* o) { return PyUnicode_Check(o); }
static int pb_is_bytes(PyObject* o) { return PyBytes_Check(o); }
static int pb_is_list(PyObject* o) { return PyList_Check(o); }
static int pb_is_tuple(PyObject* o) { return PyTuple_Check(o); }
static int pb_is_dict(PyObject* o) { return PyDict_Check(o); }
static PyObject* pb_list_item(PyObject* o, Py_ssize_t i) { return PyList_GET_ITEM(o, i); }
static PyObject* pb_tuple_item(PyObject* o, Py_ssize_t i) { return PyTuple_GET_ITEM(o, i); }
static void pb_list_set(PyObject* l, Py_ssize_t i, PyObject* v) { PyList_SET_ITEM(l, i, v); }
*/
import "C"

import (
	"context"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge"
	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// active is the backend the exported trampolines dispatch to. A process
// embeds at most one interpreter.
var active atomic.Pointer[Interp]

// Interp is the libpython backend.
type Interp struct {
	reg      *interp.Registry
	desc     *abi.Descriptor
	mem      rawMemory
	version  abi.Version
	owner    *ownerThread
	closeMu  sync.Mutex
	isClosed bool
}

var _ interp.API = (*Interp)(nil)

// New attaches to the process's interpreter, initializing it when no host
// has. The interpreter's generation must be described; otherwise the error
// is an errors.KindABIMismatch and nothing was written.
func New(ctx context.Context) (*Interp, error) {
	if active.Load() != nil {
		return nil, errors.Protocol(errors.PhaseRuntime, "a CPython backend is already attached")
	}
	s := &Interp{reg: interp.NewRegistry()}

	if C.Py_IsInitialized() == 0 {
		s.owner = startOwner()
	}

	raw := C.GoString(C.Py_GetVersion())
	if i := strings.IndexByte(raw, ' '); i > 0 {
		raw = raw[:i]
	}
	version, gen, err := abi.DetectString(raw)
	if err != nil {
		s.finalize()
		return nil, err
	}
	plat, err := abi.DetectPlatform(goruntime.GOOS, goruntime.GOARCH)
	if err != nil {
		s.finalize()
		return nil, err
	}
	if s.desc, err = abi.Describe(gen, plat); err != nil {
		s.finalize()
		return nil, err
	}
	s.version = version

	if !active.CompareAndSwap(nil, s) {
		s.finalize()
		return nil, errors.Protocol(errors.PhaseRuntime, "a CPython backend is already attached")
	}
	Logger().Debug("attached to CPython",
		zap.String("version", version.String()),
		zap.String("generation", gen.String()),
		zap.Bool("owned", s.owner != nil))
	return s, nil
}

func current() *Interp { return active.Load() }

// Close detaches. An interpreter this backend initialized is finalized
// first, so instances destroyed during finalization still reach their
// handlers; registered modules and types must not be used afterwards.
func (s *Interp) Close(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.isClosed {
		return nil
	}
	s.isClosed = true
	s.finalize()
	active.CompareAndSwap(s, nil)
	return nil
}

func (s *Interp) finalize() {
	if s.owner == nil {
		return
	}
	if s.owner.finalize() < 0 {
		Logger().Warn("interpreter finalization reported errors")
	}
	s.owner = nil
}

// ownerThread is the OS thread that initialized the interpreter. CPython
// requires finalization on the thread that saved the main thread state.
type ownerThread struct {
	stop chan chan C.int
}

func startOwner() *ownerThread {
	t := &ownerThread{stop: make(chan chan C.int)}
	ready := make(chan struct{})
	go func() {
		// never unlocked: the thread exits with this goroutine
		goruntime.LockOSThread()
		C.Py_InitializeEx(0)
		// hand the lock back so Ensure works from any thread
		st := C.PyEval_SaveThread()
		close(ready)

		done := <-t.stop
		C.PyEval_RestoreThread(st)
		done <- C.Py_FinalizeEx()
	}()
	<-ready
	return t
}

func (t *ownerThread) finalize() C.int {
	done := make(chan C.int)
	t.stop <- done
	return <-done
}

// RunString executes source in __main__ under the execution lock.
func (s *Interp) RunString(source string) error {
	release := s.Ensure()
	defer release()

	cs := C.CString(source)
	defer C.free(unsafe.Pointer(cs))
	main := C.PyImport_AddModule(cstr("__main__"))
	if main == nil {
		return s.pending("import __main__")
	}
	globals := C.PyModule_GetDict(main)
	res := C.PyRun_StringFlags(cs, C.Py_file_input, globals, globals, nil)
	if res == nil {
		return s.pending("run")
	}
	C.Py_DecRef(res)
	return nil
}

func (s *Interp) Version() abi.Version          { return s.version }
func (s *Interp) ABI() *abi.Descriptor          { return s.desc }
func (s *Interp) Memory() pybridge.Memory       { return s.mem }
func (s *Interp) Allocator() pybridge.Allocator { return rawAllocator{} }
func (s *Interp) Registry() *interp.Registry    { return s.reg }
func (s *Interp) TypeType() interp.Object       { return obj(unsafe.Pointer(C.pb_type_type())) }
func (s *Interp) None() interp.Object           { return obj(unsafe.Pointer(C.pb_none())) }
func (s *Interp) TypeOf(o interp.Object) interp.Object {
	return obj(unsafe.Pointer(C.pb_type_of(pyobj(o))))
}

func (s *Interp) Entry(kind interp.EntryKind, index int) (uint64, error) {
	if !interp.ValidEntry(kind, index) {
		return 0, errors.New(errors.PhaseBuild, errors.KindInvalidInput).
			Detail("no %s entry point %d", kind, index).
			Build()
	}
	p := C.pybridge_entry(C.int(kind), C.int(index))
	if p == nil {
		return 0, errors.NotFound(errors.PhaseBuild, "trampoline", fmt.Sprintf("%s/%d", kind, index))
	}
	return uint64(uintptr(p)), nil
}

// Ensure takes the GIL on a locked OS thread. PyGILState calls are
// per-thread, so the goroutine stays on it until release.
func (s *Interp) Ensure() func() {
	goruntime.LockOSThread()
	st := C.PyGILState_Ensure()
	var once sync.Once
	return func() {
		once.Do(func() {
			C.PyGILState_Release(st)
			goruntime.UnlockOSThread()
		})
	}
}

// Wake is a no-op: asyncio reschedules a task that yielded None on the
// next loop iteration without being signalled.
func (s *Interp) Wake() {}

// pending converts the pending exception into an error.
func (s *Interp) pending(what string) error {
	msg := C.pb_fetch_error()
	if msg == nil {
		return errors.New(errors.PhaseRuntime, errors.KindInterpreter).Detail("%s failed without an exception", what).Build()
	}
	defer C.free(unsafe.Pointer(msg))
	return errors.New(errors.PhaseRuntime, errors.KindInterpreter).
		Detail("%s: %s", what, C.GoString(msg)).
		Build()
}

func (s *Interp) ModuleCreate(def uint64, apiVersion int) (interp.Object, error) {
	m := C.PyModule_Create2((*C.PyModuleDef)(unsafe.Pointer(uintptr(def))), C.int(apiVersion))
	if m == nil {
		return 0, s.pending("PyModule_Create2")
	}
	return obj(unsafe.Pointer(m)), nil
}

func (s *Interp) InternString(v string) (interp.Object, error) {
	cs := C.CString(v)
	defer C.free(unsafe.Pointer(cs))
	o := C.PyUnicode_InternFromString(cs)
	if o == nil {
		return 0, s.pending("intern")
	}
	return obj(unsafe.Pointer(o)), nil
}

func (s *Interp) ModuleRegistry() (interp.Object, error) {
	d := C.PyImport_GetModuleDict()
	if d == nil {
		return 0, s.pending("PyImport_GetModuleDict")
	}
	return obj(unsafe.Pointer(d)), nil
}

func (s *Interp) DictSetItem(dict, key, value interp.Object) error {
	if C.PyDict_SetItem(pyobj(dict), pyobj(key), pyobj(value)) != 0 {
		return s.pending("PyDict_SetItem")
	}
	return nil
}

func (s *Interp) GetModule(name string) (interp.Object, bool) {
	key, err := s.InternString(name)
	if err != nil {
		return 0, false
	}
	defer s.DecRef(key)
	m := C.PyImport_GetModule(pyobj(key))
	if m == nil {
		C.PyErr_Clear()
		return 0, false
	}
	return obj(unsafe.Pointer(m)), true
}

func (s *Interp) Import(name string) (interp.Object, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	m := C.PyImport_ImportModule(cs)
	if m == nil {
		return 0, s.pending("import " + name)
	}
	return obj(unsafe.Pointer(m)), nil
}

func (s *Interp) AllocTypeObject(qualname string) (uint64, error) {
	if qualname == "" {
		return 0, errors.InvalidInput(errors.PhaseBuild, "type has no name")
	}
	name := qualname
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	cn, cq := C.CString(name), C.CString(qualname)
	defer C.free(unsafe.Pointer(cn))
	defer C.free(unsafe.Pointer(cq))
	t := C.pb_alloc_heap_type(cn, cq)
	if t == nil {
		return 0, s.pending("allocate type " + qualname)
	}
	return uint64(uintptr(unsafe.Pointer(t))), nil
}

func (s *Interp) TypeReady(typ interp.Object) error {
	if C.PyType_Ready((*C.PyTypeObject)(unsafe.Pointer(uintptr(typ)))) != 0 {
		return s.pending("PyType_Ready")
	}
	return nil
}

func (s *Interp) ModuleAddObject(module interp.Object, name string, value interp.Object) error {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	if C.PyModule_AddObject(pyobj(module), cs, pyobj(value)) != 0 {
		return s.pending("PyModule_AddObject")
	}
	return nil
}

func (s *Interp) immortal(o interp.Object) bool {
	n, err := s.desc.RefCount(s.mem, uint64(o))
	return err == nil && s.desc.IsImmortal(n)
}

func (s *Interp) IncRef(o interp.Object) {
	if o.IsNull() || s.immortal(o) {
		return
	}
	C.Py_IncRef(pyobj(o))
}

func (s *Interp) DecRef(o interp.Object) {
	if o.IsNull() || s.immortal(o) {
		return
	}
	C.Py_DecRef(pyobj(o))
}

func (s *Interp) GenericAlloc(typ interp.Object, nitems int64) (interp.Object, error) {
	o := C.PyType_GenericAlloc((*C.PyTypeObject)(unsafe.Pointer(uintptr(typ))), C.Py_ssize_t(nitems))
	if o == nil {
		return 0, s.pending("PyType_GenericAlloc")
	}
	return obj(unsafe.Pointer(o)), nil
}

func (s *Interp) TypeAlloc(typ interp.Object, nitems int64) (interp.Object, error) {
	o := C.pb_type_alloc(pyobj(typ), C.Py_ssize_t(nitems))
	if o == nil {
		return 0, s.pending("tp_alloc")
	}
	return obj(unsafe.Pointer(o)), nil
}

func (s *Interp) Free(o interp.Object) { C.pb_free(pyobj(o)) }

func (s *Interp) SetError(kind interp.ExcKind, msg string) {
	cs := C.CString(msg)
	defer C.free(unsafe.Pointer(cs))
	C.pb_set_error(C.int(kind), cs)
}

func (s *Interp) SetStopIteration(value interp.Object) {
	C.pb_set_stop(pyobj(value))
}

// FromHost converts nil, bool, integers, floats, strings, bytes, slices of
// those and string-keyed maps. An interp.Object is passed through.
func (s *Interp) FromHost(v any) (interp.Object, error) {
	var o *C.PyObject
	switch x := v.(type) {
	case nil:
		return s.None(), nil
	case interp.Object:
		if x.IsNull() {
			return 0, errors.InvalidInput(errors.PhaseRuntime, "cannot convert NULL")
		}
		s.IncRef(x)
		return x, nil
	case bool:
		if x {
			o = C.PyBool_FromLong(1)
		} else {
			o = C.PyBool_FromLong(0)
		}
	case int:
		o = C.PyLong_FromLongLong(C.longlong(x))
	case int32:
		o = C.PyLong_FromLongLong(C.longlong(x))
	case int64:
		o = C.PyLong_FromLongLong(C.longlong(x))
	case uint64:
		o = C.PyLong_FromUnsignedLongLong(C.ulonglong(x))
	case float64:
		o = C.PyFloat_FromDouble(C.double(x))
	case string:
		cs := C.CString(x)
		defer C.free(unsafe.Pointer(cs))
		o = C.PyUnicode_FromStringAndSize(cs, C.Py_ssize_t(len(x)))
	case []byte:
		if len(x) == 0 {
			o = C.PyBytes_FromStringAndSize(nil, 0)
		} else {
			o = C.PyBytes_FromStringAndSize((*C.char)(unsafe.Pointer(&x[0])), C.Py_ssize_t(len(x)))
		}
	case []any:
		o = C.PyList_New(C.Py_ssize_t(len(x)))
		if o == nil {
			return 0, s.pending("list")
		}
		for i, item := range x {
			io, err := s.FromHost(item)
			if err != nil {
				C.Py_DecRef(o)
				return 0, err
			}
			C.pb_list_set(o, C.Py_ssize_t(i), pyobj(io))
		}
	case map[string]any:
		o = C.PyDict_New()
		if o == nil {
			return 0, s.pending("dict")
		}
		for k, item := range x {
			ko, err := s.FromHost(k)
			if err != nil {
				C.Py_DecRef(o)
				return 0, err
			}
			io, err := s.FromHost(item)
			if err != nil {
				s.DecRef(ko)
				C.Py_DecRef(o)
				return 0, err
			}
			rc := C.PyDict_SetItem(o, pyobj(ko), pyobj(io))
			s.DecRef(ko)
			s.DecRef(io)
			if rc != 0 {
				C.Py_DecRef(o)
				return 0, s.pending("dict insert")
			}
		}
	default:
		return 0, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Value(v).
			Detail("cannot convert %T", v).
			Build()
	}
	if o == nil {
		return 0, s.pending(fmt.Sprintf("convert %T", v))
	}
	return obj(unsafe.Pointer(o)), nil
}

// ToHost converts builtin values back to Go. Any other object is returned
// as itself.
func (s *Interp) ToHost(o interp.Object) (any, error) {
	if o.IsNull() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "cannot convert NULL")
	}
	p := pyobj(o)
	switch {
	case C.pb_is_none(p) != 0:
		return nil, nil
	case C.pb_is_bool(p) != 0:
		return C.PyObject_IsTrue(p) == 1, nil
	case C.pb_is_long(p) != 0:
		v := C.PyLong_AsLongLong(p)
		if v == -1 && C.PyErr_Occurred() != nil {
			return nil, s.pending("int")
		}
		return int64(v), nil
	case C.pb_is_float(p) != 0:
		return float64(C.PyFloat_AsDouble(p)), nil
	case C.pb_is_str(p) != 0:
		var n C.Py_ssize_t
		cs := C.PyUnicode_AsUTF8AndSize(p, &n)
		if cs == nil {
			return nil, s.pending("str")
		}
		return C.GoStringN(cs, C.int(n)), nil
	case C.pb_is_bytes(p) != 0:
		var buf *C.char
		var n C.Py_ssize_t
		if C.PyBytes_AsStringAndSize(p, &buf, &n) != 0 {
			return nil, s.pending("bytes")
		}
		return C.GoBytes(unsafe.Pointer(buf), C.int(n)), nil
	case C.pb_is_list(p) != 0, C.pb_is_tuple(p) != 0:
		isList := C.pb_is_list(p) != 0
		n := int(C.PyObject_Length(p))
		out := make([]any, n)
		for i := 0; i < n; i++ {
			var item *C.PyObject
			if isList {
				item = C.pb_list_item(p, C.Py_ssize_t(i))
			} else {
				item = C.pb_tuple_item(p, C.Py_ssize_t(i))
			}
			v, err := s.ToHost(obj(unsafe.Pointer(item)))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case C.pb_is_dict(p) != 0:
		out := make(map[string]any)
		var pos C.Py_ssize_t
		var k, v *C.PyObject
		for C.PyDict_Next(p, &pos, &k, &v) != 0 {
			key, err := s.ToHost(obj(unsafe.Pointer(k)))
			if err != nil {
				return nil, err
			}
			ks, ok := key.(string)
			if !ok {
				return nil, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("dict key of type %T", key))
			}
			val, err := s.ToHost(obj(unsafe.Pointer(v)))
			if err != nil {
				return nil, err
			}
			out[ks] = val
		}
		return out, nil
	}
	return o, nil
}

func obj(p unsafe.Pointer) interp.Object { return interp.Object(uintptr(p)) }

func pyobj(o interp.Object) *C.PyObject {
	return (*C.PyObject)(unsafe.Pointer(uintptr(o)))
}

var cstrings sync.Map

// cstr returns a process-lifetime C copy of a constant string.
func cstr(s string) *C.char {
	if v, ok := cstrings.Load(s); ok {
		return v.(*C.char)
	}
	v, _ := cstrings.LoadOrStore(s, C.CString(s))
	return v.(*C.char)
}
