//go:build cpython

package cpython

/*
#define PY_SSIZE_T_CLEAN
#include <Python.h>
#include <stdlib.h>

static void pb_raise_runtime(const char* msg) { PyErr_SetString(PyExc_RuntimeError, msg); }

// pb_dealloc_detached frees an instance whose backend is gone. Owned
// references inside the instance are leaked.
static void pb_dealloc_detached(PyObject* o) {
	PyTypeObject* t = Py_TYPE(o);
	t->tp_free(o);
	Py_DECREF(t);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/interp"
)

// The interpreter calls these through the C trampolines in
// trampolines.c with the GIL held.

func ptr(o interp.Object) unsafe.Pointer { return unsafe.Pointer(uintptr(o)) }

// guard turns a Go panic into a RuntimeError instead of unwinding through
// interpreter frames.
func guard(entry string) {
	if r := recover(); r != nil {
		Logger().Error("panic in native entry", zap.String("entry", entry), zap.Any("panic", r))
		raise(fmt.Sprintf("native %s panicked: %v", entry, r))
	}
}

func raise(msg string) {
	cs := C.CString(msg)
	defer C.free(unsafe.Pointer(cs))
	C.pb_raise_runtime(cs)
}

// detached reports a call that arrived after Close and raises RuntimeError.
func detached(s *Interp, entry string) bool {
	if s != nil {
		return false
	}
	Logger().Warn("native entry called with no backend attached", zap.String("entry", entry))
	raise("pybridge backend is detached")
	return true
}

//export pybridgeMethod
func pybridgeMethod(index C.int, self, arg unsafe.Pointer) (res unsafe.Pointer) {
	s := current()
	if detached(s, "method") {
		return nil
	}
	defer guard("method")
	return ptr(interp.DispatchMethod(s, int(index), obj(self), obj(arg)))
}

//export pybridgeUnary
func pybridgeUnary(slot C.int, self unsafe.Pointer) (res unsafe.Pointer) {
	s := current()
	if detached(s, interp.UnarySlot(slot).String()) {
		return nil
	}
	defer guard(interp.UnarySlot(slot).String())
	return ptr(interp.DispatchUnary(s, interp.UnarySlot(slot), obj(self)))
}

//export pybridgeNew
func pybridgeNew(typ, args, kwargs unsafe.Pointer) (res unsafe.Pointer) {
	s := current()
	if detached(s, "tp_new") {
		return nil
	}
	defer guard("tp_new")
	return ptr(interp.DispatchNew(s, obj(typ), obj(args), obj(kwargs)))
}

//export pybridgeAlloc
func pybridgeAlloc(typ unsafe.Pointer, nitems C.longlong) (res unsafe.Pointer) {
	s := current()
	if detached(s, "tp_alloc") {
		return nil
	}
	defer guard("tp_alloc")
	return ptr(interp.DispatchAlloc(s, obj(typ), int64(nitems)))
}

//export pybridgeDealloc
func pybridgeDealloc(self unsafe.Pointer) {
	s := current()
	if s == nil {
		C.pb_dealloc_detached((*C.PyObject)(self))
		return
	}
	defer guard("tp_dealloc")
	interp.DispatchDealloc(s, obj(self))
}

//export pybridgeGetter
func pybridgeGetter(index C.int, self unsafe.Pointer) (res unsafe.Pointer) {
	s := current()
	if detached(s, "getter") {
		return nil
	}
	defer guard("getter")
	return ptr(interp.DispatchGetter(s, int(index), obj(self)))
}

//export pybridgeSetter
func pybridgeSetter(index C.int, self, value unsafe.Pointer) (rc C.int) {
	s := current()
	rc = -1
	if detached(s, "setter") {
		return rc
	}
	defer guard("setter")
	return C.int(interp.DispatchSetter(s, int(index), obj(self), obj(value)))
}
