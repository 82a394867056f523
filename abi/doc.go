// Package abi describes the interpreter's native structures byte for byte.
//
// A Descriptor holds the record layouts for one ABI generation on one
// platform data model:
//
//	PyObject            ob_refcnt, ob_type
//	PyVarObject         + ob_size
//	PyModuleDef         m_base, m_name, m_doc, m_size, m_methods, ...
//	PyTypeObject        tp_name ... tp_vectorcall [+ tp_watched [+ tp_versions_used]]
//	PyAsyncMethods      am_await, am_aiter, am_anext [+ am_send]
//	PyMethodDef         ml_name, ml_meth, ml_flags, ml_doc
//	PyGetSetDef         name, get, set, doc, closure
//
// Generations are selected once from the interpreter version:
//
//	v, gen, err := abi.DetectString("3.12.4")
//	plat, err := abi.DetectPlatform(runtime.GOOS, runtime.GOARCH)
//	d, err := abi.Describe(gen, plat)
//
// Unsupported versions and platforms fail with an errors.KindABIMismatch
// error. There is no fallback to a neighbouring layout.
//
// The encoders (WriteModuleDef, WriteTypeObject, WriteMethodTable,
// WriteGetSetTable, WriteAsyncMethods, InitHeader) and their decoders are the
// only code in the module that touches raw offsets. Tables are always
// written with their all-zero sentinel, and table decoders are bounded.
//
// Objects are either Counted or Immortal. Immortal headers carry
// ImmortalRefCount and must never go through an increment or decrement;
// SetRefCount refuses to cross between the two kinds.
package abi
