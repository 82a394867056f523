package sim

import (
	"fmt"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// finish turns a slot's return value into Go form: a non-NULL result must
// not come with an exception, and NULL must.
func (s *Interp) finish(res interp.Object) (interp.Object, error) {
	if !res.IsNull() {
		if s.exc != nil {
			msg := s.exc.msg
			s.clearExc()
			s.DecRef(res)
			return 0, &interp.Exception{Kind: interp.ExcRuntimeError, Message: "result with an exception set: " + msg}
		}
		return res, nil
	}
	if exc := s.fetch(); exc != nil {
		return 0, exc
	}
	return 0, &interp.Exception{Kind: interp.ExcRuntimeError, Message: "error return without exception set"}
}

func (s *Interp) callMethodRef(self interp.Object, m methodRef, args []interp.Object) (interp.Object, error) {
	var arg interp.Object
	switch m.flags {
	case abi.MethNoArgs:
		if len(args) != 0 {
			return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("%s() takes no arguments (%d given)", m.name, len(args))}
		}
	case abi.MethO:
		if len(args) != 1 {
			return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("%s() takes exactly one argument (%d given)", m.name, len(args))}
		}
		arg = args[0]
	}
	n := s.natives[m.addr]
	return s.finish(interp.DispatchMethod(s, n.index, self, arg))
}

// callMethod looks name up on obj (module function, type method, or a type
// stored as a module attribute) and calls it. The result is a new reference.
func (s *Interp) callMethod(obj interp.Object, name string, args []interp.Object) (interp.Object, error) {
	if info, ok := s.modules[obj]; ok {
		if m, ok := info.methods[name]; ok {
			return s.callMethodRef(obj, m, args)
		}
		if attr, ok := s.dictGet(info.dict, name); ok {
			if _, isType := s.types[attr]; isType && s.TypeOf(attr) == s.typeType {
				return s.construct(attr, args)
			}
			return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("'%s' object is not callable", s.typeName(attr))}
		}
		return 0, s.attributeError(obj, name)
	}
	ti, ok := s.types[s.TypeOf(obj)]
	if !ok {
		return 0, s.attributeError(obj, name)
	}
	m, ok := ti.methods[name]
	if !ok {
		return 0, s.attributeError(obj, name)
	}
	return s.callMethodRef(obj, m, args)
}

// callUnbound is Type.method(self, ...): the method descriptor checks that
// self is an instance of the type that owns the method.
func (s *Interp) callUnbound(typ interp.Object, name string, self interp.Object, args []interp.Object) (interp.Object, error) {
	ti, ok := s.types[typ]
	if !ok {
		return 0, s.typeError("type", typ)
	}
	m, ok := ti.methods[name]
	if !ok {
		return 0, &interp.Exception{Kind: interp.ExcAttributeError, Message: fmt.Sprintf("type object '%s' has no attribute '%s'", ti.name, name)}
	}
	if !s.isInstance(self, typ) {
		return 0, s.descriptorError(name, ti, self)
	}
	return s.callMethodRef(self, m, args)
}

func (s *Interp) construct(typ interp.Object, args []interp.Object) (interp.Object, error) {
	ti, ok := s.types[typ]
	if !ok || !ti.ready() {
		return 0, errors.Protocol(errors.PhaseDispatch, "instance of unready type %#x", uint64(typ))
	}
	if ti.slots.New == 0 {
		return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("cannot create '%s' instances", ti.name)}
	}
	if len(args) != 0 {
		return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("%s() takes no arguments", ti.name)}
	}
	return s.finish(interp.DispatchNew(s, typ, 0, 0))
}

func (s *Interp) attributeError(obj interp.Object, name string) error {
	if info, ok := s.modules[obj]; ok {
		return &interp.Exception{Kind: interp.ExcAttributeError, Message: fmt.Sprintf("module '%s' has no attribute '%s'", info.name, name)}
	}
	return &interp.Exception{Kind: interp.ExcAttributeError, Message: fmt.Sprintf("'%s' object has no attribute '%s'", s.typeName(obj), name)}
}

// getAttr returns module attributes and instance properties as new
// references.
func (s *Interp) getAttr(obj interp.Object, name string) (interp.Object, error) {
	if info, ok := s.modules[obj]; ok {
		if v, ok := s.dictGet(info.dict, name); ok {
			s.IncRef(v)
			return v, nil
		}
		return 0, s.attributeError(obj, name)
	}
	ti, ok := s.types[s.TypeOf(obj)]
	if !ok {
		return 0, s.attributeError(obj, name)
	}
	p, ok := ti.props[name]
	if !ok {
		return 0, s.attributeError(obj, name)
	}
	return s.finish(interp.DispatchGetter(s, s.natives[p.get].index, obj))
}

// getAttrOf is Type.prop.__get__(self): checked like callUnbound.
func (s *Interp) getAttrOf(typ interp.Object, name string, self interp.Object) (interp.Object, error) {
	ti, ok := s.types[typ]
	if !ok {
		return 0, s.typeError("type", typ)
	}
	p, ok := ti.props[name]
	if !ok {
		return 0, &interp.Exception{Kind: interp.ExcAttributeError, Message: fmt.Sprintf("type object '%s' has no attribute '%s'", ti.name, name)}
	}
	if !s.isInstance(self, typ) {
		return 0, s.descriptorError(name, ti, self)
	}
	return s.finish(interp.DispatchGetter(s, s.natives[p.get].index, self))
}

func (s *Interp) setAttr(obj interp.Object, name string, value interp.Object) error {
	ti, ok := s.types[s.TypeOf(obj)]
	if !ok {
		return s.attributeError(obj, name)
	}
	p, ok := ti.props[name]
	if !ok {
		return s.attributeError(obj, name)
	}
	if p.set == 0 {
		return &interp.Exception{Kind: interp.ExcAttributeError, Message: fmt.Sprintf("attribute '%s' of '%s' objects is not writable", name, ti.name)}
	}
	if interp.DispatchSetter(s, s.natives[p.set].index, obj, value) != 0 {
		if exc := s.fetch(); exc != nil {
			return exc
		}
		return &interp.Exception{Kind: interp.ExcRuntimeError, Message: "error return without exception set"}
	}
	return nil
}

// awaitIter calls am_await and checks it produced an iterator.
func (s *Interp) awaitIter(o interp.Object) (interp.Object, error) {
	ti, ok := s.types[s.TypeOf(o)]
	if !ok || ti.async.Await == 0 {
		return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("object %s can't be used in 'await' expression", s.typeName(o))}
	}
	it, err := s.finish(interp.DispatchUnary(s, interp.SlotAwait, o))
	if err != nil {
		return 0, err
	}
	iti, ok := s.types[s.TypeOf(it)]
	if !ok || iti.slots.IterNext == 0 {
		s.DecRef(it)
		return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("__await__() returned non-iterator of type '%s'", s.typeName(it))}
	}
	return it, nil
}

// step outcomes of one tp_iternext call.
type step struct {
	value   interp.Object // yielded or returned value, new reference
	done    bool
	pending bool
}

// iterNext advances it once. A yielded value means "not yet"; NULL with
// StopIteration or with no exception ends the iteration.
func (s *Interp) iterNext(it interp.Object) (step, error) {
	res := interp.DispatchUnary(s, interp.SlotIterNext, it)
	if !res.IsNull() {
		if s.exc != nil {
			s.clearExc()
		}
		return step{value: res, pending: true}, nil
	}
	exc := s.fetch()
	if exc == nil {
		return step{value: s.none, done: true}, nil
	}
	if exc.Kind == interp.ExcStopIteration {
		v, _ := exc.Value.(interp.Object)
		if v.IsNull() {
			v = s.none
		}
		return step{value: v, done: true}, nil
	}
	return step{}, exc
}
