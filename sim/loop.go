package sim

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// Script is interpreter-side code. It runs holding the execution lock and
// may suspend only inside Frame.Await.
type Script func(f *Frame) (any, error)

// Result is what a Script produced, with how often it advanced an
// awaitable and how often it had to yield to the loop.
type Result struct {
	Value    any
	Err      error
	Advances int
	Yields   int
}

// ErrWouldBlock is returned by Frame.Await outside an event loop when the
// awaitable is not complete.
var ErrWouldBlock = stderrors.New("await would block outside the event loop")

var errAborted = stderrors.New("event loop aborted")

// Frame is the execution context of one Script.
type Frame struct {
	s      *Interp
	resume chan struct{}
	yield  chan struct{}
	abort  chan struct{}
	res    Result
	mu     sync.Mutex
	done   bool
	moved  bool
}

func (f *Frame) check() error {
	if f.abort != nil {
		select {
		case <-f.abort:
			return errAborted
		default:
		}
	}
	return nil
}

// suspend hands the lock back to the loop until the next round.
func (f *Frame) suspend() error {
	if f.yield == nil {
		return ErrWouldBlock
	}
	f.res.Yields++
	f.yield <- struct{}{}
	select {
	case <-f.resume:
		return nil
	case <-f.abort:
		return errAborted
	}
}

// Interp returns the interpreter the frame runs on.
func (f *Frame) Interp() *Interp { return f.s }

// Import is `import name`.
func (f *Frame) Import(name string) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.Import(name)
}

// Call is obj.name(*args). Calling a type attribute constructs it.
func (f *Frame) Call(obj interp.Object, name string, args ...interp.Object) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.callMethod(obj, name, args)
}

// CallUnbound is Type.name(self, *args).
func (f *Frame) CallUnbound(typ interp.Object, name string, self interp.Object, args ...interp.Object) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.callUnbound(typ, name, self, args)
}

// New is Type().
func (f *Frame) New(typ interp.Object) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.construct(typ, nil)
}

// GetAttr is obj.name.
func (f *Frame) GetAttr(obj interp.Object, name string) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.getAttr(obj, name)
}

// GetAttrOf is Type.name.__get__(self).
func (f *Frame) GetAttrOf(typ interp.Object, name string, self interp.Object) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.getAttrOf(typ, name, self)
}

// SetAttr is obj.name = value.
func (f *Frame) SetAttr(obj interp.Object, name string, value interp.Object) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.s.setAttr(obj, name, value)
}

// Value converts a Go value to a new reference.
func (f *Frame) Value(v any) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.s.FromHost(v)
}

// Host converts an object to Go.
func (f *Frame) Host(o interp.Object) (any, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.s.ToHost(o)
}

// Release drops references. After an abort the frame no longer owns the
// lock and releases nothing.
func (f *Frame) Release(objs ...interp.Object) {
	if f.check() != nil {
		return
	}
	for _, o := range objs {
		f.s.DecRef(o)
	}
}

// Await is `await aw`. It drives aw's iterator, yielding to the loop each
// time it reports "not yet", and returns the awaited value as a new
// reference.
func (f *Frame) Await(aw interp.Object) (interp.Object, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	it, err := f.s.awaitIter(aw)
	if err != nil {
		return 0, err
	}
	defer f.Release(it)
	for {
		f.res.Advances++
		st, err := f.s.iterNext(it)
		if err != nil {
			return 0, err
		}
		if st.done {
			f.moved = true
			return st.value, nil
		}
		f.s.DecRef(st.value)
		if err := f.suspend(); err != nil {
			return 0, err
		}
	}
}

// Do runs fn holding the execution lock, outside any event loop. Awaiting
// something that is not yet complete fails with ErrWouldBlock.
func (s *Interp) Do(fn func(f *Frame) error) error {
	release := s.Ensure()
	defer release()
	return fn(&Frame{s: s})
}

// RunUntilComplete runs scripts as concurrent tasks on a cooperative loop.
// In each round every unfinished task runs until it finishes or yields.
// When all tasks are waiting the lock is released until Wake is called.
func (s *Interp) RunUntilComplete(ctx context.Context, scripts ...Script) ([]Result, error) {
	abort := make(chan struct{})
	frames := make([]*Frame, len(scripts))
	for i, script := range scripts {
		f := &Frame{
			s:      s,
			resume: make(chan struct{}),
			yield:  make(chan struct{}),
			abort:  abort,
		}
		frames[i] = f
		go f.run(script)
	}

	s.gil.Lock()
	locked := true
	defer func() {
		if locked {
			s.gil.Unlock()
		}
	}()

	rounds := 0
	for {
		pending := 0
		progressed := false
		for _, f := range frames {
			if f.done {
				continue
			}
			f.moved = false
			f.resume <- struct{}{}
			<-f.yield
			if f.done || f.moved {
				progressed = true
			}
			if !f.done {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		rounds++
		if progressed {
			continue
		}

		Logger().Debug("event loop idle", zap.Int("round", rounds), zap.Int("pending", pending))
		s.gil.Unlock()
		locked = false
		select {
		case <-s.wake:
		case <-ctx.Done():
			close(abort)
			return results(frames), errors.Wrap(errors.PhaseAwait, errors.KindClosed, ctx.Err(), "event loop cancelled")
		}
		s.gil.Lock()
		locked = true
	}
	return results(frames), nil
}

func (f *Frame) run(script Script) {
	select {
	case <-f.resume:
	case <-f.abort:
		return
	}
	v, err := script(f)
	f.mu.Lock()
	f.res.Value, f.res.Err = v, err
	f.done = true
	f.mu.Unlock()
	select {
	case f.yield <- struct{}{}:
	case <-f.abort:
	}
}

func results(frames []*Frame) []Result {
	out := make([]Result, len(frames))
	for i, f := range frames {
		f.mu.Lock()
		if f.done {
			out[i] = f.res
		} else {
			out[i] = Result{Err: errAborted, Advances: f.res.Advances, Yields: f.res.Yields}
		}
		f.mu.Unlock()
	}
	return out
}
