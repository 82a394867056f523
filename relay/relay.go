package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// Options configure a Relay.
type Options struct {
	// MaxPending bounds reserved plus armed handles. Zero means unbounded.
	MaxPending int
}

// Relay carries host task completions back into bridge instances.
//
// Handles move reserved -> armed -> completed or abandoned. Retired
// handles stay in the table so late or duplicate completions are rejected
// instead of reaching a reused handle.
type Relay struct {
	api       interp.API
	target    Target
	entries   map[Handle]*entry
	observers []Observer
	next      Handle
	live      int
	max       int
	mu        sync.Mutex
	obsMu     sync.RWMutex
	closed    bool
}

// New creates a relay publishing into target.
func New(api interp.API, target Target, opts Options) *Relay {
	return &Relay{
		api:     api,
		target:  target,
		entries: make(map[Handle]*entry),
		max:     opts.MaxPending,
	}
}

// Reserve returns a fresh handle. Handles are never reused.
func (r *Relay) Reserve() (Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, errors.Closed(errors.PhaseRelay, "relay")
	}
	if r.max > 0 && r.live >= r.max {
		r.mu.Unlock()
		return 0, errors.Protocol(errors.PhaseRelay, "pending limit %d reached", r.max)
	}
	r.next++
	h := r.next
	r.entries[h] = &entry{state: stateReserved}
	r.live++
	r.mu.Unlock()

	r.notify(Event{Type: EventReserved, Handle: h})
	return h, nil
}

// Arm associates a reserved handle with the instance that will receive its
// result. cancel, if set, is called when the instance is abandoned or the
// relay closes. Arm happens before any Complete for the same handle.
func (r *Relay) Arm(h Handle, instance interp.Object, cancel func()) error {
	if instance.IsNull() {
		return errors.InvalidInput(errors.PhaseRelay, "cannot arm a NULL instance")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.Closed(errors.PhaseRelay, "relay")
	}
	e, ok := r.entries[h]
	if !ok {
		r.mu.Unlock()
		return errors.Protocol(errors.PhaseRelay, "handle %d was never reserved", h)
	}
	if e.state != stateReserved {
		st := e.state
		r.mu.Unlock()
		return errors.Protocol(errors.PhaseRelay, "handle %d is %s and cannot be armed", h, st)
	}
	e.state = stateArmed
	e.instance = instance
	e.cancel = cancel
	r.mu.Unlock()

	Logger().Debug("handle armed", zap.Int64("handle", int64(h)), zap.Uint64("instance", uint64(instance)))
	r.notify(Event{Type: EventArmed, Handle: h, Instance: instance})
	return nil
}

// Armed reports whether h is waiting for its completion.
func (r *Relay) Armed(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	return ok && e.state == stateArmed
}

// ArmedFor reports whether h is waiting for its completion on behalf of
// instance.
func (r *Relay) ArmedFor(h Handle, instance interp.Object) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	return ok && e.state == stateArmed && e.instance == instance
}

// CheckBind rejects binding instance to a handle the relay has issued to
// anything else. Handles the relay never issued are left to the caller.
func (r *Relay) CheckBind(h Handle, instance interp.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok || (e.instance == instance && !instance.IsNull()) {
		return nil
	}
	return errors.New(errors.PhaseRelay, errors.KindProtocol).
		Value(int64(h)).
		Detail("handle %d is %s and belongs to another instance", h, e.state).
		Build()
}

// Pending returns the number of reserved or armed handles.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// take retires an armed handle for delivery. The caller holds the
// execution lock.
func (r *Relay) take(h Handle) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New(errors.PhaseRelay, errors.KindClosed).
			Value(int64(h)).
			Detail("relay closed; completion for handle %d dropped", h).
			Build()
	}
	e, ok := r.entries[h]
	if !ok {
		return nil, errors.New(errors.PhaseRelay, errors.KindProtocol).
			Value(int64(h)).
			Detail("completion for unknown handle %d", h).
			Build()
	}
	switch e.state {
	case stateReserved:
		return nil, errors.Protocol(errors.PhaseRelay, "handle %d completed before it was armed", h)
	case stateCompleted:
		return nil, errors.Protocol(errors.PhaseRelay, "handle %d completed twice", h)
	case stateAbandoned:
		return nil, errors.New(errors.PhaseRelay, errors.KindClosed).
			Value(int64(h)).
			Detail("handle %d was abandoned; completion dropped", h).
			Build()
	}
	e.state = stateCompleted
	r.live--
	return e, nil
}

// Complete delivers value for h from any goroutine: it takes the execution
// lock, converts value, publishes it into the armed instance, releases the
// lock and wakes the interpreter. A second completion is rejected.
func (r *Relay) Complete(h Handle, value any) error {
	release := r.api.Ensure()
	e, err := r.take(h)
	if err != nil {
		release()
		r.reject(h, err)
		return err
	}
	obj, err := r.api.FromHost(value)
	if err != nil {
		err = errors.Wrap(errors.PhaseRelay, errors.KindInvalidInput, err, "convert completion value")
		if ferr := r.target.Fail(e.instance, err); ferr != nil {
			Logger().Error("fail after conversion error", zap.Error(ferr))
		}
		release()
		r.api.Wake()
		r.notify(Event{Type: EventFailed, Handle: h, Instance: e.instance, Err: err})
		return err
	}
	err = r.target.Publish(e.instance, obj)
	r.api.DecRef(obj)
	release()
	if err != nil {
		r.reject(h, err)
		return err
	}
	r.api.Wake()

	Logger().Debug("handle completed", zap.Int64("handle", int64(h)))
	r.notify(Event{Type: EventCompleted, Handle: h, Instance: e.instance, Value: value})
	return nil
}

// Fail delivers a failed completion for h. The awaiting code sees a
// RuntimeError carrying cause.
func (r *Relay) Fail(h Handle, cause error) error {
	if cause == nil {
		return errors.InvalidInput(errors.PhaseRelay, "nil failure")
	}
	release := r.api.Ensure()
	e, err := r.take(h)
	if err != nil {
		release()
		r.reject(h, err)
		return err
	}
	err = r.target.Fail(e.instance, cause)
	release()
	if err != nil {
		r.reject(h, err)
		return err
	}
	r.api.Wake()
	r.notify(Event{Type: EventFailed, Handle: h, Instance: e.instance, Err: cause})
	return nil
}

// Abandon retires a reserved or armed handle and cancels its task. Host
// code uses it for handles it reserved but will not deliver.
func (r *Relay) Abandon(h Handle) {
	r.abandon(h, func(*entry) bool { return true })
}

// AbandonFor retires h only while it is armed for instance. Called from
// instance destruction with the execution lock held; an instance that merely
// copied another's handle number abandons nothing.
func (r *Relay) AbandonFor(h Handle, instance interp.Object) bool {
	return r.abandon(h, func(e *entry) bool {
		return e.state == stateArmed && e.instance == instance
	})
}

func (r *Relay) abandon(h Handle, match func(*entry) bool) bool {
	r.mu.Lock()
	e, ok := r.entries[h]
	if !ok || (e.state != stateArmed && e.state != stateReserved) || !match(e) {
		r.mu.Unlock()
		return false
	}
	e.state = stateAbandoned
	e.instance = 0
	cancel := e.cancel
	e.cancel = nil
	r.live--
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	Logger().Debug("handle abandoned", zap.Int64("handle", int64(h)))
	r.notify(Event{Type: EventAbandoned, Handle: h})
	return true
}

// Close stops accepting handles and cancels every outstanding task.
// Outstanding instances stay pending; their late completions are dropped.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var cancels []func()
	for _, e := range r.entries {
		if e.cancel != nil && (e.state == stateArmed || e.state == stateReserved) {
			cancels = append(cancels, e.cancel)
			e.cancel = nil
		}
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return nil
}

func (r *Relay) reject(h Handle, err error) {
	if errors.KindOf(err) == errors.KindClosed {
		Logger().Debug("completion dropped", zap.Int64("handle", int64(h)), zap.Error(err))
	} else {
		Logger().Warn("completion rejected", zap.Int64("handle", int64(h)), zap.Error(err))
	}
	r.notify(Event{Type: EventRejected, Handle: h, Err: err})
}

// Subscribe adds an observer.
func (r *Relay) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe removes an observer.
func (r *Relay) Unsubscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for i, obs := range r.observers {
		if obs == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

func (r *Relay) notify(e Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnRelayEvent(e)
	}
}
