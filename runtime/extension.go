package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/pybridge/bridge"
	"github.com/wippyai/pybridge/builder"
	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
	"github.com/wippyai/pybridge/relay"
)

// Task is host work behind one awaitable. It runs on its own goroutine and
// never holds the execution lock; ctx is cancelled when the awaitable is
// destroyed before completion or the extension closes.
type Task func(ctx context.Context) (any, error)

// Extension is one registered native module with its bridge type and the
// relay feeding it.
type Extension struct {
	api    interp.API
	cfg    *config.Config
	module *builder.Module
	bridge *bridge.Awaitable
	relay  *relay.Relay
	ctx    context.Context
	cancel context.CancelFunc
	tasks  map[relay.Handle]Task
	queue  []relay.Handle
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New builds the module named by cfg, attaches the bridge type to it and
// registers it in the module table. The caller must not hold the execution
// lock. Build failures are fatal (see errors.IsFatal).
func New(ctx context.Context, api interp.API, cfg *config.Config) (*Extension, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Extension{
		api:    api,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[relay.Handle]Task),
	}

	release := api.Ensure()
	defer release()

	mod, err := builder.BuildModule(api, builder.ModuleSpec{
		Name: cfg.Module.Name,
		Doc:  cfg.Module.Doc,
		Methods: []builder.Method{
			{Name: "make_awaitable", Conv: builder.NoArgs, Func: e.makeAwaitable,
				Doc: "Return an awaitable for the next submitted host task."},
			{Name: "awaitable_for", Conv: builder.OneArg, Func: e.awaitableFor,
				Doc: "Return an awaitable for the submitted host task with the given handle."},
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}

	tr := &tracker{}
	aw, err := bridge.New(api, mod, bridge.Options{
		Tracker: tr,
		Name:    cfg.Type.Name,
		Doc:     cfg.Type.Doc,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.module = mod
	e.bridge = aw
	e.relay = relay.New(api, aw, relay.Options{MaxPending: cfg.Relay.MaxPending})
	tr.relay = e.relay

	Logger().Info("extension ready",
		zap.String("module", mod.Name),
		zap.String("type", aw.Type().QualName),
		zap.String("version", api.Version().String()),
		zap.String("generation", api.ABI().Generation.String()))
	return e, nil
}

// Module returns the registered module.
func (e *Extension) Module() *builder.Module { return e.module }

// Bridge returns the bridge type.
func (e *Extension) Bridge() *bridge.Awaitable { return e.bridge }

// Relay returns the completion relay.
func (e *Extension) Relay() *relay.Relay { return e.relay }

// Config returns the configuration the extension was built from.
func (e *Extension) Config() *config.Config { return e.cfg }

// Submit queues task under a fresh handle. The task starts when interpreter
// code binds it through make_awaitable or awaitable_for.
func (e *Extension) Submit(task Task) (relay.Handle, error) {
	if task == nil {
		return 0, errors.InvalidInput(errors.PhaseRuntime, "nil task")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.Closed(errors.PhaseRuntime, "extension")
	}
	h, err := e.relay.Reserve()
	if err != nil {
		return 0, err
	}
	e.tasks[h] = task
	e.queue = append(e.queue, h)
	return h, nil
}

// NewAwaitable creates an armed awaitable running task and returns it as a
// new reference. The task context derives from ctx. Must be called with the
// execution lock held.
func (e *Extension) NewAwaitable(ctx context.Context, task Task) (interp.Object, error) {
	if task == nil {
		return 0, errors.InvalidInput(errors.PhaseRuntime, "nil task")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, errors.Closed(errors.PhaseRuntime, "extension")
	}
	e.mu.Unlock()
	h, err := e.relay.Reserve()
	if err != nil {
		return 0, err
	}
	return e.start(ctx, h, task)
}

// take removes a submitted task. next selects the oldest one when h is 0.
func (e *Extension) take(h relay.Handle) (relay.Handle, Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, nil, errors.Closed(errors.PhaseRuntime, "extension")
	}
	if h == 0 {
		if len(e.queue) == 0 {
			return 0, nil, errors.Protocol(errors.PhaseRuntime, "no submitted task")
		}
		h = e.queue[0]
	}
	task, ok := e.tasks[h]
	if !ok {
		return 0, nil, errors.New(errors.PhaseRuntime, errors.KindNotFound).
			Value(int64(h)).
			Detail("no submitted task with handle %d", h).
			Build()
	}
	delete(e.tasks, h)
	for i, q := range e.queue {
		if q == h {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	return h, task, nil
}

// start binds a reserved handle to a new instance, arms it and launches
// the task. Lock held.
func (e *Extension) start(ctx context.Context, h relay.Handle, task Task) (interp.Object, error) {
	inst, err := e.bridge.Instance()
	if err != nil {
		e.relay.Abandon(h)
		return 0, err
	}
	if err := e.bridge.SetHandle(inst, int64(h)); err != nil {
		e.relay.Abandon(h)
		e.api.DecRef(inst)
		return 0, err
	}
	taskCtx, cancel := context.WithCancel(ctx)
	if err := e.relay.Arm(h, inst, cancel); err != nil {
		cancel()
		e.relay.Abandon(h)
		e.api.DecRef(inst)
		return 0, err
	}

	e.wg.Add(1)
	go e.run(taskCtx, cancel, h, task)
	return inst, nil
}

func (e *Extension) run(ctx context.Context, cancel context.CancelFunc, h relay.Handle, task Task) {
	defer e.wg.Done()
	defer cancel()

	v, err := safeCall(ctx, task)
	if err != nil {
		err = e.relay.Fail(h, err)
	} else {
		err = e.relay.Complete(h, v)
	}
	if err != nil {
		Logger().Debug("task result not delivered", zap.Int64("handle", int64(h)), zap.Error(err))
	}
}

func safeCall(ctx context.Context, task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.PhaseRuntime, errors.KindInterpreter).
				Value(r).
				Detail("task panicked: %v", r).
				Build()
		}
	}()
	return task(ctx)
}

func (e *Extension) makeAwaitable(_, _ interp.Object) (interp.Object, error) {
	h, task, err := e.take(0)
	if err != nil {
		return 0, err
	}
	return e.start(e.ctx, h, task)
}

func (e *Extension) awaitableFor(_, arg interp.Object) (interp.Object, error) {
	v, err := e.api.ToHost(arg)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, &interp.Exception{Kind: interp.ExcTypeError, Message: fmt.Sprintf("handle must be an int, not %T", v)}
	}
	if n <= 0 {
		return 0, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("handle must be positive, got %d", n))
	}
	h, task, err := e.take(relay.Handle(n))
	if err != nil {
		return 0, err
	}
	return e.start(e.ctx, h, task)
}

// Close cancels every outstanding task and waits for their goroutines until
// ctx is done. The module stays registered; pending awaitables never
// resolve. The caller must not hold the execution lock.
func (e *Extension) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	dropped := len(e.queue)
	for _, h := range e.queue {
		e.relay.Abandon(h)
	}
	e.queue = nil
	e.tasks = make(map[relay.Handle]Task)
	e.mu.Unlock()

	_ = e.relay.Close()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(errors.PhaseRuntime, errors.KindClosed, ctx.Err(), "waiting for host tasks")
	}
	Logger().Debug("extension closed", zap.String("module", e.module.Name), zap.Int("dropped", dropped))
	return nil
}

// tracker exposes the relay to bridge instances.
type tracker struct {
	relay *relay.Relay
}

func (t *tracker) Armed(h int64, inst interp.Object) bool {
	return t.relay != nil && t.relay.ArmedFor(relay.Handle(h), inst)
}

func (t *tracker) Bind(h int64, inst interp.Object) error {
	if t.relay == nil {
		return nil
	}
	return t.relay.CheckBind(relay.Handle(h), inst)
}

func (t *tracker) Abandon(h int64, inst interp.Object) {
	if t.relay != nil {
		t.relay.AbandonFor(relay.Handle(h), inst)
	}
}
