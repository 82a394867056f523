package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/runtime"
	"github.com/wippyai/pybridge/sim"
)

// session is one reference interpreter with the extension registered.
type session struct {
	sim *sim.Interp
	ext *runtime.Extension
}

func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s, err := sim.New(ctx, cfg.SimOptions())
	if err != nil {
		return nil, err
	}
	ext, err := runtime.New(ctx, s, cfg)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return &session{sim: s, ext: ext}, nil
}

func (s *session) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.ext.Close(ctx); err != nil {
		_ = s.sim.Close(ctx)
		return err
	}
	return s.sim.Close(ctx)
}

// awaitScript is `await <module>.make_awaitable()`.
func awaitScript(module string) sim.Script {
	return func(f *sim.Frame) (any, error) {
		mod, err := f.Import(module)
		if err != nil {
			return nil, err
		}
		defer f.Release(mod)
		aw, err := f.Call(mod, "make_awaitable")
		if err != nil {
			return nil, err
		}
		defer f.Release(aw)
		v, err := f.Await(aw)
		if err != nil {
			return nil, err
		}
		defer f.Release(v)
		return f.Host(v)
	}
}

func sleepTask(n int, d time.Duration) runtime.Task {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return map[string]any{"task": n, "slept_ms": d.Milliseconds()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runDemo submits n sleeping tasks and awaits all of them concurrently.
func runDemo(ctx context.Context, w io.Writer, cfg *config.Config, n int) error {
	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	scripts := make([]sim.Script, n)
	for i := 0; i < n; i++ {
		d := time.Duration(10+rand.Intn(90)) * time.Millisecond
		if _, err := sess.ext.Submit(sleepTask(i, d)); err != nil {
			return err
		}
		scripts[i] = awaitScript(cfg.Module.Name)
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s on %s (%s)", cfg.Module.Name, sess.sim.Version(), sess.sim.ABI().Generation)))
	start := time.Now()
	results, err := sess.sim.RunUntilComplete(ctx, scripts...)
	if err != nil {
		return err
	}
	for i, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "  %2d %s\n", i, errorStyle.Render(r.Err.Error()))
			continue
		}
		fmt.Fprintf(w, "  %2d %s %s\n", i, resultStyle.Render(fmt.Sprint(r.Value)),
			helpStyle.Render(fmt.Sprintf("advances=%d yields=%d", r.Advances, r.Yields)))
	}
	fmt.Fprintln(w, helpStyle.Render(fmt.Sprintf("%d awaits in %s, %d pending", n, time.Since(start).Round(time.Millisecond), sess.ext.Relay().Pending())))
	return nil
}
