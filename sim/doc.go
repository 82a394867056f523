// Package sim is a reference interpreter for exercising native extensions
// without linking libpython.
//
// It implements interp.API over a wazero linear memory. Every object,
// type descriptor, module definition and table lives in that memory in
// the layout abi.Describe reports for the impersonated version, and sim
// reads them back through the same decoders the real interpreter's
// layout implies: a method table without its sentinel fails TypeReady,
// a type without READY cannot be instantiated, and raw refcount updates
// on immortal objects are fatal.
//
// Interpreter-side code is written as Scripts over a Frame:
//
//	results, err := s.RunUntilComplete(ctx, func(f *sim.Frame) (any, error) {
//		mod, err := f.Import("pybridge")
//		if err != nil {
//			return nil, err
//		}
//		defer f.Release(mod)
//		aw, err := f.Call(mod, "make_awaitable")
//		if err != nil {
//			return nil, err
//		}
//		defer f.Release(aw)
//		v, err := f.Await(aw)
//		if err != nil {
//			return nil, err
//		}
//		defer f.Release(v)
//		return f.Host(v)
//	})
//
// RunUntilComplete is a cooperative event loop. It holds the execution
// lock while a task runs and releases it while every task is waiting,
// sleeping until Wake is called.
//
// Memory layout of the builtin objects:
//
//	str, value   header | length ssize | bytes (UTF-8 or canonical CBOR)
//	dict         header | ma_used ssize (entries are kept by sim)
//	module       header | md_dict | md_def | md_state | md_name
//
// Native entry points have synthetic addresses above the heap.
package sim
