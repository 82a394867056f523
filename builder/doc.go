// Package builder constructs native modules and types inside a running
// interpreter without loading a shared object.
//
// BuildModule writes an immortal PyModuleDef and its method table, creates
// the module with abi.APIVersion and inserts it into the module table:
//
//	mod, err := builder.BuildModule(api, builder.ModuleSpec{
//		Name: "pybridge",
//		Methods: []builder.Method{
//			{Name: "ping", Conv: builder.NoArgs, Func: ping},
//		},
//	})
//
// BuildType writes the method, property and async tables, the type
// descriptor, readies it and attaches it to the module:
//
//	typ, err := builder.BuildType(api, mod, builder.TypeSpec{
//		Name:     "Awaitable",
//		Layout:   layout,
//		Await:    self,
//		IterNext: advance,
//	})
//
// Registration failures are fatal errors (errors.IsFatal reports true).
// Each owner supports at most interp.MaxMethods methods and
// interp.MaxProperties properties.
package builder
