package builder

import (
	"go.uber.org/zap"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
	"github.com/wippyai/pybridge/interp"
)

// ModuleSpec declares a native module.
type ModuleSpec struct {
	Name    string
	Doc     string
	Methods []Method
}

// Module is a module registered in the interpreter's module table.
type Module struct {
	api    interp.API
	types  map[string]*Type
	Name   string
	Object interp.Object
	Def    uint64
}

// BuildModule creates a module from spec without a backing file and
// inserts it into the live module table so import by name finds it.
// Failures are fatal: the module either exists completely or not at all.
// Must be called with the execution lock held.
func BuildModule(api interp.API, spec ModuleSpec) (*Module, error) {
	if !validName(spec.Name) {
		return nil, errors.InvalidInput(errors.PhaseBuild, "invalid module name "+quote(spec.Name))
	}
	if existing, ok := api.GetModule(spec.Name); ok {
		api.DecRef(existing)
		return nil, errors.Registration(errors.PhaseBuild, "module", spec.Name,
			errors.New(errors.PhaseBuild, errors.KindRegistration).Detail("name already in the module table").Build())
	}

	d := api.ABI()
	mem := api.Memory()
	a := newArena(api, errors.PhaseBuild)
	published := false
	defer func() {
		if !published {
			a.release()
		}
	}()

	methods, funcs, err := methodTable(api, a, spec.Name, spec.Methods)
	if err != nil {
		return nil, err
	}
	name, err := a.cstring(spec.Name)
	if err != nil {
		return nil, err
	}
	doc, err := a.cstring(spec.Doc)
	if err != nil {
		return nil, err
	}
	def, err := a.zeroed(d.ModuleDef.Size)
	if err != nil {
		return nil, err
	}
	if err := d.WriteModuleDef(mem, def, abi.ModuleDefSpec{
		Name:    name,
		Doc:     doc,
		Methods: methods,
		Size:    -1,
	}); err != nil {
		return nil, err
	}

	obj, err := api.ModuleCreate(def, abi.APIVersion)
	if err != nil {
		return nil, errors.Registration(errors.PhaseBuild, "module", spec.Name, err)
	}
	// The interpreter may hold pointers into the definition from here on.
	published = true

	if err := api.Registry().Bind(obj, &interp.Handlers{Name: spec.Name, Methods: funcs}); err != nil {
		return nil, errors.Registration(errors.PhaseBuild, "module", spec.Name, err)
	}

	key, err := api.InternString(spec.Name)
	if err != nil {
		return nil, errors.Registration(errors.PhaseBuild, "module", spec.Name, err)
	}
	defer api.DecRef(key)
	registry, err := api.ModuleRegistry()
	if err != nil {
		return nil, errors.Registration(errors.PhaseBuild, "module", spec.Name, err)
	}
	if err := api.DictSetItem(registry, key, obj); err != nil {
		return nil, errors.Registration(errors.PhaseBuild, "module", spec.Name, err)
	}

	Logger().Debug("module registered",
		zap.String("name", spec.Name),
		zap.Uint64("object", uint64(obj)),
		zap.Int("methods", len(funcs)))

	return &Module{
		api:    api,
		types:  make(map[string]*Type),
		Name:   spec.Name,
		Object: obj,
		Def:    def,
	}, nil
}

// Type returns a type built into this module by its unqualified name.
func (m *Module) Type(name string) (*Type, bool) {
	t, ok := m.types[name]
	return t, ok
}

// AddObject attaches value as a module attribute, stealing the reference.
func (m *Module) AddObject(name string, value interp.Object) error {
	if err := m.api.ModuleAddObject(m.Object, name, value); err != nil {
		return errors.Registration(errors.PhaseReady, "attribute", m.Name+"."+name, err)
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}
