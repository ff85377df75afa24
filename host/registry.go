package host

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/errors"
)

// Handler implements a host function. mem is the calling guest's memory.
// Handlers abort the guest by calling env.fail.
type Handler func(ctx context.Context, env *Env, mem *abi.Memory, stack []uint64)

// Func is one entry of the import table.
type Func struct {
	Name      string
	Params    []api.ValueType
	Results   []api.ValueType
	AgentOnly bool
	Handler   Handler
}

// Registry is the table of functions exported to guests from the env module.
// Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*Func)}
}

// Default returns a registry holding the standard import set.
func Default() *Registry {
	r := NewRegistry()
	for _, f := range standard() {
		if err := r.Define(f); err != nil {
			panic(err)
		}
	}
	return r
}

// Define adds f. Names must be unique.
func (r *Registry) Define(f Func) error {
	if f.Name == "" || f.Handler == nil {
		return fmt.Errorf("host: function needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[f.Name]; ok {
		return fmt.Errorf("host: function %q already defined", f.Name)
	}
	fn := f
	r.funcs[f.Name] = &fn
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (*Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[name]
	return f, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Check validates a compiled module's function imports against the table.
// Imports outside the env module, unknown names and mismatched signatures are
// unknown_import; agent-only functions imported by a contract are
// forbidden_import.
func (r *Registry) Check(kind executor.Kind, imports []api.FunctionDefinition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range imports {
		module, name, ok := def.Import()
		if !ok {
			continue
		}
		if module != abi.HostModule {
			return errors.Compile(errors.KindUnknownImport,
				fmt.Sprintf("import %s.%s: unknown module", module, name), nil)
		}
		f, known := r.funcs[name]
		if !known {
			return errors.Compile(errors.KindUnknownImport,
				fmt.Sprintf("import %s.%s: no such host function", module, name), nil)
		}
		if !slices.Equal(def.ParamTypes(), f.Params) || !slices.Equal(def.ResultTypes(), f.Results) {
			return errors.Compile(errors.KindUnknownImport,
				fmt.Sprintf("import %s.%s: signature %s does not match %s",
					module, name, signature(def.ParamTypes(), def.ResultTypes()), signature(f.Params, f.Results)), nil)
		}
		if f.AgentOnly && kind != executor.KindAgent {
			return errors.Compile(errors.KindForbiddenImport,
				fmt.Sprintf("import %s.%s is not available to %s packages", module, name, kind), nil)
		}
	}
	return nil
}

// Build instantiates the env host module into rt. Every registered function
// is exported; agent-only functions trap when called outside an agent.
func (r *Registry) Build(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	builder := rt.NewHostModuleBuilder(abi.HostModule)
	for _, name := range r.namesLocked() {
		f := r.funcs[name]
		builder.NewFunctionBuilder().
			WithGoModuleFunction(bind(f), f.Params, f.Results).
			WithName(f.Name).
			Export(f.Name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("host: instantiate %s module: %w", abi.HostModule, err)
	}
	return mod, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bind adapts a Handler to wazero's calling convention.
func bind(f *Func) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		env := EnvFrom(ctx)
		if env == nil {
			panic(errors.Trap(errors.KindProtocol, f.Name+" called outside an invocation", nil))
		}
		if f.AgentOnly && (env.Kind != executor.KindAgent || env.Network == nil) {
			env.fail(errors.Trap(errors.KindForbiddenImport, f.Name+" is only available to agents", nil))
		}
		mem := abi.NewMemory(mod.Memory())
		if mem == nil {
			env.fail(errors.Trap(errors.KindProtocol, "guest does not export memory", nil))
		}
		f.Handler(ctx, env, mem, stack)
	}
}

func signature(params, results []api.ValueType) string {
	name := func(types []api.ValueType) string {
		s := "("
		for i, t := range types {
			if i > 0 {
				s += ", "
			}
			s += api.ValueTypeName(t)
		}
		return s + ")"
	}
	return name(params) + " -> " + name(results)
}
