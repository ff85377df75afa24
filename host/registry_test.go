package host

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/internal/wasmtest"
)

func compile(t *testing.T, bytecode []byte) wazero.CompiledModule {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	compiled, err := rt.CompileModule(ctx, bytecode)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return compiled
}

func TestRegistry_Define(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *Env, *abi.Memory, []uint64) {}

	if err := r.Define(Func{Name: "x", Handler: noop}); err != nil {
		t.Fatal(err)
	}
	if err := r.Define(Func{Name: "x", Handler: noop}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := r.Define(Func{Name: "y"}); err == nil {
		t.Error("function without handler accepted")
	}
	if _, ok := r.Lookup("x"); !ok {
		t.Error("Lookup(x) failed")
	}
}

func TestDefault_Names(t *testing.T) {
	r := Default()
	names := r.Names()
	if len(names) != 14 {
		t.Fatalf("Default has %d functions: %v", len(names), names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Names not sorted: %v", names)
		}
	}

	agentOnly := map[string]bool{
		abi.ImportHTTPRequest: true,
		abi.ImportWSConnect:   true,
		abi.ImportWSSend:      true,
		abi.ImportWSRecv:      true,
		abi.ImportWSClose:     true,
	}
	for _, name := range names {
		f, _ := r.Lookup(name)
		if f.AgentOnly != agentOnly[name] {
			t.Errorf("%s: AgentOnly = %v", name, f.AgentOnly)
		}
	}
}

func TestRegistry_Check(t *testing.T) {
	r := Default()

	wrongSig := wasmtest.New()
	wrongSig.Import("env", "now", wasmtest.Sig(wasmtest.I32), wasmtest.Sig(wasmtest.I64))
	wrongSig.Memory(1)

	unknownName := wasmtest.New()
	unknownName.Import("env", "exec", nil, nil)
	unknownName.Memory(1)

	unknownModule := wasmtest.New()
	unknownModule.Import("wasi_snapshot_preview1", "fd_write", wasmtest.Sig(wasmtest.I32, wasmtest.I32, wasmtest.I32, wasmtest.I32), wasmtest.Sig(wasmtest.I32))
	unknownModule.Memory(1)

	tests := []struct {
		name     string
		bytecode []byte
		kind     executor.Kind
		want     errors.Kind
	}{
		{"contract", wasmtest.Contract(), executor.KindContract, ""},
		{"agent imports as agent", wasmtest.HTTPAgent(), executor.KindAgent, ""},
		{"network import in contract", wasmtest.ForbiddenContract(), executor.KindContract, errors.KindForbiddenImport},
		{"network import in agent", wasmtest.ForbiddenContract(), executor.KindAgent, ""},
		{"signature mismatch", wrongSig.Bytes(), executor.KindAgent, errors.KindUnknownImport},
		{"unknown function", unknownName.Bytes(), executor.KindAgent, errors.KindUnknownImport},
		{"unknown module", unknownModule.Bytes(), executor.KindContract, errors.KindUnknownImport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Check(tt.kind, compile(t, tt.bytecode).ImportedFunctions())
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
				return
			}
			if errors.ClassOf(err) != errors.ClassCompile || errors.KindOf(err) != tt.want {
				t.Fatalf("Check err = %v, want compile/%s", err, tt.want)
			}
		})
	}
}

func TestRegistry_Build(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	mod, err := Default().Build(ctx, rt)
	if err != nil {
		t.Fatal(err)
	}
	if mod.Name() != abi.HostModule {
		t.Errorf("module name = %q", mod.Name())
	}
	defs := mod.ExportedFunctionDefinitions()
	if len(defs) != 14 {
		t.Errorf("exported %d functions", len(defs))
	}
	get := defs[abi.ImportStateGet]
	if get == nil || len(get.ParamTypes()) != 4 || get.ResultTypes()[0] != api.ValueTypeI64 {
		t.Errorf("state_get definition = %v", get)
	}
}
