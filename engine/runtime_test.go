package engine

import (
	"context"
	stderrors "errors"
	"testing"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/internal/wasmtest"
	"github.com/wippyai/wasm-executor/state"
)

func newRuntime(t *testing.T, cfg Config, opts ...Option) (*Runtime, *state.MemoryBackend) {
	t.Helper()
	backend := state.NewMemoryBackend()
	rt, err := New(context.Background(), backend, append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt, backend
}

func register(t *testing.T, rt *Runtime, id string, kind executor.Kind, bytecode, config []byte) {
	t.Helper()
	err := rt.Register(context.Background(), executor.Package{ID: id, Kind: kind, Bytecode: bytecode, Config: config})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func TestNew_Defaults(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	cfg := rt.Config()
	if cfg.Fuel != DefaultFuel || cfg.MemoryPages != DefaultMemoryPages || cfg.Timeout != DefaultTimeout {
		t.Errorf("config = %+v", cfg)
	}
	if got := len(rt.Registry().Names()); got != 14 {
		t.Errorf("registry has %d functions, want 14", got)
	}
}

func TestRegister_Validation(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name  string
		pkg   executor.Package
		class errors.Class
		kind  errors.Kind
	}{
		{"no id", executor.Package{Kind: executor.KindContract, Bytecode: wasmtest.Contract()}, errors.ClassInvalid, errors.KindInvalidInput},
		{"no kind", executor.Package{ID: "p", Bytecode: wasmtest.Contract()}, errors.ClassInvalid, errors.KindInvalidInput},
		{"no bytecode", executor.Package{ID: "p", Kind: executor.KindContract}, errors.ClassInvalid, errors.KindInvalidInput},
		{"garbage", executor.Package{ID: "p", Kind: executor.KindContract, Bytecode: []byte("not wasm")}, errors.ClassCompile, errors.KindMalformed},
		{"contract imports network", executor.Package{ID: "p", Kind: executor.KindContract, Bytecode: wasmtest.ForbiddenContract()}, errors.ClassCompile, errors.KindForbiddenImport},
		{"contract without exports", executor.Package{ID: "p", Kind: executor.KindContract, Bytecode: wasmtest.Const(1)}, errors.ClassCompile, errors.KindMissingExport},
		{"contract as agent", executor.Package{ID: "p", Kind: executor.KindAgent, Bytecode: wasmtest.Contract()}, errors.ClassCompile, errors.KindMissingExport},
		{"agent as contract", executor.Package{ID: "p", Kind: executor.KindContract, Bytecode: wasmtest.HTTPAgent()}, errors.ClassCompile, errors.KindForbiddenImport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rt.Register(ctx, tt.pkg)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.ClassOf(err) != tt.class || errors.KindOf(err) != tt.kind {
				t.Fatalf("err = %v, want %s/%s", err, tt.class, tt.kind)
			}
		})
	}
	if n := len(rt.Packages()); n != 0 {
		t.Errorf("%d packages registered after failures", n)
	}
}

func TestRegister_HashMismatch(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	pkg := executor.Package{
		ID:       "p",
		Kind:     executor.KindContract,
		Bytecode: wasmtest.Contract(),
		Hash:     executor.HashBytecode([]byte("other")),
	}
	err := rt.Register(context.Background(), pkg)
	if errors.KindOf(err) != errors.KindHashMismatch {
		t.Fatalf("err = %v, want hash_mismatch", err)
	}
}

func TestRuntime_Packages(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	register(t, rt, "b", executor.KindAgent, wasmtest.HTTPAgent(), nil)
	register(t, rt, "a", executor.KindContract, wasmtest.Contract(), nil)

	pkgs := rt.Packages()
	if len(pkgs) != 2 || pkgs[0].ID != "a" || pkgs[1].ID != "b" {
		t.Fatalf("packages = %+v", pkgs)
	}
	if pkgs[0].Hash != executor.HashBytecode(wasmtest.Contract()) {
		t.Error("hash not recorded")
	}
	if agents := rt.Agents(); len(agents) != 1 || agents[0] != "b" {
		t.Errorf("agents = %v", agents)
	}

	info, err := rt.Package("b")
	if err != nil || info.Kind != executor.KindAgent {
		t.Errorf("Package(b) = %+v, %v", info, err)
	}
	if _, err := rt.Package("missing"); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("Package(missing) err = %v", err)
	}
}

func TestRuntime_CodeSharing(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	register(t, rt, "c1", executor.KindContract, wasmtest.Contract(), nil)
	register(t, rt, "c2", executor.KindContract, wasmtest.Contract(), nil)

	stats := rt.CodeStats()
	if stats.Compilations != 1 {
		t.Errorf("compilations = %d, want 1", stats.Compilations)
	}
	if stats.Hits < 1 {
		t.Errorf("hits = %d, want >= 1", stats.Hits)
	}
	if stats.Size != 1 {
		t.Errorf("size = %d, want 1", stats.Size)
	}
}

func TestRuntime_Unregister(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	ctx := context.Background()
	register(t, rt, "c", executor.KindContract, wasmtest.Contract(), nil)
	if _, err := rt.ExecuteAction(ctx, executor.ActionRequest{PackageID: "c", Action: "k", Payload: []byte("v")}); err != nil {
		t.Fatal(err)
	}

	if err := rt.Unregister(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if err := rt.Unregister(ctx, "c"); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("second Unregister err = %v", err)
	}
	if _, err := rt.ExecuteAction(ctx, executor.ActionRequest{PackageID: "c", Action: "k"}); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("ExecuteAction after Unregister err = %v", err)
	}

	// State survives and is visible again after re-registration.
	register(t, rt, "c", executor.KindContract, wasmtest.Contract(), nil)
	kvs, err := rt.State(ctx, "c", []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 1 || string(kvs[0].Value) != "v" {
		t.Errorf("state = %+v", kvs)
	}
}

func TestRuntime_Close(t *testing.T) {
	backend := state.NewMemoryBackend()
	rt, err := New(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	register(t, rt, "c", executor.KindContract, wasmtest.Contract(), nil)

	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = rt.Register(context.Background(), executor.Package{ID: "d", Kind: executor.KindContract, Bytecode: wasmtest.Contract()})
	if errors.KindOf(err) != errors.KindClosedRuntime {
		t.Errorf("Register after Close err = %v", err)
	}
	_, err = rt.ExecuteAction(context.Background(), executor.ActionRequest{PackageID: "c", Action: "k"})
	if errors.KindOf(err) != errors.KindClosedRuntime {
		t.Errorf("ExecuteAction after Close err = %v", err)
	}
}

func TestSetLogger(t *testing.T) {
	SetLogger(nil)
	if Logger() == nil {
		t.Fatal("Logger() returned nil")
	}
}
