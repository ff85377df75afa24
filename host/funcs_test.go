package host

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"net/url"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/internal/wasmtest"
	"github.com/wippyai/wasm-executor/state"
)

type fixture struct {
	ctx   context.Context
	rt    wazero.Runtime
	store *state.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	if _, err := Default().Build(ctx, rt); err != nil {
		t.Fatal(err)
	}
	return &fixture{ctx: ctx, rt: rt, store: state.New(state.NewMemoryBackend())}
}

func (f *fixture) instantiate(t *testing.T, bytecode []byte) api.Module {
	t.Helper()
	mod, err := f.rt.InstantiateWithConfig(f.ctx, bytecode, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	t.Cleanup(func() { mod.Close(f.ctx) })
	return mod
}

// call writes each argument into guest memory and passes it as (ptr, len).
func call(ctx context.Context, t *testing.T, mod api.Module, name string, args ...[]byte) (int32, error) {
	t.Helper()
	mem := abi.NewMemory(mod.Memory())
	alloc := abi.NewAllocator(ctx, mod.ExportedFunction(abi.ExportAlloc))
	var params []uint64
	for _, arg := range args {
		ptr, n, err := abi.WriteInput(mem, alloc, arg)
		if err != nil {
			t.Fatalf("write input: %v", err)
		}
		params = append(params, uint64(ptr), uint64(n))
	}
	results, err := mod.ExportedFunction(name).Call(ctx, params...)
	if err != nil {
		return 0, err
	}
	return int32(uint32(results[0])), nil
}

func (f *fixture) contractEnv(t *testing.T, req *executor.ActionRequest) *Env {
	t.Helper()
	txn, err := f.store.Begin(f.ctx, req.PackageID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(txn.Discard)
	return &Env{Kind: executor.KindContract, Package: req.PackageID, Txn: txn, Caps: NewDeterministic(req)}
}

func TestContractFuncs(t *testing.T) {
	f := newFixture(t)
	mod := f.instantiate(t, wasmtest.Contract())

	req := &executor.ActionRequest{PackageID: "c1", Action: "k", Payload: []byte("v"), Timestamp: 42}
	env := f.contractEnv(t, req)
	ctx := WithEnv(f.ctx, env)

	code, err := call(ctx, t, mod, abi.ExportProcessAction, []byte("k"), []byte("v"))
	if err != nil || code != 0 {
		t.Fatalf("process_action = %d, %v", code, err)
	}
	if v, ok, _ := env.Txn.Get(f.ctx, []byte("k")); !ok || string(v) != "v" {
		t.Errorf("buffered k = %q, %v", v, ok)
	}
	if len(env.Events()) != 1 || string(env.Events()[0].Data) != "v" {
		t.Errorf("events = %v", env.Events())
	}
	if string(env.Output()) != "v" {
		t.Errorf("output = %q", env.Output())
	}

	// state_get sees the buffered write.
	env.Reset()
	code, err = call(ctx, t, mod, abi.ExportProcessAction, []byte("r"), []byte("k"))
	if err != nil || code != 0 || string(env.Output()) != "v" {
		t.Errorf("read = %d, %q, %v", code, env.Output(), err)
	}
	code, _ = call(ctx, t, mod, abi.ExportProcessAction, []byte("r"), []byte("missing"))
	if code != 1 {
		t.Errorf("read missing = %d, want 1", code)
	}

	code, _ = call(ctx, t, mod, abi.ExportProcessAction, []byte("d"), []byte("k"))
	if _, ok, _ := env.Txn.Get(f.ctx, []byte("k")); code != 0 || ok {
		t.Error("delete did not remove k")
	}

	env.Reset()
	if _, err := call(ctx, t, mod, abi.ExportProcessAction, []byte("L"), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	logs := env.Logs()
	if len(logs) != 1 || logs[0].Level != executor.LogInfo || logs[0].Message != "hello" || logs[0].Timestamp != 42 {
		t.Errorf("logs = %+v", logs)
	}
}

func TestContractFuncs_ClockAndRandom(t *testing.T) {
	f := newFixture(t)
	mod := f.instantiate(t, wasmtest.Contract())

	req := &executor.ActionRequest{PackageID: "c1", Action: "n", Timestamp: 1234567, Nonce: 9}
	env := f.contractEnv(t, req)
	if _, err := call(WithEnv(f.ctx, env), t, mod, abi.ExportProcessAction, []byte("n"), nil); err != nil {
		t.Fatal(err)
	}

	out := env.Output()
	if len(out) != 24 {
		t.Fatalf("output length = %d", len(out))
	}
	if ts := int64(binary.LittleEndian.Uint64(out)); ts != 1234567 {
		t.Errorf("now = %d", ts)
	}
	want := make([]byte, 16)
	NewDeterministic(req).Random(want)
	if !bytes.Equal(out[8:], want) {
		t.Errorf("random = %x, want %x", out[8:], want)
	}
}

func TestContractFuncs_Traps(t *testing.T) {
	tests := []struct {
		action string
		class  errors.Class
		kind   errors.Kind
	}{
		{"o", errors.ClassTrap, errors.KindOutOfBounds},
		{"x", errors.ClassTrap, errors.KindAbort},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			f := newFixture(t)
			mod := f.instantiate(t, wasmtest.Contract())
			env := f.contractEnv(t, &executor.ActionRequest{PackageID: "c1"})

			_, err := call(WithEnv(f.ctx, env), t, mod, abi.ExportProcessAction, []byte(tt.action), []byte("boom"))
			if err == nil {
				t.Fatal("expected the call to fail")
			}
			if errors.ClassOf(env.Err()) != tt.class || errors.KindOf(env.Err()) != tt.kind {
				t.Fatalf("env.Err = %v, want %s/%s", env.Err(), tt.class, tt.kind)
			}
			var e *errors.Error
			if !stderrors.As(env.Err(), &e) || e.Package != "c1" {
				t.Errorf("trap not tagged with package: %v", env.Err())
			}
			if env.Txn.Pending() != 0 {
				t.Errorf("trap left %d buffered writes", env.Txn.Pending())
			}
		})
	}
}

func TestAgentOnlyFuncTrapsInContract(t *testing.T) {
	f := newFixture(t)
	mod := f.instantiate(t, wasmtest.ForbiddenContract())
	env := f.contractEnv(t, &executor.ActionRequest{PackageID: "c1"})

	if _, err := call(WithEnv(f.ctx, env), t, mod, abi.ExportProcessAction, nil, nil); err == nil {
		t.Fatal("expected trap")
	}
	if errors.KindOf(env.Err()) != errors.KindForbiddenImport {
		t.Errorf("env.Err = %v", env.Err())
	}
}

func TestHostCallWithoutEnv(t *testing.T) {
	f := newFixture(t)
	mod := f.instantiate(t, wasmtest.Contract())
	if _, err := call(f.ctx, t, mod, abi.ExportProcessAction, []byte("L"), []byte("x")); err == nil {
		t.Fatal("host call without env succeeded")
	}
}

type fakeNetwork struct {
	heads  []*abi.RequestHead
	urls   []*url.URL
	closed []uint64
	next   int64
	err    error
}

func (n *fakeNetwork) HTTPRequest(head *abi.RequestHead, body []byte) (int64, error) {
	if n.err != nil {
		return 0, n.err
	}
	n.heads = append(n.heads, head)
	n.next++
	return n.next, nil
}

func (n *fakeNetwork) Connect(u *url.URL) (int64, error) {
	n.urls = append(n.urls, u)
	n.next++
	return n.next, nil
}

func (n *fakeNetwork) Send(uint64, []byte) (int64, error) { n.next++; return n.next, nil }

func (n *fakeNetwork) Recv(uint64) (int64, error) { n.next++; return n.next, nil }

func (n *fakeNetwork) Close(conn uint64) error {
	n.closed = append(n.closed, conn)
	return nil
}

func (f *fixture) agent(t *testing.T, bytecode, cfg []byte, network Network) (api.Module, context.Context, *Env) {
	t.Helper()
	mod := f.instantiate(t, bytecode)
	txn, err := f.store.Begin(f.ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(txn.Discard)
	env := &Env{Kind: executor.KindAgent, Package: "a1", Txn: txn, Caps: Live{}, Network: network}
	ctx := WithEnv(f.ctx, env)
	if code, err := call(ctx, t, mod, abi.ExportInit, cfg); err != nil || code != 0 {
		t.Fatalf("init = %d, %v", code, err)
	}
	return mod, ctx, env
}

func TestAgentFuncs_HTTPRequest(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		head string
		err  error
		want int32
	}{
		{"submitted", "GET https://example.com/feed HTTP/1.1\r\nAccept: */*\r\n\r\n", nil, abi.CodeAwaitingIO},
		{"invalid head", "GET /relative HTTP/1.1\r\n\r\n", nil, int32(abi.ErrInvalid)},
		{"busy", "GET https://example.com/ HTTP/1.1\r\n\r\n", errors.New(errors.ClassIO, errors.KindBusy).Build(), int32(abi.ErrBusy)},
		{"queue full", "GET https://example.com/ HTTP/1.1\r\n\r\n", agentio.ErrQueueFull, int32(abi.ErrQueueFull)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := &fakeNetwork{err: tt.err}
			mod, ctx, env := f.agent(t, wasmtest.HTTPAgent(), []byte(tt.head), network)

			code, err := call(ctx, t, mod, abi.ExportTick)
			if err != nil {
				t.Fatalf("tick: %v (env %v)", err, env.Err())
			}
			if code != tt.want {
				t.Fatalf("tick = %d, want %d", code, tt.want)
			}
			if tt.want == abi.CodeAwaitingIO {
				if len(network.heads) != 1 || network.heads[0].URL.Host != "example.com" {
					t.Errorf("submitted heads = %v", network.heads)
				}
			}
		})
	}
}

func TestAgentFuncs_UnexpectedNetworkErrorTraps(t *testing.T) {
	f := newFixture(t)
	network := &fakeNetwork{err: agentio.ErrClosed}
	mod, ctx, env := f.agent(t, wasmtest.HTTPAgent(), []byte("GET http://example.com HTTP/1.1\r\n\r\n"), network)

	if _, err := call(ctx, t, mod, abi.ExportTick); err == nil {
		t.Fatal("expected trap")
	}
	if !stderrors.Is(env.Err(), agentio.ErrClosed) {
		t.Errorf("env.Err = %v", env.Err())
	}
}

func TestOpCode_NegativeCodes(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		err  error
		want int64
	}{
		{"op id", 42, nil, 42},
		{"busy", 0, errors.New(errors.ClassIO, errors.KindBusy).Build(), abi.ErrBusy},
		{"unknown conn", 0, agentio.ErrUnknownConn, abi.ErrUnknownConn},
		{"queue full", 0, agentio.ErrQueueFull, abi.ErrQueueFull},
		{"invalid", 0, errors.InvalidInput("bad url"), abi.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := int64(opCode(&Env{}, tt.id, tt.err))
			if got != tt.want {
				t.Errorf("opCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStateGet_AbsentKeyIsMinusOne(t *testing.T) {
	f := newFixture(t)
	env := f.contractEnv(t, &executor.ActionRequest{PackageID: "absent", Action: "r", Timestamp: 1})
	mem := abi.NewMemory(f.instantiate(t, wasmtest.Contract()).Memory())
	stack := []uint64{0, 0, 0, 0}
	stateGet(f.ctx, env, mem, stack)
	if got := int64(stack[0]); got != abi.StateAbsent {
		t.Fatalf("state_get = %d, want %d", got, abi.StateAbsent)
	}
}

func TestAgentFuncs_WebSocket(t *testing.T) {
	f := newFixture(t)
	network := &fakeNetwork{}
	mod, ctx, _ := f.agent(t, wasmtest.WSAgent(), []byte("ws://feed.example.com/live"), network)

	if code, err := call(ctx, t, mod, abi.ExportTick); err != nil || code != abi.CodeAwaitingIO {
		t.Fatalf("tick = %d, %v", code, err)
	}
	if len(network.urls) != 1 || network.urls[0].Host != "feed.example.com" {
		t.Fatalf("connect urls = %v", network.urls)
	}

	resume := func(res abi.IOResult) int32 {
		t.Helper()
		mem := abi.NewMemory(mod.Memory())
		alloc := abi.NewAllocator(ctx, mod.ExportedFunction(abi.ExportAlloc))
		ptr, n, err := abi.WriteInput(mem, alloc, res.Encode())
		if err != nil {
			t.Fatal(err)
		}
		out, err := mod.ExportedFunction(abi.ExportResume).Call(ctx, 1, uint64(ptr), uint64(n))
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		return int32(uint32(out[0]))
	}

	if code := resume(abi.IOResult{Outcome: abi.OutcomeOK, Conn: 77}); code != abi.CodeAwaitingIO {
		t.Fatalf("resume after connect = %d", code)
	}
	if code := resume(abi.IOResult{Outcome: abi.OutcomeOK, Conn: 77}); code != abi.CodeAwaitingIO {
		t.Fatalf("resume after send = %d", code)
	}
	if code := resume(abi.IOResult{Outcome: abi.OutcomeOK, Conn: 77, Body: []byte("pong")}); code != abi.CodeIdle {
		t.Fatalf("resume after recv = %d", code)
	}
	if len(network.closed) != 1 || network.closed[0] != 77 {
		t.Errorf("closed = %v, want [77]", network.closed)
	}
}
