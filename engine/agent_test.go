package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/internal/wasmtest"
)

func tick(t *testing.T, rt *Runtime, id string) *TickResult {
	t.Helper()
	res, err := rt.RunAgentTick(context.Background(), id)
	if err != nil {
		t.Fatalf("RunAgentTick(%s): %v", id, err)
	}
	return res
}

// settle steps id until a guest call leaves the task idle.
func settle(t *testing.T, rt *Runtime, id string) *TickResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res := tick(t, rt, id)
		if res.Entered && res.State == TaskIdle {
			return res
		}
		if !res.Entered {
			time.Sleep(2 * time.Millisecond)
		}
	}
	t.Fatalf("agent %s did not settle", id)
	return nil
}

func requestHead(url string) []byte {
	return []byte("GET " + url + " HTTP/1.1\r\nAccept: text/plain\r\n\r\n")
}

// stallServer answers no request until the client gives up or the test ends.
func stallServer(t *testing.T) *httptest.Server {
	t.Helper()
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})
	return srv
}

func TestAgent_HTTPRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello " + r.Header.Get("Accept")))
	}))
	defer srv.Close()

	rt, _ := newRuntime(t, Config{})
	register(t, rt, "a", executor.KindAgent, wasmtest.HTTPAgent(), requestHead(srv.URL+"/data"))

	first := tick(t, rt, "a")
	if !first.Entered || first.State != TaskAwaitingIO || first.Op == 0 {
		t.Fatalf("first tick = %+v", first)
	}
	if first.Session == "" {
		t.Error("no session id")
	}

	res := settle(t, rt, "a")
	if !res.Resumed || res.Op != first.Op {
		t.Errorf("resume = %+v, want op %d", res, first.Op)
	}
	if res.Session != first.Session {
		t.Error("session changed between tick and resume")
	}
	got, err := abi.DecodeIOResult(res.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != abi.OutcomeOK || got.Status != http.StatusOK || string(got.Body) != "hello text/plain" {
		t.Errorf("io result = %s %d %q", got.Outcome, got.Status, got.Body)
	}

	kvs, err := rt.State(context.Background(), "a", []byte("resp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 1 || string(kvs[0].Value) != string(res.Payload) {
		t.Errorf("resp state = %+v", kvs)
	}

	st, err := rt.AgentStatus("a")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != TaskIdle || st.Session != first.Session || st.PendingOp != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestAgent_HTTPTimeoutIsAValue(t *testing.T) {
	srv := stallServer(t)

	rt, _ := newRuntime(t, Config{IO: agentio.Config{HTTPTimeout: 50 * time.Millisecond}})
	register(t, rt, "a", executor.KindAgent, wasmtest.HTTPAgent(), requestHead(srv.URL))

	first := tick(t, rt, "a")
	res := settle(t, rt, "a")
	got, err := abi.DecodeIOResult(res.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != abi.OutcomeTimeout {
		t.Fatalf("outcome = %s (%s), want timeout", got.Outcome, got.Body)
	}
	if res.Status != executor.StatusOK {
		t.Errorf("status = %s", res.Status)
	}

	// The next tick re-issues the request in the same session.
	again := tick(t, rt, "a")
	if again.State != TaskAwaitingIO || again.Op == first.Op {
		t.Errorf("re-issue = %+v", again)
	}
	if again.Session != first.Session {
		t.Error("timeout must not restart the session")
	}
}

func TestAgent_PendingOpNotReentered(t *testing.T) {
	srv := stallServer(t)

	rt, _ := newRuntime(t, Config{})
	register(t, rt, "a", executor.KindAgent, wasmtest.HTTPAgent(), requestHead(srv.URL))

	first := tick(t, rt, "a")
	second := tick(t, rt, "a")
	if second.Entered || second.State != TaskAwaitingIO || second.Op != first.Op {
		t.Errorf("second tick = %+v", second)
	}
	if st, _ := rt.AgentStatus("a"); st.PendingOp != first.Op {
		t.Errorf("pending op = %d, want %d", st.PendingOp, first.Op)
	}
}

func TestAgent_BusyCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	rt, _ := newRuntime(t, Config{})
	register(t, rt, "a", executor.KindAgent, wasmtest.BusyAgent(), requestHead(srv.URL))

	res := tick(t, rt, "a")
	if res.State != TaskAwaitingIO {
		t.Fatalf("state = %s", res.State)
	}
	if len(res.Payload) != 8 {
		t.Fatalf("payload = %x", res.Payload)
	}
	if code := int64(binary.LittleEndian.Uint64(res.Payload)); code != abi.ErrBusy {
		t.Errorf("second request returned %d, want %d", code, abi.ErrBusy)
	}
}

func TestAgent_ProtocolViolationFailsTask(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	register(t, rt, "a", executor.KindAgent, wasmtest.StrayAwaitAgent(), nil)

	_, err := rt.RunAgentTick(context.Background(), "a")
	if errors.ClassOf(err) != errors.ClassTrap || errors.KindOf(err) != errors.KindProtocol {
		t.Fatalf("err = %v, want trap/protocol", err)
	}
	st, err := rt.AgentStatus("a")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != TaskFailed || st.LastError == "" || st.Session != "" {
		t.Errorf("status = %+v", st)
	}

	// A failed task restarts on the next tick and fails the same way.
	if _, err := rt.RunAgentTick(context.Background(), "a"); errors.KindOf(err) != errors.KindProtocol {
		t.Errorf("restart err = %v", err)
	}
}

func TestAgent_WebSocketEcho(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		io.Copy(ws, ws)
	}))
	defer srv.Close()
	wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://")

	rt, _ := newRuntime(t, Config{})
	register(t, rt, "a", executor.KindAgent, wasmtest.WSAgent(), []byte(wsURL))

	if res := tick(t, rt, "a"); res.State != TaskAwaitingIO {
		t.Fatalf("connect tick = %+v", res)
	}
	res := settle(t, rt, "a")
	got, err := abi.DecodeIOResult(res.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != abi.OutcomeOK || string(got.Body) != "ping" {
		t.Fatalf("recv = %s %q", got.Outcome, got.Body)
	}
	if got.Conn == 0 {
		t.Error("recv result carries no connection")
	}
	if rt.io.Conns("a") != 0 {
		t.Error("connection left open after ws_close")
	}

	// Done: further ticks stay idle.
	if res := tick(t, rt, "a"); res.State != TaskIdle || res.Code != 0 {
		t.Errorf("final tick = %+v", res)
	}
}

func TestAgent_Unregister(t *testing.T) {
	srv := stallServer(t)

	rt, _ := newRuntime(t, Config{})
	register(t, rt, "a", executor.KindAgent, wasmtest.HTTPAgent(), requestHead(srv.URL))
	tick(t, rt, "a")

	if err := rt.Unregister(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.RunAgentTick(context.Background(), "a"); errors.ClassOf(err) != errors.ClassNotFound {
		t.Errorf("tick after Unregister err = %v", err)
	}
	if _, err := rt.AgentStatus("a"); errors.ClassOf(err) != errors.ClassNotFound {
		t.Errorf("status after Unregister err = %v", err)
	}
}

func TestAgent_StaleRegistration(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	ctx := context.Background()
	register(t, rt, "a", executor.KindAgent, wasmtest.HTTPAgent(), nil)
	stale, err := rt.lookup("a")
	if err != nil {
		t.Fatal(err)
	}
	register(t, rt, "a", executor.KindAgent, wasmtest.HTTPAgent(), []byte("v2"))
	if _, err := rt.task(stale); errors.ClassOf(err) != errors.ClassNotFound {
		t.Fatalf("task(stale) err = %v, want not_found", err)
	}

	current, err := rt.lookup("a")
	if err != nil {
		t.Fatal(err)
	}
	task, err := rt.task(current)
	if err != nil {
		t.Fatal(err)
	}
	if task.reg != current {
		t.Fatal("task bound to the wrong registration")
	}
	if err := rt.Unregister(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if !task.stopped || task.inst != nil {
		t.Errorf("removed task: stopped = %t, inst = %v", task.stopped, task.inst)
	}
	if _, err := rt.task(current); errors.ClassOf(err) != errors.ClassNotFound {
		t.Errorf("task after Unregister err = %v, want not_found", err)
	}
}

func TestAgent_WrongKind(t *testing.T) {
	rt, _ := newRuntime(t, Config{})
	register(t, rt, "c", executor.KindContract, wasmtest.Contract(), nil)
	if _, err := rt.RunAgentTick(context.Background(), "c"); errors.ClassOf(err) != errors.ClassInvalid {
		t.Errorf("err = %v, want invalid_input", err)
	}
}

func TestTaskState_String(t *testing.T) {
	tests := map[TaskState]string{
		TaskIdle:       "idle",
		TaskRunning:    "running",
		TaskAwaitingIO: "awaiting_io",
		TaskResuming:   "resuming",
		TaskFailed:     "failed",
		TaskState(99):  "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestTaskState_JSON(t *testing.T) {
	in := AgentStatus{ID: "a", State: TaskAwaitingIO, PendingOp: 3}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out AgentStatus
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
	var s TaskState
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("unknown state accepted")
	}
}
