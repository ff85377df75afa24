package engine

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/host"
	"github.com/wippyai/wasm-executor/state"
)

// TaskState is the lifecycle state of an agent task.
type TaskState uint32

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskAwaitingIO
	TaskResuming
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskAwaitingIO:
		return "awaiting_io"
	case TaskResuming:
		return "resuming"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskState) UnmarshalText(b []byte) error {
	for v := TaskIdle; v <= TaskFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", b)
}

// TickResult reports one step of an agent task.
//
// State is the task state after the step. Entered is false when the step did
// not call into the guest because the pending operation is still running.
// Code is the guest's return value; negative codes are application errors
// and leave Status set to app_error.
type TickResult struct {
	Agent    string             `json:"agent"`
	Session  string             `json:"session"`
	State    TaskState          `json:"state"`
	Entered  bool               `json:"entered"`
	Resumed  bool               `json:"resumed"`
	Op       uint64             `json:"op,omitempty"`
	Status   executor.Status    `json:"status"`
	Code     int32              `json:"code"`
	Payload  []byte             `json:"payload,omitempty"`
	Events   []executor.Event   `json:"events,omitempty"`
	Logs     []executor.LogLine `json:"logs,omitempty"`
	FuelUsed uint64             `json:"fuel_used"`
}

// task is the per-agent session. mu serializes steps; state is readable
// without it.
type task struct {
	id    string
	reg   *registered
	mu    sync.Mutex
	state atomic.Uint32

	// stopped is set once the task is removed from the runtime.
	stopped bool

	session string
	inst    *instance
	env     *host.Env
	pending *agentio.Op
	lastErr error
}

func (t *task) setState(s TaskState) {
	t.state.Store(uint32(s))
}

func (t *task) State() TaskState {
	return TaskState(t.state.Load())
}

// network submits a task's operations to the pool, one at a time.
type network struct {
	r *Runtime
	t *task
}

var errBusy = errors.New(errors.ClassIO, errors.KindBusy).Detail("an operation is already pending").Build()

func (n *network) submit(op *agentio.Op, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	n.t.pending = op
	return int64(op.ID), nil
}

func (n *network) HTTPRequest(head *abi.RequestHead, body []byte) (int64, error) {
	if n.t.pending != nil {
		return 0, errBusy
	}
	return n.submit(n.r.io.SubmitHTTP(n.t.id, head, body))
}

func (n *network) Connect(u *url.URL) (int64, error) {
	if n.t.pending != nil {
		return 0, errBusy
	}
	return n.submit(n.r.io.SubmitConnect(n.t.id, u))
}

func (n *network) Send(conn uint64, msg []byte) (int64, error) {
	if n.t.pending != nil {
		return 0, errBusy
	}
	return n.submit(n.r.io.SubmitSend(n.t.id, conn, msg))
}

func (n *network) Recv(conn uint64) (int64, error) {
	if n.t.pending != nil {
		return 0, errBusy
	}
	return n.submit(n.r.io.SubmitRecv(n.t.id, conn))
}

func (n *network) Close(conn uint64) error {
	return n.r.io.CloseConn(n.t.id, conn)
}

// task returns the task of reg, creating it on first use. reg must still be
// the registered version of its package.
func (r *Runtime) task(reg *registered) (*task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed()
	}
	id := reg.info.ID
	if r.packages[id] != reg {
		return nil, errors.NotFound("package", id)
	}
	t, ok := r.tasks[id]
	if !ok {
		t = &task{id: id, reg: reg}
		r.tasks[id] = t
	}
	return t, nil
}

// AgentStatus describes an agent task.
type AgentStatus struct {
	ID        string    `json:"id"`
	State     TaskState `json:"state"`
	Session   string    `json:"session,omitempty"`
	PendingOp uint64    `json:"pending_op,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// AgentStatus returns the task status of a registered agent. While a step is
// running only State is filled in.
func (r *Runtime) AgentStatus(id string) (AgentStatus, error) {
	reg, err := r.lookup(id)
	if err != nil {
		return AgentStatus{}, err
	}
	if reg.info.Kind != executor.KindAgent {
		return AgentStatus{}, errors.InvalidInput(id + " is not an agent")
	}
	r.mu.RLock()
	t := r.tasks[id]
	r.mu.RUnlock()

	st := AgentStatus{ID: id, State: TaskIdle}
	if t == nil {
		return st, nil
	}
	st.State = t.State()
	if !t.mu.TryLock() {
		return st, nil
	}
	defer t.mu.Unlock()
	st.Session = t.session
	if t.pending != nil {
		st.PendingOp = t.pending.ID
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st, nil
}

// Agents returns the ids of registered agents, sorted.
func (r *Runtime) Agents() []string {
	var ids []string
	for _, p := range r.Packages() {
		if p.Kind == executor.KindAgent {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// RunAgentTick advances the agent's task by one step:
//
//   - idle: start a session if needed and call tick;
//   - awaiting I/O with a completed op: deliver the result to resume;
//   - awaiting I/O with the op still running: return without entering the guest;
//   - failed: drop the session and start over from idle.
//
// Steps of one agent are serialized; distinct agents run in parallel. Each
// guest call commits its state writes on a non-negative return. A trap or
// exhausted budget fails the task, cancels its pending op and is returned as
// the error.
func (r *Runtime) RunAgentTick(ctx context.Context, id string) (*TickResult, error) {
	reg, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if reg.info.Kind != executor.KindAgent {
		return nil, errors.New(errors.ClassInvalid, errors.KindInvalidInput).
			Package(id).
			Detail("%s packages cannot be ticked", reg.info.Kind).
			Build()
	}
	t, err := r.task(reg)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, errors.NotFound("package", id)
	}

	if t.State() == TaskFailed {
		r.dropSession(ctx, t)
		t.setState(TaskIdle)
	}

	if t.State() == TaskAwaitingIO && t.pending == nil {
		t.setState(TaskIdle)
	}
	if t.State() == TaskAwaitingIO {
		res, done := t.pending.Result()
		if !done {
			return &TickResult{Agent: id, Session: t.session, State: TaskAwaitingIO, Op: t.pending.ID}, nil
		}
		op := t.pending
		t.pending = nil
		t.setState(TaskResuming)
		out, err := r.agentCall(ctx, t, abi.ExportResume, []uint64{op.ID}, res.Encode())
		if out != nil {
			out.Resumed = true
			out.Op = op.ID
		}
		return out, err
	}

	if t.inst == nil {
		out, err := r.startSession(ctx, t)
		if err != nil || out != nil {
			return out, err
		}
	}
	t.setState(TaskRunning)
	return r.agentCall(ctx, t, abi.ExportTick, nil)
}

// startSession instantiates the agent and runs init with its config. A
// non-nil result reports an init application error.
func (r *Runtime) startSession(ctx context.Context, t *task) (*TickResult, error) {
	t.session = uuid.NewString()
	t.env = &host.Env{
		Kind:    executor.KindAgent,
		Package: t.id,
		Caps:    host.Live{},
		Network: &network{r: r, t: t},
		Limits:  r.cfg.Limits,
		Logger:  r.logger.With(zap.String("agent", t.id), zap.String("session", t.session)),
	}
	in, err := r.instantiate(ctx, t.reg, t.env)
	if err != nil {
		t.setState(TaskFailed)
		t.lastErr = err
		return nil, err
	}
	t.inst = in
	t.env.Logger.Info("agent session started", zap.String("hash", t.reg.info.Hash.Short()))

	if !in.exports(abi.ExportInit) {
		return nil, nil
	}
	t.setState(TaskRunning)
	out, err := r.agentCall(ctx, t, abi.ExportInit, nil, t.reg.pkg.Config)
	if err != nil {
		return out, err
	}
	if out.Code != 0 {
		// A session whose init failed is discarded; the next tick retries.
		r.dropSession(ctx, t)
		out.State = TaskFailed
		t.setState(TaskFailed)
		return out, nil
	}
	return nil, nil
}

// agentCall runs one guest call of a task inside its own state transaction
// and applies the resulting state transition.
func (r *Runtime) agentCall(ctx context.Context, t *task, export string, lead []uint64, inputs ...[]byte) (*TickResult, error) {
	env, in := t.env, t.inst
	log := env.Logger.With(zap.String("call", export), zap.String("invocation", uuid.NewString()))

	txn, err := r.state.Begin(ctx, t.id)
	if err != nil {
		r.failTask(ctx, t, err)
		return nil, err
	}
	defer txn.Discard()

	env.Reset()
	env.Txn = txn
	defer func() { env.Txn = nil }()

	used := in.fuelUsed
	callCtx, cancel := in.begin(ctx)
	defer cancel()
	code, err := in.invoke(callCtx, export, lead, inputs...)
	if err == nil {
		err = r.checkProtocol(t, export, code)
	}
	if err != nil {
		log.Warn("agent call failed", zap.Error(err))
		r.failTask(ctx, t, err)
		return nil, err
	}

	out := &TickResult{
		Agent:    t.id,
		Session:  t.session,
		Entered:  true,
		Code:     code,
		Payload:  slices.Clone(env.Output()),
		Events:   env.Events(),
		Logs:     env.Logs(),
		FuelUsed: in.fuelUsed - used,
	}

	if code < 0 || (export == abi.ExportInit && code != 0) {
		out.Status = executor.StatusAppError
		log.Info("agent returned an application error", zap.Int32("code", code))
	} else if err := commitWithLogs(ctx, txn, out.Logs); err != nil {
		log.Error("commit failed", zap.Error(err))
		r.failTask(ctx, t, err)
		return nil, err
	}

	if code == abi.CodeAwaitingIO && export != abi.ExportInit {
		out.Op = t.pending.ID
		out.State = TaskAwaitingIO
	} else {
		if t.pending != nil {
			// The guest abandoned its operation.
			t.pending.Cancel()
			t.pending = nil
		}
		out.State = TaskIdle
	}
	t.setState(out.State)
	log.Debug("agent call finished",
		zap.Int32("code", code),
		zap.Stringer("state", out.State),
		zap.Uint64("fuel", out.FuelUsed))
	return out, nil
}

// commitWithLogs persists lines to the log ring together with txn's writes.
func commitWithLogs(ctx context.Context, txn *state.Txn, lines []executor.LogLine) error {
	if err := txn.AppendLogs(ctx, lines); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

// checkProtocol validates a guest return code against the pending op.
func (r *Runtime) checkProtocol(t *task, export string, code int32) error {
	if export == abi.ExportInit {
		return nil
	}
	switch {
	case code == abi.CodeAwaitingIO && t.pending == nil:
		return errors.New(errors.ClassTrap, errors.KindProtocol).
			Package(t.id).
			Detail("%s returned awaiting I/O without a pending operation", export).
			Build()
	case code > abi.CodeAwaitingIO:
		return errors.New(errors.ClassTrap, errors.KindProtocol).
			Package(t.id).
			Detail("%s returned unknown code %d", export, code).
			Value(code).
			Build()
	}
	return nil
}

// failTask moves t to Failed, cancelling its pending op and dropping the
// session. The next tick starts a fresh session.
func (r *Runtime) failTask(ctx context.Context, t *task, err error) {
	t.lastErr = err
	r.dropSession(ctx, t)
	t.setState(TaskFailed)
}

func (r *Runtime) dropSession(ctx context.Context, t *task) {
	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
	if t.inst != nil {
		t.inst.close(ctx)
		t.inst = nil
		r.io.CloseAgent(t.id)
		t.env.Logger.Info("agent session closed")
	}
	t.env = nil
	t.session = ""
}

// stopTask ends a task removed from the runtime, waiting for a running step.
func (r *Runtime) stopTask(ctx context.Context, t *task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	r.dropSession(ctx, t)
	t.setState(TaskIdle)
}
