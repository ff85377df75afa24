package host

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/errors"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func types(t ...api.ValueType) []api.ValueType { return t }

func standard() []Func {
	return []Func{
		{Name: abi.ImportLog, Params: types(i32, i32, i32), Handler: hostLog},
		{Name: abi.ImportStateGet, Params: types(i32, i32, i32, i32), Results: types(i64), Handler: stateGet},
		{Name: abi.ImportStatePut, Params: types(i32, i32, i32, i32), Handler: statePut},
		{Name: abi.ImportStateDelete, Params: types(i32, i32), Handler: stateDelete},
		{Name: abi.ImportEmitEvent, Params: types(i32, i32), Handler: emitEvent},
		{Name: abi.ImportSetOutput, Params: types(i32, i32), Handler: setOutput},
		{Name: abi.ImportAbort, Params: types(i32, i32), Handler: abort},
		{Name: abi.ImportNow, Results: types(i64), Handler: now},
		{Name: abi.ImportRandomBytes, Params: types(i32, i32), Handler: randomBytes},

		{Name: abi.ImportHTTPRequest, Params: types(i32, i32, i32, i32), Results: types(i64), AgentOnly: true, Handler: httpRequest},
		{Name: abi.ImportWSConnect, Params: types(i32, i32), Results: types(i64), AgentOnly: true, Handler: wsConnect},
		{Name: abi.ImportWSSend, Params: types(i64, i32, i32), Results: types(i64), AgentOnly: true, Handler: wsSend},
		{Name: abi.ImportWSRecv, Params: types(i64), Results: types(i64), AgentOnly: true, Handler: wsRecv},
		{Name: abi.ImportWSClose, Params: types(i64), Results: types(i32), AgentOnly: true, Handler: wsClose},
	}
}

// read copies a guest buffer, trapping on an invalid range.
func read(env *Env, mem *abi.Memory, ptr, length uint64) []byte {
	b, err := mem.Read(uint32(ptr), uint32(length))
	if err != nil {
		env.fail(err)
	}
	return b
}

func write(env *Env, mem *abi.Memory, ptr uint64, data []byte) {
	if err := mem.Write(uint32(ptr), data); err != nil {
		env.fail(err)
	}
}

func txn(env *Env) {
	if env.Txn == nil {
		env.fail(errors.Trap(errors.KindProtocol, "no state available to this invocation", nil))
	}
}

func hostLog(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	level := executor.LogLevel(min(uint32(stack[0]), uint32(executor.LogError)))
	msg := string(read(env, mem, stack[1], stack[2]))

	if len(env.logs) >= env.limits().MaxLogLines {
		return
	}
	env.logs = append(env.logs, executor.LogLine{
		Timestamp: env.Caps.Now(),
		Level:     level,
		Message:   msg,
	})
	env.logger().Debug("guest log",
		zap.String("package", env.Package),
		zap.Stringer("level", level),
		zap.String("message", msg))
}

func stateGet(ctx context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	txn(env)
	key := read(env, mem, stack[0], stack[1])
	outPtr, outCap := stack[2], uint32(stack[3])

	value, ok, err := env.Txn.Get(ctx, key)
	if err != nil {
		env.fail(err)
	}
	if !ok {
		stack[0] = api.EncodeI64(abi.StateAbsent)
		return
	}
	if n := min(uint32(len(value)), outCap); n > 0 {
		write(env, mem, outPtr, value[:n])
	}
	stack[0] = uint64(len(value))
}

func statePut(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	txn(env)
	key := read(env, mem, stack[0], stack[1])
	value := read(env, mem, stack[2], stack[3])
	env.Txn.Put(key, value)
}

func stateDelete(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	txn(env)
	env.Txn.Delete(read(env, mem, stack[0], stack[1]))
}

func emitEvent(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	data := read(env, mem, stack[0], stack[1])
	if len(env.events) >= env.limits().MaxEvents {
		env.fail(errors.ResourceExceeded(errors.KindMemory, "too many events"))
	}
	env.events = append(env.events, executor.Event{Data: data})
}

func setOutput(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	if int(uint32(stack[1])) > env.limits().MaxOutput {
		env.fail(errors.ResourceExceeded(errors.KindMemory, "output exceeds limit"))
	}
	env.output = read(env, mem, stack[0], stack[1])
}

func abort(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	msg := string(read(env, mem, stack[0], stack[1]))
	env.fail(errors.New(errors.ClassTrap, errors.KindAbort).Detail("guest aborted: %s", msg).Value(msg).Build())
}

func now(_ context.Context, env *Env, _ *abi.Memory, stack []uint64) {
	stack[0] = uint64(env.Caps.Now())
}

func randomBytes(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	n := uint32(stack[1])
	if n > MaxRandomBytes {
		env.fail(errors.ResourceExceeded(errors.KindMemory, "random_bytes request too large"))
	}
	buf := make([]byte, n)
	env.Caps.Random(buf)
	write(env, mem, stack[0], buf)
}

// opCode turns a Network result into the value returned to the guest.
func opCode(env *Env, id int64, err error) uint64 {
	if err == nil {
		return uint64(id)
	}
	switch {
	case errors.KindOf(err) == errors.KindBusy:
		return api.EncodeI64(abi.ErrBusy)
	case errors.KindOf(err) == errors.KindUnknownConn:
		return api.EncodeI64(abi.ErrUnknownConn)
	case errors.KindOf(err) == errors.KindQueueFull:
		return api.EncodeI64(abi.ErrQueueFull)
	case errors.ClassOf(err) == errors.ClassInvalid:
		return api.EncodeI64(abi.ErrInvalid)
	}
	env.fail(err)
	return 0
}

func httpRequest(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	raw := read(env, mem, stack[0], stack[1])
	body := read(env, mem, stack[2], stack[3])
	head, err := abi.ParseRequestHead(raw)
	if err != nil {
		env.logger().Debug("rejected http request head", zap.String("package", env.Package), zap.Error(err))
		stack[0] = api.EncodeI64(abi.ErrInvalid)
		return
	}
	id, err := env.Network.HTTPRequest(head, body)
	stack[0] = opCode(env, id, err)
}

func wsConnect(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	u, err := agentio.ParseWSURL(string(read(env, mem, stack[0], stack[1])))
	if err != nil {
		stack[0] = api.EncodeI64(abi.ErrInvalid)
		return
	}
	id, err := env.Network.Connect(u)
	stack[0] = opCode(env, id, err)
}

func wsSend(_ context.Context, env *Env, mem *abi.Memory, stack []uint64) {
	msg := read(env, mem, stack[1], stack[2])
	id, err := env.Network.Send(stack[0], msg)
	stack[0] = opCode(env, id, err)
}

func wsRecv(_ context.Context, env *Env, _ *abi.Memory, stack []uint64) {
	id, err := env.Network.Recv(stack[0])
	stack[0] = opCode(env, id, err)
}

func wsClose(_ context.Context, env *Env, _ *abi.Memory, stack []uint64) {
	err := env.Network.Close(stack[0])
	stack[0] = uint64(uint32(int32(opCode(env, 0, err))))
}
