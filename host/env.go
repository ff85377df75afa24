package host

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/state"
)

// Network submits asynchronous operations on behalf of one agent task.
// Methods return the id of the submitted op. Errors of kind busy,
// unknown_conn, queue_full and invalid_input are reported to the guest as
// negative codes; anything else traps.
type Network interface {
	HTTPRequest(head *abi.RequestHead, body []byte) (int64, error)
	Connect(u *url.URL) (int64, error)
	Send(conn uint64, msg []byte) (int64, error)
	Recv(conn uint64) (int64, error)
	Close(conn uint64) error
}

// Limits bound what a single invocation may buffer on the host.
type Limits struct {
	MaxOutput   int // bytes passed to set_output
	MaxEvents   int // number of emit_event calls
	MaxLogLines int
}

// DefaultLimits are used for zero Limits fields.
var DefaultLimits = Limits{
	MaxOutput:   1 << 20,
	MaxEvents:   1024,
	MaxLogLines: 1024,
}

// Env is the host side of one guest invocation. It is not safe for
// concurrent use; a guest call runs on a single goroutine.
type Env struct {
	Kind    executor.Kind
	Package string
	Txn     *state.Txn
	Caps    Capabilities
	Network Network // nil for contracts
	Limits  Limits
	Logger  *zap.Logger

	events []executor.Event
	logs   []executor.LogLine
	output []byte
	err    error
}

type envKey struct{}

// WithEnv attaches env to ctx. Host functions find their invocation here.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFrom returns the env attached to ctx, or nil.
func EnvFrom(ctx context.Context) *Env {
	env, _ := ctx.Value(envKey{}).(*Env)
	return env
}

// Events returns the events emitted so far.
func (e *Env) Events() []executor.Event {
	return e.events
}

// Logs returns the buffered guest log lines.
func (e *Env) Logs() []executor.LogLine {
	return e.logs
}

// Output returns the last buffer passed to set_output.
func (e *Env) Output() []byte {
	return e.output
}

// Err returns the first trap raised by a host function, if any. Guest calls
// that fail after a host trap should report this error rather than the
// runtime's wrapped one.
func (e *Env) Err() error {
	return e.err
}

// Reset clears buffered results, keeping the configuration. Agents reuse an
// Env across the tick and resume calls of one session.
func (e *Env) Reset() {
	e.events = nil
	e.logs = nil
	e.output = nil
	e.err = nil
}

// fail records err and aborts the guest call.
func (e *Env) fail(err error) {
	if e.err == nil {
		e.err = errors.WithPackage(err, e.Package)
	}
	panic(e.err)
}

func (e *Env) limits() Limits {
	l := e.Limits
	if l.MaxOutput <= 0 {
		l.MaxOutput = DefaultLimits.MaxOutput
	}
	if l.MaxEvents <= 0 {
		l.MaxEvents = DefaultLimits.MaxEvents
	}
	if l.MaxLogLines <= 0 {
		l.MaxLogLines = DefaultLimits.MaxLogLines
	}
	return l
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
