package agentio

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-executor/abi"
)

// OpKind identifies the operation an Op performs.
type OpKind uint8

const (
	OpHTTP OpKind = iota
	OpWSConnect
	OpWSSend
	OpWSRecv
)

func (k OpKind) String() string {
	switch k {
	case OpHTTP:
		return "http"
	case OpWSConnect:
		return "ws_connect"
	case OpWSSend:
		return "ws_send"
	case OpWSRecv:
		return "ws_recv"
	default:
		return "unknown"
	}
}

// Op is one submitted asynchronous operation.
type Op struct {
	ID    uint64
	Agent string
	Kind  OpKind

	ctx    context.Context
	cancel context.CancelFunc
	run    func(context.Context) abi.IOResult

	mu       sync.Mutex
	done     chan struct{}
	result   abi.IOResult
	finished bool
	canceled bool
}

// Done is closed once the op has a result.
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Result returns the outcome once Done is closed.
func (o *Op) Result() (abi.IOResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.finished
}

// Cancel abandons the op. A running operation is interrupted and its result
// replaced by a canceled outcome; no completion callback fires.
func (o *Op) Cancel() {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.canceled = true
	o.mu.Unlock()
	o.cancel()
}

// finish records res and reports whether the op had been canceled.
func (o *Op) finish(res abi.IOResult) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.canceled {
		res = abi.Failed(abi.OutcomeCanceled, "operation canceled")
	}
	o.result = res
	o.finished = true
	close(o.done)
	return o.canceled
}
