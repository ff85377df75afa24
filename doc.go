// Package executor hosts sandboxed WebAssembly packages: deterministic contracts
// invoked once per action and long-running agents driven by ticks.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	executor/            Root package with the data model and the Memory interface
//	├── engine/          Runtime entry point: ExecuteAction, RunAgentTick, scheduler
//	├── host/            Host function registry (the "env" import module)
//	├── abi/             Calling convention, guest memory access, I/O envelopes
//	├── meter/           Fuel metering and memory-growth instrumentation
//	├── codestore/       Content-addressed cache of compiled modules
//	├── state/           Transactional state adapter and backends
//	├── agentio/         Asynchronous HTTP and WebSocket operations for agents
//	├── errors/          Structured error taxonomy
//	├── config/          YAML configuration
//	└── httpapi/         HTTP surface over the runtime
//
// # Quick Start
//
//	rt, err := engine.New(ctx, state.NewMemoryBackend())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	err = rt.Register(ctx, executor.Package{
//	    ID:       "counter",
//	    Kind:     executor.KindContract,
//	    Bytecode: wasmBytes,
//	})
//
//	res, err := rt.ExecuteAction(ctx, executor.ActionRequest{
//	    PackageID: "counter",
//	    Action:    "increment",
//	    Timestamp: 1700000000000,
//	})
//
// # Failure Model
//
// ExecuteAction distinguishes three outcomes. A nil error with StatusOK is a
// success and the action's state writes are committed. A nil error with
// StatusAppError means guest logic rejected the action; nothing is committed. A
// non-nil error is an engine failure (trap, resource limit, store failure) and
// carries an *errors.Error describing its class; persisted state is untouched.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Actions on different packages run in
// parallel; actions on the same package are serialized. Ticks of one agent are
// serialized, ticks of different agents interleave freely.
package executor
