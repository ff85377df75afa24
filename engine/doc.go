// Package engine executes contracts and agents in sandboxed wazero instances.
//
// A Runtime owns one wazero runtime with the host module built from a
// host.Registry, a codestore of instrumented compiled modules, a state store
// and an agent I/O pool. Packages are validated when registered: imports must
// be known host functions (network functions only for agents), memory must be
// exported, and the exports required by the package kind must be present
// with the right signatures.
//
// # Contracts
//
// ExecuteAction creates a fresh instance per action, holds the package's
// state lock for the whole call and commits buffered writes only when the
// guest returns 0. now() and random_bytes() are derived from the request so a
// replayed action yields the same result.
//
// # Agents
//
// Each agent has one task with the states
//
//	idle -> running -> awaiting_io -> resuming -> idle
//	  any state -> failed -> (next tick) idle
//
// A session instance survives across ticks. tick and resume return 0 (idle),
// 1 (an operation is pending) or a negative application error. The guest
// never blocks on I/O: the runtime parks the task while the operation runs
// and delivers its abi.IOResult to resume on a later step. Scheduler issues
// the steps periodically and on operation completion.
//
// # Budgets
//
// Every guest call gets the configured fuel, a memory ceiling and a
// wall-clock timeout. Exhausting any of them aborts the call with a
// resource_exceeded error, distinct from a guest trap.
package engine
