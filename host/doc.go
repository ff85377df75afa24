// Package host implements the functions guests import from the env module.
//
// A Registry holds the import table. Build instantiates it once per wazero
// runtime as a host module shared by every guest; the invocation a call
// belongs to travels in the call context:
//
//	env := &host.Env{Kind: executor.KindContract, Txn: txn, Caps: host.NewDeterministic(req)}
//	results, err := fn.Call(host.WithEnv(ctx, env), args...)
//
// Contracts get Deterministic capabilities and no Network, so every value they
// observe is a function of the request. Agents get Live capabilities and a
// Network that submits asynchronous operations. Check rejects agent-only
// imports in contracts when a package is registered; calling one anyway traps.
//
// Host functions abort the guest by raising a typed error, recorded on the
// Env so the engine can report it without unwrapping the runtime's trap.
package host
