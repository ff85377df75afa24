// Package agentio performs outbound network operations on behalf of agents.
//
// Operations are submitted without blocking and executed by a bounded pool of
// workers. Each returns an *Op whose Result is an abi.IOResult: failures such
// as timeouts, refused connections or peers hanging up are ordinary outcomes,
// never errors of the submitting agent. Submit calls only fail synchronously
// when the queue is full, the connection handle is unknown or the pool is
// closed.
//
// WebSocket connections are owned by the agent that opened them. The pool
// never reconnects or retries; an agent observes OutcomeClosed and decides
// for itself.
package agentio
