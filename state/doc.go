// Package state adapts a key/value Backend to per-invocation transactions.
//
// Each invocation works on a Txn scoped to one package id. Writes are
// buffered and either applied atomically by Commit or dropped by Discard, so a
// guest that traps leaves no trace in the backend. Begin serializes
// transactions on the same package; different packages proceed in parallel.
//
// Keys are stored as
//
//	'u' uvarint(len(id)) id key   user keys
//	's' uvarint(len(id)) id key   runtime bookkeeping
//
// so that neither two packages nor user and system keys can collide. The
// system namespace holds the init marker, the action log of committed
// contract actions and a ring of the last LogRingSize guest log lines. Both
// histories are appended inside the invocation's Txn, so they commit or
// vanish together with its state writes.
package state
