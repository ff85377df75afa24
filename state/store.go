package state

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-executor/errors"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store scopes a Backend per package and serializes writers of one package.
type Store struct {
	backend Backend
	locks   *keyedLock
	logger  *zap.Logger
}

// New creates a store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		locks:   newKeyedLock(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Begin opens a transaction for pkgID, waiting until no other transaction on
// the same package is open. The transaction must end with Commit or Discard.
func (s *Store) Begin(ctx context.Context, pkgID string) (*Txn, error) {
	unlock, err := s.locks.lock(ctx, pkgID)
	if err != nil {
		return nil, errors.New(errors.ClassResource, errors.KindTimeout).
			Package(pkgID).
			Detail("waiting for state lock").
			Cause(err).
			Build()
	}
	return &Txn{
		store:  s,
		pkgID:  pkgID,
		unlock: unlock,
		writes: make(map[string][]byte),
	}, nil
}

// Scan returns committed user keys of pkgID starting with prefix, with the
// namespace stripped. It does not take the package lock.
func (s *Store) Scan(ctx context.Context, pkgID string, prefix []byte) ([]KV, error) {
	ns := namespace(nsUser, pkgID)
	kvs, err := s.backend.Scan(ctx, append(ns, prefix...))
	if err != nil {
		return nil, errors.Store("scan", err)
	}
	for i := range kvs {
		kvs[i].Key = kvs[i].Key[len(ns):]
	}
	return kvs, nil
}

// Get reads a committed user key of pkgID without taking the package lock.
func (s *Store) Get(ctx context.Context, pkgID string, key []byte) ([]byte, bool, error) {
	v, ok, err := s.backend.Get(ctx, userKey(pkgID, key))
	if err != nil {
		return nil, false, errors.Store("get", err)
	}
	return v, ok, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Txn buffers the writes of one invocation. Reads see the transaction's own
// writes first. Nothing reaches the backend before Commit.
//
// A Txn is used by one invocation at a time; host functions of a single guest
// call never run concurrently.
type Txn struct {
	store  *Store
	pkgID  string
	unlock func()

	mu     sync.Mutex
	writes map[string][]byte // nil value is a tombstone
	done   bool
}

// PackageID returns the package the transaction is scoped to.
func (t *Txn) PackageID() string {
	return t.pkgID
}

// Get returns the value of key.
func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	v, buffered := t.writes[string(userKey(t.pkgID, key))]
	t.mu.Unlock()
	if buffered {
		if v == nil {
			return nil, false, nil
		}
		return bytes.Clone(v), true, nil
	}
	return t.store.Get(ctx, t.pkgID, key)
}

// Put buffers a write of key.
func (t *Txn) Put(key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.writes[string(userKey(t.pkgID, key))] = cloneValue(value)
}

// Delete buffers a removal of key.
func (t *Txn) Delete(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.writes[string(userKey(t.pkgID, key))] = nil
}

// Scan merges committed keys with buffered writes, in key order.
func (t *Txn) Scan(ctx context.Context, prefix []byte) ([]KV, error) {
	committed, err := t.store.Scan(ctx, t.pkgID, prefix)
	if err != nil {
		return nil, err
	}

	ns := namespace(nsUser, t.pkgID)
	full := append(bytes.Clone(ns), prefix...)
	merged := make(map[string][]byte, len(committed))
	for _, kv := range committed {
		merged[string(kv.Key)] = kv.Value
	}

	t.mu.Lock()
	for k, v := range t.writes {
		if !bytes.HasPrefix([]byte(k), full) {
			continue
		}
		key := k[len(ns):]
		if v == nil {
			delete(merged, key)
		} else {
			merged[key] = bytes.Clone(v)
		}
	}
	t.mu.Unlock()

	out := make([]KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, KV{Key: []byte(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Initialized reports whether the package has committed its init marker.
func (t *Txn) Initialized(ctx context.Context) (bool, error) {
	key := systemKey(t.pkgID, initMarker)
	t.mu.Lock()
	_, buffered := t.writes[string(key)]
	t.mu.Unlock()
	if buffered {
		return true, nil
	}
	_, ok, err := t.store.backend.Get(ctx, key)
	if err != nil {
		return false, errors.Store("get init marker", err)
	}
	return ok, nil
}

// MarkInitialized buffers the init marker.
func (t *Txn) MarkInitialized() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.writes[string(systemKey(t.pkgID, initMarker))] = []byte{1}
}

// Pending returns the number of buffered writes.
func (t *Txn) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// Commit applies the buffered writes atomically and releases the package.
// On failure nothing is applied and a store error is returned.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return errors.InvalidInput("transaction already finished")
	}
	t.done = true
	ops := make([]Op, 0, len(t.writes))
	for k, v := range t.writes {
		if v == nil {
			ops = append(ops, Op{Kind: OpDelete, Key: []byte(k)})
		} else {
			ops = append(ops, Op{Kind: OpPut, Key: []byte(k), Value: v})
		}
	}
	t.writes = nil
	t.mu.Unlock()
	defer t.unlock()

	if len(ops) == 0 {
		return nil
	}
	sort.Slice(ops, func(i, j int) bool { return bytes.Compare(ops[i].Key, ops[j].Key) < 0 })
	if err := t.store.backend.Apply(ctx, ops); err != nil {
		t.store.logger.Warn("state commit failed",
			zap.String("package", t.pkgID), zap.Int("ops", len(ops)), zap.Error(err))
		return errors.New(errors.ClassStore, errors.KindBackend).
			Package(t.pkgID).
			Detail("commit %d writes", len(ops)).
			Cause(err).
			Build()
	}
	return nil
}

// Discard drops the buffered writes and releases the package. It is a no-op
// after Commit or a previous Discard.
func (t *Txn) Discard() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.writes = nil
	t.mu.Unlock()
	t.unlock()
}
