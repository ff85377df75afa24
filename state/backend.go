package state

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// OpKind is the type of a batched write.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one write of an atomic batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Backend is a persistent ordered key/value store.
//
// Scan returns pairs whose key starts with prefix in ascending key order.
// Apply must make all ops visible atomically or none of them.
type Backend interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Scan(ctx context.Context, prefix []byte) ([]KV, error)
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

// MemoryBackend is a Backend held in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = cloneValue(value)
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Scan implements Backend.
func (m *MemoryBackend) Scan(_ context.Context, prefix []byte) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KV
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			out = append(out, KV{Key: []byte(k), Value: bytes.Clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Apply implements Backend.
func (m *MemoryBackend) Apply(_ context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m.data[string(op.Key)] = cloneValue(op.Value)
		case OpDelete:
			delete(m.data, string(op.Key))
		}
	}
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}

// cloneValue copies v, keeping empty values non-nil.
func cloneValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
