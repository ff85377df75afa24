package codestore

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/errors"
)

// DefaultCapacity is the number of compiled modules kept when no capacity is
// configured.
const DefaultCapacity = 16

// Compiler turns bytecode into a compiled module.
type Compiler interface {
	Compile(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error)

// Compile calls f.
func (f CompilerFunc) Compile(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error) {
	return f(ctx, bytecode)
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity sets the number of modules retained once unpinned.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Compilations uint64 `json:"compilations"`
	Evictions    uint64 `json:"evictions"`
	Size         int    `json:"size"`
	Capacity     int    `json:"capacity"`
	Pinned       int    `json:"pinned"`
}

type entry struct {
	hash   executor.ContentHash
	ready  chan struct{}
	module wazero.CompiledModule
	err    error
	refs   int
}

// Store is a content-addressed cache of compiled modules.
//
// Entries are reference counted. Only entries without live handles are
// evicted, least recently used first; when every entry is pinned the store
// temporarily exceeds its capacity and shrinks again as handles are released.
// Concurrent requests for the same hash share a single compilation, which runs
// without holding the store lock.
type Store struct {
	mu       sync.Mutex
	compiler Compiler
	capacity int
	recency  *simplelru.LRU
	stats    Stats
	closed   bool
	logger   *zap.Logger
	hash     func([]byte) executor.ContentHash
}

// New creates a store compiling misses with compiler.
func New(compiler Compiler, opts ...Option) *Store {
	s := &Store{
		compiler: compiler,
		capacity: DefaultCapacity,
		logger:   zap.NewNop(),
		hash:     executor.HashBytecode,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Eviction is driven by reference counts, never by the LRU's own bound.
	recency, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		panic(err)
	}
	s.recency = recency
	return s
}

// GetOrCompile returns a pinned handle to the compiled module for hash,
// compiling bytecode on a miss. The caller must Release the handle.
//
// On a miss bytecode is verified against hash. Compilation failures are
// returned to every waiting caller and are not cached.
func (s *Store) GetOrCompile(ctx context.Context, hash executor.ContentHash, bytecode []byte) (*Handle, error) {
	if h, ok, err := s.lookup(ctx, hash); ok {
		return h, err
	}

	if s.hash(bytecode) != hash {
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		return nil, errors.New(errors.ClassCompile, errors.KindHashMismatch).
			Detail("bytecode does not hash to %s", hash.Short()).
			Build()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed()
	}
	if v, ok := s.recency.Get(hash); ok {
		// Another caller inserted the entry while this one was hashing.
		e := v.(*entry)
		e.refs++
		s.stats.Hits++
		s.mu.Unlock()
		return s.await(ctx, e)
	}
	s.stats.Misses++
	e := &entry{hash: hash, ready: make(chan struct{}), refs: 1}
	s.recency.Add(hash, e)
	s.mu.Unlock()

	s.logger.Debug("compiling module", zap.String("hash", hash.Short()), zap.Int("bytes", len(bytecode)))
	// Followers may be waiting on this entry; a canceled leader must not fail them.
	module, err := s.compiler.Compile(context.WithoutCancel(ctx), bytecode)
	if err != nil {
		if errors.ClassOf(err) != errors.ClassCompile {
			err = errors.Compile(errors.KindMalformed, "compile module", err)
		}
	}

	s.mu.Lock()
	e.module, e.err = module, err
	close(e.ready)
	var evicted []*entry
	if err != nil {
		if v, ok := s.recency.Peek(hash); ok && v.(*entry) == e {
			s.recency.Remove(hash)
		}
	} else {
		s.stats.Compilations++
		evicted = s.evictLocked()
	}
	s.mu.Unlock()
	s.closeEntries(evicted)

	if err != nil {
		s.logger.Debug("compile failed", zap.String("hash", hash.Short()), zap.Error(err))
		return nil, err
	}
	return &Handle{store: s, entry: e}, nil
}

// lookup pins and awaits a cached entry. ok is false on a miss.
func (s *Store) lookup(ctx context.Context, hash executor.ContentHash) (*Handle, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, true, errStoreClosed()
	}
	v, ok := s.recency.Get(hash)
	if !ok {
		s.mu.Unlock()
		return nil, false, nil
	}
	e := v.(*entry)
	e.refs++
	s.stats.Hits++
	s.mu.Unlock()
	h, err := s.await(ctx, e)
	return h, true, err
}

func errStoreClosed() error {
	return errors.New(errors.ClassInvalid, errors.KindClosedRuntime).Detail("code store closed").Build()
}

func (s *Store) await(ctx context.Context, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		s.unpin(e)
		return nil, fmt.Errorf("wait for compilation: %w", ctx.Err())
	}
	if e.err != nil {
		s.unpin(e)
		return nil, e.err
	}
	return &Handle{store: s, entry: e}, nil
}

func (s *Store) unpin(e *entry) {
	s.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	var evicted []*entry
	if !s.closed {
		evicted = s.evictLocked()
	}
	s.mu.Unlock()
	s.closeEntries(evicted)
}

// evictLocked removes least recently used unpinned entries while the store is
// over capacity.
func (s *Store) evictLocked() []*entry {
	var evicted []*entry
	for s.recency.Len() > s.capacity {
		var victim *entry
		for _, k := range s.recency.Keys() {
			v, _ := s.recency.Peek(k)
			if e := v.(*entry); e.refs == 0 {
				victim = e
				break
			}
		}
		if victim == nil {
			break
		}
		s.recency.Remove(victim.hash)
		s.stats.Evictions++
		evicted = append(evicted, victim)
	}
	return evicted
}

func (s *Store) closeEntries(entries []*entry) {
	for _, e := range entries {
		s.logger.Debug("evicted module", zap.String("hash", e.hash.Short()))
		if e.module != nil {
			_ = e.module.Close(context.Background())
		}
	}
}

// Contains reports whether hash is cached, without touching recency.
func (s *Store) Contains(hash executor.ContentHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Contains(hash)
}

// Len returns the number of cached entries, including pinned overflow.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recency.Len()
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Size = s.recency.Len()
	st.Capacity = s.capacity
	for _, k := range s.recency.Keys() {
		v, _ := s.recency.Peek(k)
		if v.(*entry).refs > 0 {
			st.Pinned++
		}
	}
	return st
}

// Close drops every unpinned module and rejects further requests. Modules
// still pinned are closed by their owning wazero runtime.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped []*entry
	for _, k := range s.recency.Keys() {
		v, _ := s.recency.Peek(k)
		if e := v.(*entry); e.refs == 0 {
			dropped = append(dropped, e)
		}
	}
	s.recency.Purge()
	s.mu.Unlock()
	s.closeEntries(dropped)
}

// Handle pins a compiled module in the store.
type Handle struct {
	store    *Store
	entry    *entry
	released atomic.Bool
}

// Module returns the compiled module. It must not be used after Release.
func (h *Handle) Module() wazero.CompiledModule {
	return h.entry.module
}

// Hash returns the content hash of the module.
func (h *Handle) Hash() executor.ContentHash {
	return h.entry.hash
}

// Release unpins the module. Calling it more than once has no effect.
func (h *Handle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.store.unpin(h.entry)
}
