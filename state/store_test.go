package state

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-executor/errors"
)

// failingBackend fails Apply on demand.
type failingBackend struct {
	*MemoryBackend
	failApply bool
}

func (f *failingBackend) Apply(ctx context.Context, ops []Op) error {
	if f.failApply {
		return stderrors.New("disk unavailable")
	}
	return f.MemoryBackend.Apply(ctx, ops)
}

func commitKV(t *testing.T, s *Store, pkg string, kv map[string]string) {
	t.Helper()
	ctx := context.Background()
	txn, err := s.Begin(ctx, pkg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for k, v := range kv {
		txn.Put([]byte(k), []byte(v))
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestTxn_ReadYourWrites(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()
	commitKV(t, s, "p", map[string]string{"a": "1", "b": "2"})

	txn, err := s.Begin(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Discard()

	txn.Put([]byte("a"), []byte("10"))
	txn.Delete([]byte("b"))
	txn.Put([]byte("c"), nil)

	tests := []struct {
		key   string
		want  string
		found bool
	}{
		{"a", "10", true},
		{"b", "", false},
		{"c", "", true},
		{"d", "", false},
	}
	for _, tt := range tests {
		v, ok, err := txn.Get(ctx, []byte(tt.key))
		if err != nil {
			t.Fatalf("Get(%q): %v", tt.key, err)
		}
		if ok != tt.found || string(v) != tt.want {
			t.Errorf("Get(%q) = (%q, %v), want (%q, %v)", tt.key, v, ok, tt.want, tt.found)
		}
	}

	kvs, err := txn.Scan(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 2 || string(kvs[0].Key) != "a" || string(kvs[1].Key) != "c" {
		t.Errorf("Scan = %v, want keys [a c]", kvs)
	}

	// Nothing visible outside the transaction.
	v, _, _ := s.Get(ctx, "p", []byte("a"))
	if string(v) != "1" {
		t.Errorf("committed a = %q, want 1", v)
	}
}

func TestTxn_CommitAndDiscard(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	txn, _ := s.Begin(ctx, "p")
	txn.Put([]byte("k"), []byte("v"))
	txn.Discard()
	txn.Discard()
	if _, ok, _ := s.Get(ctx, "p", []byte("k")); ok {
		t.Error("discarded write became visible")
	}

	txn, _ = s.Begin(ctx, "p")
	txn.Put([]byte("k"), []byte("v"))
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	txn.Discard()
	if v, ok, _ := s.Get(ctx, "p", []byte("k")); !ok || string(v) != "v" {
		t.Errorf("committed k = (%q, %v)", v, ok)
	}
	if err := txn.Commit(ctx); err == nil {
		t.Error("second commit should fail")
	}
	if n := s.locks.held(); n != 0 {
		t.Errorf("%d locks still held", n)
	}
}

func TestTxn_CommitFailureLeavesStateUnchanged(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	s := New(backend)
	ctx := context.Background()
	commitKV(t, s, "p", map[string]string{"a": "1"})

	before, _ := backend.Scan(ctx, nil)

	backend.failApply = true
	txn, _ := s.Begin(ctx, "p")
	txn.Put([]byte("a"), []byte("2"))
	txn.Put([]byte("b"), []byte("3"))
	err := txn.Commit(ctx)
	if !stderrors.Is(err, errors.ErrStore) {
		t.Fatalf("Commit err = %v, want store error", err)
	}

	after, _ := backend.Scan(ctx, nil)
	if len(before) != len(after) {
		t.Fatalf("state changed: %v -> %v", before, after)
	}
	for i := range before {
		if !bytes.Equal(before[i].Key, after[i].Key) || !bytes.Equal(before[i].Value, after[i].Value) {
			t.Errorf("entry %d changed: %v -> %v", i, before[i], after[i])
		}
	}

	// The lock is released even though the commit failed.
	backend.failApply = false
	txn, err = s.Begin(ctx, "p")
	if err != nil {
		t.Fatalf("Begin after failed commit: %v", err)
	}
	txn.Discard()
}

func TestStore_NamespacesDoNotCollide(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	// "ab"+"c" and "a"+"bc" must stay distinct.
	commitKV(t, s, "ab", map[string]string{"c": "first"})
	commitKV(t, s, "a", map[string]string{"bc": "second"})

	v, _, _ := s.Get(ctx, "ab", []byte("c"))
	if string(v) != "first" {
		t.Errorf("ab/c = %q", v)
	}
	kvs, err := s.Scan(ctx, "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 1 || string(kvs[0].Key) != "bc" {
		t.Errorf("Scan(a) = %v, want only bc", kvs)
	}
}

func TestStore_InitMarker(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	txn, _ := s.Begin(ctx, "p")
	ok, err := txn.Initialized(ctx)
	if err != nil || ok {
		t.Fatalf("Initialized = (%v, %v), want false", ok, err)
	}
	txn.MarkInitialized()
	if ok, _ := txn.Initialized(ctx); !ok {
		t.Error("buffered marker not visible in transaction")
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	txn, _ = s.Begin(ctx, "p")
	defer txn.Discard()
	if ok, _ := txn.Initialized(ctx); !ok {
		t.Error("committed marker not visible")
	}
	if kvs, _ := s.Scan(ctx, "p", nil); len(kvs) != 0 {
		t.Errorf("marker leaked into user keys: %v", kvs)
	}
}

func TestStore_SamePackageSerialized(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	first, _ := s.Begin(ctx, "p")

	acquired := make(chan struct{})
	go func() {
		txn, err := s.Begin(ctx, "p")
		if err == nil {
			txn.Discard()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction on the same package did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	// A different package is not blocked.
	other, err := s.Begin(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	other.Discard()

	first.Discard()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second transaction never acquired the lock")
	}
}

func TestStore_BeginHonorsContext(t *testing.T) {
	s := New(NewMemoryBackend())
	first, _ := s.Begin(context.Background(), "p")
	defer first.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Begin(ctx, "p")
	if !stderrors.Is(err, errors.ErrResource) || !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want resource_exceeded wrapping deadline", err)
	}
}

func TestStore_ConcurrentCommitsAllApplied(t *testing.T) {
	s := New(NewMemoryBackend())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := s.Begin(ctx, "counter")
			if err != nil {
				t.Error(err)
				return
			}
			v, _, _ := txn.Get(ctx, []byte("n"))
			txn.Put([]byte("n"), append(v, 'x'))
			if err := txn.Commit(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "counter", []byte("n"))
	if len(v) != 20 {
		t.Errorf("len(n) = %d, want 20 serialized appends", len(v))
	}
}
