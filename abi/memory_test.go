package abi

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/internal/wasmtest"
)

// guest instantiates a one-page module with a bump allocator starting at 1024.
func guest(t *testing.T) (*Memory, *Allocator) {
	t.Helper()
	ctx := context.Background()

	m := wasmtest.New()
	m.Memory(1)
	heap := m.Global(wasmtest.I32, true, 1024)
	m.Func(ExportAlloc, wasmtest.Sig(wasmtest.I32), wasmtest.Sig(wasmtest.I32), nil,
		wasmtest.GlobalGet(heap),
		wasmtest.GlobalGet(heap), wasmtest.LocalGet(0), wasmtest.Op(wasmtest.OpI32Add), wasmtest.GlobalSet(heap),
	)

	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	mod, err := rt.Instantiate(ctx, m.Bytes())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return NewMemory(mod.Memory()), NewAllocator(ctx, mod.ExportedFunction(ExportAlloc))
}

func TestMemory_ReadWrite(t *testing.T) {
	mem, _ := guest(t)

	if mem.Size() != 65536 {
		t.Fatalf("size = %d, want 65536", mem.Size())
	}
	if err := mem.Write(100, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := mem.Read(100, 5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read = %q, %v", got, err)
	}

	// Read returns a copy.
	got[0] = 'X'
	s, _ := mem.ReadString(100, 5)
	if s != "hello" {
		t.Errorf("guest memory changed through returned slice: %q", s)
	}

	if err := mem.WriteU32(200, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	v, err := mem.ReadU32(200)
	if err != nil || v != 0xDEADBEEF {
		t.Errorf("ReadU32 = %#x, %v", v, err)
	}
	b, err := mem.ReadU8(200)
	if err != nil || b != 0xEF {
		t.Errorf("ReadU8 = %#x, %v (want little-endian low byte)", b, err)
	}
}

func TestMemory_OutOfBounds(t *testing.T) {
	mem, _ := guest(t)
	size := mem.Size()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"read past end", func() error { _, err := mem.Read(size-2, 4); return err }},
		{"read wrapped pointer", func() error { _, err := mem.Read(0xFFFFFF00, 16); return err }},
		{"string", func() error { _, err := mem.ReadString(size, 1); return err }},
		{"write", func() error { return mem.Write(size-1, []byte("ab")) }},
		{"u8", func() error { _, err := mem.ReadU8(size); return err }},
		{"u32", func() error { _, err := mem.ReadU32(size - 3); return err }},
		{"write u32", func() error { return mem.WriteU32(size-1, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if err == nil {
				t.Fatal("expected error")
			}
			if !stderrors.Is(err, errors.ErrTrap) || errors.KindOf(err) != errors.KindOutOfBounds {
				t.Errorf("err = %v, want out_of_bounds trap", err)
			}
		})
	}

	// A zero-length read at the boundary is valid.
	if _, err := mem.Read(size, 0); err != nil {
		t.Errorf("empty read at end: %v", err)
	}
}

func TestWriteInput(t *testing.T) {
	mem, alloc := guest(t)

	ptr, n, err := WriteInput(mem, alloc, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if ptr != 1024 || n != 7 {
		t.Errorf("WriteInput = (%d, %d), want (1024, 7)", ptr, n)
	}
	got, _ := mem.ReadString(ptr, n)
	if got != "payload" {
		t.Errorf("guest buffer = %q", got)
	}

	ptr, n, err = WriteInput(mem, alloc, []byte("x"))
	if err != nil || ptr != 1031 || n != 1 {
		t.Errorf("second WriteInput = (%d, %d, %v), want (1031, 1)", ptr, n, err)
	}

	ptr, n, err = WriteInput(mem, nil, nil)
	if err != nil || ptr != 0 || n != 0 {
		t.Errorf("empty input = (%d, %d, %v), want (0, 0, nil)", ptr, n, err)
	}

	if _, _, err := WriteInput(mem, nil, []byte("x")); errors.KindOf(err) != errors.KindProtocol {
		t.Errorf("missing alloc err = %v, want protocol trap", err)
	}
}

func TestNewMemory_Nil(t *testing.T) {
	if NewMemory(nil) != nil {
		t.Error("NewMemory(nil) should be nil")
	}
	if NewAllocator(context.Background(), nil) != nil {
		t.Error("NewAllocator(nil) should be nil")
	}
}
